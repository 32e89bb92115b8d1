// Command armvisor is the thin CLI entrypoint: it parses a config.CLI
// with kong and drives the public vm lifecycle API. It never
// implements device policy or fault handling itself.
package main

import (
	"log"

	"github.com/alecthomas/kong"

	"github.com/armvisor/armvisor/internal/config"
)

func main() {
	c := config.CLI{}

	ctx := kong.Parse(&c,
		kong.Name("armvisor"),
		kong.Description("armvisor is an ARM Type-1 hypervisor core library CLI"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}
