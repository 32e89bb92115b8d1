package config

import (
	"fmt"
	"log"

	"github.com/armvisor/armvisor/internal/host/sim"
	"github.com/armvisor/armvisor/internal/profiling"
	"github.com/armvisor/armvisor/internal/vgic"
	"github.com/armvisor/armvisor/term"
	"github.com/armvisor/armvisor/vm"
)

// Run builds a reference in-process VM from cmd and starts it. This
// library has no concrete host binding of its own (the microkernel/
// ioctl layer is out of scope here), so the boot subcommand wires the
// reference internal/host/sim transport; production deployments link
// their own host.Transport and call vm.New directly.
func (cmd *BootCMD) Run() error {
	cfg, err := cmd.Resolve()
	if err != nil {
		return err
	}

	prof, err := profiling.Start(cfg.TraceProfile)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := prof.Stop(); stopErr != nil {
			log.Printf("armvisor: profile stop: %v", stopErr)
		}
	}()

	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			return fmt.Errorf("armvisor: set raw mode: %w", err)
		}
		defer restore()
	}

	transport := sim.New(make([]byte, cfg.MemSize), cfg.NCPUs, vgic.NumLR)

	guest := vm.New("armvisor-guest", 0, transport, cfg.NCPUs, cfg.HasErrata, nil, nil)

	for _, d := range cfg.Devices {
		pstart, err := ParseAddr(d.Pstart)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}

		log.Printf("armvisor: device %s requested at %#x (install wiring is deployment-specific)", d.Name, pstart)
	}

	return guest.Start()
}

// Run reports the static capability surface this reference build
// supports. A real deployment would probe its host microkernel here,
// the ARM analogue of probe.CPUID; this library has no concrete host
// binding, so it reports what the core packages implement.
func (cmd *ProbeCMD) Run() error {
	fmt.Printf("armvisor core: %d modeled IRQs, %d hardware list registers per vCPU, %d-entry overflow queue\n",
		vgic.NumIRQs, vgic.NumLR, vgic.MaxIRQQueueLen)

	return nil
}
