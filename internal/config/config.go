// Package config parses the command-line shape the VM is launched
// with, a kong-tagged CLI plus a resolved Config. Parsing is kept
// thin deliberately: device policy and fault handling belong to
// vm/guestmem, never to this package.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DeviceSpec names one device to install at VM-build time: an IPA, a
// DevID name (resolved by the caller, since config has no guestmem
// dependency), and the policy to install it under.
type DeviceSpec struct {
	Name   string `kong:"help='device name, e.g. uart0, timer0'"`
	Pstart string `kong:"help='guest-physical start address, e.g. 0x1c090000'"`
	Size   string `kong:"help='IPA range size, e.g. 0x1000'"`
	Policy string `kong:"help='ram|passthrough|emulated|access-controlled',default='emulated'"`
}

// BootCMD is the kong command for starting a VM, the ARM analogue of
// flag.BootCMD.
type BootCMD struct {
	NCPUs           int          `kong:"short='c',default='1',help='number of vCPUs'"`
	MemSize         string       `kong:"short='m',default='256M',help='guest RAM size: number[kKmMgG]'"`
	Devices         []DeviceSpec `kong:"help='devices to install at boot'"`
	OnDemandInstall bool         `kong:"help='fall back to passthrough-then-RAM for unclaimed IPAs'"`
	HasErrata       bool         `kong:"help='enable the Thumb store Rt-recovery errata workaround'"`
	TraceProfile    string       `kong:"help='fgprof wall-clock profile output path, empty disables'"`
}

// ProbeCMD reports host capabilities without building a VM, the ARM
// analogue of flag.ProbeCMD / probe.KVMCapabilities.
type ProbeCMD struct{}

// CLI is the kong root command, parsed by cmd/armvisor/main.go.
type CLI struct {
	Boot  BootCMD  `kong:"cmd,help='boot a guest VM'"`
	Probe ProbeCMD `kong:"cmd,help='report host virtualization capabilities'"`
}

// Config is the resolved, parsed form BootCMD produces, consumed by
// vm.New. MemSize is resolved to bytes; Devices are carried over as
// parsed, with their address and size strings left unparsed.
type Config struct {
	NCPUs           int
	MemSize         int
	Devices         []DeviceSpec
	OnDemandInstall bool
	HasErrata       bool
	TraceProfile    string
}

var errZeroCPUs = errors.New("config: ncpus must be positive")

// Resolve converts a parsed BootCMD into a Config, validating the
// vCPU count and the mem-size string eagerly so vm.New never has to.
func (c *BootCMD) Resolve() (*Config, error) {
	if c.NCPUs <= 0 {
		return nil, errZeroCPUs
	}

	memSize, err := ParseSize(c.MemSize, "m")
	if err != nil {
		return nil, fmt.Errorf("config: mem-size: %w", err)
	}

	return &Config{
		NCPUs:           c.NCPUs,
		MemSize:         memSize,
		Devices:         c.Devices,
		OnDemandInstall: c.OnDemandInstall,
		HasErrata:       c.HasErrata,
		TraceProfile:    c.TraceProfile,
	}, nil
}

// ParseSize parses a size string as number[gGmMkK], carried over
// unchanged from flag.ParseSize: the multiplier is optional and
// defaults to unit when absent.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
}

// ParseAddr parses a hex or decimal guest address/size literal, e.g.
// "0x1c090000".
func ParseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %q: %w", s, err)
	}

	return v, nil
}
