// Package vm ties the fault object, device registry and vGIC into the
// per-VM runtime and event loop: one VM record owns everything
// running beneath it, from vCPU/exit dispatch down to reboot
// sequencing.
package vm

import (
	"errors"
	"fmt"
	"log"

	"github.com/armvisor/armvisor/internal/fault"
	"github.com/armvisor/armvisor/internal/guestmem"
	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/vgic"
)

// MaxRebootHooks bounds the reboot-hook table
const MaxRebootHooks = 10

var (
	// ErrHookTableFull is returned when MaxRebootHooks is exceeded.
	ErrHookTableFull = errors.New("vm: reboot hook table exceeded")
	// ErrUnhandledMessage covers a host.Message whose Label this event
	// loop has no case for.
	ErrUnhandledMessage = errors.New("vm: unhandled message label")
	// ErrUnknownSyscall covers a guest syscall number outside the
	// documented 65/66/67 range
	ErrUnknownSyscall = errors.New("vm: unknown guest syscall")
	// ErrUserException marks a fatal guest-mode exception the host
	// delivered for logging, not recovery.
	ErrUserException = errors.New("vm: fatal user exception")
	// ErrVCPURange covers a message naming a vCPU index outside
	// [0, nCPUs).
	ErrVCPURange = errors.New("vm: vcpu index out of range")
)

// Guest-to-host syscall numbers. ELF/atag loading and the actual
// stage-2 page-table walk backing PAToIPA/IPAToPA are out of scope for
// this library; it only owns the dispatch shape.
const (
	SyscallPAToIPA = 65
	SyscallIPAToPA = 66
	SyscallNOP     = 67
)

// RebootHook runs as part of VM.Reboot, in registration order, with
// the first failure short-circuiting the rest.
type RebootHook func(v *VM) error

// VCPU is the per-vCPU runtime record: its reusable Fault object and
// whether it is currently suspended in WFI/WFE.
type VCPU struct {
	Index int
	Fault *fault.Fault
	WFI   bool
}

// VM is the per-guest runtime record: a stage-2 address space
// (Registry), a vCPU set, a vGIC, and an ordered reboot hook sequence,
// all driven through one Host transport.
type VM struct {
	Name string
	ID   uint64

	Host     host.Transport
	Registry *guestmem.Registry
	VGIC     *vgic.VGIC
	VCPUs    []*VCPU

	hooks []RebootHook
	logf  func(format string, args ...interface{})
}

// New allocates a VM with nCPUs vCPUs and an empty device registry.
// installer may be nil to disable on-demand install. logf defaults to
// log.Printf, matching unstructured Printf-based
// logging throughout machine.go/serial.go.
func New(name string, id uint64, t host.Transport, nCPUs int, hasErrata bool, installer guestmem.OnDemandInstaller, logf func(string, ...interface{})) *VM {
	if logf == nil {
		logf = log.Printf
	}

	v := &VM{
		Name:     name,
		ID:       id,
		Host:     t,
		Registry: guestmem.NewRegistry(installer),
		VGIC:     vgic.New(nCPUs, t),
		logf:     logf,
	}

	v.VCPUs = make([]*VCPU, nCPUs)
	for i := range v.VCPUs {
		v.VCPUs[i] = &VCPU{Index: i, Fault: fault.Init(i, t, hasErrata)}
	}

	return v
}

// InstallDevice registers d in the VM's address space.
func (v *VM) InstallDevice(d *guestmem.Device) error {
	return v.Registry.Install(d)
}

// AddRebootHook appends h to the reboot sequence.
func (v *VM) AddRebootHook(h RebootHook) error {
	if len(v.hooks) >= MaxRebootHooks {
		return fmt.Errorf("%w: limit %d", ErrHookTableFull, MaxRebootHooks)
	}

	v.hooks = append(v.hooks, h)

	return nil
}

// Reboot runs every registered hook in order, stopping at the first
// failure.
func (v *VM) Reboot() error {
	for i, h := range v.hooks {
		if err := h(v); err != nil {
			return fmt.Errorf("vm %s: reboot hook %d failed: %w", v.Name, i, err)
		}
	}

	return nil
}

// Start validates the VM is ready to run. Actually resuming suspended
// vCPUs is a host primitive outside Transport's scope; callers drive
// vCPU entry through their own host binding and feed resulting events
// to Dispatch.
func (v *VM) Start() error {
	if len(v.VCPUs) == 0 {
		return fmt.Errorf("vm %s: no vcpus configured", v.Name)
	}

	return nil
}

func (v *VM) vcpu(idx int) (*VCPU, error) {
	if idx < 0 || idx >= len(v.VCPUs) {
		return nil, fmt.Errorf("%w: %d", ErrVCPURange, idx)
	}

	return v.VCPUs[idx], nil
}
