package vm

import (
	"fmt"

	"github.com/armvisor/armvisor/internal/host"
)

// Dispatch is the event loop's single entry point, the ARM analogue
// of machine.Machine.RunOnce's exit-reason switch, generalized to the
// host's six message labels
func (v *VM) Dispatch(msg host.Message) error {
	vcpu, err := v.vcpu(msg.VCPU)
	if err != nil {
		return err
	}

	switch msg.Label {
	case host.LabelVMFault:
		return v.handleVMFault(vcpu, msg)
	case host.LabelUnknownSyscall:
		return v.handleSyscall(vcpu, msg)
	case host.LabelUserException:
		return v.handleUserException(vcpu, msg)
	case host.LabelVGICMaintenance:
		return v.VGIC.OnMaintenance(msg.VCPU, msg.ListRegisterIndex)
	case host.LabelVCPUFault:
		return v.handleVCPUFault(vcpu, msg)
	case host.LabelExternalIRQ:
		return v.handleExternalIRQ(vcpu, msg)
	default:
		return fmt.Errorf("%w: %d", ErrUnhandledMessage, msg.Label)
	}
}

// handleVMFault runs f through the device registry until it reports
// handled, advancing addr/Rt between stages for a multi-word access
// (LDRD/STRD)
func (v *VM) handleVMFault(vcpu *VCPU, msg host.Message) error {
	f := vcpu.Fault
	f.New(msg)

	for !f.Handled() {
		if err := v.Registry.Dispatch(f); err != nil {
			return fmt.Errorf("vm %s: vcpu %d fault at %#x: %w", v.Name, vcpu.Index, f.Addr(), err)
		}

		if !f.Handled() {
			f.NextStage()
		}
	}

	if err := f.Err(); err != nil {
		return fmt.Errorf("vm %s: vcpu %d fault at %#x: %w", v.Name, vcpu.Index, f.BaseAddr(), err)
	}

	return nil
}

// handleSyscall decodes the three documented guest-to-host syscall
// numbers. The actual PA<->IPA translation depends on a stage-2
// page-table layout this library doesn't own, so the guest is simply
// unblocked: a structurally-decoded but minimally-implemented guest
// request, the same pattern a shutdown-control device uses for a
// request it only needs to acknowledge.
func (v *VM) handleSyscall(vcpu *VCPU, msg host.Message) error {
	switch msg.SyscallNumber {
	case SyscallPAToIPA, SyscallIPAToPA, SyscallNOP:
		if err := v.Host.Reply(msg.Token); err != nil {
			return fmt.Errorf("%w: vcpu %d syscall reply: %v", host.ErrHost, vcpu.Index, err)
		}

		return nil
	default:
		return fmt.Errorf("%w: %d on vcpu %d", ErrUnknownSyscall, msg.SyscallNumber, vcpu.Index)
	}
}

func (v *VM) handleUserException(vcpu *VCPU, msg host.Message) error {
	v.logf("vm %s: fatal user exception on vcpu %d, pc=%#x", v.Name, vcpu.Index, msg.PC)

	return fmt.Errorf("%w: vcpu %d pc=%#x", ErrUserException, vcpu.Index, msg.PC)
}

// handleVCPUFault synthesizes the WFI/WFE marker fault and suspends
// the vCPU. No reply is sent: the vCPU stays parked until an external
// IRQ arrives.
func (v *VM) handleVCPUFault(vcpu *VCPU, msg host.Message) error {
	vcpu.Fault.NewWFI(msg)
	vcpu.WFI = true

	return nil
}

// handleExternalIRQ injects an asserted SPI into the vGIC and, if the
// target vCPU was parked in WFI, restarts it.
func (v *VM) handleExternalIRQ(vcpu *VCPU, msg host.Message) error {
	if err := v.VGIC.AssertSPI(msg.IRQ); err != nil {
		return fmt.Errorf("vm %s: external irq %d: %w", v.Name, msg.IRQ, err)
	}

	if !vcpu.WFI {
		return nil
	}

	vcpu.WFI = false

	if err := vcpu.Fault.Restart(); err != nil {
		return fmt.Errorf("vm %s: vcpu %d wfi restart: %w", v.Name, vcpu.Index, err)
	}

	return nil
}
