package vm_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/armvisor/armvisor/internal/guestmem"
	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/vcpuregs"
	"github.com/armvisor/armvisor/vm"
)

func TestDispatchVMFaultSingleStageRepliesOnce(t *testing.T) {
	t.Parallel()

	guest, transport := newTestVM(t, 1)

	mem := make([]byte, 4)
	d := guestmem.NewMaskDevice(0x9000, 0x1000, guestmem.DevCustom, "ctl0", mem,
		[]uint32{0xffffffff}, guestmem.ActionReportOnly, func(string, ...interface{}) {})

	if err := guest.InstallDevice(d); err != nil {
		t.Fatalf("install: %v", err)
	}

	var r vcpuregs.Regs
	r.R[5] = 0x12345678
	transport.SetRegs(0, r)

	err := guest.Dispatch(host.Message{
		Label:    host.LabelVMFault,
		VCPU:     0,
		PC:       0x1000,
		FaultIPA: 0x9000,
		HSR:      (1 << 24) | (2 << 22) | (5 << 16) | (1 << 6), // word write, Rt=r5
		Token:    "mmio-tok",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := binary.LittleEndian.Uint32(mem)
	if got != 0x12345678 {
		t.Errorf("mem = %#x, want %#x", got, 0x12345678)
	}

	if len(transport.Replies) != 1 || transport.Replies[0] != "mmio-tok" {
		t.Errorf("Replies = %v, want [mmio-tok]", transport.Replies)
	}
}

func TestDispatchVGICMaintenanceDelegates(t *testing.T) {
	t.Parallel()

	guest, _ := newTestVM(t, 1)

	// No list register is loaded, so maintenance on an empty slot is a
	// harmless no-op exercised purely to confirm the label routes
	// through to VGIC.OnMaintenance rather than erroring.
	err := guest.Dispatch(host.Message{
		Label:             host.LabelVGICMaintenance,
		VCPU:              0,
		ListRegisterIndex: 0,
	})
	if err != nil {
		t.Fatalf("Dispatch VGICMaintenance: %v", err)
	}
}

func TestDispatchUserExceptionIsFatal(t *testing.T) {
	t.Parallel()

	guest, _ := newTestVM(t, 1)

	err := guest.Dispatch(host.Message{
		Label: host.LabelUserException,
		VCPU:  0,
		PC:    0xdead0000,
	})
	if !errors.Is(err, vm.ErrUserException) {
		t.Fatalf("err = %v, want ErrUserException", err)
	}
}

func TestStartRejectsZeroVCPUs(t *testing.T) {
	t.Parallel()

	guest, _ := newTestVM(t, 0)

	if err := guest.Start(); err == nil {
		t.Fatal("expected Start to reject a VM with no vcpus")
	}
}

func TestStartAcceptsConfiguredVCPUs(t *testing.T) {
	t.Parallel()

	guest, _ := newTestVM(t, 2)

	if err := guest.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestAddRebootHookTableFull(t *testing.T) {
	t.Parallel()

	guest, _ := newTestVM(t, 1)

	for i := 0; i < vm.MaxRebootHooks; i++ {
		if err := guest.AddRebootHook(func(*vm.VM) error { return nil }); err != nil {
			t.Fatalf("AddRebootHook %d: %v", i, err)
		}
	}

	err := guest.AddRebootHook(func(*vm.VM) error { return nil })
	if !errors.Is(err, vm.ErrHookTableFull) {
		t.Fatalf("err = %v, want ErrHookTableFull", err)
	}
}
