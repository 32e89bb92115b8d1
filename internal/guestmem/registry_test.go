package guestmem_test

import (
	"errors"
	"testing"

	"github.com/armvisor/armvisor/internal/fault"
	"github.com/armvisor/armvisor/internal/guestmem"
	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/host/sim"
)

func readFault(transport *sim.Transport, ipa uint64) *fault.Fault {
	f := fault.Init(0, transport, false)
	f.New(host.Message{
		PC:       0x1000,
		FaultIPA: ipa,
		HSR:      (1 << 24) | (2 << 22), // ISV=1, SAS=word, SRT=0, WnR=0 (read)
	})

	return f
}

func TestInstallOverlapRejected(t *testing.T) {
	t.Parallel()

	r := guestmem.NewRegistry(nil)

	if err := r.Install(guestmem.NewRAMDevice(0x1000, 0x1000, "ram0")); err != nil {
		t.Fatalf("install ram0: %v", err)
	}

	err := r.Install(guestmem.NewRAMDevice(0x1800, 0x1000, "ram1"))
	if !errors.Is(err, guestmem.ErrOverlap) {
		t.Fatalf("install ram1 (overlapping) err = %v, want ErrOverlap", err)
	}
}

func TestLookupDevID(t *testing.T) {
	t.Parallel()

	r := guestmem.NewRegistry(nil)

	d := guestmem.NewRAMDevice(0x1000, 0x1000, "ram0")
	if err := r.Install(d); err != nil {
		t.Fatalf("install: %v", err)
	}

	got, ok := r.LookupDevID(guestmem.DevRAM)
	if !ok || got != d {
		t.Fatalf("LookupDevID(DevRAM) = %v, %v, want %v, true", got, ok, d)
	}

	if _, ok := r.LookupDevID(guestmem.DevUART0); ok {
		t.Error("expected no UART0 device installed")
	}
}

func TestDispatchUnclaimedIPAWithNoInstaller(t *testing.T) {
	t.Parallel()

	r := guestmem.NewRegistry(nil)
	transport := sim.New(make([]byte, 0x10000), 1, 4)

	f := readFault(transport, 0x5000)

	if err := r.Dispatch(f); !errors.Is(err, guestmem.ErrUnhandledFault) {
		t.Fatalf("Dispatch err = %v, want ErrUnhandledFault", err)
	}

	if !f.Handled() {
		t.Error("expected the fault to be abandoned (handled) on a fatal dispatch error")
	}
}

func TestDispatchRAMFaultIsFatal(t *testing.T) {
	t.Parallel()

	r := guestmem.NewRegistry(nil)
	if err := r.Install(guestmem.NewRAMDevice(0x1000, 0x1000, "ram0")); err != nil {
		t.Fatalf("install: %v", err)
	}

	transport := sim.New(make([]byte, 0x10000), 1, 4)
	f := readFault(transport, 0x1100)

	if err := r.Dispatch(f); !errors.Is(err, guestmem.ErrUnhandledFault) {
		t.Fatalf("Dispatch err = %v, want ErrUnhandledFault (RAM faults should never reach the handler)", err)
	}
}
