package guestmem_test

import (
	"encoding/binary"
	"testing"

	"github.com/armvisor/armvisor/internal/fault"
	"github.com/armvisor/armvisor/internal/guestmem"
	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/host/sim"
)

func writeFault(transport *sim.Transport, ipa uint64, rt uint8) *fault.Fault {
	f := fault.Init(0, transport, false)
	f.New(host.Message{
		PC:       0x1000,
		FaultIPA: ipa,
		HSR:      (1 << 24) | (2 << 22) | (uint32(rt) << 16) | (1 << 6), // word write
	})

	return f
}

func TestMaskDenialReportAndMask(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4)

	var logged string

	d := guestmem.NewMaskDevice(0x9000, 0x1000, guestmem.DevCustom, "ctl0", mem,
		[]uint32{0x0000ffff}, guestmem.ActionReportAndMask,
		func(format string, args ...interface{}) { logged = sprintf(format, args...) })

	r := guestmem.NewRegistry(nil)
	if err := r.Install(d); err != nil {
		t.Fatalf("install: %v", err)
	}

	transport := sim.New(make([]byte, 0x10000), 1, 4)
	transport.SetRegs(0, regsWithR5(0xdeadbeef))

	f := writeFault(transport, 0x9000, 5)

	if err := r.Dispatch(f); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if logged == "" {
		t.Error("expected a denial to be logged for the high-half write")
	}

	got := binary.LittleEndian.Uint32(mem)
	want := uint32(0xbeef) // only the low 16 bits (the writable mask) took effect

	if got != want {
		t.Errorf("mem = %#x, want %#x (denied bits masked out)", got, want)
	}
}

func TestMaskDeviceActionMaskOnlySuppressesLog(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4)

	var logged bool

	d := guestmem.NewMaskDevice(0x9000, 0x1000, guestmem.DevCustom, "ctl0", mem,
		[]uint32{0x0000ffff}, guestmem.ActionMaskOnly,
		func(format string, args ...interface{}) { logged = true })

	r := guestmem.NewRegistry(nil)
	if err := r.Install(d); err != nil {
		t.Fatalf("install: %v", err)
	}

	transport := sim.New(make([]byte, 0x10000), 1, 4)
	transport.SetRegs(0, regsWithR5(0xffffffff))

	f := writeFault(transport, 0x9000, 5)

	if err := r.Dispatch(f); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if logged {
		t.Error("ActionMaskOnly must not log a denial")
	}

	got := binary.LittleEndian.Uint32(mem)
	if got != 0x0000ffff {
		t.Errorf("mem = %#x, want 0x0000ffff", got)
	}
}
