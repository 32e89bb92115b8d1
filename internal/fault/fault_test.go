package fault_test

import (
	"errors"
	"testing"

	"github.com/armvisor/armvisor/internal/fault"
	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/host/sim"
	"github.com/armvisor/armvisor/internal/hsr"
	"github.com/armvisor/armvisor/internal/vcpuregs"
)

func syndromeFor(width hsr.Width, rt uint8, write bool, il32 bool) uint32 {
	s := uint32(1 << 24) // ISV
	s |= uint32(width) << 22
	s |= uint32(rt) << 16

	if write {
		s |= 1 << 6
	}

	if il32 {
		s |= 1 << 25
	}

	return s
}

func TestByteWriteAlignmentMask(t *testing.T) {
	t.Parallel()

	transport := sim.New(make([]byte, 0x10000), 1, 4)
	transport.SetRegs(0, vcpuregs.Regs{R: [16]uint32{5: 0xaa}})

	f := fault.Init(0, transport, false)
	f.New(host.Message{
		PC:       0x1000,
		FaultIPA: 0x2001, // byte 1 of the word
		HSR:      syndromeFor(hsr.Byte, 5, true, true),
	})

	mask, shift, err := f.Mask()
	if err != nil {
		t.Fatalf("Mask: %v", err)
	}

	if shift != 8 {
		t.Errorf("shift = %d, want 8 for offset-1 byte access", shift)
	}

	if mask != 0xff00 {
		t.Errorf("mask = %#x, want 0xff00", mask)
	}

	data, err := f.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}

	if data != 0xaa<<8 {
		t.Errorf("data = %#x, want %#x", data, 0xaa<<8)
	}

	if err := f.Advance(); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if !f.Handled() {
		t.Error("expected single-stage byte write to be handled after one Advance")
	}
}

func TestLDRDTwoStageEmulation(t *testing.T) {
	t.Parallel()

	transport := sim.New(make([]byte, 0x10000), 1, 4)
	transport.SetRegs(0, vcpuregs.Regs{})

	f := fault.Init(0, transport, false)

	// LDRD R2,R3,[R0]: ARM encoding, cond=AL, Rn=0, Rt=2, imm=0.
	// bits: cond 000 P U 1 W 0 Rn Rt imm4H 1 1 0 1 imm4L
	ldrd := uint32(0xE1C020D0)

	if err := transport.WriteGuestMemory(0x1000, []byte{
		byte(ldrd), byte(ldrd >> 8), byte(ldrd >> 16), byte(ldrd >> 24),
	}); err != nil {
		t.Fatalf("seed guest memory: %v", err)
	}

	// Write two distinct words at 0x3000/0x3004 for the load to pick up.
	if err := transport.WriteGuestMemory(0x3000, []byte{0x11, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("seed word 0: %v", err)
	}

	if err := transport.WriteGuestMemory(0x3004, []byte{0x22, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("seed word 1: %v", err)
	}

	// ISV=0: the syndrome gives no width/Rt, so the fault must decode
	// the faulting instruction itself to discover the LDRD/DoubleWord
	// shape.
	f.New(host.Message{
		PC:       0x1000,
		FaultIPA: 0x3000,
		HSR:      0,
	})

	if got := stageAfterDecode(t, f); got != 2 {
		t.Fatalf("Stage() after decode trigger = %d, want 2 for LDRD", got)
	}

	if err := f.SetReadResult(0x11); err != nil {
		t.Fatalf("SetReadResult stage 1: %v", err)
	}

	if err := f.Advance(); err != nil {
		t.Fatalf("Advance stage 1: %v", err)
	}

	if f.Handled() {
		t.Fatal("expected LDRD to still need a second stage")
	}

	f.NextStage()

	if got := f.Addr(); got != 0x3004 {
		t.Errorf("Addr() after NextStage = %#x, want 0x3004", got)
	}

	if err := f.SetReadResult(0x22); err != nil {
		t.Fatalf("SetReadResult stage 2: %v", err)
	}

	if err := f.Advance(); err != nil {
		t.Fatalf("Advance stage 2: %v", err)
	}

	if !f.Handled() {
		t.Fatal("expected LDRD to be fully handled after both stages")
	}

	if len(transport.Replies) != 1 {
		t.Errorf("Replies = %d, want exactly one reply for the whole multi-stage fault", len(transport.Replies))
	}
}

// stageAfterDecode forces Width() (and therefore decode) to run so the
// assertion above observes the post-decode stage count.
func stageAfterDecode(t *testing.T, f *fault.Fault) int {
	t.Helper()

	if _, err := f.Width(); err != nil {
		t.Fatalf("Width: %v", err)
	}

	return f.Stage()
}

func TestMisalignedWordAccessIsFatal(t *testing.T) {
	t.Parallel()

	transport := sim.New(make([]byte, 0x10000), 1, 4)

	f := fault.Init(0, transport, false)
	f.New(host.Message{
		PC:       0x1000,
		FaultIPA: 0x2001,
		HSR:      syndromeFor(hsr.Word, 0, false, true),
	})

	_, _, err := f.Mask()
	if !errors.Is(err, fault.ErrMisaligned) {
		t.Fatalf("Mask err = %v, want ErrMisaligned", err)
	}
}

func TestRestartReplysAtMostOnce(t *testing.T) {
	t.Parallel()

	transport := sim.New(make([]byte, 0x10000), 1, 4)

	f := fault.Init(0, transport, false)
	f.NewWFI(host.Message{})

	if !f.IsWFI() {
		t.Fatal("expected IsWFI true")
	}

	if err := f.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	if err := f.Restart(); err != nil {
		t.Fatalf("second Restart: %v", err)
	}

	if len(transport.Replies) != 1 {
		t.Errorf("Replies = %d, want exactly 1 (Restart must be idempotent)", len(transport.Replies))
	}
}
