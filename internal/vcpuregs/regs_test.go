package vcpuregs_test

import (
	"errors"
	"testing"

	"github.com/armvisor/armvisor/internal/vcpuregs"
)

func TestRegsPC(t *testing.T) {
	t.Parallel()

	var r vcpuregs.Regs
	r.SetPC(0x8000)

	if got := r.PC(); got != 0x8000 {
		t.Errorf("PC() = %#x, want 0x8000", got)
	}
}

func TestRegsRegOutOfRange(t *testing.T) {
	t.Parallel()

	var r vcpuregs.Regs

	if _, err := r.Reg(16); !errors.Is(err, vcpuregs.ErrBadRegister) {
		t.Errorf("Reg(16) err = %v, want ErrBadRegister", err)
	}

	p, err := r.Reg(3)
	if err != nil {
		t.Fatalf("Reg(3): %v", err)
	}

	*p = 42
	if r.R[3] != 42 {
		t.Errorf("R[3] = %d, want 42", r.R[3])
	}
}

func TestDecodeMode(t *testing.T) {
	t.Parallel()

	cases := map[uint32]vcpuregs.Mode{
		0b10000: vcpuregs.ModeUser,
		0b10001: vcpuregs.ModeFIQ,
		0b10010: vcpuregs.ModeIRQ,
		0b10011: vcpuregs.ModeSupervisor,
		0b10111: vcpuregs.ModeAbort,
		0b11010: vcpuregs.ModeHypervisor,
		0b11011: vcpuregs.ModeUndefined,
		0b11111: vcpuregs.ModeSystem,
	}

	for cpsr, want := range cases {
		if got := vcpuregs.DecodeMode(cpsr); got != want {
			t.Errorf("DecodeMode(%#x) = %v, want %v", cpsr, got, want)
		}
	}
}

func TestIsThumb(t *testing.T) {
	t.Parallel()

	if !vcpuregs.IsThumb(1 << 5) {
		t.Error("expected thumb bit set to report true")
	}

	if vcpuregs.IsThumb(0) {
		t.Error("expected thumb bit clear to report false")
	}
}

func TestBanked(t *testing.T) {
	t.Parallel()

	if !vcpuregs.Banked(vcpuregs.ModeFIQ, 10) {
		t.Error("expected r10 banked in FIQ mode")
	}

	if vcpuregs.Banked(vcpuregs.ModeFIQ, 7) {
		t.Error("expected r7 not banked in FIQ mode")
	}

	if !vcpuregs.Banked(vcpuregs.ModeIRQ, 13) {
		t.Error("expected r13 banked in IRQ mode")
	}

	if vcpuregs.Banked(vcpuregs.ModeIRQ, 12) {
		t.Error("expected r12 not banked in IRQ mode")
	}

	if vcpuregs.Banked(vcpuregs.ModeUser, 14) {
		t.Error("expected no banking in User mode")
	}
}
