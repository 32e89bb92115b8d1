// Package vcpuregs models the architectural register file of a single
// vCPU and the CPSR-derived processor mode: ARM's r0..r15/cpsr plus
// banked-mode routing.
package vcpuregs

import "fmt"

// Regs is the plain (non-banked) view of a vCPU's general-purpose
// registers, the ARM analogue of kvm.Regs.
type Regs struct {
	R    [16]uint32 // R[15] is PC
	CPSR uint32
}

const pcIndex = 15

// PC returns the current program counter.
func (r *Regs) PC() uint32 { return r.R[pcIndex] }

// SetPC sets the program counter.
func (r *Regs) SetPC(v uint32) { r.R[pcIndex] = v }

// Reg returns a pointer to general-purpose register n (0..15), the
// ARM equivalent of machine.GetReg's x86 register table.
func (r *Regs) Reg(n uint8) (*uint32, error) {
	if n > 15 {
		return nil, fmt.Errorf("%w: r%d", ErrBadRegister, n)
	}

	return &r.R[n], nil
}

// ErrBadRegister is returned for an out-of-range register index.
var ErrBadRegister = fmt.Errorf("register index out of range 0..15")

// Mode is the processor mode decoded from CPSR[4:0].
type Mode uint8

const (
	ModeUser Mode = iota
	ModeFIQ
	ModeIRQ
	ModeSupervisor
	ModeAbort
	ModeHypervisor
	ModeUndefined
	ModeSystem
	modeUnknown
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "User"
	case ModeFIQ:
		return "FIQ"
	case ModeIRQ:
		return "IRQ"
	case ModeSupervisor:
		return "Supervisor"
	case ModeAbort:
		return "Abort"
	case ModeHypervisor:
		return "Hypervisor"
	case ModeUndefined:
		return "Undefined"
	case ModeSystem:
		return "System"
	default:
		return "Unknown"
	}
}

// cpsrModeBits are the ARM CPSR M[4:0] encodings.
const (
	cpsrUser       = 0b10000
	cpsrFIQ        = 0b10001
	cpsrIRQ        = 0b10010
	cpsrSupervisor = 0b10011
	cpsrAbort      = 0b10111
	cpsrHyp        = 0b11010
	cpsrUndefined  = 0b11011
	cpsrSystem     = 0b11111
)

// DecodeMode decodes CPSR[4:0] into a Mode.
func DecodeMode(cpsr uint32) Mode {
	switch cpsr & 0x1f {
	case cpsrUser:
		return ModeUser
	case cpsrFIQ:
		return ModeFIQ
	case cpsrIRQ:
		return ModeIRQ
	case cpsrSupervisor:
		return ModeSupervisor
	case cpsrAbort:
		return ModeAbort
	case cpsrHyp:
		return ModeHypervisor
	case cpsrUndefined:
		return ModeUndefined
	case cpsrSystem:
		return ModeSystem
	default:
		return modeUnknown
	}
}

// IsThumb reports whether CPSR bit 5 (the T bit) is set.
func IsThumb(cpsr uint32) bool {
	return cpsr&(1<<5) != 0
}

// Banked reports whether register rt is a banked GPR in mode m, i.e.
// whether operand access to it must route through the hypervisor's
// per-mode register-write primitive instead of the plain register
// context. FIQ banks r8..r14; IRQ/SVC/Abort/Undefined bank r13/r14
// only. User and System mode never bank.
func Banked(m Mode, rt uint8) bool {
	switch m {
	case ModeFIQ:
		return rt >= 8 && rt <= 14
	case ModeIRQ, ModeSupervisor, ModeAbort, ModeUndefined:
		return rt == 13 || rt == 14
	default:
		return false
	}
}
