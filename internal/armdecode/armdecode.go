// Package armdecode recovers the operand register and access width of
// a trapped ARM/Thumb load or store when the HSR syndrome is invalid
// (ISV=0), by fetching and decoding the faulting instruction itself.
//
// ARM-mode instructions are decoded with golang.org/x/arch/arm/armasm
// rather than a hand-rolled parser. That disassembler decodes ARM mode
// only, so Decode returns ErrDecode for every Thumb instruction. The
// errata path (ErrataRt below) matches raw Thumb store bit patterns
// itself, since they are platform-specific literals a generic
// disassembler has no model for.
package armdecode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/arm/armasm"

	"github.com/armvisor/armvisor/internal/hsr"
)

// ErrDecode covers any fetch or decode failure, surfaced upward by the
// fault package as a fatal VM exit.
var ErrDecode = errors.New("instruction decode failed")

// ErrUnknownEncoding is returned when an instruction is recognized by
// the disassembler but this package has no load/store operand mapping
// for it (e.g. it is not a memory access at all).
var ErrUnknownEncoding = errors.New("not a decodable load/store")

// GuestReader fetches raw guest-physical bytes with no side effects,
// the subset of host.Transport the decoder needs.
type GuestReader interface {
	ReadGuestMemory(ipa uint64, b []byte) error
}

// Result is the information the fault object needs to emulate a
// syndrome-invalid access.
type Result struct {
	Width       hsr.Width
	Rt          uint8
	WriteNotRead bool
	// Len is the instruction length in bytes (2 for Thumb16, 4 for
	// Thumb32 or ARM), used by Fault.ignore to advance PC correctly.
	Len int
	// DoubleWord marks LDRD/STRD, which the fault object must service
	// as two Word-width stages.
	DoubleWord bool
}

// FetchInstruction reads the faulting instruction at ip from guest
// memory via r. For Thumb, it classifies the first halfword to decide
// whether a 32-bit Thumb-2 instruction follows, fetches the second
// halfword if so, and canonicalizes the pair by swapping the
// high/low halfwords. For ARM mode it reads a single 4-byte word.
func FetchInstruction(r GuestReader, ip uint64, thumb bool) ([]byte, error) {
	if !thumb {
		buf := make([]byte, 4)
		if err := r.ReadGuestMemory(ip, buf); err != nil {
			return nil, fmt.Errorf("fetch arm word at %#x: %w: %v", ip, ErrDecode, err)
		}

		return buf, nil
	}

	lo := make([]byte, 2)
	if err := r.ReadGuestMemory(ip, lo); err != nil {
		return nil, fmt.Errorf("fetch thumb halfword at %#x: %w: %v", ip, ErrDecode, err)
	}

	loWord := uint16(lo[0]) | uint16(lo[1])<<8
	if !isThumb32Prefix(loWord) {
		return lo, nil
	}

	hi := make([]byte, 2)
	if err := r.ReadGuestMemory(ip+2, hi); err != nil {
		return nil, fmt.Errorf("fetch thumb32 tail at %#x: %w: %v", ip+2, ErrDecode, err)
	}

	// Canonicalize: put the second halfword's bytes first, so that
	// reading the four bytes as a little-endian word places the first
	// halfword in bits 31:16, the layout ErrataRt matches against.
	return []byte{hi[0], hi[1], lo[0], lo[1]}, nil
}

// isThumb32Prefix implements the (inst>>11)&0x1F classifier: the
// top-five bits 0b11101, 0b11110, 0b11111 mark a 32-bit Thumb-2
// instruction.
func isThumb32Prefix(loHalfword uint16) bool {
	switch (loHalfword >> 11) & 0x1f {
	case 0b11101, 0b11110, 0b11111:
		return true
	default:
		return false
	}
}

// Decode disassembles buf (as produced by FetchInstruction) and
// extracts the load/store operand needed to emulate the access. With
// thumb set it returns ErrDecode, as armasm decodes ARM mode only.
func Decode(buf []byte, thumb bool) (Result, error) {
	mode := armasm.ModeARM
	if thumb {
		mode = armasm.ModeThumb
	}

	inst, err := armasm.Decode(buf, mode)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	res, err := classify(inst)
	if err != nil {
		return Result{}, err
	}

	res.Len = inst.Len

	return res, nil
}

// classify maps a decoded instruction to the width/Rt/direction the
// fault object needs. Only single-register and LDRD/STRD forms that
// can trap to a device are handled; every other opcode is
// ErrUnknownEncoding, which the fault object treats as fatal.
func classify(inst armasm.Inst) (Result, error) {
	rt, ok := firstReg(inst)
	if !ok {
		return Result{}, fmt.Errorf("%w: %v has no register operand", ErrUnknownEncoding, inst.Op)
	}

	switch inst.Op {
	case armasm.STRB, armasm.LDRB, armasm.STRBT, armasm.LDRBT, armasm.LDRSB:
		return Result{Width: hsr.Byte, Rt: rt, WriteNotRead: isStore(inst.Op)}, nil
	case armasm.STRH, armasm.LDRH, armasm.STRHT, armasm.LDRHT, armasm.LDRSH:
		return Result{Width: hsr.HalfWord, Rt: rt, WriteNotRead: isStore(inst.Op)}, nil
	case armasm.STR, armasm.LDR, armasm.STRT, armasm.LDRT:
		return Result{Width: hsr.Word, Rt: rt, WriteNotRead: isStore(inst.Op)}, nil
	case armasm.STRD, armasm.LDRD:
		return Result{Width: hsr.Word, Rt: rt, WriteNotRead: isStore(inst.Op), DoubleWord: true}, nil
	default:
		return Result{}, fmt.Errorf("%w: %v", ErrUnknownEncoding, inst.Op)
	}
}

func isStore(op armasm.Op) bool {
	switch op {
	case armasm.STR, armasm.STRB, armasm.STRH, armasm.STRD, armasm.STRT, armasm.STRBT, armasm.STRHT:
		return true
	default:
		return false
	}
}

// firstReg returns the destination/source register operand (Rt),
// which armasm always places first for the single-register load/store
// forms handled by classify.
func firstReg(inst armasm.Inst) (uint8, bool) {
	reg, ok := inst.Args[0].(armasm.Reg)
	if !ok {
		return 0, false
	}

	return regIndex(reg)
}

// regIndex converts an armasm.Reg to its architectural 0..15 index.
func regIndex(r armasm.Reg) (uint8, bool) {
	if r < armasm.R0 || r > armasm.R15 {
		return 0, false
	}

	return uint8(r - armasm.R0), true
}
