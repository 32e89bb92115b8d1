package guestmem

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/armvisor/armvisor/internal/fault"
)

// MaskAction selects how a MaskDevice reacts to a write that touches a
// read-only (unmasked) bit
type MaskAction int

const (
	ActionReportOnly MaskAction = iota
	ActionMaskOnly
	ActionReportAndMask
)

// MaskDevice emulates a register block mapped read-write in the
// hypervisor, where only a subset of bits are writable by the guest.
// The writable-bit mask is a caller-owned, live-updatable, per-word
// array rather than a single fixed bitmask.
type MaskDevice struct {
	Name   string
	Action MaskAction

	// Mem is the live device register block, mapped read-write in the
	// hypervisor's own address space.
	Mem []byte

	// Mask is one writable-bit mask per 4-byte register; bits outside
	// it are read-only to the guest. Caller-owned and may be
	// live-updated; shorter than Mem/4 is permitted, with offsets
	// beyond it treated as fully read-only.
	Mask []uint32

	Logf func(format string, args ...interface{})
}

// NewMaskDevice builds an access-controlled device descriptor.
func NewMaskDevice(pstart, size uint64, devid DevID, name string, mem []byte, mask []uint32, action MaskAction, logf func(string, ...interface{})) *Device {
	if logf == nil {
		logf = log.Printf
	}

	m := &MaskDevice{Name: name, Action: action, Mem: mem, Mask: mask, Logf: logf}

	return &Device{
		Pstart:  pstart,
		Size:    size,
		DevID:   devid,
		Name:    name,
		Policy:  PolicyAccessControlled,
		Handler: m,
	}
}

func (m *MaskDevice) maskWord(regOff uint64) uint32 {
	idx := regOff / 4
	if int(idx) >= len(m.Mask) {
		return 0 // beyond the supplied mask: fully read-only
	}

	return m.Mask[idx]
}

// Handle implements the read-passthrough / masked-write contract: a
// read always returns the live register value, a write applies only
// to the bits declared writable by Mask and reports or suppresses the
// rest per Action.
func (m *MaskDevice) Handle(f *fault.Fault, offset uint64) error {
	regOff := alignWord(offset)
	if regOff+4 > uint64(len(m.Mem)) {
		return f.Abandon(fmt.Errorf("%w: offset %#x outside %s (size %d)", ErrInvalidConfig, offset, m.Name, len(m.Mem)))
	}

	wr, err := f.WriteNotRead()
	if err != nil {
		return f.Abandon(err)
	}

	orig := binary.LittleEndian.Uint32(m.Mem[regOff:])

	if !wr {
		if err := f.SetReadResult(orig); err != nil {
			return f.Abandon(err)
		}

		return f.Advance()
	}

	data, err := f.Data()
	if err != nil {
		return f.Abandon(err)
	}

	writeMask, _, err := f.Mask()
	if err != nil {
		return f.Abandon(err)
	}

	emu := (orig &^ writeMask) | (data & writeMask)
	mask := m.maskWord(regOff)
	denied := (emu ^ orig) &^ mask

	final := emu

	if denied != 0 {
		switch m.Action {
		case ActionReportOnly:
			m.Logf("guestmem: mask device %s denied write bits %#x at offset %#x (commit %#x)", m.Name, denied, offset, emu)
		case ActionMaskOnly:
			final = (emu & mask) | (orig &^ mask)
		case ActionReportAndMask:
			m.Logf("guestmem: mask device %s denied write bits %#x at offset %#x (commit %#x)", m.Name, denied, offset, (emu&mask)|(orig&^mask))
			final = (emu & mask) | (orig &^ mask)
		}
	}

	binary.LittleEndian.PutUint32(m.Mem[regOff:], final)

	return f.Advance()
}
