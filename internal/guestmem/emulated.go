package guestmem

import (
	"encoding/binary"
	"fmt"

	"github.com/armvisor/armvisor/internal/fault"
)

// Backing applies device-specific side effects for an emulated-frame
// device's writes (e.g. buffering a UART TX byte and flushing on
// '\n'). OnWrite is called after the raw write has already landed in
// the shared frame.
type Backing interface {
	OnWrite(regOff uint64, value uint32) error
}

// EmulatedDevice backs a shared hypervisor/guest frame: reads are
// satisfied directly from Mem with no side effects (this policy must
// never be used for FIFO-style devices), writes trap and land in Mem
// before Backing.OnWrite fires.
type EmulatedDevice struct {
	Name    string
	Mem     []byte
	Backing Backing
}

// NewEmulatedDevice describes a device backed by a shared frame,
// read-only to the guest and read-write to the hypervisor.
func NewEmulatedDevice(pstart, size uint64, devid DevID, name string, mem []byte, backing Backing) *Device {
	e := &EmulatedDevice{Name: name, Mem: mem, Backing: backing}

	return &Device{
		Pstart:  pstart,
		Size:    size,
		DevID:   devid,
		Name:    name,
		Policy:  PolicyEmulated,
		Handler: e,
	}
}

func (e *EmulatedDevice) Handle(f *fault.Fault, offset uint64) error {
	regOff := alignWord(offset)
	if regOff+4 > uint64(len(e.Mem)) {
		return f.Abandon(fmt.Errorf("%w: offset %#x outside %s (size %d)", ErrInvalidConfig, offset, e.Name, len(e.Mem)))
	}

	wr, err := f.WriteNotRead()
	if err != nil {
		return f.Abandon(err)
	}

	if !wr {
		raw := binary.LittleEndian.Uint32(e.Mem[regOff:])
		if err := f.SetReadResult(raw); err != nil {
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

	orig := binary.LittleEndian.Uint32(e.Mem[regOff:])
	val := (orig &^ writeMask) | (data & writeMask)

	binary.LittleEndian.PutUint32(e.Mem[regOff:], val)

	if e.Backing != nil {
		if err := e.Backing.OnWrite(regOff, val); err != nil {
			return f.Abandon(err)
		}
	}

	return f.Advance()
}
