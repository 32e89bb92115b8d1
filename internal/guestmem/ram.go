package guestmem

import (
	"fmt"

	"github.com/armvisor/armvisor/internal/fault"
)

// ramHandler backs the RAM-only policy. Every page in the range is
// mapped at install time, so a fault reaching this handler means the
// stage-2 mapping was never actually established -- a fatal
// misconfiguration, not a recoverable emulation path.
type ramHandler struct{}

func (ramHandler) Handle(f *fault.Fault, offset uint64) error {
	return f.Abandon(fmt.Errorf("%w: unmapped RAM fault at offset %#x", ErrUnhandledFault, offset))
}

// NewRAMDevice describes a RAM-only range. The caller's host transport
// is responsible for actually allocating and mapping the zeroed
// frames at install time; the registry only records the range and its
// fatal-on-fault handler.
func NewRAMDevice(pstart, size uint64, name string) *Device {
	return &Device{
		Pstart:  pstart,
		Size:    size,
		DevID:   DevRAM,
		Name:    name,
		Policy:  PolicyRAMOnly,
		Handler: ramHandler{},
	}
}

// passthroughHandler backs the passthrough policy. Like RAM, every
// fault reaching it is unexpected since the whole range is mapped
// host-physical 1:1 at install time.
type passthroughHandler struct{}

func (passthroughHandler) Handle(f *fault.Fault, offset uint64) error {
	return f.Abandon(fmt.Errorf("%w: unexpected trap on passthrough device at offset %#x", ErrUnhandledFault, offset))
}

// NewPassthroughDevice describes a 1:1 host-physical range.
func NewPassthroughDevice(pstart, size uint64, devid DevID, name string) *Device {
	return &Device{
		Pstart:  pstart,
		Size:    size,
		DevID:   devid,
		Name:    name,
		Policy:  PolicyPassthrough,
		Handler: passthroughHandler{},
	}
}
