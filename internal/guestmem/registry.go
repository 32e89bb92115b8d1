// Package guestmem implements the interval-indexed IPA-to-device map
// and its four backing policies (RAM-only, passthrough, emulated, and
// access-controlled): registering non-overlapping ranges and
// dispatching a fault to whichever ARM stage-2 IPA range claims it.
package guestmem

import (
	"errors"
	"fmt"

	"github.com/armvisor/armvisor/internal/fault"
)

// DevID is the closed enumeration of device kinds.
type DevID int

const (
	DevRAM DevID = iota
	DevVGICDist
	DevVGICCPU
	DevVGICVCPU
	DevUART0
	DevUART1
	DevUART2
	DevUART3
	DevTimer0
	DevTimer1
	DevTimer2
	DevTimer3
	DevCustom
)

// Policy is the install policy selected for a device
type Policy int

const (
	PolicyRAMOnly Policy = iota
	PolicyPassthrough
	PolicyEmulated
	PolicyAccessControlled
)

// MaxDevicesPerVM bounds the device table
const MaxDevicesPerVM = 50

// PageSize is the stage-2 mapping granule every device range's Size
// must be a multiple of.
const PageSize = 0x1000

var (
	// ErrDeviceFull is returned when MaxDevicesPerVM is exceeded.
	ErrDeviceFull = errors.New("device table exceeded")
	// ErrOverlap is returned when a device's IPA range intersects an
	// already-installed device.
	ErrOverlap = errors.New("device range overlaps an existing device")
	// ErrUnhandledFault is returned when no device claims an IPA and
	// on-demand install is disabled or itself fails.
	ErrUnhandledFault = errors.New("no device claims this address")
	// ErrInvalidConfig covers malformed device descriptors (size
	// overflow, zero size, mask wider than device, etc).
	ErrInvalidConfig = errors.New("invalid device configuration")
)

// Handler services a fault whose IPA fell within a device's range.
// offset is the fault's IPA minus the device's Pstart.
type Handler interface {
	Handle(f *fault.Fault, offset uint64) error
}

// Device is an immutable, installed IPA range
type Device struct {
	Pstart  uint64
	Size    uint64
	DevID   DevID
	Name    string
	Policy  Policy
	Handler Handler
}

func (d *Device) end() uint64 { return d.Pstart + d.Size }

func (d *Device) contains(ipa uint64) bool {
	return ipa >= d.Pstart && ipa < d.end()
}

// OnDemandInstaller backs the opt-in on-demand install policy: attempt
// passthrough first, then RAM, else fatal.
type OnDemandInstaller interface {
	InstallPassthrough(ipa uint64) (*Device, error)
	InstallRAM(ipa uint64) (*Device, error)
}

// Registry is the per-VM append-only device table.
type Registry struct {
	devices   []*Device
	installer OnDemandInstaller
}

// NewRegistry builds an empty registry. installer may be nil, in which
// case an unclaimed IPA is always fatal.
func NewRegistry(installer OnDemandInstaller) *Registry {
	return &Registry{installer: installer}
}

// Install appends d to the table after checking size overflow and
// overlap against every existing device invariant.
func (r *Registry) Install(d *Device) error {
	if len(r.devices) >= MaxDevicesPerVM {
		return fmt.Errorf("%w: limit %d", ErrDeviceFull, MaxDevicesPerVM)
	}

	end := d.Pstart + d.Size
	if end < d.Pstart || d.Size == 0 {
		return fmt.Errorf("%w: %s has zero size or overflowing range", ErrInvalidConfig, d.Name)
	}

	if d.Size%PageSize != 0 {
		return fmt.Errorf("%w: %s size %#x is not a multiple of the page size %#x", ErrInvalidConfig, d.Name, d.Size, PageSize)
	}

	for _, existing := range r.devices {
		if d.Pstart < existing.end() && existing.Pstart < end {
			return fmt.Errorf("%w: %s [%#x,%#x) overlaps %s [%#x,%#x)",
				ErrOverlap, d.Name, d.Pstart, end, existing.Name, existing.Pstart, existing.end())
		}
	}

	r.devices = append(r.devices, d)

	return nil
}

// LookupIPA performs a linear scan over installed devices.
func (r *Registry) LookupIPA(ipa uint64) (*Device, bool) {
	for _, d := range r.devices {
		if d.contains(ipa) {
			return d, true
		}
	}

	return nil, false
}

// LookupDevID returns the first installed device tagged id.
func (r *Registry) LookupDevID(id DevID) (*Device, bool) {
	for _, d := range r.devices {
		if d.DevID == id {
			return d, true
		}
	}

	return nil, false
}

// Devices returns the installed devices in install order, for the
// event loop's reboot-hook and teardown sequencing.
func (r *Registry) Devices() []*Device {
	return r.devices
}

// Dispatch looks up the device owning f's current IPA and invokes its
// handler, falling back to on-demand install when configured.
func (r *Registry) Dispatch(f *fault.Fault) error {
	ipa := f.Addr()

	d, ok := r.LookupIPA(ipa)
	if !ok {
		installed, err := r.installOnDemand(ipa)
		if err != nil {
			return f.Abandon(err)
		}

		d = installed
	}

	if d.Handler == nil {
		return f.Abandon(fmt.Errorf("%w: device %s has no handler", ErrUnhandledFault, d.Name))
	}

	return d.Handler.Handle(f, ipa-d.Pstart)
}

func (r *Registry) installOnDemand(ipa uint64) (*Device, error) {
	if r.installer == nil {
		return nil, fmt.Errorf("%w: ipa %#x", ErrUnhandledFault, ipa)
	}

	d, err := r.installer.InstallPassthrough(ipa)
	if err != nil {
		d, err = r.installer.InstallRAM(ipa)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: on-demand install failed for ipa %#x: %v", ErrUnhandledFault, ipa, err)
	}

	if err := r.Install(d); err != nil {
		return nil, err
	}

	return d, nil
}

// alignWord rounds offset down to the containing 4-byte word, matching
// fault.Fault.Mask's word-granularity shift convention.
func alignWord(offset uint64) uint64 { return offset &^ 3 }
