// Package vgic implements the virtual GICv2 distributor and per-vCPU
// list-register manager. The two are kept in one package because they
// are tightly coupled: the distributor's pending-set operation must
// reach directly into a vCPU's list-register shadow and overflow queue
// to load or enqueue an assertion, and the list-register manager's
// maintenance handler must reach back into the distributor to clear
// the per-IRQ pending bit.
//
// The controller holds masked/raw interrupt-request state behind one
// struct the way an 8259A-style PIC controller would, generalized from
// a flat line model to GICv2's enabled/pending/active per-IRQ state
// machine and per-vCPU list registers.
package vgic

import (
	"errors"
	"fmt"

	"github.com/armvisor/armvisor/internal/host"
)

// NumIRQs bounds the modeled IRQ space (16 SGI + 16 PPI + up to 224
// SPI), eight 32-bit words for the bitmap registers.
const NumIRQs = 256

const numWords = NumIRQs / 32

// NumLocalVirqs is the SGI+PPI count (0..31)
const NumLocalVirqs = 32

// NumLR is the hardware list-register count.
const NumLR = 4

// MaxIRQQueueLen is the per-vCPU overflow ring size, a power of two
//
const MaxIRQQueueLen = 64

var (
	// ErrQueueFull is returned when a vCPU's overflow ring is
	// exhausted, a fatal misconfiguration.
	ErrQueueFull = errors.New("vgic: list-register overflow queue full")
	// ErrBadIRQ covers an out-of-range IRQ or list-register index.
	ErrBadIRQ = errors.New("vgic: irq or list-register index out of range")
)

// IRQState is the per-IRQ state machine.
type IRQState int

const (
	StateDisabled IRQState = iota
	StateEnabledIdle
	StateEnabledPending
	StateEnabledActive
	StateEnabledActivePending
)

func (s IRQState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabledIdle:
		return "enabled-idle"
	case StateEnabledPending:
		return "enabled-pending"
	case StateEnabledActive:
		return "enabled-active"
	case StateEnabledActivePending:
		return "enabled-active-pending"
	default:
		return "unknown"
	}
}

// VirqHandle is the per-virtual-IRQ record owned exclusively by the
// vGIC
type VirqHandle struct {
	Virq  uint32
	Ack   func(virq uint32, token interface{})
	Token interface{}
}

type irqInfo struct {
	enabled  bool
	pending  bool
	active   bool
	group1   bool
	handle   *VirqHandle
	inFlight bool // true once queued/loaded, false after ack
}

func (i *irqInfo) state() IRQState {
	switch {
	case !i.enabled:
		return StateDisabled
	case i.active && i.pending:
		return StateEnabledActivePending
	case i.active:
		return StateEnabledActive
	case i.pending:
		return StateEnabledPending
	default:
		return StateEnabledIdle
	}
}

// VGIC is the per-VM record: the distributor register file plus one
// CPUState per vCPU.
type VGIC struct {
	ctlrEnabled bool
	irqs        [NumIRQs]irqInfo
	priority    [NumIRQs]byte
	targets     [NumIRQs]byte
	cfg         [NumIRQs / 16]uint32 // 2 bits/irq

	sgiPending [0x20]byte // CPENDSGIRn+SPENDSGIRn raw storage, no side effects

	cpus []*CPUState
}

// New builds a vGIC for nCPUs vCPUs, each driven through t.
func New(nCPUs int, t host.Transport) *VGIC {
	v := &VGIC{}

	const numSGIs = 16

	for i := 0; i < numSGIs; i++ {
		v.irqs[i].enabled = true // ISENABLER0 resets to 0x0000ffff: SGIs are always enabled
	}

	for i := range v.targets {
		v.targets[i] = 0x01 // default SPI target: CPU0
	}

	v.cfg[0] = 0xaaaaaaaa
	if len(v.cfg) > 1 {
		v.cfg[1] = 0x55540000
	}

	for i := 2; i < len(v.cfg); i++ {
		v.cfg[i] = 0x55555555
	}

	v.cpus = make([]*CPUState, nCPUs)
	for i := range v.cpus {
		v.cpus[i] = newCPUState(i, t)
	}

	return v
}

func (v *VGIC) irq(n int) (*irqInfo, error) {
	if n < 0 || n >= NumIRQs {
		return nil, fmt.Errorf("%w: irq %d", ErrBadIRQ, n)
	}

	return &v.irqs[n], nil
}

// defaultTargetCPU resolves the vCPU an SPI/PPI is routed to: byte 0
// of ITARGETSRn (CPU0 by default), clamped to the configured vCPU
// count.
func (v *VGIC) defaultTargetCPU(irq int) int {
	if irq < NumLocalVirqs {
		return 0
	}

	t := v.targets[irq]
	for cpu := 0; cpu < len(v.cpus); cpu++ {
		if t&(1<<uint(cpu)) != 0 {
			return cpu
		}
	}

	return 0
}

// RegisterHandle pre-registers the ack callback and token a device
// wants invoked when irq's maintenance fires (e.g. re-enabling the
// underlying hardware IRQ source). Devices call this once at install
// time; AssertSPI/assert reuse the same handle on every subsequent
// assertion.
func (v *VGIC) RegisterHandle(irq uint32, ack func(virq uint32, token interface{}), token interface{}) error {
	info, err := v.irq(int(irq))
	if err != nil {
		return err
	}

	info.handle = &VirqHandle{Virq: irq, Ack: ack, Token: token}

	return nil
}

// handleFor returns irq's registered handle, lazily allocating one
// with no ack callback if the device never registered one.
func (v *VGIC) handleFor(irq int) *irqInfo {
	info := &v.irqs[irq]
	if info.handle == nil {
		info.handle = &VirqHandle{Virq: uint32(irq)}
	}

	return info
}

// assert is the common entry for any source (device side-effect, SGIR
// write, or an external-IRQ message) raising irq to pending.
func (v *VGIC) assert(irq int) error {
	return v.assertOnCPU(v.defaultTargetCPU(irq), irq)
}

// IRQState reports irq's current position in the per-IRQ state
// machine, for diagnostics and tests.
func (v *VGIC) IRQState(irq int) (IRQState, error) {
	info, err := v.irq(irq)
	if err != nil {
		return StateDisabled, err
	}

	return info.state(), nil
}

// AssertSPI raises a shared-peripheral interrupt from an emulated
// device's side effect, e.g. UARTBacking.OnWrite injecting via the
// VM's vGIC handle.
func (v *VGIC) AssertSPI(irq uint32) error { return v.assert(int(irq)) }

// OnMaintenance is the maintenance-IRQ entry point, called when the
// host delivers a VGICMaintenance message for vcpu.
func (v *VGIC) OnMaintenance(vcpu int, lrIndex int) error {
	if vcpu < 0 || vcpu >= len(v.cpus) {
		return fmt.Errorf("%w: vcpu %d", ErrBadIRQ, vcpu)
	}

	return v.cpus[vcpu].onMaintenance(v, lrIndex)
}
