package vgic

import (
	"fmt"

	"github.com/armvisor/armvisor/internal/host"
)

// CPUState is the per-vCPU vGIC record: the hardware list-register
// shadow and the power-of-two overflow ring "vGIC vCPU".
type CPUState struct {
	vcpu      int
	transport host.Transport

	lrShadow [NumLR]*VirqHandle

	queue    [MaxIRQQueueLen]*VirqHandle
	head     int
	tail     int
	queueLen int
}

func newCPUState(vcpu int, t host.Transport) *CPUState {
	return &CPUState{vcpu: vcpu, transport: t}
}

func (c *CPUState) enqueue(h *VirqHandle) bool {
	if c.queueLen == MaxIRQQueueLen {
		return false
	}

	c.queue[c.tail] = h
	c.tail = (c.tail + 1) & (MaxIRQQueueLen - 1)
	c.queueLen++

	return true
}

func (c *CPUState) dequeue() (*VirqHandle, bool) {
	if c.queueLen == 0 {
		return nil, false
	}

	h := c.queue[c.head]
	c.queue[c.head] = nil
	c.head = (c.head + 1) & (MaxIRQQueueLen - 1)
	c.queueLen--

	return h, true
}

// inject finds the lowest-index empty list register and loads it; if
// all are occupied it pushes h onto the overflow ring
func (c *CPUState) inject(v *VGIC, h *VirqHandle) error {
	for i := range c.lrShadow {
		if c.lrShadow[i] == nil {
			if err := c.transport.WriteListRegister(c.vcpu, i, h.Virq); err != nil {
				return fmt.Errorf("%w: write lr %d on vcpu %d: %v", host.ErrHost, i, c.vcpu, err)
			}

			if info, err := v.irq(int(h.Virq)); err == nil {
				// Loading into a list register is the virtual analogue
				// of the CPU acknowledging the interrupt: pending
				// clears, active sets.
				info.active = true
				info.pending = false
			}

			c.lrShadow[i] = h

			return nil
		}
	}

	if !c.enqueue(h) {
		return fmt.Errorf("%w: vcpu %d virq %d", ErrQueueFull, c.vcpu, h.Virq)
	}

	return nil
}

// onMaintenance services a drained list register: clears active,
// reloads immediately if the irq was reasserted while in flight
// (Enabled-Active-Pending -> Enabled-Pending), acks the handle, frees
// the slot, and otherwise loads the next queued virq if any.
func (c *CPUState) onMaintenance(v *VGIC, idx int) error {
	if idx < 0 || idx >= len(c.lrShadow) {
		return fmt.Errorf("%w: lr %d on vcpu %d", ErrBadIRQ, idx, c.vcpu)
	}

	h := c.lrShadow[idx]
	if h == nil {
		return nil
	}

	if err := c.transport.ClearListRegister(c.vcpu, idx); err != nil {
		return fmt.Errorf("%w: clear lr %d on vcpu %d: %v", host.ErrHost, idx, c.vcpu, err)
	}

	c.lrShadow[idx] = nil

	reassert := false

	if info, err := v.irq(int(h.Virq)); err == nil {
		info.active = false
		reassert = info.pending
		info.inFlight = reassert
	}

	if h.Ack != nil {
		h.Ack(h.Virq, h.Token)
	}

	if reassert {
		return c.inject(v, h)
	}

	next, ok := c.dequeue()
	if !ok {
		return nil
	}

	return c.inject(v, next)
}
