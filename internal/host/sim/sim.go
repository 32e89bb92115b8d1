// Package sim provides an in-process host.Transport for unit tests,
// with no real kernel or ioctl underneath: a minimal stand-in that
// exercises the real interface shape without a real backing
// implementation.
package sim

import (
	"fmt"

	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/vcpuregs"
)

type bankedKey struct {
	vcpu int
	rt   uint8
}

// Transport is a host.Transport backed by a plain []byte guest memory
// slice and per-vCPU register state, with no syscalls.
type Transport struct {
	Mem  []byte
	regs []vcpuregs.Regs

	banked map[bankedKey]uint32

	lrVirq   [][]uint32
	lrLoaded [][]bool

	// Replies records every token passed to Reply, in order, so tests
	// can assert the guest was unblocked exactly once per fault.
	Replies []host.ReplyToken
}

// New builds a Transport over mem with nCPUs vCPUs and numLR hardware
// list registers per vCPU.
func New(mem []byte, nCPUs, numLR int) *Transport {
	t := &Transport{
		Mem:    mem,
		regs:   make([]vcpuregs.Regs, nCPUs),
		banked: make(map[bankedKey]uint32),
	}

	t.lrVirq = make([][]uint32, nCPUs)
	t.lrLoaded = make([][]bool, nCPUs)

	for i := 0; i < nCPUs; i++ {
		t.lrVirq[i] = make([]uint32, numLR)
		t.lrLoaded[i] = make([]bool, numLR)
	}

	return t
}

func (t *Transport) checkVCPU(vcpu int) error {
	if vcpu < 0 || vcpu >= len(t.regs) {
		return fmt.Errorf("%w: vcpu %d out of range", host.ErrHost, vcpu)
	}

	return nil
}

// SetRegs is a test-setup convenience that bypasses the interface
// method naming (WriteRegs is reserved for the Transport role).
func (t *Transport) SetRegs(vcpu int, r vcpuregs.Regs) { t.regs[vcpu] = r }

func (t *Transport) ReadRegs(vcpu int) (*vcpuregs.Regs, error) {
	if err := t.checkVCPU(vcpu); err != nil {
		return nil, err
	}

	r := t.regs[vcpu]

	return &r, nil
}

func (t *Transport) WriteRegs(vcpu int, r *vcpuregs.Regs) error {
	if err := t.checkVCPU(vcpu); err != nil {
		return err
	}

	t.regs[vcpu] = *r

	return nil
}

func (t *Transport) HypWriteReg(vcpu int, rt uint8, val uint32) error {
	if err := t.checkVCPU(vcpu); err != nil {
		return err
	}

	t.banked[bankedKey{vcpu, rt}] = val

	return nil
}

func (t *Transport) HypReadReg(vcpu int, rt uint8) (uint32, error) {
	if err := t.checkVCPU(vcpu); err != nil {
		return 0, err
	}

	return t.banked[bankedKey{vcpu, rt}], nil
}

func (t *Transport) ReadGuestMemory(ipa uint64, b []byte) error {
	if ipa+uint64(len(b)) > uint64(len(t.Mem)) {
		return fmt.Errorf("%w: read past guest memory end at %#x", host.ErrHost, ipa)
	}

	copy(b, t.Mem[ipa:])

	return nil
}

// WriteGuestMemory is not part of host.Transport (the decoder only
// ever needs read-only access) but tests need it to seed guest code
// and devices need it indirectly through RAM-backing setup, so it is
// exposed here as a plain helper.
func (t *Transport) WriteGuestMemory(ipa uint64, b []byte) error {
	if ipa+uint64(len(b)) > uint64(len(t.Mem)) {
		return fmt.Errorf("%w: write past guest memory end at %#x", host.ErrHost, ipa)
	}

	copy(t.Mem[ipa:], b)

	return nil
}

func (t *Transport) WriteListRegister(vcpu int, idx int, virq uint32) error {
	if err := t.checkVCPU(vcpu); err != nil {
		return err
	}

	if idx < 0 || idx >= len(t.lrVirq[vcpu]) {
		return fmt.Errorf("%w: lr %d out of range on vcpu %d", host.ErrHost, idx, vcpu)
	}

	t.lrVirq[vcpu][idx] = virq
	t.lrLoaded[vcpu][idx] = true

	return nil
}

func (t *Transport) ClearListRegister(vcpu int, idx int) error {
	if err := t.checkVCPU(vcpu); err != nil {
		return err
	}

	if idx < 0 || idx >= len(t.lrVirq[vcpu]) {
		return fmt.Errorf("%w: lr %d out of range on vcpu %d", host.ErrHost, idx, vcpu)
	}

	t.lrLoaded[vcpu][idx] = false

	return nil
}

// ListRegisterLoaded reports whether lr idx on vcpu currently holds a
// virq, for test assertions.
func (t *Transport) ListRegisterLoaded(vcpu, idx int) (uint32, bool) {
	return t.lrVirq[vcpu][idx], t.lrLoaded[vcpu][idx]
}

func (t *Transport) Reply(tok host.ReplyToken) error {
	t.Replies = append(t.Replies, tok)
	return nil
}
