// Package fault implements the stage-2 abort capture-and-emulate
// object: one Fault is allocated per vCPU at init time and reused
// across aborts, lazily decoding only the fields a caller actually
// touches. Generalizes the exit-dispatch-and-register-roundtrip shape
// an x86 VMM uses for a flat port-number dispatch to ARM's
// syndrome-or-instruction-decode dual path.
package fault

import (
	"errors"
	"fmt"

	"github.com/armvisor/armvisor/internal/armdecode"
	"github.com/armvisor/armvisor/internal/host"
	"github.com/armvisor/armvisor/internal/hsr"
	"github.com/armvisor/armvisor/internal/vcpuregs"
)

// Content is the lazy-population bitset in the data model.
type Content uint8

const (
	ContentRegs Content = 1 << iota
	ContentData
	ContentInst
	ContentWidth
	ContentStage
	ContentPmode
)

var (
	// ErrMisaligned reports a width/address alignment violation, a
	// fatal fault.
	ErrMisaligned = errors.New("misaligned access for width")
	// ErrWFI marks a synthetic wait-for-interrupt fault; callers must
	// not attempt device dispatch against it.
	ErrWFI = errors.New("fault is a synthetic WFI marker")
)

// Fault is allocated once per vCPU and reused across aborts.
type Fault struct {
	vcpu      int
	transport host.Transport
	hasErrata bool // HAS_ERRATA766422-equivalent platform feature flag

	token host.ReplyToken

	ip           uint64
	baseAddr     uint64
	addr         uint64
	fsr          hsr.Syndrome
	data         uint32
	width        hsr.Width
	rt           uint8
	writeNotRead bool
	instrLen     int
	stage        int
	pmode        vcpuregs.Mode
	instruction  []byte
	isPrefetch   bool
	isWFI        bool

	content Content

	cachedRegs *vcpuregs.Regs
	regsDirty  bool

	done bool
	err  error
}

// Init reserves a Fault for vcpu, allocated once at VM-build time the
// way an x86 VMM allocates one exit-info struct per vCPU.
func Init(vcpu int, t host.Transport, hasErrata bool) *Fault {
	return &Fault{vcpu: vcpu, transport: t, hasErrata: hasErrata}
}

// New populates the fault from a freshly delivered VMFault message,
// resetting all lazy state. content starts zero except ContentStage
// (set iff the syndrome is valid) and ContentData (set when the
// access is known immediately to be a read, since a read has no
// write-source operand to lazily fetch).
func (f *Fault) New(msg host.Message) {
	*f = Fault{vcpu: f.vcpu, transport: f.transport, hasErrata: f.hasErrata}

	f.ip = msg.PC
	f.baseAddr = msg.FaultIPA
	f.addr = msg.FaultIPA
	f.fsr = hsr.Syndrome(msg.HSR)
	f.isPrefetch = msg.IsPrefetch
	f.token = msg.Token
	f.stage = 1

	if f.fsr.Valid() {
		f.content |= ContentStage
	}

	if f.isPrefetch || (f.fsr.Valid() && !f.fsr.WriteNotRead()) {
		f.content |= ContentData
	}
}

// NewWFI marks f as a synthetic wait-for-interrupt fault with no
// backing address, so the distributor can wake the vCPU on the next
// assertion.
func (f *Fault) NewWFI(msg host.Message) {
	*f = Fault{vcpu: f.vcpu, transport: f.transport, hasErrata: f.hasErrata}
	f.token = msg.Token
	f.isWFI = true
}

// IsWFI reports whether this fault is the synthetic WFI marker.
func (f *Fault) IsWFI() bool { return f.isWFI }

// VCPU returns the index of the vCPU this fault was raised on, for a
// handler that needs to know the faulting vCPU rather than just the
// IPA (e.g. the vGIC distributor's SGIR writer-relative filtering).
func (f *Fault) VCPU() int { return f.vcpu }

// IP returns the guest PC at fault.
func (f *Fault) IP() uint64 { return f.ip }

// BaseAddr returns the IPA the original abort reported.
func (f *Fault) BaseAddr() uint64 { return f.baseAddr }

// Addr returns the current stage's IPA (advances between multi-word
// load/store stages).
func (f *Fault) Addr() uint64 { return f.addr }

// SetAddr overwrites the current stage's IPA. The event loop advances
// between LDRD/STRD stages with NextStage, not with SetAddr.
func (f *Fault) SetAddr(addr uint64) { f.addr = addr }

// IsPrefetch reports whether this is a PC fault (instruction fetch)
// rather than a data fault.
func (f *Fault) IsPrefetch() bool { return f.isPrefetch }

// Stage returns the remaining-passes counter.
func (f *Fault) Stage() int { return f.stage }

// Token returns the reply token, for the event loop to hand to the
// device registry alongside the fault.
func (f *Fault) Token() host.ReplyToken { return f.token }

// Err returns the error recorded by Abandon, if any.
func (f *Fault) Err() error { return f.err }

// Handled reports whether this fault has been fully serviced (a reply
// has been sent, or the fault was abandoned). Each emulation stage
// calls Advance, which only marks the fault handled once stage has
// decremented to zero.
func (f *Fault) Handled() bool { return f.done }

func (f *Fault) loadRegs() error {
	if f.content&ContentRegs != 0 {
		return nil
	}

	regs, err := f.transport.ReadRegs(f.vcpu)
	if err != nil {
		return fmt.Errorf("%w: read regs: %v", host.ErrHost, err)
	}

	f.cachedRegs = regs
	f.content |= ContentRegs

	return nil
}

// Pmode lazily decodes the current processor mode from CPSR.
func (f *Fault) Pmode() (vcpuregs.Mode, error) {
	if f.content&ContentPmode != 0 {
		return f.pmode, nil
	}

	if err := f.loadRegs(); err != nil {
		return 0, err
	}

	f.pmode = vcpuregs.DecodeMode(f.cachedRegs.CPSR)
	f.content |= ContentPmode

	return f.pmode, nil
}

func (f *Fault) isThumb() (bool, error) {
	if err := f.loadRegs(); err != nil {
		return false, err
	}

	return vcpuregs.IsThumb(f.cachedRegs.CPSR), nil
}

// decode lazily resolves width/Rt/direction/instruction length,
// either straight from a valid HSR syndrome or, when the syndrome is
// invalid, by fetching and decoding the faulting instruction via
// internal/armdecode.
func (f *Fault) decode() error {
	if f.content&ContentWidth != 0 {
		return nil
	}

	if f.fsr.Valid() {
		f.width = f.fsr.Width()
		f.rt = f.fsr.Rt()
		f.writeNotRead = f.fsr.WriteNotRead()

		if f.fsr.InstrLen32() {
			f.instrLen = 4
		} else {
			f.instrLen = 2
		}

		if f.hasErrata && f.writeNotRead {
			if thumb, err := f.isThumb(); err == nil && thumb {
				if err := f.applyErrataRt(); err != nil {
					return err
				}
			}
		}

		f.content |= ContentWidth | ContentStage

		return nil
	}

	return f.decodeFromInstruction()
}

func (f *Fault) applyErrataRt() error {
	buf, err := f.fetchInstructionBytes()
	if err != nil {
		return err
	}

	rt, err := armdecode.ErrataRt(buf)
	if err != nil {
		return fmt.Errorf("errata Rt recovery: %w", err)
	}

	f.rt = rt

	return nil
}

func (f *Fault) fetchInstructionBytes() ([]byte, error) {
	if f.content&ContentInst != 0 {
		return f.instruction, nil
	}

	thumb, err := f.isThumb()
	if err != nil {
		return nil, err
	}

	buf, err := armdecode.FetchInstruction(f.transport, f.ip, thumb)
	if err != nil {
		return nil, err
	}

	f.instruction = buf
	f.content |= ContentInst

	return buf, nil
}

func (f *Fault) decodeFromInstruction() error {
	thumb, err := f.isThumb()
	if err != nil {
		return err
	}

	buf, err := f.fetchInstructionBytes()
	if err != nil {
		return err
	}

	res, err := armdecode.Decode(buf, thumb)
	if err != nil {
		return err
	}

	f.width = res.Width
	f.rt = res.Rt
	f.writeNotRead = res.WriteNotRead
	f.instrLen = res.Len

	if res.DoubleWord {
		f.stage = 2
	}

	f.content |= ContentWidth | ContentStage

	return nil
}

// Width returns the access width, decoding on first touch.
func (f *Fault) Width() (hsr.Width, error) {
	if err := f.decode(); err != nil {
		return 0, err
	}

	return f.width, nil
}

// Rt returns the operand register, decoding on first touch.
func (f *Fault) Rt() (uint8, error) {
	if err := f.decode(); err != nil {
		return 0, err
	}

	return f.rt, nil
}

// WriteNotRead reports the access direction, decoding on first touch.
func (f *Fault) WriteNotRead() (bool, error) {
	if err := f.decode(); err != nil {
		return false, err
	}

	return f.writeNotRead, nil
}

// Mask returns the aligned 32-bit mask derived from width and the
// low bits of addr, and the bit shift the data is positioned at.
// Misaligned accesses are reported as ErrMisaligned, a fatal fault.
func (f *Fault) Mask() (mask uint32, shift uint, err error) {
	width, err := f.Width()
	if err != nil {
		return 0, 0, err
	}

	align := f.addr & 3

	switch width {
	case hsr.Byte:
		// any alignment is valid for a byte access
	case hsr.HalfWord:
		if align&1 != 0 {
			return 0, 0, fmt.Errorf("%w: halfword at %#x", ErrMisaligned, f.addr)
		}
	case hsr.Word, hsr.DoubleWord:
		if align != 0 {
			return 0, 0, fmt.Errorf("%w: word at %#x", ErrMisaligned, f.addr)
		}
	}

	shift = uint(align) * 8

	var base uint32

	switch width {
	case hsr.Byte:
		base = 0xff
	case hsr.HalfWord:
		base = 0xffff
	default:
		base = 0xffffffff
	}

	return base << shift, shift, nil
}

// Data returns the operand value: for a write, the guest's
// write-source shifted/masked into the device-facing position,
// lazily fetched from the vCPU register bank on first touch; for a
// read, whatever SetReadResult last stored.
func (f *Fault) Data() (uint32, error) {
	wr, err := f.WriteNotRead()
	if err != nil {
		return 0, err
	}

	if wr && f.content&ContentData == 0 {
		if err := f.fetchWriteSource(); err != nil {
			return 0, err
		}
	}

	return f.data, nil
}

func (f *Fault) readOperand(rt uint8) (uint32, error) {
	pmode, err := f.Pmode()
	if err != nil {
		return 0, err
	}

	if vcpuregs.Banked(pmode, rt) {
		v, err := f.transport.HypReadReg(f.vcpu, rt)
		if err != nil {
			return 0, fmt.Errorf("%w: hyp read reg r%d: %v", host.ErrHost, rt, err)
		}

		return v, nil
	}

	if err := f.loadRegs(); err != nil {
		return 0, err
	}

	reg, err := f.cachedRegs.Reg(rt)
	if err != nil {
		return 0, err
	}

	return *reg, nil
}

func (f *Fault) fetchWriteSource() error {
	rt, err := f.Rt()
	if err != nil {
		return err
	}

	raw, err := f.readOperand(rt)
	if err != nil {
		return err
	}

	mask, shift, err := f.Mask()
	if err != nil {
		return err
	}

	f.data = (raw << shift) & mask
	f.content |= ContentData

	return nil
}

// SetReadResult stores the raw value a device returned for a read
// fault, shifting it down into the guest's targeted byte-within-word.
func (f *Fault) SetReadResult(raw uint32) error {
	mask, shift, err := f.Mask()
	if err != nil {
		return err
	}

	f.data = (raw & mask) >> shift
	f.content |= ContentData

	return nil
}

// Advance commits any pending read-result write-back, then either
// finishes the fault (stage reaches zero: calls ignore, which
// advances PC and replies) or returns awaiting the next stage of a
// multi-word access.
func (f *Fault) Advance() error {
	if f.isWFI {
		return nil
	}

	wr, err := f.WriteNotRead()
	if err != nil {
		return f.Abandon(err)
	}

	if !wr {
		if err := f.writeBackReadResult(); err != nil {
			return f.Abandon(err)
		}
	}

	if f.stage > 0 {
		f.stage--
	}

	if f.stage == 0 {
		return f.ignore()
	}

	return nil
}

func (f *Fault) writeBackReadResult() error {
	rt, err := f.Rt()
	if err != nil {
		return err
	}

	pmode, err := f.Pmode()
	if err != nil {
		return err
	}

	if vcpuregs.Banked(pmode, rt) {
		if err := f.transport.HypWriteReg(f.vcpu, rt, f.data); err != nil {
			return fmt.Errorf("%w: hyp write reg r%d: %v", host.ErrHost, rt, err)
		}

		return nil
	}

	if err := f.loadRegs(); err != nil {
		return err
	}

	reg, err := f.cachedRegs.Reg(rt)
	if err != nil {
		return err
	}

	*reg = f.data
	f.regsDirty = true

	return nil
}

// ignore bumps PC by the decoded instruction length, flushes any
// dirty plain registers, and restarts the guest.
func (f *Fault) ignore() error {
	instrLen, err := f.instructionLength()
	if err != nil {
		return f.Abandon(err)
	}

	if err := f.loadRegs(); err != nil {
		return f.Abandon(err)
	}

	f.cachedRegs.SetPC(f.cachedRegs.PC() + uint32(instrLen))

	if err := f.transport.WriteRegs(f.vcpu, f.cachedRegs); err != nil {
		return f.Abandon(fmt.Errorf("%w: write regs: %v", host.ErrHost, err))
	}

	f.regsDirty = false

	return f.restart()
}

func (f *Fault) instructionLength() (int, error) {
	if err := f.decode(); err != nil {
		return 0, err
	}

	if f.instrLen == 0 {
		return 4, nil
	}

	return f.instrLen, nil
}

// NextStage advances addr and Rt for the next word of a multi-stage
// access (LDRD/STRD) once Advance has signaled more stages remain
// (Handled still false): addr moves forward a word and Rt moves to
// the next register It drops the cached operand so
// the next Data/SetReadResult call targets the new register.
func (f *Fault) NextStage() {
	f.addr += hsr.Word.Bytes()
	f.rt++
	f.content &^= ContentData
}

// Restart replies without modifying any register, used when a new
// stage-2 mapping has been installed and the guest should retry the
// same instruction.
func (f *Fault) Restart() error { return f.restart() }

func (f *Fault) restart() error {
	if f.done {
		return nil
	}

	if err := f.transport.Reply(f.token); err != nil {
		return fmt.Errorf("%w: reply: %v", host.ErrHost, err)
	}

	f.done = true

	return nil
}

// Abandon releases the reply without replying, recording err for the
// event loop to surface as a fatal VM exit.
func (f *Fault) Abandon(err error) error {
	if !f.done {
		f.done = true
		f.err = err
	}

	return err
}
