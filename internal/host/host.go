// Package host declares the abstract interface to the underlying
// microkernel that the fault, vGIC and LR-manager packages are built
// against: any host that can deliver these messages works, so the
// core library carries no syscall or ioctl dependency of its own. A
// concrete in-process implementation for tests lives in host/sim.
package host

import (
	"errors"

	"github.com/armvisor/armvisor/internal/vcpuregs"
)

// ErrHost wraps failures from the underlying host primitive, the ARM
// analogue of kvm.ErrUnexpectedExitReason.
var ErrHost = errors.New("host primitive failed")

// ReplyToken is an opaque handle permitting the event loop to unblock
// a suspended guest vCPU exactly once. It is intentionally opaque:
// the core library never inspects it, only passes it back to Reply.
type ReplyToken interface{}

// Transport is the set of host primitives the core library needs:
// register I/O (plain and banked), guest memory access for
// instruction fetch and MMIO read-through, list-register injection,
// and reply delivery.
type Transport interface {
	// ReadRegs/WriteRegs access the plain (non-banked) register
	// context for vcpu, the ARM analogue of kvm.GetRegs/SetRegs.
	ReadRegs(vcpu int) (*vcpuregs.Regs, error)
	WriteRegs(vcpu int, r *vcpuregs.Regs) error

	// HypWriteReg writes banked register rt in vcpu's current mode
	// through the hypervisor-register-write path (used instead of
	// WriteRegs when vcpuregs.Banked reports true).
	HypWriteReg(vcpu int, rt uint8, val uint32) error
	// HypReadReg is the banked-register read counterpart.
	HypReadReg(vcpu int, rt uint8) (uint32, error)

	// ReadGuestMemory performs a stage-2 walk and copies len(b) bytes
	// from guest-physical address ipa, with no copyout side effect
	// (used for instruction fetch by the decoder).
	ReadGuestMemory(ipa uint64, b []byte) error

	// WriteListRegister programs hardware list register idx with
	// group0 virq on vcpu, the ARM analogue of kvm.IRQLine.
	WriteListRegister(vcpu int, idx int, virq uint32) error
	// ClearListRegister empties hardware list register idx.
	ClearListRegister(vcpu int, idx int) error

	// Reply unblocks the guest vCPU associated with tok, restarting
	// guest execution. It must be called at most once per token.
	Reply(tok ReplyToken) error
}

// MessageLabel identifies the kind of message the host delivered to
// the VM event loop.
type MessageLabel int

const (
	LabelVMFault MessageLabel = iota
	LabelUnknownSyscall
	LabelUserException
	LabelVGICMaintenance
	LabelVCPUFault
	LabelExternalIRQ
)

// Message is the host-delivered payload the event loop dispatches on.
// Only the fields relevant to Label are populated: a single struct
// carrying a union of possible exit payloads selected by Label.
type Message struct {
	Label MessageLabel
	VCPU  int

	// VMFault
	IsPrefetch bool
	FaultIPA   uint64
	HSR        uint32
	PC         uint64

	// UnknownSyscall
	SyscallNumber uint64

	// VGICMaintenance
	ListRegisterIndex int

	// ExternalIRQ
	IRQ uint32

	// Every message carries a reply token the loop must eventually
	// consume via Transport.Reply, except ExternalIRQ/VGICMaintenance
	// which are host notifications with no blocked guest to resume.
	Token ReplyToken
}
