package vgic

import (
	"encoding/binary"
	"fmt"

	"github.com/armvisor/armvisor/internal/fault"
	"github.com/armvisor/armvisor/internal/guestmem"
)

// Distributor register byte offsets, bit-exact
const (
	offCTLR   = 0x000
	offTYPER  = 0x004
	offIIDR   = 0x008
	offIGROUP = 0x080
	offISENA  = 0x100
	offICENA  = 0x180
	offISPEND = 0x200
	offICPEND = 0x280
	offISACT  = 0x300
	offICACT  = 0x380
	offIPRIO  = 0x400
	offITARG  = 0x800
	offICFG   = 0xc00
	offSGIR   = 0xf00
	offCPEND  = 0xf10
	offSPEND  = 0xf20
	offPID    = 0xfc0
	offCID    = 0xff0

	distSize = 0x1000
)

const (
	resetTYPER = 0x0000fce7
	resetIIDR  = 0x0200043b
)

var resetPeriphID = [0x30]byte{4: 0x04, 8: 0x90, 9: 0xb4, 10: 0x2b}

var resetComponentID = [0x10]byte{0: 0x0d, 1: 0xf0, 2: 0x05, 3: 0xb1}

// Device wraps v as the installable vGIC distributor MMIO device, per
// GIC_DIST_PADDR-relative layout. size must be a whole page;
// distSize (4 KiB) already is.
func (v *VGIC) Device(pstart uint64) *guestmem.Device {
	return &guestmem.Device{
		Pstart:  pstart,
		Size:    distSize,
		DevID:   guestmem.DevVGICDist,
		Name:    "vgic-dist",
		Policy:  guestmem.PolicyEmulated,
		Handler: distHandler{v},
	}
}

type distHandler struct{ v *VGIC }

func (h distHandler) Handle(f *fault.Fault, offset uint64) error {
	return h.v.handleDist(f, offset)
}

func (v *VGIC) handleDist(f *fault.Fault, offset uint64) error {
	regOff := offset &^ 3

	wr, err := f.WriteNotRead()
	if err != nil {
		return f.Abandon(err)
	}

	if !wr {
		val, err := v.readDist(regOff)
		if err != nil {
			return f.Abandon(err)
		}

		if err := f.SetReadResult(val); err != nil {
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

	if err := v.writeDist(f.VCPU(), regOff, data, writeMask); err != nil {
		return f.Abandon(err)
	}

	return f.Advance()
}

func wordIndex(regOff, base uint64) int { return int((regOff - base) / 4) }

func (v *VGIC) bitmapWord(bit func(i int) bool, idx int) uint32 {
	var word uint32

	for b := 0; b < 32; b++ {
		if bit(idx*32 + b) {
			word |= 1 << uint(b)
		}
	}

	return word
}

func (v *VGIC) readDist(regOff uint64) (uint32, error) {
	switch {
	case regOff == offCTLR:
		if v.ctlrEnabled {
			return 1, nil
		}

		return 0, nil
	case regOff == offTYPER:
		return resetTYPER, nil
	case regOff == offIIDR:
		return resetIIDR, nil
	case regOff >= offIGROUP && regOff < offIGROUP+4*numWords:
		idx := wordIndex(regOff, offIGROUP)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].group1 }, idx), nil
	case regOff >= offISENA && regOff < offISENA+4*numWords:
		idx := wordIndex(regOff, offISENA)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].enabled }, idx), nil
	case regOff >= offICENA && regOff < offICENA+4*numWords:
		idx := wordIndex(regOff, offICENA)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].enabled }, idx), nil
	case regOff >= offISPEND && regOff < offISPEND+4*numWords:
		idx := wordIndex(regOff, offISPEND)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].pending }, idx), nil
	case regOff >= offICPEND && regOff < offICPEND+4*numWords:
		idx := wordIndex(regOff, offICPEND)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].pending }, idx), nil
	case regOff >= offISACT && regOff < offISACT+4*numWords:
		idx := wordIndex(regOff, offISACT)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].active }, idx), nil
	case regOff >= offICACT && regOff < offICACT+4*numWords:
		idx := wordIndex(regOff, offICACT)
		return v.bitmapWord(func(i int) bool { return v.irqs[i].active }, idx), nil
	case regOff >= offIPRIO && regOff < offIPRIO+NumIRQs:
		return binary.LittleEndian.Uint32(v.priority[regOff-offIPRIO:]), nil
	case regOff >= offITARG && regOff < offITARG+NumIRQs:
		return binary.LittleEndian.Uint32(v.targets[regOff-offITARG:]), nil
	case regOff >= offICFG && regOff < offICFG+4*uint64(len(v.cfg)):
		return v.cfg[wordIndex(regOff, offICFG)], nil
	case regOff == offSGIR:
		return 0, nil
	case regOff >= offCPEND && regOff < offSPEND+0x10:
		return binary.LittleEndian.Uint32(v.sgiPending[regOff-offCPEND:]), nil
	case regOff >= offPID && regOff < offPID+uint64(len(resetPeriphID)):
		return binary.LittleEndian.Uint32(resetPeriphID[regOff-offPID:]), nil
	case regOff >= offCID && regOff < offCID+uint64(len(resetComponentID)):
		return binary.LittleEndian.Uint32(resetComponentID[regOff-offCID:]), nil
	default:
		return 0, nil // reserved ranges read as zero
	}
}

func forEachSetBit(word uint32, fn func(bit int)) {
	for bit := 0; bit < 32; bit++ {
		if word&(1<<uint(bit)) != 0 {
			fn(bit)
		}
	}
}

func (v *VGIC) writeDist(writerVCPU int, regOff uint64, data, mask uint32) error {
	data &= mask

	switch {
	case regOff == offCTLR:
		v.ctlrEnabled = data&1 != 0
		return nil
	case regOff == offTYPER, regOff == offIIDR:
		return nil // RO identification fields
	case regOff >= offIGROUP && regOff < offIGROUP+4*numWords:
		idx := wordIndex(regOff, offIGROUP)
		forEachSetBit(data, func(b int) { v.irqs[idx*32+b].group1 = true })
		forEachSetBit(^data&mask, func(b int) { v.irqs[idx*32+b].group1 = false })

		return nil
	case regOff >= offISENA && regOff < offISENA+4*numWords:
		idx := wordIndex(regOff, offISENA)
		forEachSetBit(data, func(b int) { v.enableSet(idx*32 + b) })

		return nil
	case regOff >= offICENA && regOff < offICENA+4*numWords:
		idx := wordIndex(regOff, offICENA)
		forEachSetBit(data, func(b int) { v.enableClear(idx*32 + b) })

		return nil
	case regOff >= offISPEND && regOff < offISPEND+4*numWords:
		idx := wordIndex(regOff, offISPEND)
		forEachSetBit(data, func(b int) { _ = v.assert(idx*32 + b) })

		return nil
	case regOff >= offICPEND && regOff < offICPEND+4*numWords:
		idx := wordIndex(regOff, offICPEND)
		forEachSetBit(data, func(b int) { v.pendingClear(idx*32 + b) })

		return nil
	case regOff >= offISACT && regOff < offISACT+4*numWords, regOff >= offICACT && regOff < offICACT+4*numWords:
		// ISACTIVER*/ICACTIVER* writes are ignored: the architecture
		// leaves guest-visible active-state mutation
		// implementation-defined, and this implementation treats the
		// shadow as a read-only reflection of LR-driven state.
		return nil
	case regOff >= offIPRIO && regOff < offIPRIO+NumIRQs:
		writeMaskedBytes(v.priority[:], regOff-offIPRIO, data, mask)
		return nil
	case regOff >= offITARG && regOff < offITARG+NumIRQs:
		writeMaskedBytes(v.targets[:], regOff-offITARG, data, mask)
		return nil
	case regOff >= offICFG && regOff < offICFG+4*uint64(len(v.cfg)):
		idx := wordIndex(regOff, offICFG)
		v.cfg[idx] = (v.cfg[idx] &^ mask) | data

		return nil
	case regOff == offSGIR:
		return v.WriteSGIRFrom(writerVCPU, data)
	case regOff >= offCPEND && regOff < offSPEND+0x10:
		writeMaskedBytes(v.sgiPending[:], regOff-offCPEND, data, mask)
		return nil
	case regOff >= offPID && regOff < offCID+uint64(len(resetComponentID)):
		return nil // RO identification fields
	default:
		return nil // reserved writes are ignored
	}
}

func writeMaskedBytes(buf []byte, off uint64, data, mask uint32) {
	if off+4 > uint64(len(buf)) {
		return
	}

	orig := binary.LittleEndian.Uint32(buf[off:])
	binary.LittleEndian.PutUint32(buf[off:], (orig&^mask)|(data&mask))
}

// enableSet implements ISENABLER "Enable-set": mark enabled, and if
// the irq was pending-but-not-yet-loaded, ack its handle so the next
// assertion starts fresh rather than double-delivering a stale one.
func (v *VGIC) enableSet(irq int) {
	info, err := v.irq(irq)
	if err != nil {
		return
	}

	wasDisabled := !info.enabled
	info.enabled = true

	if wasDisabled && info.pending && !info.inFlight {
		if h := info.handle; h != nil && h.Ack != nil {
			h.Ack(h.Virq, h.Token)
		}

		info.pending = false
	}
}

// enableClear implements ICENABLER "Enable-clear": SGIs (0..15) cannot
// be disabled, writes to them are silently ignored.
func (v *VGIC) enableClear(irq int) {
	if irq < 16 {
		return
	}

	info, err := v.irq(irq)
	if err != nil {
		return
	}

	info.enabled = false
}

func (v *VGIC) pendingClear(irq int) {
	info, err := v.irq(irq)
	if err != nil {
		return
	}

	info.pending = false
	info.inFlight = info.active
}

// sgiTargetFilter mirrors the GICv2 SGIR TargetListFilter encoding.
type sgiTargetFilter uint8

const (
	sgiFilterSpecList sgiTargetFilter = iota
	sgiFilterAllButSelf
	sgiFilterSelf
)

// WriteSGIRFrom implements the SGIR register: decode
// {target-list-filter, cpu-target-list, intid} and inject on each
// selected online vCPU via the same path as external IRQs. writerVCPU
// identifies the requesting vCPU for AllButSelf/Self filtering; since
// the distributor MMIO frame is banked per-vCPU on real hardware but
// this implementation serves one shared frame, writeDist resolves the
// writer from the trapping fault's vCPU and passes it through here.
func (v *VGIC) WriteSGIRFrom(writerVCPU int, data uint32) error {
	intid := data & 0xf
	targetList := uint8((data >> 16) & 0xff)
	filter := sgiTargetFilter((data >> 24) & 0x3)

	var err error

	for cpu := 0; cpu < len(v.cpus); cpu++ {
		selected := false

		switch filter {
		case sgiFilterSpecList:
			selected = targetList&(1<<uint(cpu)) != 0
		case sgiFilterAllButSelf:
			selected = cpu != writerVCPU
		case sgiFilterSelf:
			selected = cpu == writerVCPU
		}

		if !selected {
			continue
		}

		if e := v.assertOnCPU(cpu, int(intid)); e != nil {
			err = e
		}
	}

	if err != nil {
		return fmt.Errorf("sgir intid %d: %w", intid, err)
	}

	return nil
}

// assertOnCPU raises irq specifically on cpu, bypassing the default
// target-byte routing used for SPIs; SGIs are always per-vCPU.
func (v *VGIC) assertOnCPU(cpu, irq int) error {
	info, err := v.irq(irq)
	if err != nil {
		return err
	}

	if !v.ctlrEnabled || !info.enabled {
		return nil
	}

	info.pending = true

	if info.inFlight {
		return nil
	}

	info.inFlight = true

	return v.cpus[cpu].inject(v, v.handleFor(irq).handle)
}
