package guestmem_test

import (
	"bytes"
	"testing"

	"github.com/armvisor/armvisor/internal/guestmem"
	"github.com/armvisor/armvisor/internal/host/sim"
)

type countingInjector struct{ n int }

func (c *countingInjector) InjectIRQ() error {
	c.n++

	return nil
}

func TestUARTFlushesOnNewline(t *testing.T) {
	t.Parallel()

	irq := &countingInjector{}
	backing := guestmem.NewUARTBacking(irq)

	var out bytes.Buffer
	backing.SetOutput(&out)

	mem := make([]byte, 0x1000)
	d := guestmem.NewEmulatedDevice(0xa000, 0x1000, guestmem.DevUART0, "uart0", mem, backing)

	r := guestmem.NewRegistry(nil)
	if err := r.Install(d); err != nil {
		t.Fatalf("install: %v", err)
	}

	transport := sim.New(make([]byte, 0x10000), 1, 4)
	transport.SetRegs(0, regsWithR5('h'))

	f := writeFault(transport, 0xa000, 5)
	if err := r.Dispatch(f); err != nil {
		t.Fatalf("dispatch 'h': %v", err)
	}

	if out.Len() != 0 {
		t.Fatalf("expected no flush yet, got %q", out.String())
	}

	transport.SetRegs(0, regsWithR5('\n'))

	f2 := writeFault(transport, 0xa000, 5)
	if err := r.Dispatch(f2); err != nil {
		t.Fatalf("dispatch '\\n': %v", err)
	}

	if out.String() != "h\n" {
		t.Errorf("flushed output = %q, want %q", out.String(), "h\n")
	}

	if irq.n != 1 {
		t.Errorf("IRQ injections = %d, want 1", irq.n)
	}
}
