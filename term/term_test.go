package term_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/armvisor/armvisor/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Fatalf("test runner's stdin is not expected to be a terminal")
	}
}

func TestSetRawMode(t *testing.T) {
	t.Parallel()

	if _, err := term.SetRawMode(); err != nil && !errors.Is(err, syscall.ENOTTY) {
		t.Fatalf("SetRawMode: %v", err)
	}
}
