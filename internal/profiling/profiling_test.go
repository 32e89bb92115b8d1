package profiling_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/armvisor/armvisor/internal/profiling"
)

func TestStartEmptyPathDisables(t *testing.T) {
	t.Parallel()

	s, err := profiling.Start("")
	if err != nil {
		t.Fatalf("Start(\"\"): %v", err)
	}

	if s != nil {
		t.Fatal("expected a nil Session for an empty path")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop on nil Session: %v", err)
	}
}

func TestStartStopWritesProfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile.out")

	s, err := profiling.Start(path)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if s == nil {
		t.Fatal("expected a non-nil Session for a real path")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat profile output: %v", err)
	}

	if info.Size() == 0 {
		t.Error("expected a non-empty profile file after Stop")
	}
}
