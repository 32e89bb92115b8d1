// Package profiling records a wall-clock profile of a boot run (started
// and stopped around config's BootCMD.Run when a TraceProfile path is
// set), using fgprof's combined on/off-CPU sampler.
package profiling

import (
	"fmt"
	"os"

	"github.com/felixge/fgprof"
)

// Session holds an open wall-clock profile; Stop must be called
// exactly once to flush it.
type Session struct {
	f    *os.File
	stop func() error
}

// Start begins sampling the process into path in fgprof's combined
// on/off-CPU format. An empty path disables profiling and Start
// returns a nil Session.
func Start(path string) (*Session, error) {
	if path == "" {
		return nil, nil //nolint:nilnil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("profiling: create %s: %w", path, err)
	}

	stop := fgprof.Start(f, fgprof.FormatPprof)

	return &Session{f: f, stop: stop}, nil
}

// Stop flushes and closes the profile. Safe to call on a nil Session.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}

	if err := s.stop(); err != nil {
		_ = s.f.Close()

		return fmt.Errorf("profiling: stop: %w", err)
	}

	return s.f.Close()
}
