package relayd

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
)

// WritePIDFile writes the current process id to path, matching the
// teacher's own writePIDFile (internal/home/home.go) — a single
// best-effort text file, not a lock file.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}

	data := fmt.Appendf(nil, "%d", os.Getpid())

	return errors.Annotate(os.WriteFile(path, data, 0o644), "relayd: writing pidfile: %w")
}

// RemovePIDFile removes the pidfile written by [WritePIDFile], ignoring a
// not-exist error so a repeated shutdown signal is harmless.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Annotate(err, "relayd: removing pidfile: %w")
	}

	return nil
}
