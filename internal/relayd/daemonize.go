package relayd

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
)

// Daemonize re-execs the current process detached from the controlling
// terminal, in a new session, with stdio redirected to /dev/null, and
// exits the parent. Argument parsing and daemonization mechanics are
// explicitly thin glue (spec.md §1), so this stays on stdlib os/exec
// and syscall.SysProcAttr rather than a process-supervision library —
// the one ecosystem candidate in the pack, kardianos/service, installs
// and manages an OS service definition, a much larger concern this
// single self-daemonizing flag was never meant to take on (see
// DESIGN.md).
//
// The 6RELAYD_DAEMONIZED environment variable marks the re-exec'd child
// so it does not loop forever.
func Daemonize() error {
	if os.Getenv("6RELAYD_DAEMONIZED") == "1" {
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errors.Annotate(err, "relayd: daemonize: opening /dev/null: %w")
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "6RELAYD_DAEMONIZED=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err = cmd.Start(); err != nil {
		return errors.Annotate(err, "relayd: daemonize: starting detached child: %w")
	}

	os.Exit(0)

	return nil
}
