// Package system adapts host services to the device-level notions the update
// subsystem relies on: restart, watchdog and readiness.
package system

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// Restarter implements "reboot" for a host process. In order of preference
// it asks systemd to restart Unit, runs Command, or exits with ExitCode and
// leaves the restart to whatever supervises the agent.
type Restarter struct {
	Unit     string
	Command  []string
	ExitCode int
	Log      *zap.Logger
	// Flush runs before the process goes away.
	Flush func()

	exit        func(code int)
	run         func(ctx context.Context, name string, args ...string) error
	restartUnit func(ctx context.Context, unit string) error
}

// Restart does not return unless a test replaced the exit hook.
func (r *Restarter) Restart(reason string) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("restarting", zap.String("reason", reason))
	if r.Flush != nil {
		r.Flush()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case r.Unit != "":
		restart := r.restartUnit
		if restart == nil {
			restart = restartSystemdUnit
		}
		if err := restart(ctx, r.Unit); err != nil {
			log.Error("systemd restart failed", zap.String("unit", r.Unit), zap.Error(err))
		}
	case len(r.Command) > 0:
		run := r.run
		if run == nil {
			run = runCommand
		}
		if err := run(ctx, r.Command[0], r.Command[1:]...); err != nil {
			log.Error("restart command failed", zap.Strings("command", r.Command), zap.Error(err))
		}
	}

	if r.Flush != nil {
		r.Flush()
	}
	exit := r.exit
	if exit == nil {
		exit = os.Exit
	}
	exit(r.ExitCode)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// restartSystemdUnit queues a restart job and returns without waiting; the
// job stops this process.
func restartSystemdUnit(ctx context.Context, unit string) error {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.RestartUnitContext(ctx, unit, "replace", nil)
	return err
}
