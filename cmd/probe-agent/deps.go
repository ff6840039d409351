package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/probestation/probe-agent/internal/config"
	"github.com/probestation/probe-agent/internal/node"
	"github.com/probestation/probe-agent/internal/ui"
)

// Deps holds the injectable dependencies of the client-side commands.
type Deps struct {
	Cfg     config.Config
	Node    node.Client
	Printer ui.Printer
	Output  io.Writer
	// Sleep paces polling loops; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// newClient is replaced in tests.
var newClient = node.New

// newDeps builds production dependencies from flags and config.
func newDeps() (*Deps, error) {
	cfg, err := loadCfg()
	if err != nil {
		return nil, err
	}
	return &Deps{
		Cfg:     cfg,
		Node:    newClient(cfg.AgentURL),
		Printer: ui.NewPrinter(flagOutput, flagNoColor),
		Output:  os.Stdout,
		Sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
