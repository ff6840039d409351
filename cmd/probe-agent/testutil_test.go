package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/config"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/otaerr"
	"github.com/probestation/probe-agent/internal/realtime"
	"github.com/probestation/probe-agent/internal/ui"
)

// errMock is a generic error for test assertions.
var errMock = errors.New("mock error")

var errDown = otaerr.New(otaerr.Network, "agent", "agent unreachable")

type healthReply struct {
	h   api.Health
	err error
}

// mockNode implements node.Client. Scripted replies are consumed in order;
// the last one repeats.
type mockNode struct {
	mu sync.Mutex

	infos      []api.InfoResponse
	statuses   []ota.Progress
	health     []healthReply
	partitions ota.PartitionInfo

	startErr  error
	started   []ota.Target
	infoForce []bool
}

func next[T any](list *[]T) T {
	var zero T
	if len(*list) == 0 {
		return zero
	}
	v := (*list)[0]
	if len(*list) > 1 {
		*list = (*list)[1:]
	}
	return v
}

func (m *mockNode) Health(ctx context.Context) (api.Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := next(&m.health)
	return r.h, r.err
}

func (m *mockNode) Info(ctx context.Context, force bool) (api.InfoResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoForce = append(m.infoForce, force)
	return next(&m.infos), nil
}

func (m *mockNode) Status(ctx context.Context) (ota.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return next(&m.statuses), nil
}

func (m *mockNode) Partitions(ctx context.Context) (ota.PartitionInfo, error) {
	return m.partitions, nil
}

func (m *mockNode) StartUpdate(ctx context.Context, target ota.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, target)
	return nil
}

func (m *mockNode) Subscribe(ctx context.Context) (<-chan realtime.Message, error) {
	return nil, errMock
}

// testDeps returns Deps writing uncolored output to the returned buffer.
func testDeps(n *mockNode, format string) (*Deps, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Deps{
		Cfg:     config.Defaults(),
		Node:    n,
		Printer: ui.NewPrinterTo(&buf, format),
		Output:  &buf,
		Sleep:   func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}, &buf
}

func statePtr(s ota.State) *ota.State { return &s }
