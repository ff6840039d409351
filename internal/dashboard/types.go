package dashboard

import (
	"context"
	"time"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/node"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/realtime"
)

// tickMsg is sent periodically to trigger data refresh
type tickMsg time.Time

// dataMsg contains successfully fetched dashboard data
type dataMsg DashboardData

// dataErrMsg contains an error from a failed data fetch
type dataErrMsg struct {
	err error
}

// fetchStartedMsg carries the cancel func so it is assigned on the UI thread
type fetchStartedMsg struct {
	cancel context.CancelFunc
}

// forceRefreshMsg is sent when user presses 'r' to refresh immediately
type forceRefreshMsg struct{}

// toggleHelpMsg is sent when user presses 'h' to toggle help overlay
type toggleHelpMsg struct{}

// subscribedMsg hands the live channel to the model.
type subscribedMsg struct {
	ch <-chan realtime.Message
}

// liveMsg is one message received over the live channel.
type liveMsg realtime.Message

// liveClosedMsg means the agent dropped the live channel, usually because
// an update started.
type liveClosedMsg struct{}

// actionMsg reports the outcome of a user-triggered check or update.
type actionMsg struct {
	what string
	err  error
}

// DashboardData aggregates everything shown on one frame.
type DashboardData struct {
	Health     api.Health
	Info       api.InfoResponse
	Progress   ota.Progress
	Partitions ota.PartitionInfo

	LastUpdate time.Time
	Err        error
}

// Options configures dashboard behavior
type Options struct {
	Client          node.Client
	RefreshInterval time.Duration
	RPCTimeout      time.Duration // per-fetch timeout (default: 5s)
	NoColor         bool
	Live            bool   // subscribe to /ws in addition to polling
	Version         string // CLI version shown in the header
}
