// Package node is the client for a running agent's HTTP API and realtime
// socket.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/probestation/probe-agent/internal/api"
	"github.com/probestation/probe-agent/internal/ota"
	"github.com/probestation/probe-agent/internal/otaerr"
	"github.com/probestation/probe-agent/internal/realtime"
)

// Client defines the agent API surface the CLI depends on.
type Client interface {
	Health(ctx context.Context) (api.Health, error)
	Info(ctx context.Context, force bool) (api.InfoResponse, error)
	Status(ctx context.Context) (ota.Progress, error)
	Partitions(ctx context.Context) (ota.PartitionInfo, error)
	StartUpdate(ctx context.Context, target ota.Target) error
	Subscribe(ctx context.Context) (<-chan realtime.Message, error)
}

type httpClient struct {
	http  *http.Client
	base  string // e.g. http://127.0.0.1:8080
	wsURL string // e.g. ws://127.0.0.1:8080/ws
}

// New constructs an agent client. base is the agent's HTTP root.
func New(base string) Client {
	base = strings.TrimRight(base, "/")
	return &httpClient{
		http:  &http.Client{Timeout: 5 * time.Second},
		base:  base,
		wsURL: deriveWS(base),
	}
}

func deriveWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return "ws://" + base + "/ws"
	}
}

func (c *httpClient) Health(ctx context.Context) (api.Health, error) {
	var out api.Health
	return out, c.do(ctx, http.MethodGet, "/api/health", nil, &out)
}

func (c *httpClient) Info(ctx context.Context, force bool) (api.InfoResponse, error) {
	path := "/api/ota/info"
	if force {
		path += "?force=1"
	}
	var out api.InfoResponse
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *httpClient) Status(ctx context.Context) (ota.Progress, error) {
	var out ota.Progress
	return out, c.do(ctx, http.MethodGet, "/api/ota/status", nil, &out)
}

func (c *httpClient) Partitions(ctx context.Context) (ota.PartitionInfo, error) {
	var out ota.PartitionInfo
	return out, c.do(ctx, http.MethodGet, "/api/ota/partitions", nil, &out)
}

func (c *httpClient) StartUpdate(ctx context.Context, target ota.Target) error {
	body, err := json.Marshal(api.UpdateRequest{Target: target.String()})
	if err != nil {
		return err
	}
	var out api.Result
	return c.do(ctx, http.MethodPost, "/api/ota/update", body, &out)
}

func (c *httpClient) Subscribe(ctx context.Context) (<-chan realtime.Message, error) {
	return DialAndSubscribe(ctx, c.wsURL)
}

func (c *httpClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return otaerr.Wrap(otaerr.Network, "agent", "agent unreachable at "+c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return otaerr.Wrap(otaerr.Network, "agent", "read agent response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return remoteError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return otaerr.Wrap(otaerr.Protocol, "agent", "decode agent response", err)
	}
	return nil
}

var busyMessages = map[string]bool{
	"OTA already in progress":           true,
	"Checking for updates, please wait": true,
	"OTA busy":                          true,
}

// remoteError classifies an API error body so the CLI exits with the code
// the agent's rejection deserves.
func remoteError(status int, data []byte) error {
	var res api.Result
	_ = json.Unmarshal(data, &res)
	msg := res.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	kind := otaerr.Precondition
	switch {
	case busyMessages[msg]:
		kind = otaerr.Busy
	case strings.HasPrefix(msg, "Not enough memory"), strings.Contains(msg, "exceeds partition"), strings.HasPrefix(msg, "No OTA partition"):
		kind = otaerr.Resource
	case status >= 500:
		kind = otaerr.Protocol
	}
	return otaerr.New(kind, "agent", msg)
}
