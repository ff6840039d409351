package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/probestation/probe-agent/internal/realtime"
)

// DialAndSubscribe connects to the agent's realtime socket and streams its
// messages. The channel closes when the connection ends or ctx is done.
func DialAndSubscribe(ctx context.Context, wsURL string) (<-chan realtime.Message, error) {
	d := websocket.Dialer{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: false,
	}
	// nolint:bodyclose
	conn, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan realtime.Message, 32)
	go func() {
		<-ctx.Done()
		// unblock ReadMessage
		_ = conn.SetReadDeadline(time.Now())
	}()
	go func() {
		defer close(out)
		defer func() {
			deadline := time.Now().Add(1500 * time.Millisecond)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg realtime.Message
			if json.Unmarshal(data, &msg) != nil || msg.Type == "" {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
