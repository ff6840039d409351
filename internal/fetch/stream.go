package fetch

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/probestation/probe-agent/internal/otaerr"
)

// Stream is an open image download. Close releases the body and the
// transport that produced it.
type Stream struct {
	Body io.ReadCloser
	// ContentLength is -1 when the server did not declare one.
	ContentLength int64

	transport *http.Transport
}

// Close closes the body and drops the transport's connections.
func (s *Stream) Close() error {
	err := s.Body.Close()
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return err
}

// Opener starts image downloads. Redirects are followed by net/http, which is
// a no-op for URLs already resolved by a Resolver.
type Opener struct {
	// HeaderTimeout bounds the wait for response headers. The body has no
	// overall deadline; callers enforce inactivity limits themselves.
	HeaderTimeout time.Duration
	UserAgent     string
	TLSConfig     *tls.Config
}

// Open issues a GET for url. Cancelling ctx aborts the body read.
func (o *Opener) Open(ctx context.Context, url string) (*Stream, error) {
	timeout := o.HeaderTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := newTransport(o.TLSConfig, timeout)
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.Protocol, "open", "invalid URL", err)
	}
	req.Header.Set("User-Agent", userAgent(o.UserAgent))

	resp, err := client.Do(req)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, otaerr.Wrap(otaerr.Network, "open", "connection failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		transport.CloseIdleConnections()
		return nil, otaerr.Newf(otaerr.Protocol, "open", "HTTP %d", resp.StatusCode)
	}
	return &Stream{Body: resp.Body, ContentLength: resp.ContentLength, transport: transport}, nil
}
