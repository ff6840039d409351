package fetch

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/otaerr"
)

const (
	DefaultMaxHops     = 10
	DefaultHeadTimeout = 30 * time.Second
)

// ErrTooManyRedirects is returned when the hop budget runs out before a
// final URL is reached.
var ErrTooManyRedirects = otaerr.New(otaerr.Protocol, "resolve", "Too many redirects")

// Resolver chases redirects by reading only response heads. Every hop uses
// its own connection, closed before the next hop is dialled.
type Resolver struct {
	// MaxHops bounds the number of requests issued per Resolve.
	MaxHops int
	// HeadTimeout bounds reading one status line plus headers.
	HeadTimeout time.Duration
	TLSConfig   *tls.Config
	UserAgent   string
	Log         *zap.Logger

	// Dial opens the raw connection; defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewResolver returns a Resolver with default limits.
func NewResolver(log *zap.Logger) *Resolver {
	return &Resolver{
		MaxHops:     DefaultMaxHops,
		HeadTimeout: DefaultHeadTimeout,
		UserAgent:   DefaultUserAgent,
		Log:         log,
	}
}

// Resolve returns the URL that finally answers 200 or 206.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxHops := r.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	current := rawURL
	for hop := 1; hop <= maxHops; hop++ {
		u, err := url.Parse(current)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return "", otaerr.Newf(otaerr.Protocol, "resolve", "invalid redirect target %q", current)
		}

		status, location, err := r.head(ctx, u)
		if err != nil {
			return "", err
		}
		log.Debug("redirect hop", zap.Int("hop", hop), zap.String("host", u.Host), zap.Int("status", status))

		switch {
		case status == 200 || status == 206:
			return current, nil
		case status >= 300 && status < 400:
			if location == "" {
				return "", otaerr.Newf(otaerr.Protocol, "resolve", "HTTP %d without Location", status)
			}
			next, err := u.Parse(location)
			if err != nil {
				return "", otaerr.Wrap(otaerr.Protocol, "resolve", "invalid Location header", err)
			}
			current = next.String()
		default:
			return "", otaerr.Newf(otaerr.Protocol, "resolve", "HTTP %d", status)
		}
	}
	return "", ErrTooManyRedirects
}

// head issues one minimal GET and returns the status code and Location.
func (r *Resolver) head(ctx context.Context, u *url.URL) (int, string, error) {
	addr := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	timeout := r.HeadTimeout
	if timeout <= 0 {
		timeout = DefaultHeadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := r.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		return 0, "", otaerr.Wrap(otaerr.Network, "resolve", "connect failed", err)
	}
	conn := raw
	defer func() { conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if u.Scheme == "https" {
		cfg := &tls.Config{}
		if r.TLSConfig != nil {
			cfg = r.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tc := tls.Client(raw, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return 0, "", otaerr.Wrap(otaerr.Network, "resolve", "TLS handshake failed", err)
		}
		conn = tc
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		u.RequestURI(), u.Host, userAgent(r.UserAgent))
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, "", otaerr.Wrap(otaerr.Network, "resolve", "request write failed", err)
	}

	tp := textproto.NewReader(bufio.NewReaderSize(conn, 1024))
	line, err := tp.ReadLine()
	if err != nil {
		return 0, "", otaerr.Wrap(otaerr.Network, "resolve", "No HTTP response", err)
	}
	status, err := parseStatusLine(line)
	if err != nil {
		return 0, "", err
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return 0, "", otaerr.Wrap(otaerr.Protocol, "resolve", "malformed response headers", err)
	}
	return status, strings.TrimSpace(hdr.Get("Location")), nil
}

func parseStatusLine(line string) (int, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, otaerr.Newf(otaerr.Protocol, "resolve", "malformed status line %q", line)
	}
	code, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 || status > 999 {
		return 0, otaerr.Newf(otaerr.Protocol, "resolve", "malformed status line %q", line)
	}
	return status, nil
}
