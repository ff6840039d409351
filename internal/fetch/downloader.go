// Package fetch holds the network primitives of the update subsystem: a
// bounded, retrying GET for small payloads, a header-only redirect resolver
// and a per-operation streaming opener for large images.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/otaerr"
)

const (
	// DefaultUserAgent identifies the device to release hosts.
	DefaultUserAgent = "probe-station-esp32"

	DefaultTimeout        = 15 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 2 * time.Second
	DefaultRateLimitDelay = 5 * time.Second
)

// Downloader performs capped GETs with retry. A fresh transport is built for
// every attempt and torn down afterwards so no TLS session outlives a call.
type Downloader struct {
	// Timeout bounds one attempt end to end.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is the first backoff delay; it doubles per retry.
	RetryDelay time.Duration
	// RateLimitDelay replaces the backoff delay after a 403 or 429.
	RateLimitDelay time.Duration
	UserAgent      string
	Header         http.Header
	TLSConfig      *tls.Config
	Log            *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDownloader returns a Downloader with the default retry policy.
func NewDownloader(log *zap.Logger) *Downloader {
	return &Downloader{
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		RateLimitDelay: DefaultRateLimitDelay,
		UserAgent:      DefaultUserAgent,
		Log:            log,
	}
}

// attemptError carries the retry decision for one failed attempt.
type attemptError struct {
	err         error
	retry       bool
	rateLimited bool
}

// Get fetches url and returns at most maxBytes of its body. Connection-class
// failures and rate limiting are retried with exponential backoff; any other
// HTTP status is returned immediately.
func (d *Downloader) Get(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	log := d.logger()
	delay := d.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug("retrying download", zap.String("url", url), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if err := d.wait(ctx, delay); err != nil {
				return nil, otaerr.Wrap(otaerr.Network, "get", "download cancelled", err)
			}
			delay *= 2
		}

		body, aerr := d.attempt(ctx, url, maxBytes)
		if aerr == nil {
			return body, nil
		}
		lastErr = aerr.err
		if !aerr.retry {
			return nil, aerr.err
		}
		if aerr.rateLimited && d.RateLimitDelay > 0 {
			delay = d.RateLimitDelay
		}
		log.Warn("download attempt failed", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(aerr.err))
	}
	return nil, lastErr
}

func (d *Downloader) attempt(ctx context.Context, url string, maxBytes int64) ([]byte, *attemptError) {
	transport := newTransport(d.TLSConfig, 0)
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: d.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &attemptError{err: otaerr.Wrap(otaerr.Protocol, "get", "invalid URL", err)}
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent(d.UserAgent))

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &attemptError{err: otaerr.Wrap(otaerr.Network, "get", "download cancelled", ctx.Err())}
		}
		return nil, &attemptError{err: otaerr.Wrap(otaerr.Network, "get", "connection failed", err), retry: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &attemptError{
			err:         otaerr.Newf(otaerr.Network, "get", "rate limited (HTTP %d)", resp.StatusCode),
			retry:       true,
			rateLimited: true,
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &attemptError{err: otaerr.Newf(otaerr.Protocol, "get", "HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &attemptError{err: otaerr.Wrap(otaerr.Network, "get", "read failed", err), retry: true}
	}
	if len(body) == 0 {
		return nil, &attemptError{err: otaerr.New(otaerr.Network, "get", "no data received"), retry: true}
	}
	return body, nil
}

func (d *Downloader) wait(ctx context.Context, delay time.Duration) error {
	if d.sleep != nil {
		return d.sleep(ctx, delay)
	}
	return sleepContext(ctx, delay)
}

func (d *Downloader) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func userAgent(ua string) string {
	if ua == "" {
		return DefaultUserAgent
	}
	return ua
}

// newTransport builds a single-use transport. Keep-alives are off so the
// connection is closed as soon as the body is.
func newTransport(cfg *tls.Config, headerTimeout time.Duration) *http.Transport {
	var tlsCfg *tls.Config
	if cfg != nil {
		tlsCfg = cfg.Clone()
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       tlsCfg,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
}

