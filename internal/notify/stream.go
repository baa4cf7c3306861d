package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StreamHandler receives each event pushed by the server.
type StreamHandler func(Event)

// Stream maintains a long-lived connection to the server's events endpoint
// and dispatches newline-delimited JSON events. The connection is
// re-established automatically with capped exponential backoff; the backoff
// resets after any successful read.
type Stream struct {
	URL        string // full events URL, without the token parameter
	Token      string // passed as a query parameter: the transport cannot carry headers
	MinBackoff time.Duration
	MaxBackoff time.Duration
	HTTP       *http.Client
	Handler    StreamHandler
}

// NewStream builds a stream listener for serverURL+path.
func NewStream(serverURL, path, token string, handler StreamHandler) *Stream {
	return &Stream{
		URL:        strings.TrimRight(serverURL, "/") + path,
		Token:      token,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		// No overall timeout: the response body is endless by design.
		HTTP:    &http.Client{},
		Handler: handler,
	}
}

// Run connects and dispatches events until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	backoff := s.MinBackoff
	for {
		connected, err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = s.MinBackoff
		}
		if err != nil {
			slog.Warn("event stream disconnected", "err", err, "retry_in", backoff)
		}

		// Full jitter keeps reconnect storms from many agents apart.
		delay := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

// listen opens one connection and reads events until it drops. The bool
// reports whether a connection was established, so Run can reset its
// backoff.
func (s *Stream) listen(ctx context.Context) (bool, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return false, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	if s.Token != "" {
		q.Set("token", s.Token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream: HTTP %d", resp.StatusCode)
	}
	slog.Info("event stream connected", "url", s.URL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Warn("event stream: bad payload", "err", err)
			continue
		}
		if s.Handler != nil {
			s.Handler(ev)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, nil
}
