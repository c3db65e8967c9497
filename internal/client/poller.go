// Package client is a Go consumer of the pull API. It polls a session view on a fixed interval
// and never has more than one request in flight.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"tvm-live-service/internal/domain"
)

const (
	DefaultInterval   = time.Second
	maxFailureBackoff = 30 * time.Second
)

// Poller fetches GET /api/live for one session.
type Poller struct {
	endpoint string
	http     *http.Client
	interval time.Duration
	failures backoff.BackOff
	log      logrus.FieldLogger
}

// PollerOption customizes a Poller.
type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithHTTPClient(c *http.Client) PollerOption {
	return func(p *Poller) { p.http = c }
}

// WithFailureBackOff replaces the delay policy used after failed fetches.
func WithFailureBackOff(b backoff.BackOff) PollerOption {
	return func(p *Poller) { p.failures = b }
}

func WithLogger(log logrus.FieldLogger) PollerOption {
	return func(p *Poller) { p.log = log }
}

func NewPoller(baseURL, sessionID string, opts ...PollerOption) *Poller {
	p := &Poller{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/live?sessionId=" + url.QueryEscape(sessionID),
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: DefaultInterval,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.failures == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.interval
		b.MaxInterval = maxFailureBackoff
		b.MaxElapsedTime = 0
		b.Reset()
		p.failures = b
	}
	p.log = p.log.WithField("component", "poller")
	return p
}

// Fetch performs one request and decodes the session view.
func (p *Poller) Fetch(ctx context.Context) (domain.SessionView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return domain.SessionView{}, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return domain.SessionView{}, fmt.Errorf("fetch session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return domain.SessionView{}, fmt.Errorf("fetch session: status %d: %s", resp.StatusCode, body.Error)
	}
	var view domain.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return domain.SessionView{}, fmt.Errorf("decode session view: %w", err)
	}
	return view, nil
}

// Run polls until ctx is done. The next poll is scheduled only after the previous one settled;
// after a failure the delay grows until a fetch succeeds again. onView may be nil.
func (p *Poller) Run(ctx context.Context, onView func(domain.SessionView)) error {
	for {
		delay := p.interval
		view, err := p.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			if next := p.failures.NextBackOff(); next != backoff.Stop {
				delay = next
			}
			p.log.WithError(err).WithField("retryIn", delay.String()).Warn("poll failed")
		default:
			p.failures.Reset()
			if onView != nil {
				onView(view)
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
