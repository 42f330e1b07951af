package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StatusSource is the subset of Client a Poller needs.
type StatusSource interface {
	Status(ctx context.Context, goalID string) (*Status, error)
}

// Poller waits for a goal to reach a terminal status. Polling is read-only on
// the server, so it is safe to run from any number of clients.
type Poller struct {
	src      StatusSource
	interval time.Duration
	maxDelay time.Duration
}

// NewPoller polls every interval, slowing down to max after transport errors.
func NewPoller(src StatusSource, interval, maxDelay time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxDelay < interval {
		maxDelay = interval
	}
	return &Poller{src: src, interval: interval, maxDelay: maxDelay}
}

// Wait polls until the goal is completed or failed and returns the final
// status. Each distinct status is sent on updates when it is non-nil; the
// channel is not closed.
func (p *Poller) Wait(ctx context.Context, goalID string, updates chan<- Status) (*Status, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.interval
	eb.MaxInterval = p.maxDelay
	eb.Reset()

	var last string
	for {
		st, err := p.src.Status(ctx, goalID)
		delay := p.interval
		switch {
		case err != nil:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
				return nil, err
			}
			delay = eb.NextBackOff()
		default:
			eb.Reset()
			if key := st.Status; key != last {
				last = key
				if updates != nil {
					select {
					case updates <- *st:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
			}
			if st.Terminal() {
				return st, nil
			}
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
