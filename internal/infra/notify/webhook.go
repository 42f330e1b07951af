// Package notify delivers decomposition progress events to an external
// webhook. Delivery is a single best-effort POST.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"microwins/internal/domain/ports/adapter"
	"microwins/internal/infra/logging"
)

var (
	_ adapter.ProgressNotifier = (*Webhook)(nil)
	_ adapter.ProgressNotifier = Noop{}
)

type Noop struct{}

func (Noop) Notify(context.Context, adapter.ProgressEvent) {}

type Webhook struct {
	url    string
	client *http.Client
	log    *zerolog.Logger
}

type payload struct {
	adapter.ProgressEvent
	Timestamp time.Time `json:"timestamp"`
}

// New returns Noop when url is empty.
func New(url string, timeout time.Duration, logger *zerolog.Logger) adapter.ProgressNotifier {
	if url == "" {
		return Noop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	l := logger.With().Str("component", "notify.Webhook").Logger()
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, log: &l}
}

func (w *Webhook) Notify(ctx context.Context, ev adapter.ProgressEvent) {
	if err := w.post(ctx, ev); err != nil {
		logging.With(ctx, w.log).Warn().Err(err).Str("status", string(ev.Status)).Msg("progress webhook failed")
	}
}

func (w *Webhook) post(ctx context.Context, ev adapter.ProgressEvent) error {
	body, err := json.Marshal(payload{ProgressEvent: ev, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
