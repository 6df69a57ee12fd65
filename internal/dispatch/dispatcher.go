package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dash/internal/observability"
)

// Dispatcher sends notifications in the background. Send failures are logged
// and counted, never retried and never returned to the caller.
type Dispatcher struct {
	gateway Gateway
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(gw Gateway, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{gateway: gw, timeout: timeout, logger: logger.With("component", "dispatcher")}
}

// Notify queues body for to and returns immediately. The send runs on its own
// context so it outlives the request that triggered it.
func (d *Dispatcher) Notify(to, body string) {
	if to == "" {
		observability.SMSSent.WithLabelValues("skipped").Inc()
		d.logger.Warn("sms_skipped", "reason", ErrNoRecipient.Error())
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.gateway.Send(ctx, to, body); err != nil {
			observability.SMSSent.WithLabelValues("failed").Inc()
			d.logger.Error("sms_failed", "to", to, "error", err)
			return
		}
		observability.SMSSent.WithLabelValues("sent").Inc()
		d.logger.Debug("sms_sent", "to", to)
	}()
}

// Wait blocks until every queued send has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
