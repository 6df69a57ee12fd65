package dispatch

import (
	"context"
	"errors"
	"log/slog"
)

var ErrNoRecipient = errors.New("no recipient number")

// Gateway delivers one text message. Implementations are best effort and
// report no delivery receipt.
type Gateway interface {
	Send(ctx context.Context, to, body string) error
}

// LogGateway writes messages to the log instead of sending them. It is used
// when no SMS provider is configured.
type LogGateway struct {
	Logger *slog.Logger
}

func (g LogGateway) Send(ctx context.Context, to, body string) error {
	if to == "" {
		return ErrNoRecipient
	}
	g.Logger.Info("sms_logged", "to", to, "body", body)
	return nil
}
