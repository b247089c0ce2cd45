// Package notify fans operator alerts out to the configured channels.
package notify

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/philiplau114/PocketFlowProject/errors"
)

// Notifier delivers one operator alert
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes alerts to the log. Always present so alerts are never
// silently dropped when no external channel is configured.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, subject, body string) error {
	n.log.Warnw("ALERT", "subject", subject, "body", body)
	return nil
}

// Multi fans one alert out to every channel, rate-limited so a flapping
// watchdog cannot flood email or Telegram. Channel failures are logged and
// do not block the remaining channels.
type Multi struct {
	channels []Notifier
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
}

// NewMulti creates a fan-out notifier. The limiter allows one alert per
// minute with a small burst for startup.
func NewMulti(log *zap.SugaredLogger, channels ...Notifier) *Multi {
	return &Multi{
		channels: channels,
		limiter:  rate.NewLimiter(rate.Limit(1.0/60.0), 5),
		log:      log,
	}
}

func (m *Multi) Notify(ctx context.Context, subject, body string) error {
	if !m.limiter.Allow() {
		m.log.Warnw("Alert rate limited", "subject", subject)
		return nil
	}
	var firstErr error
	for _, ch := range m.channels {
		if err := ch.Notify(ctx, subject, body); err != nil {
			m.log.Errorw("Notification channel failed", "subject", subject, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return errors.Wrap(firstErr, "notify")
}
