// Package notify tells secret owners that their secret was viewed. It is
// never on the reveal path: jobs go through a Dispatcher and failures are
// only logged.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// View describes one successful reveal.
type View struct {
	RemainingViews int
	IsLastView     bool
	ViewedAt       time.Time
}

type Notifier interface {
	Notify(ctx context.Context, email, secretIDPrefix string, view View) error
}

// LogNotifier only records the event. Used when no mail transport is set up.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, email, secretIDPrefix string, view View) error {
	n.log.Info().
		Str("secret", secretIDPrefix).
		Int("remaining_views", view.RemainingViews).
		Bool("last_view", view.IsLastView).
		Time("viewed_at", view.ViewedAt).
		Msg("secret viewed notification")
	return nil
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string, View) error { return nil }
