package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes channel messages to the log. It is the default when no
// chat integration is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// AddressChannels implements Notifier.
func (n *LogNotifier) AddressChannels(_ context.Context, push *PushDescription, message string) error {
	n.logger.Info().
		Str("repo", push.Repo.String()).
		Str("push_id", push.ID).
		Msg(message)
	return nil
}

// notify sends message and logs delivery failures.
func notify(ctx context.Context, n Notifier, push *PushDescription, message string, logger zerolog.Logger) {
	if n == nil {
		return
	}
	if err := n.AddressChannels(ctx, push, message); err != nil {
		logger.Warn().Err(err).Str("push_id", push.ID).Msg("Failed to address channels")
	}
}
