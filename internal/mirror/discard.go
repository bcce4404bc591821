package mirror

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/storage"
)

// DiscardClient acknowledges intents without delivering them anywhere. It
// stands in until a write-capable account runtime is attached.
type DiscardClient struct {
	Logger zerolog.Logger
}

func (c DiscardClient) Push(_ context.Context, accountID string, intents []storage.MirrorIntent) error {
	c.Logger.Debug().
		Str("account_id", accountID).
		Int("intents", len(intents)).
		Msg("mirror intents discarded, no account runtime attached")
	return nil
}
