package publish

import (
	"context"
	"strconv"
	"sync/atomic"

	"postwell/internal/queue"
	"postwell/pkg/logx"
)

// DryRun returns a publisher that logs instead of sending. Useful for
// rehearsing schedules against a production config without a bot token.
func DryRun(log logx.Logger) Publisher {
	var seq atomic.Int64
	return Func(func(ctx context.Context, channelID string, p queue.Payload) (string, error) {
		n := seq.Add(1)
		log.Info("dry-run publish",
			logx.String("channel", channelID),
			logx.String("kind", string(p.Kind)),
			logx.Int("text_len", len(p.Text)),
			logx.Int64("seq", n),
		)
		return "dry-" + strconv.FormatInt(n, 10), nil
	})
}
