package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postwell/internal/queue"
	"postwell/internal/retry"
	"postwell/pkg/logx"
)

type TelegramConfig struct {
	Token string `json:"token"`
	// ParseMode applies to text bodies and photo captions ("", "HTML",
	// "Markdown").
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// Offline skips the getMe probe at startup (used by tests and dry runs).
	Offline bool `json:"offline,omitempty"`
}

// Telegram publishes payloads through the Bot API. It is send-only: no
// poller is attached and incoming updates are never consumed.
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, bot: b, log: log}, nil
}

// recipient lets channel ids pass through as-is: the Bot API accepts both
// numeric chat ids and @channelname strings.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func (t *Telegram) Publish(ctx context.Context, channelID string, p queue.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to, err := resolveRecipient(channelID)
	if err != nil {
		return "", retry.NoRetry(err)
	}

	opt := &tele.SendOptions{
		ParseMode:             t.cfg.ParseMode,
		DisableWebPagePreview: t.cfg.DisablePreview,
	}

	var msg *tele.Message
	switch p.Kind {
	case queue.PayloadText:
		msg, err = t.bot.Send(to, p.Text, opt)
	case queue.PayloadPhoto:
		photo := &tele.Photo{File: tele.FromURL(p.MediaURL), Caption: p.Text}
		msg, err = t.bot.Send(to, photo, opt)
	default:
		return "", retry.NoRetry(fmt.Errorf("unsupported payload kind %q", p.Kind))
	}
	if err != nil {
		return "", classify(err)
	}
	return strconv.Itoa(msg.ID), nil
}

func resolveRecipient(channelID string) (tele.Recipient, error) {
	s := strings.TrimSpace(channelID)
	if s == "" {
		return nil, errors.New("empty channel id")
	}
	if strings.HasPrefix(s, "@") {
		if len(s) == 1 {
			return nil, fmt.Errorf("bad channel id %q", channelID)
		}
		return recipient(s), nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return nil, fmt.Errorf("bad channel id %q: not numeric and not @username", channelID)
	}
	return recipient(s), nil
}

// classify maps Bot API failures onto the retry markers. Flood waits carry
// the server's retry-after hint; 4xx rejections are permanent because the
// same request will keep failing; everything else (5xx, network, timeouts)
// is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		after := time.Duration(flood.RetryAfter) * time.Second
		return retry.RetryAfter(err, after)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
			return retry.NoRetry(err)
		}
		return err
	}
	return err
}
