package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"InboxDigest/internal/config"
	"InboxDigest/internal/domain"
	"InboxDigest/internal/ports"
)

const (
	sourceName = "telegram"
	textLimit  = 4000
)

// Notifier sends digests to a Telegram chat via bot API.
type Notifier struct {
	bot  *tele.Bot
	chat *tele.Chat
}

var _ ports.Deliverer = (*Notifier)(nil)

// NewNotifier builds an offline bot: no getMe round trip happens until the first send.
func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram token is empty")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", cfg.ChatID, err)
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.BotToken,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chat: &tele.Chat{ID: chatID}}, nil
}

// Deliver posts a short header followed by the report, split on line boundaries to fit
// Telegram's message limit.
func (n *Notifier) Deliver(ctx context.Context, digest domain.Digest, report string) error {
	header := fmt.Sprintf("Digest #%d: %d items, %d urgent", digest.ID, digest.ItemCount, digest.UrgentCount)
	chunks := append([]string{header}, splitText(report, textLimit)...)

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := n.bot.Send(n.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return classify(err)
		}
	}
	return nil
}

func classify(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
		return domain.Auth(sourceName, err)
	}
	if strings.Contains(err.Error(), "Unauthorized") {
		return domain.Auth(sourceName, err)
	}
	return domain.Transient(sourceName, err)
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}
		for i := end - 1; i > start+limit/3; i-- {
			if rs[i] == '\n' {
				end = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
