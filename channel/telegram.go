package channel

import (
	"context"
	"dispenser-watch/pkg/schedule"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramLimit is the maximum message length in characters.
const TelegramLimit = 4096

// Bot is the part of the Telegram Bot API client the adapter uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates Bot instances (allows mocking).
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

// DefaultBotFactory creates a real Telegram bot.
var DefaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Telegram delivers changes as Telegram messages. The recipient is a chat id.
type Telegram struct {
	bot    Bot
	logger *slog.Logger
}

// NewTelegram authorizes a bot with the factory and returns the adapter.
func NewTelegram(token string, factory BotFactory, logger *slog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if factory == nil {
		factory = DefaultBotFactory
	}
	bot, err := factory(token, tgbotapi.APIEndpoint, http.DefaultClient)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, logger: logger}, nil
}

// Channel implements Adapter.
func (t *Telegram) Channel() schedule.Channel { return schedule.ChannelTelegram }

// Format implements Adapter. Bodies are Telegram HTML with the title in bold;
// the limit is measured on the escaped text.
func (t *Telegram) Format(req schedule.DeliveryRequest) ([]Payload, error) {
	payloads := textPayloads(req, TelegramLimit-len(boldOpen+boldClose), escapedSize, true)
	for i := range payloads {
		payloads[i].Body = telegramHTML(payloads[i].Body)
	}
	return payloads, nil
}

const (
	boldOpen  = "<b>"
	boldClose = "</b>"
)

func escapedSize(s string) int { return runeSize(html.EscapeString(s)) }

// telegramHTML escapes body and bolds its first line.
func telegramHTML(body string) string {
	head, rest, found := strings.Cut(body, "\n")
	out := boldOpen + html.EscapeString(head) + boldClose
	if found {
		out += "\n" + html.EscapeString(rest)
	}
	return out
}

// Send implements Adapter.
func (t *Telegram) Send(_ context.Context, p Payload) error {
	chatID, err := strconv.ParseInt(p.Recipient, 10, 64)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("invalid chat id %q: %w", p.Recipient, err))
	}
	msg := tgbotapi.NewMessage(chatID, p.Body)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// Parse implements Adapter.
func (t *Telegram) Parse(p Payload) ([]Summary, error) {
	plain := strings.NewReplacer(boldOpen, "", boldClose, "").Replace(p.Body)
	return parseLines(html.UnescapeString(plain))
}
