// Package adapter sends messages through the Telegram Bot API.
//
// The adapter is send-only: the job service never polls for updates.
package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"sessionjobs/internal/transport"
	"sessionjobs/pkg/logx"
)

const telegramTextLimit = 4000

type Config struct {
	Token   string
	Timeout time.Duration
	// URL overrides the Bot API endpoint (tests, local Bot API servers).
	URL string
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

// New creates an offline bot: no getMe call and no poller are started.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	st := tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
	}
	if cfg.Timeout > 0 {
		st.Client = newHTTPClient(cfg.Timeout)
	}
	bot, err := tele.NewBot(st)
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: bot, log: log}, nil
}

// SendText sends text, split into several messages when it exceeds the
// Bot API limit. The returned ref points at the first message.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, in HTML mode, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = newlineCut(rs, start, end, limit)
			if html {
				end = tagSafeCut(rs, start, end)
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// newlineCut moves end back to just after the last newline in the window,
// unless that would leave a chunk shorter than a third of limit.
func newlineCut(rs []rune, start, end, limit int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' {
			if i-start >= limit/3 {
				return i + 1
			}
			break
		}
	}
	return end
}

func tagSafeCut(rs []rune, start, end int) int {
	open, closed := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed && open > start+1 {
		return open
	}
	return end
}
