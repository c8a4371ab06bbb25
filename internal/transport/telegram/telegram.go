// Package telegram implements transport.Platform on the Telegram bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dygje/tgpro/internal/transport"
	logx "github.com/dygje/tgpro/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec paces every outbound API call. <= 0 selects 25/s,
	// just under the bot API global limit.
	RatePerSec int
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	a.SetRate(cfg.RatePerSec)
	a.log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	return a, nil
}

// SetRate replaces the outbound pacing limiter.
func (a *Adapter) SetRate(rps int) {
	if rps <= 0 {
		rps = 25
	}
	a.mu.Lock()
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()
}

func (a *Adapter) wait(ctx context.Context) error {
	a.mu.Lock()
	lim := a.limiter
	a.mu.Unlock()
	return lim.Wait(ctx)
}

type usernameRecipient string

func (u usernameRecipient) Recipient() string { return "@" + string(u) }

func recipient(t transport.ChatTarget) tele.Recipient {
	if t.Username != "" {
		return usernameRecipient(t.Username)
	}
	return &tele.Chat{ID: t.ChatID}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	rcpt := recipient(to)

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := a.wait(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(rcpt, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: msg.Chat.ID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// ManageGroup verifies membership (add), leaves (remove) or refreshes the
// chat metadata (update). Bots can't join groups on their own, so add only
// confirms the bot was invited and can post.
func (a *Adapter) ManageGroup(ctx context.Context, op string, group transport.ChatTarget) (transport.GroupInfo, error) {
	if err := a.wait(ctx); err != nil {
		return transport.GroupInfo{}, err
	}
	chat, err := a.resolve(group)
	if err != nil {
		return transport.GroupInfo{}, classify(err)
	}
	info := transport.GroupInfo{ChatID: chat.ID, Title: chat.Title, Type: string(chat.Type)}

	switch op {
	case transport.GroupAdd:
		m, err := a.bot.ChatMemberOf(chat, a.bot.Me)
		if err != nil {
			return info, classify(err)
		}
		switch m.Role {
		case tele.Left, tele.Kicked:
			return info, fmt.Errorf("%w: bot is not a member of %s", transport.ErrForbidden, group)
		}
		return info, nil
	case transport.GroupRemove:
		if err := a.bot.Leave(chat); err != nil {
			return info, classify(err)
		}
		a.log.Info("left group", logx.Int64("chat_id", chat.ID), logx.String("title", chat.Title))
		return info, nil
	case transport.GroupUpdate:
		return info, nil
	default:
		return info, fmt.Errorf("unsupported group operation %q", op)
	}
}

func (a *Adapter) resolve(t transport.ChatTarget) (*tele.Chat, error) {
	if t.Username != "" {
		return a.bot.ChatByUsername("@" + t.Username)
	}
	return a.bot.ChatByID(t.ChatID)
}

var forbidden = []error{
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
}

// classify maps telebot errors onto transport sentinels.
func classify(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &transport.FloodWaitError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second}
	}
	var fep *tele.FloodError
	if errors.As(err, &fep) && fep != nil {
		return &transport.FloodWaitError{RetryAfter: time.Duration(fep.RetryAfter) * time.Second}
	}
	for _, f := range forbidden {
		if errors.Is(err, f) {
			return fmt.Errorf("%w: %v", transport.ErrForbidden, err)
		}
	}
	return err
}
