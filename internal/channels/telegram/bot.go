// Package telegram provides the Telegram channel for clawgate.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/compaction"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	"github.com/roelfdiedericks/clawgate/internal/llm"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// keyPrefix qualifies Telegram chat ids into session keys
const keyPrefix = "telegram:"

// turnTimeout bounds one inbound message, summarization included
const turnTimeout = 10 * time.Minute

// Handler processes inbound messages (implemented by gateway.Gateway)
type Handler interface {
	HandleMessage(ctx context.Context, sessionKey, source, text string) (*gateway.Response, error)
}

// Bot represents the Telegram bot
type Bot struct {
	bot     *tele.Bot
	handler Handler
	sub     bus.SubscriptionID

	ctx    context.Context
	cancel context.CancelFunc
}

// SessionKey returns the session key for a chat
func SessionKey(chatID int64) string {
	return keyPrefix + strconv.FormatInt(chatID, 10)
}

// ChatIDFromKey extracts the chat id from a Telegram session key
func ChatIDFromKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// New creates a new Telegram bot. Only senders listed in cfg.AllowedIDs are served.
func New(cfg config.TelegramConfig, handler Handler) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	L_debug("telegram: creating bot", "tokenLength", len(cfg.Token))
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			L_error("telegram: handler error", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	L_debug("telegram: bot created", "username", bot.Me.Username, "id", bot.Me.ID)

	if len(cfg.AllowedIDs) == 0 {
		L_warn("telegram: no allowedIds configured, every message will be ignored")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		bot:     bot,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	bot.Use(middleware.Recover(), middleware.Restrict(middleware.RestrictConfig{
		Chats: cfg.AllowedIDs,
		Out: func(c tele.Context) error {
			if sender := c.Sender(); sender != nil {
				L_warn("telegram: unknown user ignored", "userID", sender.ID, "username", sender.Username)
			}
			return nil
		},
	}))
	bot.Handle("/compact", b.handleCompact)
	bot.Handle(tele.OnText, b.handleMessage)

	return b, nil
}

// Name returns the channel name (implements gateway.Channel)
func (b *Bot) Name() string {
	return "telegram"
}

// Start subscribes to compaction reports and starts polling
func (b *Bot) Start(ctx context.Context) error {
	b.sub = bus.SubscribeEvent(compaction.EventReport, b.deliverReport)
	L_info("telegram: starting bot", "username", b.bot.Me.Username)
	go b.bot.Start()
	return nil
}

// Stop stops the bot
func (b *Bot) Stop() {
	L_info("telegram: stopping bot")
	bus.UnsubscribeEvent(b.sub)
	b.cancel()
	b.bot.Stop()
}

// handleMessage handles chat turns and every command but /compact
func (b *Bot) handleMessage(c tele.Context) error {
	chat := c.Chat()
	if chat.Type != tele.ChatPrivate {
		L_debug("telegram: ignoring group message", "chatID", chat.ID)
		return nil
	}
	key := SessionKey(chat.ID)
	L_debug("telegram: message received", "session", key, "length", len(c.Text()))

	_ = c.Notify(tele.Typing)

	ctx, cancel := context.WithTimeout(b.ctx, turnTimeout)
	defer cancel()

	resp, err := b.handler.HandleMessage(ctx, key, "telegram", c.Text())
	if err != nil {
		L_warn("telegram: message failed", "session", key, "error", err)
		_, sendErr := b.bot.Send(chat, llm.FormatErrorForUser(err.Error(), llm.ClassifyError(err.Error())))
		return sendErr
	}
	return b.sendMarkdown(chat, resp.Markdown)
}

// handleCompact shows a placeholder while the compaction runs, then replaces
// it with the report.
func (b *Bot) handleCompact(c tele.Context) error {
	chat := c.Chat()
	if chat.Type != tele.ChatPrivate {
		return nil
	}
	key := SessionKey(chat.ID)

	status, err := b.bot.Send(chat, "Compacting session...")
	if err != nil {
		L_debug("telegram: failed to send placeholder", "error", err)
	}

	ctx, cancel := context.WithTimeout(b.ctx, turnTimeout)
	defer cancel()

	resp, err := b.handler.HandleMessage(ctx, key, "telegram", c.Text())
	if err != nil {
		resp = &gateway.Response{Text: err.Error(), Markdown: err.Error()}
	}

	if status != nil {
		if html, ok := FormatMessage(resp.Markdown); ok {
			_, err = b.bot.Edit(status, html, tele.ModeHTML)
		} else {
			_, err = b.bot.Edit(status, resp.Text)
		}
		if err == nil {
			return nil
		}
		L_debug("telegram: edit failed, sending instead", "error", err)
	}
	return b.sendMarkdown(chat, resp.Markdown)
}

// deliverReport sends verbose automatic compaction reports to their chat
func (b *Bot) deliverReport(e bus.Event) {
	report, ok := e.Data.(compaction.Report)
	if !ok {
		return
	}
	chatID, ok := ChatIDFromKey(report.SessionKey)
	if !ok {
		return
	}
	if err := b.sendMarkdown(&tele.Chat{ID: chatID}, report.Rendered.Markdown); err != nil {
		L_warn("telegram: failed to deliver compaction report", "session", report.SessionKey, "error", err)
	}
}

// sendMarkdown sends md as Telegram HTML in as many messages as needed,
// falling back to plain text when Telegram rejects the markup.
func (b *Bot) sendMarkdown(chat *tele.Chat, md string) error {
	if strings.TrimSpace(md) == "" {
		return nil
	}
	for _, part := range Chunk(md, MaxMessageLength-256) {
		if html, ok := FormatMessage(part); ok {
			_, err := b.bot.Send(chat, html, tele.ModeHTML)
			if err == nil {
				continue
			}
			L_debug("telegram: HTML send failed, falling back to plain text", "error", err)
		}
		if _, err := b.bot.Send(chat, part); err != nil {
			return err
		}
	}
	return nil
}
