// Package telegram bridges one configured channel to a Telegram chat. Text
// from allow-listed users enters the orchestrator like any other human
// message; agent and system traffic in the bridged channel is relayed back.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/mtzanidakis/bullpen/internal/config"
	"github.com/mtzanidakis/bullpen/internal/orchestrator"
	"github.com/mtzanidakis/bullpen/internal/store"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

// senderPrefix marks message senders that originated from this bridge, so
// the relay can tell a Telegram user's own text from other human traffic.
const senderPrefix = "tg-"

type Bot struct {
	bot       *telego.Bot
	handler   *th.BotHandler
	orch      *orchestrator.Orchestrator
	store     *store.Store
	cfg       config.TelegramConfig
	channelID string
	cancel    context.CancelFunc

	mu    sync.Mutex
	chats map[int64]bool
}

func NewBot(cfg config.TelegramConfig, orch *orchestrator.Orchestrator, s *store.Store) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	ch, err := s.GetChannelByName(cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("resolve telegram channel: %w", err)
	}
	if ch == nil {
		return nil, fmt.Errorf("telegram channel %q does not exist", cfg.Channel)
	}

	b := &Bot{
		bot:       bot,
		orch:      orch,
		store:     s,
		cfg:       cfg,
		channelID: ch.ID,
		chats:     make(map[int64]bool),
	}

	orch.OnMessage(b.relay)
	return b, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if msg.From == nil {
		return
	}
	userID := msg.From.ID

	if len(b.cfg.AllowFrom) > 0 {
		allowed := false
		for _, id := range b.cfg.AllowFrom {
			if id == userID {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
			return
		}
	}

	text := msg.Text
	if text == "" {
		if msg.Caption != "" {
			text = msg.Caption
		} else {
			return
		}
	}

	b.rememberChat(chatID)
	_ = b.sendChatAction(ctx, chatID, "typing")

	inbound := &store.Message{
		ChannelID:  b.channelID,
		SenderID:   senderPrefix + strconv.FormatInt(userID, 10),
		SenderKind: store.SenderHuman,
		Content:    text,
	}
	if err := b.orch.HandleInbound(ctx, inbound); err != nil {
		slog.Error("telegram inbound failed", "chat", chatID, "error", err)
		_ = b.SendMessage(ctx, chatID, "Sorry, I encountered an error processing your message.")
	}
}

// relay forwards bridged-channel traffic to every chat that has talked to
// the bot since startup.
func (b *Bot) relay(msg *store.Message) {
	text, ok := b.relayText(msg)
	if !ok {
		return
	}
	for _, chatID := range b.activeChats() {
		if err := b.SendMessage(context.Background(), chatID, text); err != nil {
			slog.Error("telegram relay failed", "chat", chatID, "error", err)
		}
	}
}

// relayText decides whether a message leaves the bridge and how it reads.
// The sender's own Telegram text never echoes back.
func (b *Bot) relayText(msg *store.Message) (string, bool) {
	if msg.ChannelID != b.channelID || msg.Content == "" {
		return "", false
	}
	if strings.HasPrefix(msg.SenderID, senderPrefix) {
		return "", false
	}
	if msg.SenderKind == store.SenderSystem {
		return toTelegramMarkdown(msg.Content), true
	}
	return toTelegramMarkdown(msg.SenderID + ": " + msg.Content), true
}

func (b *Bot) rememberChat(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats[chatID] = true
}

func (b *Bot) activeChats() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.chats))
	for id := range b.chats {
		out = append(out, id)
	}
	return out
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}
