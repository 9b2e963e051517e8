package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/shared"
)

// TelegramChannel bridges Telegram chats to the orchestrator. Each allowed
// chat id maps to a principal; unknown chats are ignored outright.
type TelegramChannel struct {
	token      string
	principals map[int64]string
	handler    MessageHandler
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	pendingMu    sync.Mutex
	pendingTasks map[string]int64 // root task id -> chat id
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, principals map[int64]string, handler MessageHandler, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if principals == nil {
		principals = map[int64]string{}
	}
	return &TelegramChannel{
		token:        token,
		principals:   principals,
		handler:      handler,
		logger:       logger,
		eventBus:     eventBus,
		pendingTasks: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorEvents(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection: the library blocks rather than closing the channel).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return fmt.Errorf("no updates for %s, assuming dead connection", stallTimeout)
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleUpdate(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	principal, ok := t.principals[chatID]
	if !ok {
		t.logger.Warn("telegram message from unknown chat ignored", "chat_id", chatID)
		return
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithPrincipalID(ctx, principal)

	reply, rootID, err := t.handler.Handle(ctx, principal, msg.Text)
	if err != nil {
		t.logger.Error("telegram message handling failed", "principal_id", principal, "error", err)
		t.send(chatID, "Something went wrong, try again.")
		return
	}
	if rootID != "" {
		t.pendingMu.Lock()
		t.pendingTasks[rootID] = chatID
		t.pendingMu.Unlock()
	}
	if reply != "" {
		t.send(chatID, reply)
	}
}

// monitorEvents pushes async outcomes back to the chat: root fan-in results
// and loop-detector mass cancellations.
func (t *TelegramChannel) monitorEvents(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe("")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch payload := ev.Payload.(type) {
			case bus.TaskEvent:
				if ev.Topic != bus.TopicRootCompleted {
					continue
				}
				t.pendingMu.Lock()
				chatID, pending := t.pendingTasks[payload.TaskID]
				delete(t.pendingTasks, payload.TaskID)
				t.pendingMu.Unlock()
				if pending {
					t.send(chatID, fmt.Sprintf("Task finished (%s).", payload.Status))
				}
			case bus.LoopEvent:
				if ev.Topic != bus.TopicLoopDetected {
					continue
				}
				for chatID, principal := range t.principals {
					if principal == payload.PrincipalID {
						t.send(chatID, fmt.Sprintf("Runaway loop detected: cancelled %d tasks.", len(payload.CancelledIDs)))
					}
				}
			}
		}
	}
}

func (t *TelegramChannel) send(chatID int64, text string) {
	if t.bot == nil || text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}
