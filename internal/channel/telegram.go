package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatbridge/internal/domain"
)

const (
	// Telegram rejects messages over 4096 chars; stay under it.
	maxMessageLength = 4000
	fetchBackoff     = 3 * time.Second
)

const startGreeting = "Hi! Send me a message and I'll answer. Attach a photo or document to reach a human."

// updateFetcher is the slice of the Telegram API the poll loop uses.
// It exists so cursor behaviour is testable without a live bot.
type updateFetcher interface {
	fetchUpdates(offset, timeout int) ([]tgbotapi.Update, error)
}

type botFetcher struct {
	bot *tgbotapi.BotAPI
}

func (b botFetcher) fetchUpdates(offset, timeout int) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = timeout
	return b.bot.GetUpdates(cfg)
}

// Telegram is the long-poll adapter. One goroutine fetches updates with a
// monotonically advancing offset; the offset only moves past updates that
// were published to the bus, so a crash re-delivers rather than loses.
type Telegram struct {
	bot         *tgbotapi.BotAPI
	fetcher     updateFetcher
	bus         domain.MessageBus
	allowFrom   map[int64]bool
	pollTimeout int
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegram(token string, allowFrom []int64, pollTimeoutSeconds int, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	allowed := make(map[int64]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = 10
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Telegram{
		bot:         bot,
		fetcher:     botFetcher{bot: bot},
		allowFrom:   allowed,
		pollTimeout: pollTimeoutSeconds,
		logger:      logger,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus
	bus.OnOutbound(t.Name(), func(out domain.OutboundMessage) {
		if err := t.Send(ctx, out.UserID, out.Text); err != nil {
			t.logger.Error("telegram send failed", "user", out.UserID, "err", err)
		}
	})

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(loopCtx)
	return nil
}

func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	return nil
}

func (t *Telegram) loop(ctx context.Context) {
	defer close(t.done)
	t.logger.Info("telegram polling started", "timeout", t.pollTimeout)

	offset := 0
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopped")
			return
		default:
		}

		next, err := t.pollOnce(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram update fetch failed", "err", err)
			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
			}
			continue
		}
		offset = next
	}
}

// pollOnce fetches one batch and publishes every update it contains. The
// returned offset is one past the last handled update; on fetch failure the
// input offset comes back unchanged so nothing is skipped.
func (t *Telegram) pollOnce(ctx context.Context, offset int) (int, error) {
	updates, err := t.fetcher.fetchUpdates(offset, t.pollTimeout)
	if err != nil {
		return offset, err
	}

	for _, u := range updates {
		if msg, ok := t.normalizeUpdate(u); ok {
			if msg.Text == "/start" && !msg.HasAttachments() {
				if err := t.Send(ctx, msg.UserID, startGreeting); err != nil {
					t.logger.Warn("greeting send failed", "user", msg.UserID, "err", err)
				}
			} else {
				t.bus.Publish(msg)
			}
		}
		offset = u.UpdateID + 1
	}
	return offset, nil
}

// normalizeUpdate converts a raw update into a bus message. Updates without
// a message payload, and chats outside the allow list, are consumed silently.
func (t *Telegram) normalizeUpdate(u tgbotapi.Update) (domain.InboundMessage, bool) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	if len(t.allowFrom) > 0 && !t.allowFrom[m.Chat.ID] {
		t.logger.Warn("message from disallowed chat dropped", "chat", m.Chat.ID)
		return domain.InboundMessage{}, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	var attachments []domain.Attachment
	if len(m.Photo) > 0 {
		// the API reports every size of the same photo; take the largest
		best := m.Photo[len(m.Photo)-1]
		attachments = append(attachments, domain.Attachment{
			Kind: domain.AttachmentPhoto,
			Meta: map[string]string{"fileId": best.FileID},
		})
	}
	if m.Document != nil {
		attachments = append(attachments, domain.Attachment{
			Kind: domain.AttachmentDocument,
			Meta: map[string]string{"fileId": m.Document.FileID, "fileName": m.Document.FileName},
		})
	}
	if m.Video != nil || m.Audio != nil || m.Voice != nil || m.Sticker != nil {
		attachments = append(attachments, domain.Attachment{Kind: domain.AttachmentOther})
	}

	return domain.InboundMessage{
		Channel:     t.Name(),
		UserID:      strconv.FormatInt(m.Chat.ID, 10),
		Text:        text,
		Attachments: attachments,
		EventID:     strconv.Itoa(u.UpdateID),
		Timestamp:   m.Time(),
	}, true
}

// Send delivers text to a chat, splitting long replies into chunks.
func (t *Telegram) Send(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad chat id %q", domain.ErrChannelSend, userID)
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if err := t.sendChunk(chatID, chunk); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrChannelSend, err)
		}
	}
	return nil
}

// sendChunk tries Markdown first and falls back to plain text: model output
// regularly contains underscores and asterisks Telegram refuses to parse.
// A rate-limit response is honored once before falling back.
func (t *Telegram) sendChunk(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := t.bot.Send(msg)
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		t.logger.Warn("telegram rate limited", "chat", chatID, "retryAfter", apiErr.RetryAfter)
		time.Sleep(time.Duration(apiErr.RetryAfter) * time.Second)
		if _, rerr := t.bot.Send(msg); rerr == nil {
			return nil
		}
	}

	plain := tgbotapi.NewMessage(chatID, text)
	if _, perr := t.bot.Send(plain); perr != nil {
		return perr
	}
	return nil
}

// splitMessage cuts text into chunks of at most maxLen runes, breaking at
// the last newline inside the window when there is one.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		if i := strings.LastIndex(string(runes[:maxLen]), "\n"); i > 0 {
			cut = len([]rune(string(runes[:maxLen])[:i])) + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
