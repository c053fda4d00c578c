package bot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/zette-dev/chatbridge/internal/bridge"
	"github.com/zette-dev/chatbridge/internal/config"
	"github.com/zette-dev/chatbridge/internal/executor"
	"github.com/zette-dev/chatbridge/internal/format"
	"github.com/zette-dev/chatbridge/internal/project"
	"github.com/zette-dev/chatbridge/internal/question"
)

const (
	placeholderText = "Thinking..."
	emptyReplyText  = "Claude completed processing."
)

// Conversations is what the bot needs from the bridge.
type Conversations interface {
	Ask(ctx context.Context, chat project.Chat, prompt string, onUpdate executor.UpdateFunc) (*bridge.Reply, error)
	Answer(ctx context.Context, chat project.Chat, token string) (*bridge.Reply, error)
	Reset(conversationID string) bool
	Status(chat project.Chat) bridge.StatusInfo
	CreateProject(conversationID, name string) (string, error)
	LinkProject(conversationID, dir string) (string, error)
	UnlinkProject(chat project.Chat) (string, bool)
	Projects() []project.Assignment
}

var _ Conversations = (*bridge.Bridge)(nil)

// Bot wraps the Telegram bot and routes messages to conversations.
type Bot struct {
	bot      *bot.Bot
	conv     Conversations
	maxLen   int
	tools    []string
	allowed  map[int64]bool
	username string
}

// New creates a Telegram bot wired to the given conversations.
func New(cfg *config.Config, conv Conversations) (*Bot, error) {
	allowed := make(map[int64]bool, len(cfg.Telegram.AllowedUserIDs))
	for _, id := range cfg.Telegram.AllowedUserIDs {
		allowed[id] = true
	}

	b := &Bot{
		conv:    conv,
		maxLen:  cfg.Session.MaxResponseLength,
		tools:   cfg.Claude.AllowedTools,
		allowed: allowed,
	}

	opts := []bot.Option{
		bot.WithMiddlewares(b.recoverMiddleware, b.authMiddleware),
		bot.WithDefaultHandler(b.handleMessage),
	}

	tgBot, err := bot.New(cfg.Telegram.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/reset", bot.MatchTypePrefix, b.handleReset)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypePrefix, b.handleStatus)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/project", bot.MatchTypePrefix, b.handleProject)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/tools", bot.MatchTypePrefix, b.handleTools)
	tgBot.RegisterHandler(bot.HandlerTypeCallbackQueryData, question.ActionPrefix, bot.MatchTypePrefix, b.handleAnswer)

	b.bot = tgBot
	return b, nil
}

// Start begins long polling. Blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	if me, err := b.bot.GetMe(ctx); err == nil {
		b.username = me.Username
		slog.Info("telegram bot identified", "username", me.Username, "id", me.ID)
	} else {
		slog.Warn("get bot identity failed", "error", err)
	}

	slog.Info("telegram bot starting long poll")
	b.bot.Start(ctx)
}

// recoverMiddleware keeps a panicking handler from taking the process down.
func (b *Bot) recoverMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler panic", "update_id", update.ID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		next(ctx, tg, update)
	}
}

// authMiddleware silently drops updates from unauthorized users.
func (b *Bot) authMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		userID, ok := senderID(update)
		if !ok {
			return
		}
		if !b.allowed[userID] {
			slog.Warn("unauthorized update", "user_id", userID)
			return
		}
		next(ctx, tg, update)
	}
}

// handleMessage runs an incoming text message as the next agent turn and
// streams the reply into a placeholder message.
func (b *Bot) handleMessage(ctx context.Context, tg *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	prompt := msg.Text
	if stripped, ok := format.StripMention(prompt, b.username); ok {
		prompt = stripped
	}
	if prompt == "" {
		return
	}

	chat := chatOf(msg.Chat)

	tg.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: msg.Chat.ID,
		Action: models.ChatActionTyping,
	})

	placeholder, err := tg.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          msg.Chat.ID,
		MessageThreadID: msg.MessageThreadID,
		Text:            placeholderText,
	})
	if err != nil {
		slog.Error("send placeholder failed", "chat_id", msg.Chat.ID, "error", err)
		return
	}

	out := &replyWriter{
		tg:       tg,
		chatID:   msg.Chat.ID,
		threadID: msg.MessageThreadID,
		msgID:    placeholder.ID,
		maxLen:   b.maxLen,
		last:     placeholderText,
	}

	reply, err := b.conv.Ask(ctx, chat, prompt, out.update)
	if err != nil {
		slog.Error("ask failed", "chat_id", msg.Chat.ID, "error", err)
		out.edit(ctx, describeError(err), nil)
		return
	}

	out.finish(ctx, reply)
}

// handleAnswer runs the value of a pressed quick-reply button.
func (b *Bot) handleAnswer(ctx context.Context, tg *bot.Bot, update *models.Update) {
	cq := update.CallbackQuery
	tg.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID})

	msg := cq.Message.Message
	if msg == nil {
		slog.Warn("callback on inaccessible message", "data", cq.Data)
		return
	}

	// Drop the buttons so the same answer cannot be sent twice.
	tg.EditMessageReplyMarkup(ctx, &bot.EditMessageReplyMarkupParams{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.ID,
		ReplyMarkup: models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{}},
	})

	tg.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: msg.Chat.ID,
		Action: models.ChatActionTyping,
	})

	out := &replyWriter{
		tg:       tg,
		chatID:   msg.Chat.ID,
		threadID: msg.MessageThreadID,
		maxLen:   b.maxLen,
	}

	reply, err := b.conv.Answer(ctx, chatOf(msg.Chat), cq.Data)
	if err != nil {
		slog.Error("answer failed", "chat_id", msg.Chat.ID, "error", err)
		out.send(ctx, describeError(err), nil)
		return
	}

	out.finish(ctx, reply)
}

func (b *Bot) handleReset(ctx context.Context, tg *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	b.conv.Reset(strconv.FormatInt(chatID, 10))
	b.reply(ctx, tg, update.Message, "Session cleared. The next message starts a fresh conversation.")
}

func (b *Bot) handleStatus(ctx context.Context, tg *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	status := b.conv.Status(chatOf(update.Message.Chat))
	b.reply(ctx, tg, update.Message, statusText(status))
}

func (b *Bot) handleTools(ctx context.Context, tg *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	b.reply(ctx, tg, update.Message, toolsText(b.tools))
}

// handleProject implements /project create <name>, /project link <path>,
// /project unlink, /project list and /project (info).
func (b *Bot) handleProject(ctx context.Context, tg *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	chat := chatOf(msg.Chat)
	sub, arg := commandArgs(msg.Text)

	var text string
	switch sub {
	case "create":
		path, err := b.conv.CreateProject(chat.ID, arg)
		if err != nil {
			text = "Could not create project: " + err.Error()
			break
		}
		text = "Project created and linked to this chat:\n" + path

	case "link":
		path, err := b.conv.LinkProject(chat.ID, arg)
		if err != nil {
			text = "Could not link project: " + err.Error()
			break
		}
		text = "This chat is now linked to:\n" + path

	case "unlink":
		path, ok := b.conv.UnlinkProject(chat)
		if !ok {
			text = "No project is linked to this chat."
			break
		}
		text = "Project unlinked. The directory was not deleted:\n" + path

	case "list":
		text = projectsText(b.conv.Projects())

	case "", "info":
		status := b.conv.Status(chat)
		text = "Project: " + status.Project
		if !status.Assigned {
			text += "\n(from configuration; use /project link <path> or /project create <name> to change it)"
		}

	default:
		text = "Usage: /project [info | list | create <name> | link <path> | unlink]"
	}

	b.reply(ctx, tg, msg, text)
}

func (b *Bot) reply(ctx context.Context, tg *bot.Bot, msg *models.Message, text string) {
	_, err := tg.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          msg.Chat.ID,
		MessageThreadID: msg.MessageThreadID,
		Text:            text,
	})
	if err != nil {
		slog.Error("send message failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

// senderID returns the user behind a message or callback update.
func senderID(update *models.Update) (int64, bool) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID, true
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID, true
	default:
		return 0, false
	}
}

// chatOf maps a Telegram chat to the conversation it belongs to.
func chatOf(c models.Chat) project.Chat {
	return project.Chat{
		ID:       strconv.FormatInt(c.ID, 10),
		Username: c.Username,
		Title:    c.Title,
	}
}

// commandArgs splits "/cmd@bot sub rest of line" into sub and rest.
func commandArgs(text string) (sub, rest string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return "", ""
	}
	rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), fields[0]))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
	return strings.ToLower(fields[1]), rest
}
