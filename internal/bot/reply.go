package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/zette-dev/chatbridge/internal/bridge"
	"github.com/zette-dev/chatbridge/internal/executor"
	"github.com/zette-dev/chatbridge/internal/format"
	"github.com/zette-dev/chatbridge/internal/project"
	"github.com/zette-dev/chatbridge/internal/question"
)

// messenger is the subset of the Telegram client used to deliver replies.
type messenger interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
}

// replyWriter delivers one agent reply. Partial content is written into a
// single message by editing it; the final reply is split into as many
// messages as the length limit requires.
type replyWriter struct {
	tg       messenger
	chatID   int64
	threadID int
	msgID    int // Message being edited; zero sends a new one
	maxLen   int
	last     string
}

// update is the streaming sink. It shows the content so far, truncated to a
// single message.
func (w *replyWriter) update(ctx context.Context, content string) {
	text := format.Truncate(strings.TrimSpace(content), w.maxLen)
	if text == "" {
		return
	}
	w.edit(ctx, text, nil)
}

// finish writes the complete reply, attaching the question keyboard to the
// last chunk.
func (w *replyWriter) finish(ctx context.Context, reply *bridge.Reply) {
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		text = emptyReplyText
	}

	var kb *models.InlineKeyboardMarkup
	if reply.Question != nil {
		kb = keyboard(reply.ConversationID, reply.Question)
	}

	chunks := format.Split(text, w.maxLen)
	for i, chunk := range chunks {
		var markup *models.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			markup = kb
		}
		if i == 0 {
			w.edit(ctx, chunk, markup)
		} else {
			w.send(ctx, chunk, markup)
		}
	}
}

func (w *replyWriter) edit(ctx context.Context, text string, markup *models.InlineKeyboardMarkup) {
	if w.msgID == 0 {
		w.send(ctx, text, markup)
		return
	}
	if text == w.last && markup == nil {
		return
	}

	params := &bot.EditMessageTextParams{
		ChatID:    w.chatID,
		MessageID: w.msgID,
		Text:      text,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}

	if _, err := w.tg.EditMessageText(ctx, params); err != nil {
		slog.Debug("edit message failed", "chat_id", w.chatID, "error", err)
		return
	}
	w.last = text
}

func (w *replyWriter) send(ctx context.Context, text string, markup *models.InlineKeyboardMarkup) {
	params := &bot.SendMessageParams{
		ChatID:          w.chatID,
		MessageThreadID: w.threadID,
		Text:            text,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}

	sent, err := w.tg.SendMessage(ctx, params)
	if err != nil {
		slog.Error("send message failed", "chat_id", w.chatID, "error", err)
		return
	}
	w.msgID = sent.ID
	w.last = text
}

// keyboard renders question actions as a single row of inline buttons.
func keyboard(conversationID string, c *question.Classification) *models.InlineKeyboardMarkup {
	row := make([]models.InlineKeyboardButton, 0, len(c.Actions))
	for i, a := range c.Actions {
		row = append(row, models.InlineKeyboardButton{
			Text:         a.Label,
			CallbackData: question.EncodeAction(conversationID, i, a.Value),
		})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}}
}

// describeError turns a failed turn into text for the user.
func describeError(err error) string {
	if errors.Is(err, bridge.ErrForeignAction) {
		return "That button belongs to another chat."
	}

	var execErr *executor.Error
	if !errors.As(err, &execErr) {
		return "Something went wrong. Please try again."
	}

	switch execErr.Kind {
	case executor.KindTimeout:
		return "Claude took too long and was stopped. Try a smaller request."
	case executor.KindReported:
		return "Claude reported an error: " + execErr.Message
	case executor.KindProcess, executor.KindStream:
		if execErr.ExitCode > 0 {
			return fmt.Sprintf("Claude exited unexpectedly (exit code %d).", execErr.ExitCode)
		}
		return "Claude could not be run. Check the server logs."
	case executor.KindParse, executor.KindSchema:
		return "Claude returned a response that could not be read."
	default:
		return "Something went wrong. Please try again."
	}
}

func statusText(s bridge.StatusInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", s.Project)
	if !s.Exists {
		b.WriteString("Session: none yet. Send a message to start one.")
		return b.String()
	}

	fmt.Fprintf(&b, "State: %s\n", s.State)
	if s.ResumeToken == "" {
		b.WriteString("Session: fresh (next message starts a new conversation)\n")
	} else {
		fmt.Fprintf(&b, "Session: %s\n", format.Truncate(s.ResumeToken, 11))
	}
	fmt.Fprintf(&b, "Last activity: %s", s.UpdatedAt.Format("2006-01-02 15:04:05"))
	return b.String()
}

func projectsText(assigned []project.Assignment) string {
	if len(assigned) == 0 {
		return "No chat has a linked project. Chats use the configured workspaces."
	}

	var b strings.Builder
	b.WriteString("Linked projects:\n")
	for _, a := range assigned {
		fmt.Fprintf(&b, "- %s: %s\n", a.ConversationID, a.Path)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func toolsText(tools []string) string {
	if len(tools) == 0 {
		return "No tool restrictions configured. All tools are allowed.\n\n" +
			"Set claude.allowed_tools or CLAUDE_ALLOWED_TOOLS to restrict them."
	}

	var b strings.Builder
	b.WriteString("Allowed tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
