// Package telegram adapts the Telegram Bot API to the gateway's platform
// interfaces: long-polling inbound updates from forum topics, and the
// outbound draft/message/document primitives.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/gateway/platform"
)

const apiBase = "https://api.telegram.org"

// Adapter wraps a Telegram bot as a platform.Messenger and dispatches inbound
// updates to a platform.Handler.
type Adapter struct {
	bot     *bot.Bot
	token   string
	handler platform.Handler
	log     *logger.Logger
	http    *http.Client
}

// New creates the adapter. The inbound handler is attached with SetHandler
// before Run; the adapter is constructed first because the handler needs it
// as its Messenger.
func New(token string, log *logger.Logger) (*Adapter, error) {
	a := &Adapter{
		token: token,
		log:   log.WithFields(zap.String("component", "telegram")),
		http:  &http.Client{Timeout: 60 * time.Second},
	}

	b, err := bot.New(token,
		bot.WithDefaultHandler(a.onUpdate),
		bot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	a.bot = b
	return a, nil
}

// SetHandler attaches the inbound message handler. Must be called before Run.
func (a *Adapter) SetHandler(h platform.Handler) {
	a.handler = h
}

// Run long-polls for updates until the context is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	a.log.Info("telegram polling started")
	a.bot.Start(ctx)
	a.log.Info("telegram polling stopped")
}

// onUpdate maps one update to the gateway's inbound model. Each handled
// message runs in its own goroutine so a long turn does not stall polling.
func (a *Adapter) onUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || a.handler == nil {
		return
	}
	if msg.MessageThreadID == 0 {
		// Only forum-topic messages map to threads.
		a.log.Debug("ignoring message outside a forum topic",
			zap.Int64("chat_id", msg.Chat.ID))
		return
	}

	inbound := &platform.InboundMessage{
		ChatID:      msg.Chat.ID,
		ThreadID:    int64(msg.MessageThreadID),
		UserID:      msg.From.ID,
		Text:        msg.Text,
		Caption:     msg.Caption,
		Attachments: extractAttachments(msg),
	}

	if command, args, ok := parseCommand(msg.Text); ok {
		go a.handler.HandleCommand(ctx, inbound, command, args)
		return
	}
	if inbound.Body() == "" && len(inbound.Attachments) == 0 {
		return
	}
	go a.handler.HandleMessage(ctx, inbound)
}

// parseCommand splits "/cmd@bot args" into its command and argument string.
func parseCommand(text string) (command, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if head == "" {
		return "", "", false
	}
	command, _, _ = strings.Cut(head, "@")
	return command, strings.TrimSpace(rest), true
}

// extractAttachments derives a downloadable file reference and name from the
// message, by media kind. Photos use the largest rendition.
func extractAttachments(msg *models.Message) []platform.Attachment {
	switch {
	case msg.Document != nil:
		name := msg.Document.FileName
		if name == "" {
			name = "document_" + msg.Document.FileUniqueID
		}
		return []platform.Attachment{{FileRef: msg.Document.FileID, Filename: name}}
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		return []platform.Attachment{{FileRef: photo.FileID, Filename: "photo_" + photo.FileUniqueID + ".jpg"}}
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = "audio_" + msg.Audio.FileUniqueID + ".mp3"
		}
		return []platform.Attachment{{FileRef: msg.Audio.FileID, Filename: name}}
	case msg.Voice != nil:
		return []platform.Attachment{{FileRef: msg.Voice.FileID, Filename: "voice_" + msg.Voice.FileUniqueID + ".ogg"}}
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = "video_" + msg.Video.FileUniqueID + ".mp4"
		}
		return []platform.Attachment{{FileRef: msg.Video.FileID, Filename: name}}
	case msg.VideoNote != nil:
		return []platform.Attachment{{FileRef: msg.VideoNote.FileID, Filename: "videonote_" + msg.VideoNote.FileUniqueID + ".mp4"}}
	case msg.Sticker != nil:
		return []platform.Attachment{{FileRef: msg.Sticker.FileID, Filename: "sticker_" + msg.Sticker.FileUniqueID + ".webp"}}
	}
	return nil
}

// SendDraft animates the thread's ephemeral draft message. The method is not
// covered by the bot library, so it goes to the API directly.
func (a *Adapter) SendDraft(ctx context.Context, chatID, threadID, draftID int64, text string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":           chatID,
		"message_thread_id": threadID,
		"draft_id":          draftID,
		"text":              text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessageDraft", apiBase, a.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessageDraft failed: %w", err)
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("sendMessageDraft: malformed response: %w", err)
	}
	if !apiResp.OK {
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			return &platform.RateLimitedError{
				RetryAfter: time.Duration(apiResp.Parameters.RetryAfter) * time.Second,
			}
		}
		return fmt.Errorf("sendMessageDraft rejected: %s", apiResp.Description)
	}
	return nil
}

// SendMessage sends a final message into the thread.
func (a *Adapter) SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) error {
	params := &bot.SendMessageParams{
		ChatID:          chatID,
		MessageThreadID: int(threadID),
		Text:            text,
	}
	if parseMode == platform.ParseModeHTML {
		params.ParseMode = models.ParseModeHTML
	}
	_, err := a.bot.SendMessage(ctx, params)
	return a.wrapSendError(err)
}

// SendDocument uploads a workspace file into the thread.
func (a *Adapter) SendDocument(ctx context.Context, chatID, threadID int64, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_, err = a.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:          chatID,
		MessageThreadID: int(threadID),
		Document: &models.InputFileUpload{
			Filename: filepath.Base(path),
			Data:     f,
		},
		Caption: caption,
	})
	return a.wrapSendError(err)
}

// Download fetches a file by its Telegram file id into destPath.
func (a *Adapter) Download(ctx context.Context, fileRef, destPath string) error {
	file, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileRef})
	if err != nil {
		return fmt.Errorf("getFile failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.bot.FileDownloadLink(file), nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("file download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("file download failed: status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return out.Close()
}

// wrapSendError converts the library's flood-control error to the platform's
// rate-limit type so callers can back off.
func (a *Adapter) wrapSendError(err error) error {
	if err == nil {
		return nil
	}
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &platform.RateLimitedError{RetryAfter: time.Duration(tooMany.RetryAfter) * time.Second}
	}
	return err
}
