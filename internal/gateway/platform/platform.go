// Package platform defines the messaging-platform surface the gateway talks
// to. The core never imports a concrete platform client; the telegram package
// adapts one to these interfaces.
package platform

import (
	"context"
	"fmt"
	"time"
)

// Parse modes for outbound messages.
const (
	ParseModeNone = ""
	ParseModeHTML = "HTML"
)

// Attachment references a downloadable file on an inbound message.
type Attachment struct {
	FileRef  string
	Filename string
}

// InboundMessage is one user event from the platform.
type InboundMessage struct {
	ChatID      int64
	ThreadID    int64
	UserID      int64
	Text        string
	Caption     string
	Attachments []Attachment
}

// Text and caption are mutually exclusive on most platforms; Body returns
// whichever is set.
func (m *InboundMessage) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// RateLimitedError is returned by senders when the platform asks the caller
// to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Messenger is the outbound surface of the messaging platform.
// Successive SendDraft calls with the same draftID animate a single ephemeral
// message; the platform clears the draft when a final message lands in the
// same thread.
type Messenger interface {
	SendDraft(ctx context.Context, chatID, threadID, draftID int64, text string) error
	SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) error
	SendDocument(ctx context.Context, chatID, threadID int64, path, caption string) error
	Download(ctx context.Context, fileRef, destPath string) error
}

// Handler consumes inbound messages. Implemented by the turn orchestrator.
type Handler interface {
	HandleMessage(ctx context.Context, msg *InboundMessage)
	HandleCommand(ctx context.Context, msg *InboundMessage, command, args string)
}
