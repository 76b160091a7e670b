// Package stream turns the agent's incremental output into platform traffic:
// throttled draft updates while the turn runs, then a formatted, size-split
// final message.
package stream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/gateway/platform"
)

const (
	// windowSize keeps drafts under the platform limit with margin to spare.
	windowSize = 4000
	// draftThrottle is the minimum interval between draft updates.
	draftThrottle = 100 * time.Millisecond
)

// RandomDraftID returns a fresh positive draft identifier. A new one is used
// per response; the platform animates successive drafts sharing an id.
func RandomDraftID() int64 {
	return int64(rand.Int31n(math.MaxInt32-1)) + 1
}

// Adaptor accumulates streamed chunks for one outbound response.
// Not safe for concurrent use; a turn feeds it from a single goroutine.
type Adaptor struct {
	messenger platform.Messenger
	chatID    int64
	threadID  int64
	draftID   int64
	log       *logger.Logger

	buf       strings.Builder
	lastDraft time.Time
	cancelled atomic.Bool

	clock func() time.Time
}

// NewAdaptor creates an adaptor bound to one platform thread and draft.
func NewAdaptor(m platform.Messenger, chatID, threadID, draftID int64, log *logger.Logger) *Adaptor {
	return &Adaptor{
		messenger: m,
		chatID:    chatID,
		threadID:  threadID,
		draftID:   draftID,
		log:       log.WithFields(zap.Int64("chat_id", chatID), zap.Int64("thread_id", threadID)),
		clock:     time.Now,
	}
}

// Buffer returns the accumulated text.
func (a *Adaptor) Buffer() string {
	return a.buf.String()
}

// WriteChunk appends text and sends a throttled draft update. Draft errors
// are swallowed; drafts are cosmetic.
func (a *Adaptor) WriteChunk(ctx context.Context, text string) {
	if a.cancelled.Load() {
		return
	}

	a.buf.WriteString(text)

	now := a.clock()
	if now.Sub(a.lastDraft) < draftThrottle {
		return
	}

	err := a.messenger.SendDraft(ctx, a.chatID, a.threadID, a.draftID, a.window())
	if err != nil {
		var rl *platform.RateLimitedError
		if errors.As(err, &rl) {
			a.lastDraft = now.Add(rl.RetryAfter)
			a.log.Debug("draft rate-limited", zap.Duration("retry_after", rl.RetryAfter))
			return
		}
		a.log.Warn("draft send failed", zap.Error(err))
	}
	a.lastDraft = now
}

// window returns the tail of the buffer that fits in a draft.
func (a *Adaptor) window() string {
	s := a.buf.String()
	if len(s) <= windowSize {
		return s
	}
	idx := len(s) - windowSize
	for idx < len(s) && !utf8.RuneStart(s[idx]) {
		idx++
	}
	return "…\n" + s[idx:]
}

// Finalize converts and delivers the accumulated buffer as final messages,
// returning the file tags the agent embedded in it.
func (a *Adaptor) Finalize(ctx context.Context) []FileTag {
	if a.cancelled.Load() {
		return nil
	}
	text := a.buf.String()
	if text == "" {
		return nil
	}

	// The bare ellipsis is replaced by the final message that follows.
	if err := a.messenger.SendDraft(ctx, a.chatID, a.threadID, a.draftID, "…"); err != nil {
		a.log.Debug("completion draft failed", zap.Error(err))
	}

	text, tags := ExtractFileTags(text)
	if text == "" {
		return tags
	}

	html := ConvertMarkdown(text)
	for _, segment := range SplitHTML(html) {
		err := a.messenger.SendMessage(ctx, a.chatID, a.threadID, segment, platform.ParseModeHTML)
		if err == nil {
			continue
		}
		a.log.Warn("platform rejected HTML segment, retrying as plain text", zap.Error(err))
		if err := a.messenger.SendMessage(ctx, a.chatID, a.threadID, segment, platform.ParseModeNone); err != nil {
			a.log.Error("failed to send segment even as plain text", zap.Error(err))
		}
	}
	return tags
}

// Cancel makes all further writes and finalization no-ops. The partial draft
// is left in place; the superseding turn's output will replace it.
func (a *Adaptor) Cancel() {
	a.cancelled.Store(true)
}
