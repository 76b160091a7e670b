// Package orchestrator runs the per-message turn flow: access control,
// workspace and session resolution, prompt streaming, file delivery, and the
// slot handoff back to the pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/agent/driver"
	"github.com/acpgate/acpgate/internal/agent/pool"
	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/common/stringutil"
	"github.com/acpgate/acpgate/internal/events/bus"
	"github.com/acpgate/acpgate/internal/gateway/files"
	"github.com/acpgate/acpgate/internal/gateway/platform"
	"github.com/acpgate/acpgate/internal/gateway/router"
	"github.com/acpgate/acpgate/internal/gateway/stream"
	"github.com/acpgate/acpgate/internal/session/store"
	"github.com/acpgate/acpgate/internal/workspace"
	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
)

const (
	transientReply  = "Something went wrong. Please try again."
	sessionBusyMsg  = "Your session is busy in another process. Please try again in a moment."
	startReply      = "I'm an agent-powered assistant. Send me a message in any forum topic and I'll respond."
	accessDeniedFmt = "Access denied for user %d."
)

// Orchestrator implements platform.Handler. One instance serves all threads;
// each inbound message runs as its own goroutine driven by the platform
// adapter.
type Orchestrator struct {
	messenger platform.Messenger
	pool      *pool.Pool
	store     *store.Store
	bus       bus.EventBus
	log       *logger.Logger

	basePath string
	allowed  map[int64]struct{}
}

// New builds the orchestrator. The allowlist is resolved once at startup;
// an empty list denies everyone.
func New(cfg *config.Config, m platform.Messenger, p *pool.Pool, s *store.Store, eb bus.EventBus, log *logger.Logger) (*Orchestrator, error) {
	allowed, err := cfg.Bot.AllowedIDs()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		messenger: m,
		pool:      p,
		store:     s,
		bus:       eb,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		basePath:  cfg.Workspace.BasePath,
		allowed:   allowed,
	}, nil
}

// HandleMessage runs one turn for an inbound user message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *platform.InboundMessage) {
	if !o.checkAccess(ctx, msg) {
		return
	}

	key := router.ThreadKey{UserID: msg.UserID, ThreadID: msg.ThreadID}
	log := o.log.WithThread(key.UserID, key.ThreadID)
	log.Debug("handling message",
		zap.String("text", stringutil.TruncateStringWithEllipsis(msg.Body(), 80)),
		zap.Int("attachments", len(msg.Attachments)))

	ws, err := workspace.Dir(o.basePath, msg.UserID, msg.ThreadID)
	if err != nil {
		log.Error("failed to create workspace", zap.Error(err))
		o.replyTransient(ctx, msg.ChatID, msg.ThreadID)
		return
	}

	var paths []string
	if len(msg.Attachments) > 0 {
		paths, err = files.DownloadAll(ctx, o.messenger, ws, msg.Attachments)
		if err != nil {
			log.Error("failed to download attachments", zap.Error(err))
			o.replyTransient(ctx, msg.ChatID, msg.ThreadID)
			return
		}
	}

	req := pool.Request{
		Key:           key,
		MessageText:   msg.Body(),
		Files:         paths,
		ChatID:        msg.ChatID,
		WorkspacePath: ws,
	}

	slot, err := o.pool.Acquire(ctx, key)
	if err != nil {
		log.Error("failed to acquire worker", zap.Error(err))
		o.replyTransient(ctx, msg.ChatID, msg.ThreadID)
		return
	}
	if slot == nil {
		// Affinity slot busy or pool saturated. Acquire already cancelled any
		// in-flight turn for this thread; the release handoff picks this up.
		o.pool.Enqueue(req)
		return
	}

	o.dispatch(ctx, slot, req)
}

// HandleCommand handles the platform's slash commands.
func (o *Orchestrator) HandleCommand(ctx context.Context, msg *platform.InboundMessage, command, args string) {
	if !o.checkAccess(ctx, msg) {
		return
	}

	switch command {
	case "start":
		o.send(ctx, msg.ChatID, msg.ThreadID, startReply)
	case "model":
		o.handleModelCommand(ctx, msg, strings.TrimSpace(args))
	default:
		o.send(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf("Unknown command: /%s", command))
	}
}

func (o *Orchestrator) handleModelCommand(ctx context.Context, msg *platform.InboundMessage, args string) {
	if args == "" {
		model, err := o.store.GetModel(ctx, msg.UserID, msg.ThreadID)
		if err != nil {
			o.log.WithThread(msg.UserID, msg.ThreadID).Error("failed to read model preference", zap.Error(err))
			o.replyTransient(ctx, msg.ChatID, msg.ThreadID)
			return
		}
		o.send(ctx, msg.ChatID, msg.ThreadID,
			fmt.Sprintf("Current model: %s\nUse /model <name> to change it, or /model auto to reset.", model))
		return
	}

	if err := o.store.SetModel(ctx, msg.UserID, msg.ThreadID, args); err != nil {
		o.log.WithThread(msg.UserID, msg.ThreadID).Error("failed to set model preference", zap.Error(err))
		o.replyTransient(ctx, msg.ChatID, msg.ThreadID)
		return
	}
	o.send(ctx, msg.ChatID, msg.ThreadID,
		fmt.Sprintf("Model preference set to %s. It applies from your next message.", args))
}

// checkAccess enforces the allowlist. Denials get exactly one reply.
func (o *Orchestrator) checkAccess(ctx context.Context, msg *platform.InboundMessage) bool {
	if _, ok := o.allowed[msg.UserID]; ok {
		return true
	}
	o.log.Warn("rejected message from unauthorized user", zap.Int64("user_id", msg.UserID))
	o.send(ctx, msg.ChatID, msg.ThreadID, fmt.Sprintf(accessDeniedFmt, msg.UserID))
	return false
}

// dispatch runs turns on a held slot until the release handoff finds no more
// queued work for it.
func (o *Orchestrator) dispatch(ctx context.Context, slot *pool.Slot, req pool.Request) {
	for {
		sessionID := o.runTurn(ctx, slot, req)

		next, handoff := o.pool.ReleaseAndDequeue(slot, sessionID, req.Key)
		if next == nil {
			return
		}
		slot = handoff
		req = *next
	}
}

// runTurn executes one prompt turn on an acquired slot and returns the
// session id the slot ends the turn with (empty when no session was
// established).
func (o *Orchestrator) runTurn(ctx context.Context, slot *pool.Slot, req pool.Request) string {
	key := req.Key
	log := o.log.WithThread(key.UserID, key.ThreadID).WithFields(zap.Int("slot_id", slot.ID))

	cancelCh := make(chan struct{})
	token := o.pool.InFlight().Track(key, func() { close(cancelCh) })
	defer o.pool.InFlight().UntrackOwned(key, token)

	sessionID, ok := o.resolveSession(ctx, slot, req, log)
	if !ok {
		return sessionID
	}

	o.applyModelPreference(ctx, slot, key, sessionID, log)

	o.publish(bus.SubjectTurnStarted, "turn.started", key, nil)

	cancelled, errored := o.streamPrompt(ctx, slot, req, sessionID, promptContent(req), cancelCh, true, log)
	if cancelled {
		o.publish(bus.SubjectTurnCancelled, "turn.cancelled", key, nil)
		return sessionID
	}
	if !errored {
		o.publish(bus.SubjectTurnCompleted, "turn.completed", key, nil)
	}
	return sessionID
}

// resolveSession looks up or creates the thread's agent session on the slot.
// Returns ok=false when the turn must abort.
func (o *Orchestrator) resolveSession(ctx context.Context, slot *pool.Slot, req pool.Request, log *logger.Logger) (string, bool) {
	key := req.Key

	binding, err := o.store.Get(ctx, key.UserID, key.ThreadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("binding lookup failed", zap.Error(err))
		o.replyTransient(ctx, req.ChatID, key.ThreadID)
		return "", false
	}

	if errors.Is(err, store.ErrNotFound) {
		return o.createSession(ctx, slot, req, log)
	}

	if err := slot.Worker.LoadSession(ctx, binding.SessionID, req.WorkspacePath); err != nil {
		var lockErr *driver.SessionLockError
		if errors.As(err, &lockErr) {
			if processAlive(lockErr.HolderPID) {
				// Another live process holds the session. This slot cannot
				// serve the thread; drop the assignment so a later attempt
				// is not hard-bound here.
				log.Warn("session locked by live process",
					zap.String("session_id", binding.SessionID),
					zap.Int("holder_pid", lockErr.HolderPID))
				o.pool.ClearAffinity(key)
				o.send(ctx, req.ChatID, key.ThreadID, sessionBusyMsg)
				return "", false
			}
			log.Warn("session lock holder is dead, rebinding",
				zap.String("session_id", binding.SessionID),
				zap.Int("holder_pid", lockErr.HolderPID))
			if derr := o.store.Delete(ctx, key.UserID, key.ThreadID); derr != nil {
				log.Error("failed to delete stale binding", zap.Error(derr))
			}
			return o.createSession(ctx, slot, req, log)
		}

		log.Warn("session/load failed, creating new session",
			zap.String("session_id", binding.SessionID), zap.Error(err))
		return o.createSession(ctx, slot, req, log)
	}

	return binding.SessionID, true
}

func (o *Orchestrator) createSession(ctx context.Context, slot *pool.Slot, req pool.Request, log *logger.Logger) (string, bool) {
	sessionID, err := slot.Worker.NewSession(ctx, req.WorkspacePath)
	if err != nil {
		log.Error("session/new failed", zap.Error(err))
		o.replyTransient(ctx, req.ChatID, req.Key.ThreadID)
		return "", false
	}
	if err := o.store.Bind(ctx, req.Key.UserID, req.Key.ThreadID, sessionID, req.WorkspacePath); err != nil {
		log.Error("failed to persist binding", zap.Error(err))
	}
	return sessionID, true
}

func (o *Orchestrator) applyModelPreference(ctx context.Context, slot *pool.Slot, key router.ThreadKey, sessionID string, log *logger.Logger) {
	model, err := o.store.GetModel(ctx, key.UserID, key.ThreadID)
	if err != nil {
		log.Warn("failed to read model preference", zap.Error(err))
		return
	}
	if model == store.DefaultModel {
		return
	}
	if err := slot.Worker.SetModel(ctx, sessionID, model); err != nil {
		log.Warn("failed to set model", zap.String("model", model), zap.Error(err))
	}
}

// streamPrompt runs one prompt round: stream chunks into an adaptor, finalize,
// deliver tagged files. When allowRetry is set and delivery reports missing
// files, it recurses once with a follow-up prompt.
func (o *Orchestrator) streamPrompt(ctx context.Context, slot *pool.Slot, req pool.Request, sessionID string, content []jsonrpc.ContentBlock, cancelCh <-chan struct{}, allowRetry bool, log *logger.Logger) (cancelled, errored bool) {
	adaptor := stream.NewAdaptor(o.messenger, req.ChatID, req.Key.ThreadID, stream.RandomDraftID(), log)

	events, err := slot.Worker.Prompt(ctx, sessionID, content)
	if err != nil {
		log.Error("session/prompt failed", zap.Error(err))
		o.replyTransient(ctx, req.ChatID, req.Key.ThreadID)
		return false, true
	}

	for ev := range events {
		select {
		case <-cancelCh:
			if !cancelled {
				cancelled = true
				if cerr := slot.Worker.SessionCancel(sessionID); cerr != nil {
					log.Warn("session/cancel failed", zap.Error(cerr))
				}
				adaptor.Cancel()
			}
		default:
		}

		switch ev.Kind {
		case driver.EventChunk:
			// No-op after cancellation; drain so the driver goroutine can
			// run the turn down.
			adaptor.WriteChunk(ctx, ev.Text)
		case driver.EventTurnEnd:
			log.Debug("turn ended", zap.String("stop_reason", ev.StopReason))
		case driver.EventError:
			log.Error("prompt stream failed", zap.Error(ev.Err))
			if !cancelled {
				o.replyTransient(ctx, req.ChatID, req.Key.ThreadID)
			}
			return cancelled, true
		}
	}

	if cancelled {
		return true, false
	}

	tags := adaptor.Finalize(ctx)
	missing := files.Deliver(ctx, o.messenger, req.ChatID, req.Key.ThreadID, req.WorkspacePath, tags, log)
	if len(missing) == 0 {
		return false, false
	}
	if !allowRetry {
		for _, tag := range missing {
			log.Warn("file still missing after retry", zap.String("path", tag.Path))
		}
		return false, false
	}

	// One internal follow-up per turn: ask the agent to produce the files it
	// referenced, then deliver whatever that yields.
	log.Info("requesting missing files from agent", zap.Int("count", len(missing)))
	retry := []jsonrpc.ContentBlock{{Type: "text", Text: missingFilesPrompt(missing)}}
	return o.streamPrompt(ctx, slot, req, sessionID, retry, cancelCh, false, log)
}

// promptContent builds the prompt for a user message, referencing downloaded
// attachments by absolute path.
func promptContent(req pool.Request) []jsonrpc.ContentBlock {
	var sb strings.Builder
	for _, path := range req.Files {
		sb.WriteString("The user attached a file, saved at: ")
		sb.WriteString(path)
		sb.WriteString("\n")
	}
	sb.WriteString(req.MessageText)
	return []jsonrpc.ContentBlock{{Type: "text", Text: sb.String()}}
}

func missingFilesPrompt(missing []stream.FileTag) string {
	var sb strings.Builder
	sb.WriteString("The following files you referenced do not exist:\n")
	for _, tag := range missing {
		sb.WriteString("- ")
		sb.WriteString(tag.Path)
		sb.WriteString("\n")
	}
	sb.WriteString("Create them at exactly these paths and reference them again with send_file tags.")
	return sb.String()
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (o *Orchestrator) send(ctx context.Context, chatID, threadID int64, text string) {
	if err := o.messenger.SendMessage(ctx, chatID, threadID, text, platform.ParseModeNone); err != nil {
		o.log.Error("failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (o *Orchestrator) replyTransient(ctx context.Context, chatID, threadID int64) {
	o.send(ctx, chatID, threadID, transientReply)
}

func (o *Orchestrator) publish(subject, eventType string, key router.ThreadKey, extra map[string]interface{}) {
	if o.bus == nil {
		return
	}
	data := map[string]interface{}{
		"user_id":   key.UserID,
		"thread_id": key.ThreadID,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := o.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.log.Debug("failed to publish event", zap.Error(err))
	}
}
