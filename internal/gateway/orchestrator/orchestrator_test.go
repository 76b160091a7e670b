package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgate/acpgate/internal/agent/driver"
	"github.com/acpgate/acpgate/internal/agent/pool"
	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/events/bus"
	"github.com/acpgate/acpgate/internal/gateway/platform"
	"github.com/acpgate/acpgate/internal/session/store"
	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
)

type sentMsg struct {
	chatID    int64
	threadID  int64
	text      string
	parseMode string
}

type fakeMessenger struct {
	mu        sync.Mutex
	messages  []sentMsg
	documents []string
}

func (f *fakeMessenger) SendDraft(context.Context, int64, int64, int64, string) error {
	return nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID, threadID int64, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMsg{chatID, threadID, text, parseMode})
	return nil
}

func (f *fakeMessenger) SendDocument(_ context.Context, _, _ int64, path, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents = append(f.documents, path)
	return nil
}

func (f *fakeMessenger) Download(_ context.Context, _, destPath string) error {
	return os.WriteFile(destPath, []byte("payload"), 0o644)
}

func (f *fakeMessenger) sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeMessenger) lastText(t *testing.T) string {
	t.Helper()
	msgs := f.sent()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1].text
}

// scriptedWorker satisfies pool.Worker with canned prompt responses.
type scriptedWorker struct {
	mu          sync.Mutex
	sessionSeq  int
	loads       []string
	loadErr     error
	loadErrOnce bool
	prompts     []string
	models      []string
	cancels     int

	// respond produces the event stream for the nth prompt (0-based).
	respond func(call int, text string) []driver.Event
}

func (w *scriptedWorker) Initialize(context.Context) error { return nil }

func (w *scriptedWorker) NewSession(context.Context, string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionSeq++
	return "sess-" + strconv.Itoa(w.sessionSeq), nil
}

func (w *scriptedWorker) LoadSession(_ context.Context, sessionID, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loads = append(w.loads, sessionID)
	err := w.loadErr
	if w.loadErrOnce {
		w.loadErr = nil
	}
	return err
}

func (w *scriptedWorker) SetModel(_ context.Context, _, modelID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.models = append(w.models, modelID)
	return nil
}

func (w *scriptedWorker) Prompt(_ context.Context, _ string, content []jsonrpc.ContentBlock) (<-chan driver.Event, error) {
	w.mu.Lock()
	call := len(w.prompts)
	text := ""
	if len(content) > 0 {
		text = content[0].Text
	}
	w.prompts = append(w.prompts, text)
	respond := w.respond
	w.mu.Unlock()

	events := make(chan driver.Event, 16)
	go func() {
		defer close(events)
		if respond == nil {
			events <- driver.Event{Kind: driver.EventChunk, Text: "ok"}
			events <- driver.Event{Kind: driver.EventTurnEnd, StopReason: "end_turn"}
			return
		}
		for _, ev := range respond(call, text) {
			events <- ev
		}
	}()
	return events, nil
}

func (w *scriptedWorker) SessionCancel(string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancels++
	return nil
}

func (w *scriptedWorker) Kill(context.Context) error { return nil }
func (w *scriptedWorker) Alive() bool                { return true }
func (w *scriptedWorker) PID() int                   { return 4321 }

func (w *scriptedWorker) promptTexts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.prompts))
	copy(out, w.prompts)
	return out
}

type fixture struct {
	orch      *Orchestrator
	messenger *fakeMessenger
	worker    *scriptedWorker
	store     *store.Store
	pool      *pool.Pool
	workspace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	worker := &scriptedWorker{}
	p := pool.New(pool.Config{MaxWorkers: 2, IdleTimeout: time.Hour},
		func(context.Context) (pool.Worker, error) { return worker, nil },
		bus.NewMemoryEventBus(log), log)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	ws := t.TempDir()
	cfg := &config.Config{
		Bot:       config.BotConfig{AllowedUserIDs: "1"},
		Workspace: config.WorkspaceCfg{BasePath: ws},
	}

	fm := &fakeMessenger{}
	orch, err := New(cfg, fm, p, st, nil, log)
	require.NoError(t, err)

	return &fixture{orch: orch, messenger: fm, worker: worker, store: st, pool: p, workspace: ws}
}

func inbound(text string) *platform.InboundMessage {
	return &platform.InboundMessage{ChatID: 10, ThreadID: 100, UserID: 1, Text: text}
}

func TestTurnCreatesSessionAndReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.HandleMessage(ctx, inbound("hello"))

	msgs := f.messenger.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].text)
	assert.Equal(t, platform.ParseModeHTML, msgs[0].parseMode)

	b, err := f.store.Get(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", b.SessionID)
	assert.Equal(t, filepath.Join(f.workspace, "1", "100"), b.WorkspacePath)

	assert.Equal(t, []string{"hello"}, f.worker.promptTexts())
}

func TestUnauthorizedUserIsRejected(t *testing.T) {
	f := newFixture(t)

	msg := inbound("hi")
	msg.UserID = 99
	f.orch.HandleMessage(context.Background(), msg)

	assert.Equal(t, "Access denied for user 99.", f.messenger.lastText(t))
	assert.Empty(t, f.worker.promptTexts(), "denied messages never reach the agent")
}

func TestSecondTurnLoadsExistingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.HandleMessage(ctx, inbound("first"))
	f.orch.HandleMessage(ctx, inbound("second"))

	assert.Equal(t, []string{"sess-1"}, f.worker.loads)
	assert.Equal(t, []string{"first", "second"}, f.worker.promptTexts())
}

func TestStaleLockHolderRebinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Bind(ctx, 1, 100, "sess-old", "/old"))
	// A pid far above pid_max cannot be alive.
	f.worker.loadErr = &driver.SessionLockError{SessionID: "sess-old", HolderPID: 999999999}
	f.worker.loadErrOnce = true

	f.orch.HandleMessage(ctx, inbound("hello again"))

	b, err := f.store.Get(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", b.SessionID, "stale binding is replaced by a fresh session")
	assert.Equal(t, []string{"hello again"}, f.worker.promptTexts())
	assert.Equal(t, "ok", f.messenger.lastText(t))
}

func TestLiveLockHolderAbortsTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Bind(ctx, 1, 100, "sess-held", "/old"))
	f.worker.loadErr = &driver.SessionLockError{SessionID: "sess-held", HolderPID: os.Getpid()}

	f.orch.HandleMessage(ctx, inbound("hello"))

	assert.Equal(t, sessionBusyMsg, f.messenger.lastText(t))
	assert.Empty(t, f.worker.promptTexts(), "a held session is never prompted")

	b, err := f.store.Get(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "sess-held", b.SessionID, "the binding is kept for when the holder exits")
}

func TestLoadFailureFallsBackToNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Bind(ctx, 1, 100, "sess-gone", "/old"))
	f.worker.loadErr = errors.New("session/load rejected: unknown session")
	f.worker.loadErrOnce = true

	f.orch.HandleMessage(ctx, inbound("hello"))

	b, err := f.store.Get(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", b.SessionID)
	assert.Equal(t, "ok", f.messenger.lastText(t))
}

func TestModelPreferenceAppliedBeforePrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.HandleCommand(ctx, inbound("/model opus"), "model", "opus")
	assert.Contains(t, f.messenger.lastText(t), "Model preference set to opus")

	f.orch.HandleMessage(ctx, inbound("hello"))
	assert.Equal(t, []string{"opus"}, f.worker.models)
}

func TestModelCommandReportsCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.orch.HandleCommand(ctx, inbound("/model"), "model", "")
	assert.Contains(t, f.messenger.lastText(t), "Current model: auto")
}

func TestStartCommand(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleCommand(context.Background(), inbound("/start"), "start", "")
	assert.Equal(t, startReply, f.messenger.lastText(t))
}

func TestAttachmentsAreDownloadedAndReferenced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := inbound("")
	msg.Caption = "what is this?"
	msg.Attachments = []platform.Attachment{{FileRef: "ref-1", Filename: "photo_abc.jpg"}}

	f.orch.HandleMessage(ctx, msg)

	dest := filepath.Join(f.workspace, "1", "100", "photo_abc.jpg")
	_, err := os.Stat(dest)
	require.NoError(t, err, "attachment must land in the thread workspace")

	prompts := f.worker.promptTexts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], dest)
	assert.Contains(t, prompts[0], "what is this?")
}

func TestMissingFileTriggersSingleRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wsPath string
	f.worker.respond = func(call int, _ string) []driver.Event {
		switch call {
		case 0:
			return []driver.Event{
				{Kind: driver.EventChunk, Text: "Saved it.\n<send_file path=\"" + wsPath + "/out.txt\">result</send_file>"},
				{Kind: driver.EventTurnEnd, StopReason: "end_turn"},
			}
		default:
			// The retry prompt produces the file, then re-tags it.
			_ = os.WriteFile(filepath.Join(wsPath, "out.txt"), []byte("data"), 0o644)
			return []driver.Event{
				{Kind: driver.EventChunk, Text: "<send_file path=\"" + wsPath + "/out.txt\">result</send_file>"},
				{Kind: driver.EventTurnEnd, StopReason: "end_turn"},
			}
		}
	}
	wsPath = filepath.Join(f.workspace, "1", "100")

	f.orch.HandleMessage(ctx, inbound("make a file"))

	prompts := f.worker.promptTexts()
	require.Len(t, prompts, 2, "exactly one internal retry")
	assert.Contains(t, prompts[1], "do not exist")
	assert.Contains(t, prompts[1], filepath.Join(wsPath, "out.txt"))

	f.messenger.mu.Lock()
	docs := f.messenger.documents
	f.messenger.mu.Unlock()
	assert.Equal(t, []string{filepath.Join(wsPath, "out.txt")}, docs)
}

func TestEscapingFilePathIsDroppedWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.worker.respond = func(int, string) []driver.Event {
		return []driver.Event{
			{Kind: driver.EventChunk, Text: "<send_file path=\"/etc/passwd\">secrets</send_file>done"},
			{Kind: driver.EventTurnEnd, StopReason: "end_turn"},
		}
	}

	f.orch.HandleMessage(ctx, inbound("try it"))

	require.Len(t, f.worker.promptTexts(), 1, "escapes are dropped, not retried")
	f.messenger.mu.Lock()
	docs := f.messenger.documents
	f.messenger.mu.Unlock()
	assert.Empty(t, docs)
}

func TestPromptErrorSurfacesTransientReply(t *testing.T) {
	f := newFixture(t)

	f.worker.respond = func(int, string) []driver.Event {
		return []driver.Event{{Kind: driver.EventError, Err: driver.ErrConnectionLost}}
	}

	f.orch.HandleMessage(context.Background(), inbound("hello"))
	assert.Equal(t, transientReply, f.messenger.lastText(t))
}
