package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/orchestrator"
	"github.com/room4-2/converse-relay/relay/relaytest"
)

const waitTimeout = 2 * time.Second

type scriptFunc func(n int, ctx context.Context, emit orchestrator.EmitFunc) error

// fakeRunner reports the history it saw at the start of each run, then plays a script
type fakeRunner struct {
	store   *conversation.Store
	script  scriptFunc
	started chan []conversation.Turn
	calls   atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context, emit orchestrator.EmitFunc) error {
	n := int(r.calls.Add(1))
	r.started <- r.store.Turns()
	if r.script == nil {
		return nil
	}
	return r.script(n, ctx, emit)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

// record reads the session back the way the manager's Redis mirror does
func (l *stateLog) record(cs *CallSession, s State) {
	_ = cs.CallSid()
	_ = cs.LastActivity()
	_ = cs.State()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func newTestSession(t *testing.T, script scriptFunc) (*CallSession, *relaytest.Conn, *fakeRunner, *stateLog) {
	t.Helper()
	conn := relaytest.NewConn()
	runner := &fakeRunner{script: script, started: make(chan []conversation.Turn, 8)}
	states := &stateLog{}

	cs := NewCallSession("test-session", conn, func(store *conversation.Store, _ *slog.Logger) Runner {
		runner.store = store
		return runner
	}, Options{OnStateChange: states.record})

	go cs.Serve(context.Background())
	t.Cleanup(func() { cs.Close() })
	return cs, conn, runner, states
}

func waitStarted(t *testing.T, r *fakeRunner) []conversation.Turn {
	t.Helper()
	select {
	case turns := <-r.started:
		return turns
	case <-time.After(waitTimeout):
		t.Fatal("runner was not started")
		return nil
	}
}

func assertNotStarted(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.started:
		t.Fatal("unexpected run")
	case <-time.After(100 * time.Millisecond):
	}
}

const setupFrame = `{"type":"setup","callSid":"CA1","from":"+15550001111","to":"+15550002222",` +
	`"customParameters":{"greeting":"Hi, how can I help?","context":"{\"tier\":\"gold\"}"}}`

func TestCallSession_PartialPromptHasNoSideEffect(t *testing.T) {
	_, conn, runner, _ := newTestSession(t, nil)

	conn.Send(`{"type":"prompt","voicePrompt":"what's","last":false}`)
	conn.Send(`{"type":"prompt","voicePrompt":"what's the weather","last":true}`)

	turns := waitStarted(t, runner)
	assert.Equal(t, []conversation.Turn{{Role: conversation.RoleUser, Content: "what's the weather"}}, turns)
	assertNotStarted(t, runner)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestCallSession_SetupSeedsContextAndGreeting(t *testing.T) {
	cs, conn, runner, _ := newTestSession(t, nil)

	conn.Send(setupFrame)
	conn.Send(`{"type":"prompt","voicePrompt":"hello","last":true}`)

	turns := waitStarted(t, runner)
	assert.Equal(t, []conversation.Turn{
		{Role: conversation.RoleAssistant, Content: "Hi, how can I help?"},
		{Role: conversation.RoleUser, Content: "hello"},
	}, turns)
	assert.Equal(t, "gold", cs.Store().Context()["tier"])
	assert.Equal(t, "CA1", cs.CallSid())
}

func TestCallSession_StreamsTextAndReturnsToListening(t *testing.T) {
	cs, conn, runner, states := newTestSession(t, func(_ int, _ context.Context, emit orchestrator.EmitFunc) error {
		emit(orchestrator.TextEvent{Token: "H"})
		emit(orchestrator.TextEvent{Token: "i"})
		emit(orchestrator.TextEvent{Last: true, FullText: "Hi"})
		return nil
	})

	conn.Send(setupFrame)
	conn.Send(`{"type":"prompt","voicePrompt":"hello","last":true}`)
	waitStarted(t, runner)

	frames := conn.WaitForWrites(3, waitTimeout)
	require.Len(t, frames, 3)
	assert.Equal(t, map[string]any{"type": "text", "token": "H", "last": false}, frames[0])
	assert.Equal(t, map[string]any{"type": "text", "token": "i", "last": false}, frames[1])
	assert.Equal(t, map[string]any{"type": "text", "token": "", "last": true}, frames[2])

	require.Eventually(t, func() bool { return cs.State() == StateListening && len(states.snapshot()) == 4 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, []State{StateListening, StateThinking, StateSpeaking, StateListening}, states.snapshot())
}

func TestCallSession_InterruptCancelsRunAndClosesUtterance(t *testing.T) {
	finished := make(chan error, 1)
	cs, conn, runner, _ := newTestSession(t, func(_ int, ctx context.Context, emit orchestrator.EmitFunc) error {
		emit(orchestrator.TextEvent{Token: "Hel"})
		<-ctx.Done()
		emit(orchestrator.TextEvent{Token: "lo, late"})
		finished <- ctx.Err()
		return ctx.Err()
	})

	conn.Send(setupFrame)
	conn.Send(`{"type":"prompt","voicePrompt":"hello","last":true}`)
	waitStarted(t, runner)
	require.Len(t, conn.WaitForWrites(1, waitTimeout), 1)
	require.Eventually(t, func() bool { return cs.State() == StateSpeaking }, waitTimeout, 10*time.Millisecond)

	conn.Send(`{"type":"interrupt","utteranceUntilInterrupt":"Hel","durationUntilInterruptMs":120}`)

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("run was not cancelled")
	}

	frames := conn.WaitForWrites(2, waitTimeout)
	require.Len(t, frames, 2)
	assert.Equal(t, "Hel", frames[0]["token"])
	assert.Equal(t, map[string]any{"type": "text", "token": "", "last": true}, frames[1])
	assert.Equal(t, StateListening, cs.State())
}

func TestCallSession_NewPromptSupersedesActiveRun(t *testing.T) {
	firstCancelled := make(chan struct{})
	cs, conn, runner, _ := newTestSession(t, func(n int, ctx context.Context, emit orchestrator.EmitFunc) error {
		if n == 1 {
			<-ctx.Done()
			emit(orchestrator.TextEvent{Last: true, FullText: "stale"})
			close(firstCancelled)
			return ctx.Err()
		}
		emit(orchestrator.TextEvent{Last: true, FullText: "fresh"})
		return nil
	})

	conn.Send(`{"type":"prompt","voicePrompt":"first","last":true}`)
	waitStarted(t, runner)
	conn.Send(`{"type":"prompt","voicePrompt":"second","last":true}`)

	select {
	case <-firstCancelled:
	case <-time.After(waitTimeout):
		t.Fatal("first run was not cancelled")
	}

	turns := waitStarted(t, runner)
	assert.Equal(t, []conversation.Turn{
		{Role: conversation.RoleUser, Content: "first"},
		{Role: conversation.RoleUser, Content: "second"},
	}, turns)

	frames := conn.WaitForWrites(1, waitTimeout)
	require.Len(t, frames, 1)
	assert.Equal(t, true, frames[0]["last"])
	require.Eventually(t, func() bool { return cs.State() == StateListening }, waitTimeout, 10*time.Millisecond)
}

func TestCallSession_FailedRunReturnsToListening(t *testing.T) {
	cs, conn, runner, _ := newTestSession(t, func(int, context.Context, orchestrator.EmitFunc) error {
		return errors.New("open stream: connection refused")
	})

	conn.Send(setupFrame)
	conn.Send(`{"type":"prompt","voicePrompt":"hello","last":true}`)
	waitStarted(t, runner)

	require.Eventually(t, func() bool { return cs.State() == StateListening }, waitTimeout, 10*time.Millisecond)
	assert.Empty(t, conn.Written())
}

// levelRecorder keeps the level of every record logged through it
type levelRecorder struct {
	mu     sync.Mutex
	levels []slog.Level
}

func (r *levelRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *levelRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, rec.Level)
	return nil
}

func (r *levelRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *levelRecorder) WithGroup(string) slog.Handler      { return r }

func (r *levelRecorder) count(level slog.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.levels {
		if l == level {
			n++
		}
	}
	return n
}

func TestCallSession_FailedRunIsNotLoggedAsError(t *testing.T) {
	conn := relaytest.NewConn()
	logs := &levelRecorder{}
	ran := make(chan struct{})

	cs := NewCallSession("test-session", conn, func(*conversation.Store, *slog.Logger) Runner {
		return runnerFunc(func(context.Context, orchestrator.EmitFunc) error {
			defer close(ran)
			return errors.New("open stream: connection refused")
		})
	}, Options{Logger: slog.New(logs)})
	go cs.Serve(context.Background())
	t.Cleanup(func() { cs.Close() })

	conn.Send(`{"type":"prompt","voicePrompt":"hello","last":true}`)
	select {
	case <-ran:
	case <-time.After(waitTimeout):
		t.Fatal("runner was not started")
	}

	require.Eventually(t, func() bool { return cs.State() == StateListening }, waitTimeout, 10*time.Millisecond)
	assert.Zero(t, logs.count(slog.LevelError))
}

type runnerFunc func(ctx context.Context, emit orchestrator.EmitFunc) error

func (f runnerFunc) Run(ctx context.Context, emit orchestrator.EmitFunc) error { return f(ctx, emit) }

func TestCallSession_HangupEndsSession(t *testing.T) {
	cs, conn, _, states := newTestSession(t, nil)

	conn.Send(setupFrame)
	conn.Hangup()

	select {
	case <-cs.CloseChan:
	case <-time.After(waitTimeout):
		t.Fatal("session did not close")
	}
	assert.Equal(t, StateEnded, cs.State())
	assert.True(t, conn.IsClosed())
	assert.NoError(t, cs.Close())

	got := states.snapshot()
	require.NotEmpty(t, got)
	assert.Equal(t, StateEnded, got[len(got)-1])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "speaking", StateSpeaking.String())
	assert.Equal(t, "ended", StateEnded.String())
	assert.Equal(t, "unknown", State(42).String())
}
