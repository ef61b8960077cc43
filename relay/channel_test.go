package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/converse-relay/messages"
	"github.com/room4-2/converse-relay/relay/relaytest"
)

const waitTimeout = 2 * time.Second

// recorder collects dispatched events in arrival order
type recorder struct {
	mu     sync.Mutex
	events []messages.Event
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) add(ev messages.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []messages.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messages.Event(nil), r.events...)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnSetup:     func(e messages.SetupEvent) { r.add(e) },
		OnPrompt:    func(e messages.PromptEvent) { r.add(e) },
		OnInterrupt: func(e messages.InterruptEvent) { r.add(e) },
		OnDTMF:      func(e messages.DTMFEvent) { r.add(e) },
		OnError:     func(e messages.ErrorEvent) { r.add(e) },
		OnInfo:      func(e messages.InfoEvent) { r.add(e) },
		OnClose:     func(err error) { r.closed <- err },
	}
}

func serve(t *testing.T, ch *Channel) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- ch.Serve(context.Background()) }()
	return done
}

func TestChannel_DispatchesEachFrameToItsHandler(t *testing.T) {
	conn := relaytest.NewConn()
	rec := newRecorder()
	ch := NewChannel(conn, rec.handlers(), nil)
	done := serve(t, ch)

	conn.Send(`{"type":"setup","callSid":"CA1","customParameters":{"context":"not json"}}`)
	conn.Send(`{"type":"prompt","voicePrompt":"hi","last":true}`)
	conn.Send(`this is not json`)
	conn.Send(`{"type":"interrupt","utteranceUntilInterrupt":"Hel","durationUntilInterruptMs":300}`)
	conn.Send(`{"type":"dtmf","digit":"9"}`)
	conn.Send(`{"type":"error","description":"boom"}`)
	conn.Send(`{"type":"info","name":"tokensPlayed","value":"hi"}`)
	conn.Send(`{"type":"brandNew"}`)
	conn.Hangup()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after hangup")
	}

	events := rec.snapshot()
	require.Len(t, events, 7)
	setup := events[0].(messages.SetupEvent)
	assert.Equal(t, "CA1", setup.CallSid)
	assert.Empty(t, setup.Context)
	assert.Equal(t, "hi", events[1].(messages.PromptEvent).VoicePrompt)
	assert.IsType(t, messages.InterruptEvent{}, events[2])
	assert.Equal(t, "9", events[3].(messages.DTMFEvent).Digit)
	assert.Equal(t, "boom", events[4].(messages.ErrorEvent).Description)
	assert.Equal(t, "tokensPlayed", events[5].(messages.InfoEvent).Name)
	assert.Equal(t, "brandNew", events[6].(messages.InfoEvent).Kind)

	select {
	case <-rec.closed:
	default:
		t.Fatal("OnClose was not called")
	}
	assert.True(t, conn.IsClosed())
}

func TestChannel_NilHandlersAreSkipped(t *testing.T) {
	conn := relaytest.NewConn()
	ch := NewChannel(conn, Handlers{}, nil)
	done := serve(t, ch)

	conn.Send(`{"type":"prompt","voicePrompt":"hi","last":true}`)
	conn.Hangup()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}
}

func TestChannel_OutboundActions(t *testing.T) {
	conn := relaytest.NewConn()
	ch := NewChannel(conn, Handlers{}, nil)
	serve(t, ch)
	defer ch.Close()

	require.NoError(t, ch.SendTextToken("Hel", false))
	require.NoError(t, ch.SendTextToken("lo", false))
	require.NoError(t, ch.SendTextToken("", true))
	require.NoError(t, ch.PlayMedia("https://example.com/a.mp3", PlayOptions{}))
	require.NoError(t, ch.SendDigits("42#"))
	require.NoError(t, ch.SwitchLanguageAll("de-DE"))
	require.NoError(t, ch.End(map[string]string{"reasonCode": "done"}))

	frames := conn.WaitForWrites(7, waitTimeout)
	require.Len(t, frames, 7)
	assert.Equal(t, map[string]any{"type": "text", "token": "Hel", "last": false}, frames[0])
	assert.Equal(t, map[string]any{"type": "text", "token": "lo", "last": false}, frames[1])
	assert.Equal(t, map[string]any{"type": "text", "token": "", "last": true}, frames[2])
	assert.Equal(t, map[string]any{"type": "play", "source": "https://example.com/a.mp3", "loop": float64(1), "preemptible": false}, frames[3])
	assert.Equal(t, map[string]any{"type": "sendDigits", "digits": "42#"}, frames[4])
	assert.Equal(t, map[string]any{"type": "language", "transcriptionLanguage": "de-DE", "ttsLanguage": "de-DE"}, frames[5])
	assert.Equal(t, map[string]any{"type": "end", "handoffData": `{"reasonCode":"done"}`}, frames[6])
}

func TestChannel_SendAfterClose(t *testing.T) {
	conn := relaytest.NewConn()
	ch := NewChannel(conn, Handlers{}, nil)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.ErrorIs(t, ch.SendTextToken("late", true), ErrClosed)
	select {
	case <-ch.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestChannel_QueueFullDropsAction(t *testing.T) {
	conn := relaytest.NewConn()
	ch := NewChannel(conn, Handlers{}, nil)
	// no Serve: nothing drains the queue

	for i := 0; i < writeQueueSize; i++ {
		require.NoError(t, ch.SendTextToken("x", false))
	}
	assert.ErrorIs(t, ch.SendTextToken("overflow", false), ErrQueueFull)
}

func TestChannel_ContextCancelClosesSocket(t *testing.T) {
	conn := relaytest.NewConn()
	rec := newRecorder()
	ch := NewChannel(conn, rec.handlers(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, conn.IsClosed())
}
