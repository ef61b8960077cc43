package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/messages"
	"github.com/room4-2/converse-relay/orchestrator"
	"github.com/room4-2/converse-relay/relay"
)

const promptQueueSize = 16

// State is the conversational state of a call
type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Runner runs one assistant turn against the session's conversation.
// It logs its own failures; the session only records that the turn ended.
type Runner interface {
	Run(ctx context.Context, emit orchestrator.EmitFunc) error
}

// RunnerFactory builds the turn runner bound to a session's store
type RunnerFactory func(store *conversation.Store, logger *slog.Logger) Runner

// Options carry optional hooks for a CallSession
type Options struct {
	Logger        *slog.Logger
	OnStateChange func(cs *CallSession, state State)
	OnSetup       func(cs *CallSession, setup messages.SetupEvent)
}

// prompt is a final caller utterance tagged with the generation it opened
type prompt struct {
	text       string
	generation uint64
}

// CallSession is one phone call bridged to the model
type CallSession struct {
	ID        string
	CreatedAt time.Time

	store   *conversation.Store
	channel *relay.Channel
	runner  Runner
	opts    Options
	logger  *slog.Logger

	state      atomic.Int32
	generation atomic.Uint64
	prompts    chan prompt

	lastActivity atomic.Int64 // unix nanos

	// mu guards the fields below and orders text sends against supersede
	mu        sync.Mutex
	callSid   string
	cancelRun context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	CloseChan chan struct{}
}

// NewCallSession wires a session to a connected relay socket
func NewCallSession(id string, conn relay.Conn, newRunner RunnerFactory, opts Options) *CallSession {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)

	ctx, cancel := context.WithCancel(context.Background())
	cs := &CallSession{
		ID:        id,
		CreatedAt: time.Now(),
		store:     conversation.NewStore(),
		opts:      opts,
		logger:    logger,
		prompts:   make(chan prompt, promptQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		CloseChan: make(chan struct{}),
	}
	cs.touch()
	cs.runner = newRunner(cs.store, logger)
	cs.channel = relay.NewChannel(conn, relay.Handlers{
		OnSetup:     cs.onSetup,
		OnPrompt:    cs.onPrompt,
		OnInterrupt: cs.onInterrupt,
		OnDTMF:      cs.onDTMF,
		OnError:     cs.onError,
		OnInfo:      cs.onInfo,
		OnClose:     cs.onClose,
	}, logger)
	return cs
}

// Serve runs the session until the socket closes
func (cs *CallSession) Serve(ctx context.Context) error {
	go cs.worker()
	return cs.channel.Serve(ctx)
}

// Store exposes the conversation history
func (cs *CallSession) Store() *conversation.Store {
	return cs.store
}

// Channel exposes the relay channel for out-of-band actions
func (cs *CallSession) Channel() *relay.Channel {
	return cs.channel
}

// State returns the current conversational state
func (cs *CallSession) State() State {
	return State(cs.state.Load())
}

// CallSid returns the call sid reported at setup
func (cs *CallSession) CallSid() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.callSid
}

// LastActivity returns when the caller last sent a frame
func (cs *CallSession) LastActivity() time.Time {
	return time.Unix(0, cs.lastActivity.Load())
}

func (cs *CallSession) touch() {
	cs.lastActivity.Store(time.Now().UnixNano())
}

// setState moves to s and reports it. Must not be called with mu held.
func (cs *CallSession) setState(s State) {
	if cs.transition(s) {
		cs.notify(s)
	}
}

// transition moves to s unless the session has ended, reporting whether the state changed.
// It is safe under mu; the caller notifies once mu is released.
func (cs *CallSession) transition(s State) bool {
	for {
		cur := State(cs.state.Load())
		if cur == StateEnded || cur == s {
			return false
		}
		if cs.state.CompareAndSwap(int32(cur), int32(s)) {
			cs.logger.Debug("state change", "from", cur, "to", s)
			return true
		}
	}
}

func (cs *CallSession) notify(s State) {
	if cs.opts.OnStateChange != nil {
		cs.opts.OnStateChange(cs, s)
	}
}

// supersedeLocked starts a new generation and cancels the active run. Caller holds mu.
func (cs *CallSession) supersedeLocked() uint64 {
	gen := cs.generation.Add(1)
	if cs.cancelRun != nil {
		cs.cancelRun()
		cs.cancelRun = nil
	}
	return gen
}

func (cs *CallSession) onSetup(ev messages.SetupEvent) {
	cs.touch()

	cs.mu.Lock()
	cs.callSid = ev.CallSid
	cs.mu.Unlock()

	cs.store.SetContext(ev.Context)
	if ev.Greeting != "" {
		cs.store.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: ev.Greeting})
	}

	cs.logger.Info("call setup",
		"call_sid", ev.CallSid,
		"from", ev.From,
		"to", ev.To,
		"direction", ev.Direction,
		"context_keys", len(ev.Context),
	)

	if cs.opts.OnSetup != nil {
		cs.opts.OnSetup(cs, ev)
	}
	if cs.State() == StateIdle {
		cs.setState(StateListening)
	}
}

func (cs *CallSession) onPrompt(ev messages.PromptEvent) {
	cs.touch()
	if !ev.Last {
		return
	}

	cs.mu.Lock()
	gen := cs.supersedeLocked()
	cs.mu.Unlock()

	cs.logger.Info("caller said", "text", ev.VoicePrompt, "lang", ev.Lang)
	cs.setState(StateThinking)

	select {
	case cs.prompts <- prompt{text: ev.VoicePrompt, generation: gen}:
	case <-cs.CloseChan:
	}
}

func (cs *CallSession) onInterrupt(ev messages.InterruptEvent) {
	cs.touch()

	cs.mu.Lock()
	cs.supersedeLocked()
	state := cs.State()
	if state == StateSpeaking {
		if err := cs.channel.SendTextToken("", true); err != nil {
			cs.logger.Debug("could not close interrupted utterance", "error", err)
		}
	}
	changed := (state == StateThinking || state == StateSpeaking) && cs.transition(StateListening)
	cs.mu.Unlock()

	if changed {
		cs.notify(StateListening)
	}

	cs.logger.Info("caller interrupted",
		"utterance", ev.UtteranceUntilInterrupt,
		"duration_ms", int64(ev.DurationUntilInterruptMs),
		"state", state,
	)
}

func (cs *CallSession) onDTMF(ev messages.DTMFEvent) {
	cs.touch()
	cs.logger.Info("dtmf", "digit", ev.Digit)
}

func (cs *CallSession) onError(ev messages.ErrorEvent) {
	cs.logger.Warn("relay reported error", "description", ev.Description)
}

func (cs *CallSession) onInfo(ev messages.InfoEvent) {
	if ev.Name == "tokensPlayed" {
		cs.logger.Debug("tokens played", "value", ev.Value)
		return
	}
	cs.logger.Debug("relay info", "kind", ev.Kind, "name", ev.Name)
}

func (cs *CallSession) onClose(err error) {
	if err != nil && !cs.isClosed() {
		cs.logger.Info("relay socket closed", "error", err)
	}
	cs.Close()
}

// worker runs prompts one at a time, in arrival order
func (cs *CallSession) worker() {
	for {
		select {
		case <-cs.CloseChan:
			return
		case p := <-cs.prompts:
			cs.runTurn(p)
		}
	}
}

func (cs *CallSession) runTurn(p prompt) {
	cs.store.Append(conversation.Turn{Role: conversation.RoleUser, Content: p.text})

	ctx, cancel := context.WithCancel(cs.ctx)
	defer cancel()

	cs.mu.Lock()
	if cs.generation.Load() != p.generation {
		cs.mu.Unlock()
		return
	}
	cs.cancelRun = cancel
	cs.mu.Unlock()

	err := cs.runner.Run(ctx, func(ev orchestrator.TextEvent) {
		cs.emit(p.generation, ev)
	})

	cs.mu.Lock()
	current := cs.generation.Load() == p.generation
	if current {
		cs.cancelRun = nil
	}
	cs.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		cs.logger.Debug("turn ended with error", "error", err)
	}
	if current && cs.State() != StateListening {
		cs.setState(StateListening)
	}
}

// emit forwards a text event unless a newer prompt or an interrupt superseded its turn
func (cs *CallSession) emit(generation uint64, ev orchestrator.TextEvent) {
	next := StateSpeaking
	if ev.Last {
		next = StateListening
	}

	cs.mu.Lock()
	if cs.generation.Load() != generation {
		cs.mu.Unlock()
		return
	}
	if err := cs.channel.SendTextToken(ev.Token, ev.Last); err != nil {
		cs.logger.Debug("text token not sent", "error", err)
	}
	changed := cs.transition(next)
	cs.mu.Unlock()

	if ev.Last {
		cs.logger.Info("assistant said", "text", ev.FullText)
	}
	if changed {
		cs.notify(next)
	}
}

func (cs *CallSession) isClosed() bool {
	select {
	case <-cs.CloseChan:
		return true
	default:
		return false
	}
}

// Close ends the call, cancels any run and closes the socket. Safe to call more than once.
func (cs *CallSession) Close() error {
	var err error
	cs.closeOnce.Do(func() {
		cs.setState(StateEnded)

		cs.mu.Lock()
		cs.supersedeLocked()
		cs.mu.Unlock()

		cs.cancel()
		close(cs.CloseChan)
		err = cs.channel.Close()
		cs.logger.Info("session closed")
	})
	return err
}
