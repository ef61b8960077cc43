// Package relay speaks the Conversation Relay protocol over one socket.
//
// A Channel decodes inbound frames and hands each to exactly one handler,
// and encodes outbound actions onto a write queue drained by a single
// writer goroutine. Sends are fire-and-forget.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/converse-relay/messages"
)

const (
	writeQueueSize = 256
	writeTimeout   = 10 * time.Second
	readLimit      = 512 * 1024
)

var (
	// ErrClosed is returned when sending on a closed channel
	ErrClosed = errors.New("relay channel closed")
	// ErrQueueFull is returned when the write queue cannot take another action
	ErrQueueFull = errors.New("relay write queue full")
)

// Conn is the subset of *websocket.Conn used by a Channel
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Handlers receive decoded frames, one handler per frame kind. Nil handlers are skipped.
type Handlers struct {
	OnSetup     func(messages.SetupEvent)
	OnPrompt    func(messages.PromptEvent)
	OnInterrupt func(messages.InterruptEvent)
	OnDTMF      func(messages.DTMFEvent)
	OnError     func(messages.ErrorEvent)
	OnInfo      func(messages.InfoEvent)
	OnClose     func(err error)
}

// PlayOptions tune a play-media action
type PlayOptions struct {
	Loop        int // values below 1 play once
	Preemptible bool
}

// Channel is one relay socket session
type Channel struct {
	conn     Conn
	handlers Handlers
	logger   *slog.Logger

	writeChan chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewChannel wraps a connected socket
func NewChannel(conn Conn, handlers Handlers, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	conn.SetReadLimit(readLimit)
	return &Channel{
		conn:      conn,
		handlers:  handlers,
		logger:    logger,
		writeChan: make(chan []byte, writeQueueSize),
		closeChan: make(chan struct{}),
	}
}

// Serve reads frames until the socket closes or ctx is cancelled.
// OnClose is called exactly once when reading stops.
func (c *Channel) Serve(ctx context.Context) error {
	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closeChan:
		}
	}()

	var readErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(data)
	}

	closedByUs := c.isClosed()
	c.Close()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose(readErr)
	}

	if closedByUs || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return readErr
}

// dispatch decodes one frame and routes it to its handler
func (c *Channel) dispatch(data []byte) {
	ev, err := messages.Decode(data)
	if err != nil {
		c.logger.Warn("dropping relay frame", "error", err)
		return
	}

	switch e := ev.(type) {
	case messages.SetupEvent:
		if c.handlers.OnSetup != nil {
			c.handlers.OnSetup(e)
		}
	case messages.PromptEvent:
		if c.handlers.OnPrompt != nil {
			c.handlers.OnPrompt(e)
		}
	case messages.InterruptEvent:
		if c.handlers.OnInterrupt != nil {
			c.handlers.OnInterrupt(e)
		}
	case messages.DTMFEvent:
		if c.handlers.OnDTMF != nil {
			c.handlers.OnDTMF(e)
		}
	case messages.ErrorEvent:
		if c.handlers.OnError != nil {
			c.handlers.OnError(e)
		}
	case messages.InfoEvent:
		if c.handlers.OnInfo != nil {
			c.handlers.OnInfo(e)
		}
	}
}

// writePump handles all outgoing frames in a single goroutine
func (c *Channel) writePump() {
	for {
		select {
		case <-c.closeChan:
			return
		case data := <-c.writeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("relay write failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// send encodes an action and queues it without blocking
func (c *Channel) send(action any) error {
	if c.isClosed() {
		return ErrClosed
	}

	data, err := messages.Encode(action)
	if err != nil {
		return err
	}

	select {
	case c.writeChan <- data:
		return nil
	default:
		c.logger.Warn("relay write queue full, dropping action")
		return ErrQueueFull
	}
}

// End ends the session. handoff is JSON-encoded; nil sends an empty object.
func (c *Channel) End(handoff any) error {
	action, err := messages.NewEndAction(handoff)
	if err != nil {
		return err
	}
	return c.send(action)
}

// PlayMedia plays an audio file to the caller
func (c *Channel) PlayMedia(source string, opts PlayOptions) error {
	return c.send(messages.NewPlayAction(source, opts.Loop, opts.Preemptible))
}

// SendDigits sends DTMF tones to the caller
func (c *Channel) SendDigits(digits string) error {
	return c.send(messages.NewSendDigitsAction(digits))
}

// SendTextToken streams a TTS token. last marks the end of an utterance.
func (c *Channel) SendTextToken(token string, last bool) error {
	return c.send(messages.NewTextAction(token, last))
}

// SwitchLanguage switches transcription and TTS languages; empty values are left unchanged
func (c *Channel) SwitchLanguage(transcription, tts string) error {
	return c.send(messages.NewLanguageAction(transcription, tts))
}

// SwitchLanguageAll switches both transcription and TTS to the same language
func (c *Channel) SwitchLanguageAll(language string) error {
	return c.SwitchLanguage(language, language)
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.closeChan
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
		err = c.conn.Close()
	})
	return err
}
