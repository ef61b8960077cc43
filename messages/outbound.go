package messages

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Outbound action types
const (
	ActionEnd        = "end"
	ActionPlay       = "play"
	ActionSendDigits = "sendDigits"
	ActionText       = "text"
	ActionLanguage   = "language"
)

// EndAction ends the session, handing data back to the call flow
type EndAction struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData"`
}

// PlayAction plays media to the caller
type PlayAction struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Loop        int    `json:"loop"`
	Preemptible bool   `json:"preemptible"`
}

// SendDigitsAction sends DTMF tones
type SendDigitsAction struct {
	Type   string `json:"type"`
	Digits string `json:"digits"`
}

// TextAction is a text-to-speech token. Last marks the end of an utterance.
type TextAction struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// LanguageAction switches transcription and/or TTS language
type LanguageAction struct {
	Type                  string `json:"type"`
	TranscriptionLanguage string `json:"transcriptionLanguage,omitempty"`
	TTSLanguage           string `json:"ttsLanguage,omitempty"`
}

// NewEndAction encodes the hand-off payload; nil becomes an empty object
func NewEndAction(handoff any) (*EndAction, error) {
	if handoff == nil {
		handoff = map[string]any{}
	}
	data, err := sonic.MarshalString(handoff)
	if err != nil {
		return nil, fmt.Errorf("encode handoff data: %w", err)
	}
	return &EndAction{Type: ActionEnd, HandoffData: data}, nil
}

// NewPlayAction creates a play action. A loop count below 1 plays once.
func NewPlayAction(source string, loop int, preemptible bool) *PlayAction {
	if loop < 1 {
		loop = 1
	}
	return &PlayAction{
		Type:        ActionPlay,
		Source:      source,
		Loop:        loop,
		Preemptible: preemptible,
	}
}

// NewSendDigitsAction creates a DTMF action
func NewSendDigitsAction(digits string) *SendDigitsAction {
	return &SendDigitsAction{Type: ActionSendDigits, Digits: digits}
}

// NewTextAction creates a text token action
func NewTextAction(token string, last bool) *TextAction {
	return &TextAction{Type: ActionText, Token: token, Last: last}
}

// NewLanguageAction creates a language switch
func NewLanguageAction(transcription, tts string) *LanguageAction {
	return &LanguageAction{
		Type:                  ActionLanguage,
		TranscriptionLanguage: transcription,
		TTSLanguage:           tts,
	}
}

// Encode serializes an action for the wire
func Encode(action any) ([]byte, error) {
	data, err := sonic.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	return data, nil
}
