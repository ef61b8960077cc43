package messages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Inbound frame types
const (
	TypeSetup     = "setup"
	TypePrompt    = "prompt"
	TypeInterrupt = "interrupt"
	TypeDTMF      = "dtmf"
	TypeError     = "error"
	TypeInfo      = "info"
)

// Custom parameters with special meaning in a setup frame
const (
	ParamContext  = "context"
	ParamGreeting = "greeting"
)

// DecodeError describes an inbound frame that could not be decoded
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Event is a decoded inbound frame
type Event interface {
	EventType() string
}

// SetupEvent opens the session with call metadata
type SetupEvent struct {
	Type             string         `json:"type"`
	SessionID        string         `json:"sessionId"`
	AccountSid       string         `json:"accountSid"`
	ApplicationSid   string         `json:"applicationSid"`
	CallSid          string         `json:"callSid"`
	CallStatus       string         `json:"callStatus"`
	CallType         string         `json:"callType"`
	CallerName       string         `json:"callerName"`
	Direction        string         `json:"direction"`
	ForwardedFrom    string         `json:"forwardedFrom"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	ParentCallSid    string         `json:"parentCallSid"`
	CustomParameters map[string]any `json:"customParameters,omitempty"`

	// Derived from CustomParameters
	Context  map[string]any `json:"-"`
	Greeting string         `json:"-"`
}

// PromptEvent carries transcribed caller speech. Only Last prompts are final.
type PromptEvent struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang"`
	Last        bool   `json:"last"`
}

// InterruptEvent reports that the caller spoke over the assistant
type InterruptEvent struct {
	Type                     string `json:"type"`
	UtteranceUntilInterrupt  string `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMs Millis `json:"durationUntilInterruptMs"`
}

// DTMFEvent is a keypad digit pressed by the caller
type DTMFEvent struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// ErrorEvent is an error reported by the relay
type ErrorEvent struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// InfoEvent is a free-form frame. Frames of unknown type decode to InfoEvent
// with Kind set to the original type.
type InfoEvent struct {
	Kind  string
	Name  string
	Value any
	Raw   json.RawMessage
}

func (SetupEvent) EventType() string     { return TypeSetup }
func (PromptEvent) EventType() string    { return TypePrompt }
func (InterruptEvent) EventType() string { return TypeInterrupt }
func (DTMFEvent) EventType() string      { return TypeDTMF }
func (ErrorEvent) EventType() string     { return TypeError }
func (InfoEvent) EventType() string      { return TypeInfo }

// Millis is a millisecond count the relay may send as a number or a string
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid milliseconds %q: %w", s, err)
	}
	*m = Millis(f)
	return nil
}

type envelope struct {
	Type string `json:"type"`
}

// Decode turns one inbound frame into exactly one event
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, badFrame("invalid JSON frame: "+err.Error(), "")
	}
	if env.Type == "" {
		return nil, badFrame("frame is missing a type", "type")
	}

	switch env.Type {
	case TypeSetup:
		var ev SetupEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid setup frame: "+err.Error(), TypeSetup)
		}
		ev.Context = ParseContext(ev.CustomParameters[ParamContext])
		ev.Greeting, _ = ev.CustomParameters[ParamGreeting].(string)
		return ev, nil

	case TypePrompt:
		var ev PromptEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid prompt frame: "+err.Error(), TypePrompt)
		}
		return ev, nil

	case TypeInterrupt:
		var ev InterruptEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid interrupt frame: "+err.Error(), TypeInterrupt)
		}
		return ev, nil

	case TypeDTMF:
		var ev DTMFEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid dtmf frame: "+err.Error(), TypeDTMF)
		}
		return ev, nil

	case TypeError:
		var ev ErrorEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid error frame: "+err.Error(), TypeError)
		}
		return ev, nil

	default:
		return decodeInfo(env.Type, data), nil
	}
}

func decodeInfo(kind string, data []byte) InfoEvent {
	ev := InfoEvent{Kind: kind, Raw: append(json.RawMessage(nil), data...)}
	var fields struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	if err := sonic.Unmarshal(data, &fields); err == nil {
		ev.Name = fields.Name
		ev.Value = fields.Value
	}
	return ev
}

// ParseContext leniently decodes the JSON-encoded "context" custom parameter.
// Anything other than a string holding a JSON object yields an empty object.
func ParseContext(raw any) map[string]any {
	s, ok := raw.(string)
	if !ok || s == "" {
		return map[string]any{}
	}
	var ctx map[string]any
	if err := sonic.UnmarshalString(s, &ctx); err != nil || ctx == nil {
		return map[string]any{}
	}
	return ctx
}
