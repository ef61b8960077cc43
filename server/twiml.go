package server

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"

	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/messages"
)

// RelayPath is where Twilio opens the Conversation Relay socket
const RelayPath = "/relay"

// BuildTwiML connects an incoming call to this server's relay socket.
// The greeting is also passed as a custom parameter so the session can seed it into the conversation.
func BuildTwiML(cfg *config.Config) (string, error) {
	attrs := map[string]string{
		"interruptible": "any",
	}
	setIf := func(name, value string) {
		if value != "" {
			attrs[name] = value
		}
	}
	setIf("welcomeGreeting", cfg.WelcomeGreeting)
	setIf("transcriptionProvider", cfg.TranscriptionProvider)
	setIf("speechModel", cfg.SpeechModel)
	setIf("ttsProvider", cfg.TTSProvider)
	setIf("voice", cfg.TTSVoice)

	relay := &twiml.VoiceConversationRelay{
		Url:                fmt.Sprintf("wss://%s%s", cfg.Hostname, RelayPath),
		OptionalAttributes: attrs,
	}
	if cfg.WelcomeGreeting != "" {
		relay.InnerElements = []twiml.Element{
			&twiml.VoiceParameter{Name: messages.ParamGreeting, Value: cfg.WelcomeGreeting},
		}
	}

	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{relay},
	}
	return twiml.Voice([]twiml.Element{connect})
}
