// relay-sim plays the Twilio side of a Conversation Relay socket from the terminal.
//
// Each line typed is sent as a final prompt. "/interrupt" interrupts the
// assistant, "/dtmf N" presses a key and "/quit" hangs up.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/room4-2/converse-relay/messages"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/relay", "Relay WebSocket URL")
	greeting := flag.String("greeting", "Hello! How can I help you today?", "Greeting passed as a custom parameter")
	callContext := flag.String("context", `{"customer":"demo"}`, "JSON context passed as a custom parameter")
	lang := flag.String("lang", "en-US", "Prompt language")
	flag.Parse()

	log.Printf("🔌 Connecting to %s...", *serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Println("✅ Connected!")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	send := func(frame any) {
		data, err := sonic.Marshal(frame)
		if err != nil {
			log.Printf("❌ Encode error: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("❌ Write error: %v", err)
		}
	}

	send(messages.SetupEvent{
		Type:       messages.TypeSetup,
		SessionID:  "VX" + uuid.New().String(),
		CallSid:    "CA" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		CallStatus: "RINGING",
		CallType:   "PSTN",
		Direction:  "inbound",
		From:       "+15550001111",
		To:         "+15550002222",
		CustomParameters: map[string]any{
			messages.ParamGreeting: *greeting,
			messages.ParamContext:  *callContext,
		},
	})
	fmt.Printf("assistant: %s\n", *greeting)

	done := make(chan struct{})
	var spoken strings.Builder

	// Read actions from server
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			var action map[string]any
			if err := sonic.Unmarshal(data, &action); err != nil {
				log.Println("Parse error:", err)
				continue
			}

			switch action["type"] {
			case messages.ActionText:
				token, _ := action["token"].(string)
				spoken.WriteString(token)
				if last, _ := action["last"].(bool); last {
					fmt.Printf("assistant: %s\n", spoken.String())
					spoken.Reset()
				}
			case messages.ActionEnd:
				log.Printf("📴 Session ended by server: %v", action["handoffData"])
				return
			default:
				log.Printf("📥 %s", data)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing...")
			hangup(conn, done)
			return
		case line, ok := <-lines:
			if !ok {
				hangup(conn, done)
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				hangup(conn, done)
				return
			case line == "/interrupt":
				send(messages.InterruptEvent{
					Type:                     messages.TypeInterrupt,
					UtteranceUntilInterrupt:  spoken.String(),
					DurationUntilInterruptMs: messages.Millis(500),
				})
			case strings.HasPrefix(line, "/dtmf "):
				send(messages.DTMFEvent{Type: messages.TypeDTMF, Digit: strings.TrimPrefix(line, "/dtmf ")})
			default:
				// A partial transcript first, the way the relay streams speech
				words := strings.Fields(line)
				if len(words) > 1 {
					send(messages.PromptEvent{Type: messages.TypePrompt, VoicePrompt: words[0], Lang: *lang})
				}
				send(messages.PromptEvent{Type: messages.TypePrompt, VoicePrompt: line, Lang: *lang, Last: true})
			}
		}
	}
}

func hangup(conn *websocket.Conn, done <-chan struct{}) {
	err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		log.Println("Write close error:", err)
		return
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
