package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM providers selectable with LLM_PROVIDER
const (
	ProviderResponses = "responses"
	ProviderGemini    = "gemini"
	ProviderChat      = "chat"
)

// Config holds all server configuration
type Config struct {
	Port     int
	Hostname string // public host Twilio dials for the relay socket

	LLMProvider      string
	LLMModel         string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIAPIVersion string // set for Azure OpenAI endpoints
	GeminiAPIKey     string
	MaxToolRounds    int // 0 means unlimited

	RedisURL       string
	RedisPassword  string
	MaxSessions    int
	SessionTimeout time.Duration

	WelcomeGreeting       string
	TranscriptionProvider string
	SpeechModel           string
	TTSProvider           string
	TTSVoice              string

	LogLevel  string
	LogFormat string // "text" or "json"
}

// IsAzure reports whether the Responses backend targets an Azure endpoint
func (c *Config) IsAzure() bool {
	return c.OpenAIAPIVersion != ""
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:                  8080,
		LLMProvider:           ProviderResponses,
		LLMModel:              "gpt-4.1-mini",
		OpenAIBaseURL:         "https://api.openai.com/v1",
		RedisURL:              "localhost:6379",
		MaxSessions:           100,
		SessionTimeout:        30 * time.Minute,
		WelcomeGreeting:       "Hello! How can I help you today?",
		TranscriptionProvider: "deepgram",
		SpeechModel:           "nova-3-general",
		TTSProvider:           "ElevenLabs",
		TTSVoice:              "FGY2WhTYpPnrIDTdsKH5",
		LogLevel:              "info",
		LogFormat:             "text",
	}

	// Optional: PORT
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	// Required: HOSTNAME (host only, no scheme)
	config.Hostname = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(os.Getenv("HOSTNAME"), "https://"), "wss://"), "/")
	if config.Hostname == "" {
		return nil, fmt.Errorf("HOSTNAME environment variable is required")
	}

	// Optional: LLM_PROVIDER ("responses", "gemini" or "chat")
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		switch provider {
		case ProviderResponses, ProviderGemini, ProviderChat:
			config.LLMProvider = provider
		default:
			return nil, fmt.Errorf("invalid LLM_PROVIDER: must be 'responses', 'gemini', or 'chat'")
		}
	}

	if model := os.Getenv("LLM_MODEL"); model != "" {
		config.LLMModel = model
	} else if config.LLMProvider == ProviderGemini {
		config.LLMModel = "gemini-2.5-flash"
	}

	config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	// Required: the key for the selected provider
	switch config.LLMProvider {
	case ProviderGemini:
		if config.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	default:
		if config.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	}

	// Optional: OPENAI_BASE_URL (Azure resource endpoint when OPENAI_API_VERSION is set)
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL != "" {
		config.OpenAIBaseURL = strings.TrimSuffix(baseURL, "/")
	}

	// Optional: OPENAI_API_VERSION. Azure mode has no default endpoint.
	config.OpenAIAPIVersion = os.Getenv("OPENAI_API_VERSION")
	if config.IsAzure() && config.LLMProvider != ProviderGemini && baseURL == "" {
		return nil, fmt.Errorf("OPENAI_BASE_URL environment variable is required when OPENAI_API_VERSION is set")
	}

	// Optional: MAX_TOOL_ROUNDS
	if rounds := os.Getenv("MAX_TOOL_ROUNDS"); rounds != "" {
		r, err := strconv.Atoi(rounds)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_TOOL_ROUNDS: %w", err)
		}
		if r < 0 {
			return nil, fmt.Errorf("invalid MAX_TOOL_ROUNDS: must not be negative")
		}
		config.MaxToolRounds = r
	}

	// Optional: REDIS_URL
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	// Optional: REDIS_PASSWORD
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	// Optional: MAX_SESSIONS
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: voice settings for the TwiML webhook
	if greeting := os.Getenv("WELCOME_GREETING"); greeting != "" {
		config.WelcomeGreeting = greeting
	}
	if provider := os.Getenv("TRANSCRIPTION_PROVIDER"); provider != "" {
		config.TranscriptionProvider = provider
	}
	if model := os.Getenv("SPEECH_MODEL"); model != "" {
		config.SpeechModel = model
	}
	if provider := os.Getenv("TTS_PROVIDER"); provider != "" {
		config.TTSProvider = provider
	}
	if voice := os.Getenv("TTS_VOICE"); voice != "" {
		config.TTSVoice = voice
	}

	// Optional: LOG_LEVEL ("debug", "info", "warn", "error")
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			config.LogLevel = strings.ToLower(level)
		default:
			return nil, fmt.Errorf("invalid LOG_LEVEL: must be 'debug', 'info', 'warn', or 'error'")
		}
	}

	// Optional: LOG_FORMAT ("text" or "json")
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch strings.ToLower(format) {
		case "text", "json":
			config.LogFormat = strings.ToLower(format)
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'text' or 'json'")
		}
	}

	return config, nil
}
