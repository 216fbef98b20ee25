// Package config resolves gateway settings from CLARA_* and GATEWAY_*
// environment variables, with flag overrides layered on top by the CLI.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults.
const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 8765
	DefaultPIDFile = "/tmp/clara-gateway.pid"
	DefaultLogFile = "/tmp/clara-gateway.log"

	DefaultLLMWorkers         = 10
	DefaultIOWorkers          = 20
	DefaultMaxToolIterations  = 75
	DefaultMaxToolResultChars = 50000
	DefaultDebounce           = 2 * time.Second
	DefaultAutoContinueMax    = 3
)

// Gateway is the resolved runtime configuration.
type Gateway struct {
	// Connection.
	Host   string
	Port   int
	Secret string

	// Paths.
	PIDFile        string
	LogFile        string
	HooksDir       string
	SchedulerDir   string
	AdaptersConfig string

	// Tunables.
	LLMWorkers          int
	IOWorkers           int
	MaxToolIterations   int
	MaxToolResultChars  int
	Debounce            time.Duration
	ToolCallMode        string
	AutoContinueEnabled bool
	AutoContinueMax     int

	// Providers.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	Model           string
	SystemPrompt    string
}

// FromEnv builds a Gateway config from the environment, falling back
// to defaults for anything unset.
func FromEnv() Gateway {
	return Gateway{
		Host:   envString("CLARA_GATEWAY_HOST", DefaultHost),
		Port:   envInt("CLARA_GATEWAY_PORT", DefaultPort),
		Secret: os.Getenv("CLARA_GATEWAY_SECRET"),

		PIDFile:        envString("CLARA_GATEWAY_PIDFILE", DefaultPIDFile),
		LogFile:        envString("CLARA_GATEWAY_LOGFILE", DefaultLogFile),
		HooksDir:       os.Getenv("CLARA_HOOKS_DIR"),
		SchedulerDir:   os.Getenv("CLARA_SCHEDULER_DIR"),
		AdaptersConfig: os.Getenv("CLARA_ADAPTERS_CONFIG"),

		LLMWorkers:          envInt("GATEWAY_LLM_THREADS", DefaultLLMWorkers),
		IOWorkers:           envInt("GATEWAY_IO_THREADS", DefaultIOWorkers),
		MaxToolIterations:   envInt("GATEWAY_MAX_TOOL_ITERATIONS", DefaultMaxToolIterations),
		MaxToolResultChars:  envInt("GATEWAY_MAX_TOOL_RESULT_CHARS", DefaultMaxToolResultChars),
		Debounce:            envSeconds("MESSAGE_DEBOUNCE_SECONDS", DefaultDebounce),
		ToolCallMode:        os.Getenv("TOOL_CALL_MODE"),
		AutoContinueEnabled: envBool("AUTO_CONTINUE_ENABLED", true),
		AutoContinueMax:     envInt("AUTO_CONTINUE_MAX", DefaultAutoContinueMax),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		Model:           os.Getenv("CLARA_MODEL"),
		SystemPrompt:    os.Getenv("CLARA_SYSTEM_PROMPT"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envSeconds reads a float seconds value ("2.5") as a duration.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}
