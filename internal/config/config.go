// Package config loads settings from defaults, an optional JSON config
// file, and YUMEKO_* environment overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Relay     RelayConfig     `json:"relay"`
	Worker    WorkerConfig    `json:"worker"`
	Ollama    OllamaConfig    `json:"ollama"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Persona   PersonaConfig   `json:"persona"`
	Storage   StorageConfig   `json:"storage"`
	Stream    StreamConfig    `json:"stream"`
	Auth      AuthConfig      `json:"auth"`
	Log       LogConfig       `json:"log"`
}

type RelayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TaskTimeout string `json:"task_timeout"` // Go duration string
	MaxClients  int    `json:"max_clients"`  // concurrent client connection cap
}

type WorkerConfig struct {
	RelayURL       string `json:"relay_url"` // ws:// or wss:// endpoint of the relay
	MaxReconnects  int    `json:"max_reconnects"`
	ReconnectDelay string `json:"reconnect_delay"` // base backoff, Go duration string
	MCPEnabled     bool   `json:"mcp_enabled"`     // serve MCP tools on stdio
}

type OllamaConfig struct {
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	EmbedModel  string  `json:"embed_model"`
	Temperature float64 `json:"temperature"`
}

type RetrievalConfig struct {
	TopK          int    `json:"top_k"`
	KnowledgePath string `json:"knowledge_path"` // source records (.json or .pdf)
	IndexPath     string `json:"index_path"`     // persisted index blob
	DocumentsPath string `json:"documents_path"` // document sidecar for the blob
}

type PersonaConfig struct {
	PersonaPath   string `json:"persona_path"`
	WorldviewPath string `json:"worldview_path"`
}

type StorageConfig struct {
	DataDir    string `json:"data_dir"`
	HistoryDir string `json:"history_dir"`
}

type StreamConfig struct {
	Enabled  bool   `json:"enabled"`
	MinDelay string `json:"min_delay"` // Go duration strings
	MaxDelay string `json:"max_delay"`
}

type AuthConfig struct {
	Token     string `json:"token"`      // inline secret; TokenPath wins if both set
	TokenPath string `json:"token_path"` // file containing the shared secret
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Relay: RelayConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			TaskTimeout: "120s",
			MaxClients:  64,
		},
		Worker: WorkerConfig{
			RelayURL:       "ws://127.0.0.1:8080/ws",
			MaxReconnects:  5,
			ReconnectDelay: "1s",
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "qwen3",
			EmbedModel:  "m3e-base",
			Temperature: 0.5,
		},
		Retrieval: RetrievalConfig{
			TopK:          3,
			KnowledgePath: filepath.Join(dataDir, "train.json"),
			IndexPath:     filepath.Join(dataDir, "index.bin"),
			DocumentsPath: filepath.Join(dataDir, "documents.json"),
		},
		Persona: PersonaConfig{
			PersonaPath:   filepath.Join(dataDir, "persona.txt"),
			WorldviewPath: filepath.Join(dataDir, "worldview.txt"),
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			HistoryDir: filepath.Join(dataDir, "history"),
		},
		Stream: StreamConfig{
			Enabled:  true,
			MinDelay: "300ms",
			MaxDelay: "1200ms",
		},
		Auth: AuthConfig{
			TokenPath: filepath.Join(dataDir, "token.txt"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".yumeko"
	}
	return filepath.Join(home, ".yumeko")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(defaultDataDir(), "config.json")
	}
	return filepath.Join(dir, "yumeko", "config.json")
}

// Load reads configuration from path (DefaultPath when empty). A
// missing file is not an error — defaults plus env overrides apply.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("YUMEKO_RELAY_HOST", &cfg.Relay.Host)
	setInt("YUMEKO_RELAY_PORT", &cfg.Relay.Port)
	setString("YUMEKO_TASK_TIMEOUT", &cfg.Relay.TaskTimeout)
	setString("YUMEKO_RELAY_URL", &cfg.Worker.RelayURL)
	setString("YUMEKO_OLLAMA_URL", &cfg.Ollama.BaseURL)
	setString("YUMEKO_MODEL", &cfg.Ollama.Model)
	setString("YUMEKO_EMBED_MODEL", &cfg.Ollama.EmbedModel)
	setInt("YUMEKO_TOP_K", &cfg.Retrieval.TopK)
	setString("YUMEKO_KNOWLEDGE_PATH", &cfg.Retrieval.KnowledgePath)
	setString("YUMEKO_INDEX_PATH", &cfg.Retrieval.IndexPath)
	setString("YUMEKO_DATA_DIR", &cfg.Storage.DataDir)
	setString("YUMEKO_HISTORY_DIR", &cfg.Storage.HistoryDir)
	setString("YUMEKO_TOKEN", &cfg.Auth.Token)
	setString("YUMEKO_TOKEN_PATH", &cfg.Auth.TokenPath)
	setString("YUMEKO_LOG_LEVEL", &cfg.Log.Level)
}

// Token resolves the shared secret: the token file when present,
// otherwise the inline value. Both relay clients and the worker
// authenticate with this one secret.
func (c Config) Token() (string, error) {
	if c.Auth.TokenPath != "" {
		data, err := os.ReadFile(c.Auth.TokenPath)
		if err == nil {
			tok := strings.TrimSpace(string(data))
			if tok == "" {
				return "", fmt.Errorf("token file %s is empty", c.Auth.TokenPath)
			}
			return tok, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("reading token file: %w", err)
		}
	}
	if c.Auth.Token != "" {
		return c.Auth.Token, nil
	}
	return "", fmt.Errorf("no auth token configured: set auth.token_path or YUMEKO_TOKEN")
}

// LoadPersona reads the persona and worldview text files. The persona
// is required; a missing worldview file degrades to empty text.
func (c Config) LoadPersona() (persona, worldview string, err error) {
	data, err := os.ReadFile(c.Persona.PersonaPath)
	if err != nil {
		return "", "", fmt.Errorf("reading persona file: %w", err)
	}
	persona = strings.TrimSpace(string(data))
	if persona == "" {
		return "", "", fmt.Errorf("persona file %s is empty", c.Persona.PersonaPath)
	}

	wdata, err := os.ReadFile(c.Persona.WorldviewPath)
	if err != nil {
		if os.IsNotExist(err) {
			return persona, "", nil
		}
		return "", "", fmt.Errorf("reading worldview file: %w", err)
	}
	return persona, strings.TrimSpace(string(wdata)), nil
}
