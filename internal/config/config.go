package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/conversation"
	"github.com/iishyfishyy/chatterm/internal/domain"
	"github.com/iishyfishyy/chatterm/internal/gate"
	"github.com/iishyfishyy/chatterm/internal/truncate"
)

const (
	ConfigDirName     = ".chatterm"
	DefaultConfigFile = "chat_terminal.yaml"
	HistoryFileName   = "history.db"
)

// ChatTerminal holds the per-conversation settings.
type ChatTerminal struct {
	Endpoint             string  `yaml:"endpoint" toml:"endpoint" json:"endpoint,omitempty"`
	Prompt               string  `yaml:"prompt" toml:"prompt" json:"prompt,omitempty"`
	User                 string  `yaml:"user" toml:"user" json:"user,omitempty"`
	Agent                string  `yaml:"agent" toml:"agent" json:"agent,omitempty"`
	Thinking             bool    `yaml:"thinking" toml:"thinking" json:"thinking,omitempty"`
	UseBlackList         bool    `yaml:"use_black_list" toml:"use_black_list" json:"use_black_list,omitempty"`
	BlackListPattern     string  `yaml:"black_list_pattern" toml:"black_list_pattern" json:"black_list_pattern,omitempty"`
	MaxObservationTokens int     `yaml:"max_observation_tokens" toml:"max_observation_tokens" json:"max_observation_tokens,omitempty"`
	TruncationIndicator  string  `yaml:"truncation_indicator" toml:"truncation_indicator" json:"truncation_indicator,omitempty"`
	FrontRatio           float64 `yaml:"front_ratio" toml:"front_ratio" json:"front_ratio,omitempty"`
	CoarseGap            int     `yaml:"coarse_gap" toml:"coarse_gap" json:"coarse_gap,omitempty"`
}

// Endpoint configures one text completion backend.
type Endpoint struct {
	ServerURL     string         `yaml:"server_url" toml:"server_url"`
	Model         string         `yaml:"model" toml:"model"`
	Credentials   string         `yaml:"credentials" toml:"credentials"`
	APIKey        string         `yaml:"api_key" toml:"api_key"`
	SystemMessage string         `yaml:"system_message" toml:"system_message"`
	MaxRetries    int            `yaml:"max_retries" toml:"max_retries"`
	Params        map[string]any `yaml:"params" toml:"params"`
}

// Settings is the whole settings file. It is a value; the With helpers
// return modified copies.
type Settings struct {
	ChatTerminal ChatTerminal        `yaml:"chat_terminal" toml:"chat_terminal"`
	Endpoints    map[string]Endpoint `yaml:"text_completion_endpoints" toml:"text_completion_endpoints"`
}

// DefaultChatTerminal returns the chat settings used for missing keys.
func DefaultChatTerminal() ChatTerminal {
	return ChatTerminal{
		Endpoint:             completion.EndpointLocalLlama,
		User:                 conversation.DefaultUser,
		Agent:                conversation.DefaultAgent,
		BlackListPattern:     gate.DefaultPattern,
		MaxObservationTokens: conversation.DefaultMaxObservationTokens,
		TruncationIndicator:  truncate.DefaultIndicator,
		FrontRatio:           truncate.DefaultFrontRatio,
		CoarseGap:            truncate.DefaultCoarseGap,
	}
}

func Default() Settings {
	return Settings{
		ChatTerminal: DefaultChatTerminal(),
		Endpoints: map[string]Endpoint{
			completion.EndpointLocalLlama: {ServerURL: "http://127.0.0.1:8080"},
		},
	}
}

// GetConfigDir returns the path to the config directory
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ConfigDirName), nil
}

// GetHistoryPath returns where the turn log lives.
func GetHistoryPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, HistoryFileName), nil
}

// SearchConfigFile resolves name against the working directory, the config
// directory and the directory of the running binary, in that order.
func SearchConfigFile(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("config file %s: %w", name, err)
		}
		return name, nil
	}

	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if dir, err := GetConfigDir(); err == nil {
		dirs = append(dirs, dir)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("config file %s not found in %s: %w", name, strings.Join(dirs, ", "), fs.ErrNotExist)
}

// Load reads the settings file at path (searched with SearchConfigFile),
// on top of Default. An empty path looks for DefaultConfigFile and falls
// back to Default when there is none. Files ending in .toml are TOML,
// everything else YAML.
func Load(path string) (Settings, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	resolved, err := SearchConfigFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Settings{}, err
	}

	s := Default()
	// A file that lists endpoints replaces the default map.
	s.Endpoints = nil
	if strings.EqualFold(filepath.Ext(resolved), ".toml") {
		if _, err := toml.DecodeFile(resolved, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file %s: %w", resolved, err)
		}
	} else {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file %s: %w", resolved, err)
		}
	}
	if s.Endpoints == nil {
		s.Endpoints = Default().Endpoints
	}

	slog.Debug("loaded config", "path", resolved)
	return s, nil
}

// LoadEnv loads a .env file from the working directory, if there is one.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Validate checks the chat settings against the endpoint map. Failures are
// configuration errors.
func (s Settings) Validate() error {
	ct := s.ChatTerminal
	err := validation.ValidateStruct(&ct,
		validation.Field(&ct.Endpoint, validation.Required, validation.By(s.endpointExists)),
		validation.Field(&ct.User, validation.Required),
		validation.Field(&ct.Agent, validation.Required),
		validation.Field(&ct.MaxObservationTokens, validation.Min(1)),
		validation.Field(&ct.FrontRatio, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&ct.CoarseGap, validation.Min(0)),
		validation.Field(&ct.BlackListPattern, validation.When(ct.UseBlackList, validation.Required, validation.By(validPattern))),
	)
	if err != nil {
		return domain.NewConfigurationError("invalid chat_terminal settings: %v", err)
	}
	return nil
}

func (s Settings) endpointExists(value any) error {
	name, _ := value.(string)
	if _, ok := s.Endpoints[name]; !ok {
		return fmt.Errorf("invalid endpoint '%s'", name)
	}
	return nil
}

func validPattern(value any) error {
	pattern, _ := value.(string)
	_, err := gate.Compile(true, pattern)
	return err
}

// WithChatTerminal returns a copy of s using ct as chat settings.
func (s Settings) WithChatTerminal(ct ChatTerminal) Settings {
	s.ChatTerminal = ct
	return s
}

// WithEndpoint returns a copy of s that talks to the named endpoint.
func (s Settings) WithEndpoint(name string) Settings {
	if name != "" {
		s.ChatTerminal.Endpoint = name
	}
	return s
}

// Merge returns ct with every zero field filled from base. Booleans are
// taken from ct as given.
func (ct ChatTerminal) Merge(base ChatTerminal) ChatTerminal {
	if ct.Endpoint == "" {
		ct.Endpoint = base.Endpoint
	}
	if ct.Prompt == "" {
		ct.Prompt = base.Prompt
	}
	if ct.User == "" {
		ct.User = base.User
	}
	if ct.Agent == "" {
		ct.Agent = base.Agent
	}
	if ct.BlackListPattern == "" {
		ct.BlackListPattern = base.BlackListPattern
	}
	if ct.MaxObservationTokens == 0 {
		ct.MaxObservationTokens = base.MaxObservationTokens
	}
	if ct.TruncationIndicator == "" {
		ct.TruncationIndicator = base.TruncationIndicator
	}
	if ct.FrontRatio == 0 {
		ct.FrontRatio = base.FrontRatio
	}
	if ct.CoarseGap == 0 {
		ct.CoarseGap = base.CoarseGap
	}
	return ct
}

// Backend builds the completion backend for the selected endpoint.
func (s Settings) Backend(logger *slog.Logger) (completion.Backend, completion.Params, error) {
	name := s.ChatTerminal.Endpoint
	ep, ok := s.Endpoints[name]
	if !ok {
		return nil, completion.Params{}, domain.NewConfigurationError("invalid endpoint '%s'", name)
	}

	params, err := completion.ParamsFromMap(ep.Params)
	if err != nil {
		return nil, completion.Params{}, domain.NewConfigurationError("endpoint '%s': %v", name, err)
	}

	apiKey, err := resolveAPIKey(name, ep)
	if err != nil {
		return nil, completion.Params{}, err
	}

	backend, err := completion.New(name, completion.EndpointConfig{
		ServerURL:     ep.ServerURL,
		Model:         ep.Model,
		APIKey:        apiKey,
		SystemMessage: ep.SystemMessage,
		MaxRetries:    ep.MaxRetries,
		Logger:        logger,
	})
	if err != nil {
		return nil, completion.Params{}, err
	}
	return backend, params, nil
}

// Conversation converts the chat settings into an engine configuration.
func (s Settings) Conversation(params completion.Params) conversation.Config {
	ct := s.ChatTerminal
	cfg := conversation.DefaultConfig().
		WithNames(ct.User, ct.Agent).
		WithThinking(ct.Thinking).
		WithParams(params)
	if ct.MaxObservationTokens > 0 {
		cfg = cfg.WithMaxObservationTokens(ct.MaxObservationTokens)
	}
	if ct.TruncationIndicator != "" {
		cfg.TruncationIndicator = ct.TruncationIndicator
	}
	cfg.FrontRatio = ct.FrontRatio
	cfg.CoarseGap = ct.CoarseGap
	return cfg
}

// Gate compiles the command blacklist.
func (s Settings) Gate() (*gate.Gate, error) {
	return gate.Compile(s.ChatTerminal.UseBlackList, s.ChatTerminal.BlackListPattern)
}

var apiKeyEnv = map[string]string{
	completion.EndpointOpenAI:    "OPENAI_API_KEY",
	completion.EndpointAnthropic: "ANTHROPIC_API_KEY",
}

type credentials struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
}

// resolveAPIKey prefers the environment, then an inline key, then the
// credentials file. No key at all is not an error.
func resolveAPIKey(name string, ep Endpoint) (string, error) {
	if env, ok := apiKeyEnv[name]; ok {
		if key := os.Getenv(env); key != "" {
			return key, nil
		}
	}
	if ep.APIKey != "" || ep.Credentials == "" {
		return ep.APIKey, nil
	}

	path, err := SearchConfigFile(ep.Credentials)
	if err != nil {
		return "", domain.NewConfigurationError("endpoint '%s': %v", name, err)
	}
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", info.Mode().Perm()))
	}

	var creds credentials
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &creds); err != nil {
			return "", domain.NewConfigurationError("endpoint '%s': failed to parse credentials: %v", name, err)
		}
		return creds.APIKey, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return "", domain.NewConfigurationError("endpoint '%s': failed to parse credentials: %v", name, err)
	}
	return creds.APIKey, nil
}
