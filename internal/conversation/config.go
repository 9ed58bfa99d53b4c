package conversation

import (
	"github.com/iishyfishyy/chatterm/internal/completion"
	"github.com/iishyfishyy/chatterm/internal/truncate"
)

const (
	DefaultUser                 = "User"
	DefaultAgent                = "Assistant"
	DefaultMaxObservationTokens = 1024
)

// Config is the per-conversation configuration. It is a value: the With
// helpers return modified copies and never touch the receiver.
type Config struct {
	User                 string
	Agent                string
	Thinking             bool
	MaxObservationTokens int
	TruncationIndicator  string
	FrontRatio           float64
	CoarseGap            int
	Params               completion.Params
}

// DefaultConfig returns the configuration used when settings are silent.
func DefaultConfig() Config {
	return Config{
		User:                 DefaultUser,
		Agent:                DefaultAgent,
		MaxObservationTokens: DefaultMaxObservationTokens,
		TruncationIndicator:  truncate.DefaultIndicator,
		FrontRatio:           truncate.DefaultFrontRatio,
		CoarseGap:            truncate.DefaultCoarseGap,
	}
}

func (c Config) WithThinking(enabled bool) Config {
	c.Thinking = enabled
	return c
}

func (c Config) WithNames(user, agent string) Config {
	if user != "" {
		c.User = user
	}
	if agent != "" {
		c.Agent = agent
	}
	return c
}

func (c Config) WithMaxObservationTokens(n int) Config {
	c.MaxObservationTokens = n
	return c
}

func (c Config) WithParams(p completion.Params) Config {
	c.Params = p
	return c
}

// Stops returns the stop sequences for every generation: the configured
// ones followed by the tag of each role, so the model cannot run on into
// the next field.
func (c Config) Stops() []string {
	return c.Params.WithStop(
		Tag(c.User),
		Tag(ThinkingRole(c.Agent)),
		Tag(RoleCommand),
		Tag(RoleObservation),
		Tag(c.Agent),
	).Stop
}

func (c Config) truncateOptions() truncate.Options {
	return truncate.Options{
		TargetTokens: c.MaxObservationTokens,
		Indicator:    c.TruncationIndicator,
		FrontRatio:   c.FrontRatio,
		CoarseGap:    c.CoarseGap,
	}
}
