package session

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Action is what the rate limiter does when a per-kind limit is exceeded.
type Action string

const (
	// ActionDrop discards the packet and keeps the session.
	ActionDrop Action = "drop"
	// ActionKick ends the session through the spam path.
	ActionKick Action = "kick"
)

// UnmarshalText parses an action name case-insensitively.
func (a *Action) UnmarshalText(text []byte) error {
	switch v := Action(strings.ToLower(string(text))); v {
	case ActionDrop, ActionKick:
		*a = v
		return nil
	}
	return fmt.Errorf("unknown rate limit action %q", text)
}

// KindLimit is a rate limit override for one packet kind and its
// descendants.
type KindLimit struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MaxRate  int           `mapstructure:"maxRate"`
	Action   Action        `mapstructure:"action"`
}

// RateLimitConfig bounds how many packets a peer may send per interval.
type RateLimitConfig struct {
	Enabled   bool                 `mapstructure:"enabled"`
	Interval  time.Duration        `mapstructure:"interval"`
	MaxRate   int                  `mapstructure:"maxRate"`
	Overrides map[string]KindLimit `mapstructure:"overrides"`
}

// Config holds the per-connection settings.
type Config struct {
	// CompressionThreshold is the frame size from which frames are
	// compressed. Negative disables compression.
	CompressionThreshold int  `mapstructure:"compressionThreshold"`
	CompressionStrict    bool `mapstructure:"compressionStrict"`

	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	TickInterval time.Duration `mapstructure:"tickInterval"`
	// AverageTicks is how many ticks make one averaging window.
	AverageTicks int `mapstructure:"averageTicks"`

	// MailboxSize is the capacity of the loop's action channel. Actions
	// posted to a full mailbox wait in an unbounded overflow queue.
	MailboxSize int `mapstructure:"mailboxSize"`
	// InboxSize is how many reads may wait for the loop before the reader
	// goroutine blocks.
	InboxSize int `mapstructure:"inboxSize"`

	// SpamNotice is the disconnect reason sent to a peer killed for spam.
	SpamNotice string `mapstructure:"spamNotice"`

	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() *Config {
	return &Config{
		CompressionThreshold: 256,
		CompressionStrict:    true,
		ReadTimeout:          30 * time.Second,
		TickInterval:         50 * time.Millisecond,
		AverageTicks:         20,
		MailboxSize:          256,
		InboxSize:            64,
		SpamNotice:           ReasonSpam,
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Interval: 7 * time.Second,
			MaxRate:  500,
		},
	}
}

// GetName returns the config section name.
func (c *Config) GetName() string { return "session" }

// Clone returns a copy that shares no maps with c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.RateLimit.Overrides = maps.Clone(c.RateLimit.Overrides)
	return &cp
}

// Validate fills zero values with defaults and rejects invalid settings.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.AverageTicks <= 0 {
		c.AverageTicks = def.AverageTicks
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.SpamNotice == "" {
		c.SpamNotice = def.SpamNotice
	}
	if c.ReadTimeout < 0 || c.TickInterval < 0 {
		return fmt.Errorf("readTimeout and tickInterval must not be negative")
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	if r.Enabled && (r.Interval <= 0 || r.MaxRate <= 0) {
		return fmt.Errorf("rateLimit needs a positive interval and maxRate, got %v and %d", r.Interval, r.MaxRate)
	}
	for kind, o := range r.Overrides {
		if !o.Enabled {
			continue
		}
		if o.Interval <= 0 || o.MaxRate <= 0 {
			return fmt.Errorf("rateLimit override %s needs a positive interval and maxRate", kind)
		}
		if o.Action == "" {
			o.Action = ActionDrop
			r.Overrides[kind] = o
		}
		if o.Action != ActionDrop && o.Action != ActionKick {
			return fmt.Errorf("rateLimit override %s has unknown action %q", kind, o.Action)
		}
	}
	return nil
}
