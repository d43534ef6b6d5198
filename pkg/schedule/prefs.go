package schedule

import (
	"fmt"
	"slices"
	"time"
)

// Frequency selects immediate or batched delivery.
type Frequency string

// Frequencies.
const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDigest    Frequency = "digest"
)

// QuietHours is a daily window during which immediate notifications are held.
type QuietHours struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Start   string `json:"start" yaml:"start"` // HH:MM
	End     string `json:"end" yaml:"end"`     // HH:MM
}

// EmailSettings configures the email channel.
type EmailSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// PushSettings configures the push channel.
type PushSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

// DesktopSettings configures the desktop channel.
type DesktopSettings struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TelegramSettings configures the Telegram channel.
type TelegramSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	ChatID  string `json:"chat_id" yaml:"chat_id"`
}

// ChannelSettings groups per-channel settings.
type ChannelSettings struct {
	Email    EmailSettings    `json:"email" yaml:"email"`
	Push     PushSettings     `json:"push" yaml:"push"`
	Desktop  DesktopSettings  `json:"desktop" yaml:"desktop"`
	Telegram TelegramSettings `json:"telegram" yaml:"telegram"`
}

// Preferences holds a user's notification settings.
type Preferences struct {
	UserID       string          `json:"user_id" yaml:"user_id"`
	Scopes       []string        `json:"scopes,omitempty" yaml:"scopes,omitempty"` // empty means the scope named like the user
	Frequency    Frequency       `json:"frequency" yaml:"frequency"`
	DeliveryTime string          `json:"delivery_time" yaml:"delivery_time"` // HH:MM, daily digest
	Timezone     string          `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	QuietHours   QuietHours      `json:"quiet_hours" yaml:"quiet_hours"`
	Channels     ChannelSettings `json:"channels" yaml:"channels"`
}

// Watches reports whether the user is notified about changes in scope.
func (p *Preferences) Watches(scope string) bool {
	if len(p.Scopes) == 0 {
		return scope == p.UserID
	}
	return slices.Contains(p.Scopes, scope)
}

// Target is an enabled channel with its recipient address.
type Target struct {
	Channel   Channel
	Recipient string
}

// Targets lists the enabled channels in a fixed order.
func (p *Preferences) Targets() []Target {
	var out []Target
	if p.Channels.Email.Enabled && p.Channels.Email.Address != "" {
		out = append(out, Target{Channel: ChannelEmail, Recipient: p.Channels.Email.Address})
	}
	if p.Channels.Push.Enabled && p.Channels.Push.Token != "" {
		out = append(out, Target{Channel: ChannelPush, Recipient: p.Channels.Push.Token})
	}
	if p.Channels.Desktop.Enabled {
		out = append(out, Target{Channel: ChannelDesktop, Recipient: p.UserID})
	}
	if p.Channels.Telegram.Enabled && p.Channels.Telegram.ChatID != "" {
		out = append(out, Target{Channel: ChannelTelegram, Recipient: p.Channels.Telegram.ChatID})
	}
	return out
}

// Location resolves the user's time zone, falling back to def.
func (p *Preferences) Location(def *time.Location) *time.Location {
	if def == nil {
		def = time.UTC
	}
	if p.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// Validate checks the fields the router and scheduler depend on.
func (p *Preferences) Validate() error {
	switch p.Frequency {
	case FrequencyImmediate, FrequencyDigest:
	default:
		return fmt.Errorf("invalid frequency %q", p.Frequency)
	}
	if p.Frequency == FrequencyDigest {
		if _, err := ParseClock(p.DeliveryTime); err != nil {
			return fmt.Errorf("delivery time: %w", err)
		}
	}
	if p.QuietHours.Enabled {
		if _, err := ParseClock(p.QuietHours.Start); err != nil {
			return fmt.Errorf("quiet hours start: %w", err)
		}
		if _, err := ParseClock(p.QuietHours.End); err != nil {
			return fmt.Errorf("quiet hours end: %w", err)
		}
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
