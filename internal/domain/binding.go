package domain

import (
	"fmt"
	"time"
)

// Platform identifies a supported chat platform.
type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

// ParsePlatform validates a platform name coming from config, API paths,
// or stored rows.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(s); p {
	case PlatformDiscord, PlatformTelegram:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// DesiredState declares whether a binding's connection should be up.
type DesiredState string

const (
	StateEnabled  DesiredState = "enabled"
	StateDisabled DesiredState = "disabled"
)

// BindingKey identifies one (agent, platform) pair.
type BindingKey struct {
	AgentID  string
	Platform Platform
}

func (k BindingKey) String() string {
	return k.AgentID + "/" + string(k.Platform)
}

// Binding associates an agent with platform credentials and a desired run
// state. Version increments on every mutation and orders reconcile
// decisions: a reconcile carrying an older version than already applied is
// a no-op.
type Binding struct {
	AgentID      string
	Platform     Platform
	Credentials  []byte // opaque blob, interpreted only by the platform adapter
	DesiredState DesiredState
	Version      int64
	UpdatedAt    time.Time
}

func (b Binding) Key() BindingKey {
	return BindingKey{AgentID: b.AgentID, Platform: b.Platform}
}

func (b Binding) Enabled() bool { return b.DesiredState == StateEnabled }
