// Package realtime implements the fan-out gateway: authenticated
// channel subscriptions over WebSocket and best-effort broadcast.
package realtime

import (
	"fmt"
	"strings"

	"github.com/meshgate/meshgate/internal/auth"
	"github.com/meshgate/meshgate/internal/config"
)

// Channel access levels.
const (
	AccessPublic  = "public"
	AccessTiered  = "tiered"
	AccessPrivate = "private"
)

// ChannelTable resolves channel names to their required capability.
// Rules are static for the lifetime of the table; authorization is
// re-checked on every subscribe call, never cached per connection.
type ChannelTable struct {
	exact    map[string]config.ChannelRule
	prefixes []config.ChannelRule
}

// NewChannelTable builds a lookup table from the configured rules. A
// rule name ending in "." matches any channel with that prefix.
func NewChannelTable(rules []config.ChannelRule) *ChannelTable {
	t := &ChannelTable{exact: make(map[string]config.ChannelRule, len(rules))}
	for _, rule := range rules {
		if strings.HasSuffix(rule.Name, ".") {
			t.prefixes = append(t.prefixes, rule)
		} else {
			t.exact[rule.Name] = rule
		}
	}
	return t
}

// Lookup returns the rule governing a channel.
func (t *ChannelTable) Lookup(channel string) (config.ChannelRule, bool) {
	if rule, ok := t.exact[channel]; ok {
		return rule, true
	}
	for _, rule := range t.prefixes {
		if strings.HasPrefix(channel, rule.Name) {
			return rule, true
		}
	}
	return config.ChannelRule{}, false
}

// CanSubscribe checks whether an identity may join a channel. A nil
// return means access is granted.
func (t *ChannelTable) CanSubscribe(identity *auth.Identity, channel string) error {
	rule, ok := t.Lookup(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}

	switch rule.Access {
	case AccessPublic, "":
		return nil

	case AccessTiered:
		if identity == nil || identity.Anonymous {
			return fmt.Errorf("channel %q requires authentication", channel)
		}
		if identity.Tier != rule.Tier {
			return fmt.Errorf("channel %q requires tier %q", channel, rule.Tier)
		}
		return nil

	case AccessPrivate:
		if identity == nil || identity.Anonymous {
			return fmt.Errorf("channel %q requires authentication", channel)
		}
		if !identity.HasPermission(rule.Permission) {
			return fmt.Errorf("channel %q requires permission %q", channel, rule.Permission)
		}
		return nil

	default:
		return fmt.Errorf("channel %q has unknown access level %q", channel, rule.Access)
	}
}
