// Package firewall backs the iptables_add_rule/iptables_del_rule contract
// of spec.md §6 ("opaque to the core"): internal/iface depends only on
// its own Firewall interface to avoid an import cycle, and this package
// is the concrete nftables-backed implementation handed in at startup.
package firewall

import (
	"net/netip"

	"github.com/rs/zerolog"
)

// Firewall opens and closes per-port accept rules for relayed media, the
// nftables equivalent of the original's iptables_add_rule/_del_rule.
// Implementations must be safe for concurrent use; internal/iface calls
// AddRule (and DelRule when rolling back a failed allocation) while
// holding its own per-pool allocation lock, never the reverse, and
// Socket.Release calls DelRule without that lock.
type Firewall interface {
	AddRule(label string, addr netip.Addr, port uint16) error
	DelRule(label string, addr netip.Addr, port uint16) error
}

// noopFirewall logs what it would have done and does nothing else. Used
// when nftables is unavailable (non-Linux, unprivileged, or nftables
// itself refuses the connection), matching the original's tolerance for
// running without the iptables integration.
type noopFirewall struct {
	logger zerolog.Logger
}

// NewNoop returns a Firewall that only logs, for hosts without nftables
// support or CAP_NET_ADMIN.
func NewNoop(logger zerolog.Logger) Firewall {
	return noopFirewall{logger: logger}
}

func (f noopFirewall) AddRule(label string, addr netip.Addr, port uint16) error {
	f.logger.Debug().Str("label", label).Str("addr", addr.String()).Uint16("port", port).Msg("firewall: no-op add rule")
	return nil
}

func (f noopFirewall) DelRule(label string, addr netip.Addr, port uint16) error {
	f.logger.Debug().Str("label", label).Str("addr", addr.String()).Uint16("port", port).Msg("firewall: no-op del rule")
	return nil
}
