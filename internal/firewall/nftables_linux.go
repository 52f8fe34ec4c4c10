//go:build linux

package firewall

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/rs/zerolog"
)

// nftTableName scopes every rule this process installs to its own table,
// grounded on bamgate-bamgate's internal/tunnel/nat.go ("All rules are
// scoped to this table so they don't interfere with other firewall rules
// on the system").
const nftTableName = "rtprelayd"

// NFTables is the Linux nftables-backed Firewall. Requires CAP_NET_ADMIN;
// New falls back to a logged no-op if the connection can't be
// established (unprivileged process, kernel without nftables, container
// without the capability).
type NFTables struct {
	logger zerolog.Logger

	mu    sync.Mutex
	conn  *nftables.Conn
	table map[nftables.TableFamily]*nftables.Table
	chain map[nftables.TableFamily]*nftables.Chain
	rules map[ruleKey]*nftables.Rule
}

type ruleKey struct {
	label string
	addr  netip.Addr
	port  uint16
}

// New builds an nftables-backed Firewall, or a logged no-op if nftables
// can't be reached (matches the original's tolerance for running without
// the iptables integration).
func New(logger zerolog.Logger) Firewall {
	conn, err := nftables.New()
	if err != nil {
		logger.Warn().Err(err).Msg("firewall: nftables unavailable, falling back to no-op")
		return NewNoop(logger)
	}
	return &NFTables{
		logger: logger,
		conn:   conn,
		table:  make(map[nftables.TableFamily]*nftables.Table),
		chain:  make(map[nftables.TableFamily]*nftables.Chain),
		rules:  make(map[ruleKey]*nftables.Rule),
	}
}

func familyOf(addr netip.Addr) nftables.TableFamily {
	if addr.Is4() || addr.Is4In6() {
		return nftables.TableFamilyIPv4
	}
	return nftables.TableFamilyIPv6
}

// ensureChain lazily creates the rtprelayd table/input-accept chain for
// addr's address family, mirroring nat.go's AddTable/AddChain pattern but
// as a filter-input hook rather than a NAT-postrouting one: this engine
// only needs to let its own relayed ports through, not rewrite addresses.
func (f *NFTables) ensureChain(family nftables.TableFamily) *nftables.Chain {
	if c, ok := f.chain[family]; ok {
		return c
	}
	table := f.conn.AddTable(&nftables.Table{Family: family, Name: nftTableName})
	f.table[family] = table

	chain := f.conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})
	f.chain[family] = chain
	return chain
}

// AddRule installs a udp dport <port> accept rule, tagged with label in
// the rule's UserData, and remembers the added rule in memory under
// (label, addr, port) so DelRule can find it again. Rules installed by an
// earlier process are not tracked.
func (f *NFTables) AddRule(label string, addr netip.Addr, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	family := familyOf(addr)
	chain := f.ensureChain(family)

	portBytes := []byte{byte(port >> 8), byte(port)}
	rule := &nftables.Rule{
		Table: f.table[family],
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{17}}, // IPPROTO_UDP
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseTransportHeader,
				Offset:       2, // destination port
				Len:          2,
			},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBytes},
			&expr.Verdict{Kind: expr.VerdictAccept},
		},
		UserData: []byte(label),
	}
	added := f.conn.AddRule(rule)

	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: add rule for %s:%d: %w", addr, port, err)
	}

	f.rules[ruleKey{label, addr, port}] = added
	return nil
}

// DelRule removes the rule previously installed by AddRule for the same
// (label, addr, port). A miss is not an error: callers release ports on
// best effort and may call DelRule more than once.
func (f *NFTables) DelRule(label string, addr netip.Addr, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := ruleKey{label, addr, port}
	rule, ok := f.rules[key]
	if !ok {
		return nil
	}
	delete(f.rules, key)

	if err := f.conn.DelRule(rule); err != nil {
		return fmt.Errorf("firewall: del rule for %s:%d: %w", addr, port, err)
	}
	return f.conn.Flush()
}
