// Package config decodes the YAML startup file into Config (SPEC_FULL
// §2): the interface entries internal/iface.Registry is built from, plus
// the tunables spec.md §6 names.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dataandsignal/rtpengine/internal/iface"
)

// InterfaceEntry is the YAML shape of one internal/iface.Entry.
type InterfaceEntry struct {
	Name         string `yaml:"name"`
	NameBase     string `yaml:"name_base"`
	Advertised   string `yaml:"advertised"`
	LocalAddress string `yaml:"local_address"`
	PortMin      uint16 `yaml:"port_min"`
	PortMax      uint16 `yaml:"port_max"`
}

// Config is the top-level decoded configuration file.
type Config struct {
	Interfaces []InterfaceEntry `yaml:"interfaces"`

	NGListen string `yaml:"ng_listen"`

	LogLevel string `yaml:"log_level"`
	LogPretty bool  `yaml:"log_pretty"`

	// Tunables named in spec.md §6.
	PortRandomMin  int  `yaml:"port_random_min"`
	PortRandomMax  int  `yaml:"port_random_max"`
	MaxRecvIters   int  `yaml:"max_recv_iters"`
	RTPLoopProtect bool `yaml:"rtp_loop_protect"`

	FirewallEnabled    bool `yaml:"firewall_enabled"`
	PersistenceEnabled bool `yaml:"persistence_enabled"`
}

// Default returns a Config with spec.md §6's documented tunable defaults,
// no interfaces configured (the caller must supply at least one).
func Default() Config {
	return Config{
		NGListen:       "127.0.0.1:22222",
		LogLevel:       "info",
		PortRandomMin:  iface.PortRandomMin,
		PortRandomMax:  iface.PortRandomMax,
		MaxRecvIters:   50,
		RTPLoopProtect: true,
	}
}

// Load reads and decodes a YAML config file at path, starting from
// Default() so an omitted field keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Interfaces) == 0 {
		return Config{}, fmt.Errorf("config: no interfaces configured")
	}
	return cfg, nil
}

// InterfaceEntries converts the YAML interface list into
// internal/iface.Entry values, skipping (and reporting) any entry whose
// addresses don't parse.
func (c Config) InterfaceEntries() ([]iface.Entry, []error) {
	entries := make([]iface.Entry, 0, len(c.Interfaces))
	var errs []error
	for _, e := range c.Interfaces {
		local, err := netip.ParseAddr(e.LocalAddress)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: interface %q: local_address: %w", e.Name, err))
			continue
		}
		var advertised netip.Addr
		if e.Advertised != "" {
			advertised, err = netip.ParseAddr(e.Advertised)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: interface %q: advertised: %w", e.Name, err))
				continue
			}
		}
		entries = append(entries, iface.Entry{
			Name:         e.Name,
			NameBase:     e.NameBase,
			Advertised:   advertised,
			LocalAddress: local,
			PortMin:      e.PortMin,
			PortMax:      e.PortMax,
		})
	}
	return entries, errs
}
