//go:build !linux

package firewall

import "github.com/rs/zerolog"

// New degrades to a logged no-op off Linux, where nftables isn't
// available.
func New(logger zerolog.Logger) Firewall {
	logger.Info().Msg("firewall: nftables only supported on linux, using no-op")
	return NewNoop(logger)
}
