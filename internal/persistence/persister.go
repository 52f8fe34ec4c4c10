// Package persistence models the Redis-backed call-state store spec.md
// §6 describes as "opaque to the core": the datapath and internal/model
// never query it directly, but internal/ngcontrol uses it to make call
// state survive a restart. No pack repo imports a Redis client, so this
// stays an interface plus a log-only default rather than reaching for an
// unGrounded dependency.
package persistence

import (
	"context"

	"github.com/rs/zerolog"
)

// Persister stores and retrieves opaque per-call state blobs, keyed by
// call-id. The core never inspects the blob's contents.
type Persister interface {
	Save(ctx context.Context, callID string, blob []byte) error
	Load(ctx context.Context, callID string) ([]byte, bool, error)
	Delete(ctx context.Context, callID string) error
}

// Noop is the default Persister: nothing survives a restart, matching
// running without the Redis integration configured.
type Noop struct {
	logger zerolog.Logger
}

// NewNoop returns a Persister that logs and discards.
func NewNoop(logger zerolog.Logger) Persister {
	return Noop{logger: logger}
}

func (n Noop) Save(_ context.Context, callID string, blob []byte) error {
	n.logger.Debug().Str("call-id", callID).Int("bytes", len(blob)).Msg("persistence: no-op save")
	return nil
}

func (n Noop) Load(_ context.Context, callID string) ([]byte, bool, error) {
	n.logger.Debug().Str("call-id", callID).Msg("persistence: no-op load")
	return nil, false, nil
}

func (n Noop) Delete(_ context.Context, callID string) error {
	n.logger.Debug().Str("call-id", callID).Msg("persistence: no-op delete")
	return nil
}
