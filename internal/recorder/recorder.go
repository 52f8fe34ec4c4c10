// Package recorder models the out-of-scope call-recording collaborator
// (spec.md §1/§6): internal/model.Recorder names the contract
// (DumpPacket, KernelSupport) a call's Recording() field satisfies; this
// package provides the default that does nothing until a real recorder
// (disk writer, pcap sink, external recording service) is wired in.
package recorder

import (
	"github.com/rs/zerolog"

	"github.com/dataandsignal/rtpengine/internal/model"
)

// Noop is the default model.Recorder: it never asks for kernel-side
// recording support and drops every packet handed to it. Calls that
// never opt into recording never call SetRecording at all, so this type
// only exists for calls that do opt in but have no sink configured yet.
type Noop struct {
	logger zerolog.Logger
}

// NewNoop returns a Recorder that logs and discards.
func NewNoop(logger zerolog.Logger) model.Recorder {
	return Noop{logger: logger}
}

func (n Noop) DumpPacket(stream *model.PacketStream, payload []byte) error {
	n.logger.Debug().Int("bytes", len(payload)).Msg("recorder: no-op dump")
	return nil
}

func (n Noop) KernelSupport() bool {
	return false
}
