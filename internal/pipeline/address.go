package pipeline

import (
	"time"

	"github.com/dataandsignal/rtpengine/internal/model"
)

// confirmAfter is the "more than 3 seconds ago" threshold of spec.md §4.7.
const confirmAfter = 3 * time.Second

// LearnAddress implements the address-learning/confirmation logic of
// spec.md §4.7. Caller must hold stream.InLock; the documented brief
// nested acquire (stream.in then stream.out, never the reverse) happens
// internally when an endpoint must be adopted under OutLock.
func LearnAddress(stream *model.PacketStream, fdReceivedOn *model.StreamFD, source model.Endpoint, lastSignal, now time.Time) Verdict {
	if !stream.HasStatus(model.StatusFilled) {
		return Verdict{}
	}

	if stream.Media.HasFlag(model.FlagAsymmetric) {
		stream.SetStatus(model.StatusConfirmed)
		return Verdict{}
	}

	if stream.Media.HasFlag(model.FlagUnidirectional) {
		if sink := stream.RTPSink(); sink != nil {
			sink.SetStatus(model.StatusConfirmed)
		}
		return Verdict{}
	}

	if stream.HasStatus(model.StatusConfirmed) {
		known := stream.KnownPeer()
		if known == source {
			return Verdict{KernelizeReq: true}
		}

		strict := stream.HasStatus(model.StatusStrictSource)
		handover := stream.HasStatus(model.StatusMediaHandover)

		if handover {
			stream.OutLock.Lock()
			changed := stream.SetKnownPeer(source)
			stream.OutLock.Unlock()
			return Verdict{Update: changed, UnkernelizeReq: true}
		}
		if strict {
			stream.Stats.Errors.Add(1)
			return dropVerdict("strict-source-mismatch")
		}
		return Verdict{KernelizeReq: true}
	}

	var v Verdict
	if now.Sub(lastSignal) > confirmAfter {
		stream.SetStatus(model.StatusConfirmed)
		v.Update = true
		v.KernelizeReq = true
	}

	stream.OutLock.Lock()
	changed := stream.SetKnownPeer(source)
	stream.OutLock.Unlock()
	if changed {
		v.Update = true
	}

	if fdReceivedOn != nil && stream.SelectedFD() != fdReceivedOn {
		stream.SetSelectedFD(fdReceivedOn)
		v.Update = true
	}

	return v
}
