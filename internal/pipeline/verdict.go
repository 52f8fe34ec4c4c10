// Package pipeline implements the per-datagram state machine of spec.md
// §4.4: the steps a UDP packet runs through from demux to send, driven by
// the handler matrix (package handler) and the interface registry
// (package iface), and the collaborator contracts spec.md §6 names.
package pipeline

// Verdict accumulates the pipeline's per-packet outcome across its steps
// (spec.md §4.4 step 14: "If the pipeline set the unkernelize verdict...").
// Errors are never propagated out of the pipeline (spec.md §7); a non-nil
// Verdict is always returned, with Drop/DropReason describing the outcome.
type Verdict struct {
	Drop       bool
	DropReason string

	// Update means a Redis persistence write should be queued for the call
	// after the read-loop batch completes (spec.md §4.4 read-loop paragraph).
	Update bool

	// Persist means a decrypt/encrypt transform reported SRTP rollover or
	// key-state change that should be checkpointed; it never blocks the
	// packet (spec.md §7).
	Persist bool

	KernelizeReq   bool
	UnkernelizeReq bool
}

func dropVerdict(reason string) Verdict {
	return Verdict{Drop: true, DropReason: reason}
}

// merge folds another verdict's flags into v. Process uses it to fold the
// address-learning verdict (step 11) into the verdict of the earlier
// steps, so every flag either one set is honored.
func (v *Verdict) merge(other Verdict) {
	if other.Drop {
		v.Drop = true
		if v.DropReason == "" {
			v.DropReason = other.DropReason
		}
	}
	v.Update = v.Update || other.Update
	v.Persist = v.Persist || other.Persist
	v.KernelizeReq = v.KernelizeReq || other.KernelizeReq
	v.UnkernelizeReq = v.UnkernelizeReq || other.UnkernelizeReq
}
