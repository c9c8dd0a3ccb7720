package domain

import "context"

// IPReservation is one allocated IP on a network. The allocation policy
// itself is an external collaborator (spec.md §1); this repo only
// consumes the reservation's release.
type IPReservation struct {
	IP          string
	NetworkName string
}

// IPProvider releases obsolete reservations. Implemented externally;
// consumed by Component E (VM Creator) after a successful creation.
type IPProvider interface {
	Release(ctx context.Context, reservation IPReservation) error
}

// NetworkPlan is one network attachment decision within an instance plan.
type NetworkPlan struct {
	Reservation IPReservation
	Obsolete    bool
	existing    bool
}

// ExistingInstance captures the actual (as opposed to desired) state of an
// instance plan, used on the recreate path.
type ExistingInstance struct {
	ApplySpec map[string]any
}

// InstancePlan is the desired-vs-actual diff for one logical instance.
// It is immutable for the duration of a creation attempt except via the
// two permitted mutators below.
type InstancePlan struct {
	Desired      *Instance
	Existing     *ExistingInstance
	NetworkPlans []*NetworkPlan
	Recreate     bool
}

// NeedsRecreate reports whether the plan requires the new VM to restore
// the existing instance's apply spec rather than computing a fresh one.
func (p *InstancePlan) NeedsRecreate() bool {
	return p.Existing != nil && p.Recreate
}

// ExistingApplySpec returns the captured apply spec of the actual
// instance, or an empty map if there is none.
func (p *InstancePlan) ExistingApplySpec() map[string]any {
	if p.Existing == nil || p.Existing.ApplySpec == nil {
		return map[string]any{}
	}
	return p.Existing.ApplySpec
}

// NetworkSettings builds the current network settings passed to the CPI,
// derived from the plan's non-obsolete network plans.
func (p *InstancePlan) NetworkSettings() map[string]any {
	settings := make(map[string]any, len(p.NetworkPlans))
	for _, np := range p.NetworkPlans {
		if np.Obsolete {
			continue
		}
		settings[np.Reservation.NetworkName] = map[string]any{
			"ip": np.Reservation.IP,
		}
	}
	return settings
}

// ObsoleteReservations returns the reservations of every network plan
// marked obsolete, for release after a successful VM creation.
func (p *InstancePlan) ObsoleteReservations() []IPReservation {
	var out []IPReservation
	for _, np := range p.NetworkPlans {
		if np.Obsolete {
			out = append(out, np.Reservation)
		}
	}
	return out
}

// ReleaseObsoleteNetworkPlans drops obsolete network plans from the plan.
// Must be called after the reservations have been released, and exactly
// once per plan (spec.md §3 invariant).
func (p *InstancePlan) ReleaseObsoleteNetworkPlans() {
	kept := p.NetworkPlans[:0:0]
	for _, np := range p.NetworkPlans {
		if !np.Obsolete {
			kept = append(kept, np)
		}
	}
	p.NetworkPlans = kept
}

// MarkDesiredNetworkPlansAsExisting flips every remaining (non-obsolete)
// network plan to "existing", reflecting that the VM now actually has
// this network attachment.
func (p *InstancePlan) MarkDesiredNetworkPlansAsExisting() {
	for _, np := range p.NetworkPlans {
		if np.Obsolete {
			continue
		}
		np.existing = true
	}
}

// IsExisting reports whether this network plan has been marked as
// realized on the actual VM.
func (np *NetworkPlan) IsExisting() bool {
	return np.existing
}
