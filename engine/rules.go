package engine

import "math"

// SkipReason says why a reducer left the state untouched.
type SkipReason string

const (
	SkipBadPayload       SkipReason = "bad-payload"
	SkipUnknownType      SkipReason = "unknown-type"
	SkipUnknownPlayer    SkipReason = "unknown-player"
	SkipNotOwner         SkipReason = "not-owner"
	SkipNotHost          SkipReason = "not-host"
	SkipRoomLocked       SkipReason = "room-locked"
	SkipUnknownCard      SkipReason = "unknown-card"
	SkipUnknownZone      SkipReason = "unknown-zone"
	SkipZoneHidden       SkipReason = "zone-hidden"
	SkipZoneNotHidden    SkipReason = "zone-not-hidden"
	SkipDuplicateCard    SkipReason = "duplicate-card"
	SkipDuplicateCounter SkipReason = "duplicate-counter"
	SkipFaceDownIdentity SkipReason = "face-down-identity"
	SkipLimitExceeded    SkipReason = "limit-exceeded"
)

// Result is the outcome of applying one command. A skipped command never
// mutates the state.
type Result struct {
	Applied bool
	Reason  SkipReason
}

func applied() Result { return Result{Applied: true} }

func skipped(r SkipReason) Result { return Result{Reason: r} }

// canPlace reports whether a card owned by ownerID may sit in public zone z.
// Players may put their cards on any battlefield but only into their own
// graveyard, exile and command zones.
func canPlace(z *Zone, ownerID string) bool {
	if z.Type.Hidden() {
		return false
	}
	return z.Type == ZoneBattlefield || z.OwnerID == ownerID
}

func validPosition(p *Position) bool {
	if p == nil {
		return true
	}
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

func validCounters(c []Counter) bool {
	if len(c) > MaxCountersPerID {
		return false
	}
	for _, ct := range c {
		if ct.Type == "" {
			return false
		}
	}
	return true
}

func validIdentity(id *CardIdentity) bool {
	return id != nil && id.Name != ""
}

func clampScale(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return math.Min(MaxViewScale, math.Max(MinViewScale, v)), true
}

// recipientSlices keeps only the sealed blobs addressed to the listed
// recipients.
func recipientSlices(enc map[string]string, to []string) map[string]string {
	out := make(map[string]string, len(to))
	for _, id := range to {
		if blob, ok := enc[id]; ok && blob != "" {
			out[id] = blob
		}
	}
	return out
}
