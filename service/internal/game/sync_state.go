package game

import (
	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
)

// State returns a copy of the projection as the local viewer sees it.
func (s *Session) State() *engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone()
}

// PublicState returns the projection with everything learned from sealed
// slices stripped. It is identical for every viewer of the same log.
func (s *Session) PublicState() *engine.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.PublicView()
}

// Meta returns the fold bookkeeping: next index, per-actor seq and log hash.
func (s *Session) Meta() replay.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Clone()
}

// Seated reports whether the local participant has joined as a player.
func (s *Session) Seated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Player(s.id.ActorID) != nil
}

// hiddenContents returns the local player's view of one of their hidden
// zones, in zone order. An id taken over by a public card makes the zone
// unreadable until it is set again.
func (s *Session) hiddenContents(zt engine.ZoneType) (engine.HiddenZoneContents, error) {
	z := s.st.Zone(s.id.ActorID, zt)
	if z == nil {
		return engine.HiddenZoneContents{}, ErrNotSeated
	}
	if len(z.CardIDs) != z.Count {
		return engine.HiddenZoneContents{}, ErrZoneUnreadable
	}
	var out engine.HiddenZoneContents
	for _, id := range z.CardIDs {
		c := s.st.Cards[id]
		if c == nil || !c.Private || c.ZoneID != z.ID || c.Identity == nil {
			return engine.HiddenZoneContents{}, ErrZoneUnreadable
		}
		out.Cards = append(out.Cards, engine.HiddenCard{ID: id, Identity: *c.Identity})
	}
	return out, nil
}
