package engine

import (
	"encoding/json"
	"sort"
)

// Viewer is the local participant a replay pass is computed for. The Open*
// methods report false when the viewer does not hold the key for a slice;
// that is the normal case for data the viewer is not entitled to.
type Viewer interface {
	ID() string
	Role() Role
	OpenOwner(blob string) ([]byte, bool)
	OpenSpectator(blob string) ([]byte, bool)
	OpenRecipient(blob string) ([]byte, bool)
}

// Nobody is a viewer with no keys. It sees only the public projection.
type Nobody struct{}

func (Nobody) ID() string                          { return "" }
func (Nobody) Role() Role                          { return RoleSpectator }
func (Nobody) OpenOwner(string) ([]byte, bool)     { return nil, false }
func (Nobody) OpenSpectator(string) ([]byte, bool) { return nil, false }
func (Nobody) OpenRecipient(string) ([]byte, bool) { return nil, false }

// openZoneSecret returns the contents of zone z that v can read, if any.
// The owner reads the owner slice; spectators read the spectator slice.
func openZoneSecret(z *Zone, v Viewer) (HiddenZoneContents, bool) {
	if z.Sealed == nil {
		return HiddenZoneContents{}, false
	}
	var plain []byte
	var ok bool
	if z.Sealed.Owner != "" && v.ID() != "" && v.ID() == z.OwnerID {
		plain, ok = v.OpenOwner(z.Sealed.Owner)
	}
	if !ok && z.Sealed.Spectator != "" && v.Role() == RoleSpectator {
		plain, ok = v.OpenSpectator(z.Sealed.Spectator)
	}
	if !ok {
		return HiddenZoneContents{}, false
	}
	var secret HiddenZonesSecret
	if err := json.Unmarshal(plain, &secret); err != nil {
		return HiddenZoneContents{}, false
	}
	contents, found := secret.Zones[z.Type]
	return contents, found
}

// openIdentitySecret decodes a card identity slice and checks it was written
// for cardID.
func openIdentitySecret(plain []byte, cardID string) (*CardIdentity, bool) {
	var secret CardIdentitySecret
	if err := json.Unmarshal(plain, &secret); err != nil {
		return nil, false
	}
	if secret.CardID != cardID || secret.Identity.Name == "" {
		return nil, false
	}
	id := secret.Identity
	return &id, true
}

// openCardIdentity resolves a face-down card's identity for v.
func openCardIdentity(c *Card, v Viewer) (*CardIdentity, bool) {
	if c.Sealed == nil {
		return nil, false
	}
	if c.Sealed.Owner != "" && v.ID() != "" && v.ID() == c.OwnerID {
		if plain, ok := v.OpenOwner(c.Sealed.Owner); ok {
			if id, ok := openIdentitySecret(plain, c.ID); ok {
				return id, true
			}
		}
	}
	if c.Sealed.Spectator != "" && v.Role() == RoleSpectator {
		if plain, ok := v.OpenSpectator(c.Sealed.Spectator); ok {
			if id, ok := openIdentitySecret(plain, c.ID); ok {
				return id, true
			}
		}
	}
	if blob, ok := c.Sealed.Recipients[v.ID()]; ok && v.ID() != "" {
		if plain, ok := v.OpenRecipient(blob); ok {
			return openIdentitySecret(plain, c.ID)
		}
	}
	return nil, false
}

// openRevealIdentity resolves a recipient-only reveal for v.
func openRevealIdentity(r *Reveal, v Viewer) (*CardIdentity, bool) {
	if r.Sealed == nil || v.ID() == "" {
		return nil, false
	}
	blob, ok := r.Sealed.Recipients[v.ID()]
	if !ok {
		return nil, false
	}
	plain, ok := v.OpenRecipient(blob)
	if !ok {
		return nil, false
	}
	return openIdentitySecret(plain, r.CardID)
}

// openZone fills the private view of a hidden zone from its sealed slices.
func (s *State) openZone(z *Zone, v Viewer) {
	z.CardIDs = nil
	contents, ok := openZoneSecret(z, v)
	if !ok {
		return
	}
	z.CardIDs = contents.IDs()
	for _, hc := range contents.Cards {
		if hc.ID == "" {
			continue
		}
		if existing, ok := s.Cards[hc.ID]; ok && !existing.Private {
			continue
		}
		identity := hc.Identity
		s.Cards[hc.ID] = &Card{
			ID:       hc.ID,
			OwnerID:  z.OwnerID,
			ZoneID:   z.ID,
			Identity: &identity,
			Private:  true,
		}
	}
}

// reopenHidden rebuilds the private view of every hidden zone. Private cards
// are cleared first and zones are opened in id order, so the result depends
// only on the sealed slices and the public cards.
func (s *State) reopenHidden(v Viewer) {
	var zones []*Zone
	for _, z := range s.Zones {
		if z.Type.Hidden() {
			zones = append(zones, z)
		}
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	for id, c := range s.Cards {
		if c.Private {
			delete(s.Cards, id)
		}
	}
	for _, z := range zones {
		s.openZone(z, v)
	}
}

// Restore re-derives every private part of the state that v is entitled to
// from the sealed slices the state carries. Applied to a PublicView, it
// reproduces the state a full replay for v would have built.
func (s *State) Restore(v Viewer) {
	s.EnsureMaps()
	s.reopenHidden(v)
	for _, c := range s.Cards {
		if c.Private || !c.FaceDown {
			continue
		}
		c.Identity, _ = openCardIdentity(c, v)
	}
	for _, r := range s.Reveals {
		if r.ToAll {
			continue
		}
		r.Identity, _ = openRevealIdentity(r, v)
	}
}

// PublicView returns a copy of the state with everything learned from sealed
// slices removed. It is the same for every viewer of the same log.
func (s *State) PublicView() *State {
	c := s.Clone()
	for id, card := range c.Cards {
		if card.Private {
			delete(c.Cards, id)
			continue
		}
		if card.FaceDown {
			card.Identity = nil
		}
	}
	for _, z := range c.Zones {
		if z.Type.Hidden() {
			z.CardIDs = nil
		}
	}
	for _, r := range c.Reveals {
		if !r.ToAll {
			r.Identity = nil
		}
	}
	return c
}
