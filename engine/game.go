// Package engine implements the deterministic game-state projection that the
// command log folds into.
//
// The engine knows nothing about transport, signatures or keys. It receives
// already-verified commands and a Viewer that can open whatever sealed slices
// the local participant is entitled to. Identical command sequences and
// viewers always produce identical states.
package engine

import (
	"encoding/json"
	"sort"
)

// State is the replay projection: players, zones, cards, reveals, counters,
// view scale and room metadata. It is only mutated by Apply and Restore.
type State struct {
	Players              map[string]*Player `json:"players"`
	PlayerOrder          []string           `json:"playerOrder,omitempty"`
	Zones                map[string]*Zone   `json:"zones"`
	Cards                map[string]*Card   `json:"cards"`
	Reveals              map[string]*Reveal `json:"reveals"`
	GlobalCounters       map[string]string  `json:"globalCounters"`
	BattlefieldViewScale map[string]float64 `json:"battlefieldViewScale"`
	Room                 Room               `json:"room"`
}

// NewState returns an empty projection.
func NewState() *State {
	s := &State{}
	s.EnsureMaps()
	return s
}

// EnsureMaps allocates any nil map. Decoded snapshots call this before use.
func (s *State) EnsureMaps() {
	if s.Players == nil {
		s.Players = make(map[string]*Player)
	}
	if s.Zones == nil {
		s.Zones = make(map[string]*Zone)
	}
	if s.Cards == nil {
		s.Cards = make(map[string]*Card)
	}
	if s.Reveals == nil {
		s.Reveals = make(map[string]*Reveal)
	}
	if s.GlobalCounters == nil {
		s.GlobalCounters = make(map[string]string)
	}
	if s.BattlefieldViewScale == nil {
		s.BattlefieldViewScale = make(map[string]float64)
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := &State{
		Players:              make(map[string]*Player, len(s.Players)),
		PlayerOrder:          cloneStrings(s.PlayerOrder),
		Zones:                make(map[string]*Zone, len(s.Zones)),
		Cards:                make(map[string]*Card, len(s.Cards)),
		Reveals:              make(map[string]*Reveal, len(s.Reveals)),
		GlobalCounters:       make(map[string]string, len(s.GlobalCounters)),
		BattlefieldViewScale: make(map[string]float64, len(s.BattlefieldViewScale)),
		Room:                 s.Room,
	}
	for id, p := range s.Players {
		cp := *p
		cp.Counters = cloneCounters(p.Counters)
		c.Players[id] = &cp
	}
	for id, z := range s.Zones {
		cz := *z
		cz.CardIDs = cloneStrings(z.CardIDs)
		cz.Sealed = z.Sealed.clone()
		c.Zones[id] = &cz
	}
	for id, card := range s.Cards {
		c.Cards[id] = card.clone()
	}
	for id, r := range s.Reveals {
		cr := *r
		cr.To = cloneStrings(r.To)
		cr.Identity = cloneIdentity(r.Identity)
		cr.Sealed = r.Sealed.clone()
		c.Reveals[id] = &cr
	}
	for k, v := range s.GlobalCounters {
		c.GlobalCounters[k] = v
	}
	for k, v := range s.BattlefieldViewScale {
		c.BattlefieldViewScale[k] = v
	}
	return c
}

// MarshalCanonical returns the JSON encoding of the state. Map keys are
// sorted by encoding/json, so equal states encode to equal bytes.
func (s *State) MarshalCanonical() ([]byte, error) {
	return json.Marshal(s)
}

// Player returns the player with id, or nil.
func (s *State) Player(id string) *Player { return s.Players[id] }

// Zone returns the zone of the given owner and type, or nil.
func (s *State) Zone(ownerID string, t ZoneType) *Zone {
	return s.Zones[ZoneID(ownerID, t)]
}

// CardsInZone returns the cards known to be in zoneID, sorted by id.
func (s *State) CardsInZone(zoneID string) []*Card {
	var out []*Card
	for _, c := range s.Cards {
		if c.ZoneID == zoneID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------
// copy helpers
// ---------------------------------------------------------------------------

func (c *Card) clone() *Card {
	cc := *c
	if c.Position != nil {
		p := *c.Position
		cc.Position = &p
	}
	cc.Counters = cloneCounters(c.Counters)
	cc.Identity = cloneIdentity(c.Identity)
	cc.Sealed = c.Sealed.clone()
	return &cc
}

func (s *Sealed) clone() *Sealed {
	if s == nil {
		return nil
	}
	return &Sealed{Owner: s.Owner, Spectator: s.Spectator, Recipients: cloneStringMap(s.Recipients)}
}

func cloneIdentity(id *CardIdentity) *CardIdentity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneCounters(c []Counter) []Counter {
	if len(c) == 0 {
		return nil
	}
	out := make([]Counter, len(c))
	copy(out, c)
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
