package engine

// ZoneType names a kind of zone. Every player owns one zone of each type.
type ZoneType string

// Zone type constants.
const (
	ZoneLibrary     ZoneType = "library"
	ZoneHand        ZoneType = "hand"
	ZoneSideboard   ZoneType = "sideboard"
	ZoneBattlefield ZoneType = "battlefield"
	ZoneGraveyard   ZoneType = "graveyard"
	ZoneExile       ZoneType = "exile"
	ZoneCommander   ZoneType = "commander"
)

// StandardZones lists the zones created for each player on join, in creation order.
var StandardZones = []ZoneType{
	ZoneLibrary,
	ZoneHand,
	ZoneSideboard,
	ZoneBattlefield,
	ZoneGraveyard,
	ZoneExile,
	ZoneCommander,
}

// Hidden reports whether the zone's contents and order are secret to non-owners.
func (z ZoneType) Hidden() bool {
	switch z {
	case ZoneLibrary, ZoneHand, ZoneSideboard:
		return true
	}
	return false
}

// Valid reports whether z is one of the standard zone types.
func (z ZoneType) Valid() bool {
	for _, t := range StandardZones {
		if t == z {
			return true
		}
	}
	return false
}

// ZoneID returns the deterministic id of a player's zone.
func ZoneID(ownerID string, t ZoneType) string {
	return ownerID + ":" + string(t)
}

// Role is the viewer's role in the session.
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// TopReveal is a player's library top-card reveal mode.
type TopReveal string

const (
	TopRevealNone TopReveal = ""
	TopRevealSelf TopReveal = "self"
	TopRevealAll  TopReveal = "all"
)

// Valid reports whether t is a known reveal mode.
func (t TopReveal) Valid() bool {
	return t == TopRevealNone || t == TopRevealSelf || t == TopRevealAll
}

// Battlefield view scale bounds.
const (
	MinViewScale     = 0.5
	MaxViewScale     = 1.0
	DefaultLife      = 20
	MaxCardsPerZone  = 500
	MaxRecipients    = 16
	MaxCountersPerID = 32
)

// CardIdentity is what makes a card a specific card. Hidden from viewers who
// are not entitled to it.
type CardIdentity struct {
	Name       string `json:"name"`
	ScryfallID string `json:"scryfallId,omitempty"`
	TypeLine   string `json:"typeLine,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
}

// Position is a normalized battlefield coordinate in [0, 1].
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Counter is a typed count attached to a card or player.
type Counter struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
	Color string `json:"color,omitempty"`
}

// Sealed holds the ciphertexts that carry private data for an entity. They are
// opaque to the fold except for the slices the viewer can open.
type Sealed struct {
	Owner      string            `json:"owner,omitempty"`
	Spectator  string            `json:"spectator,omitempty"`
	Recipients map[string]string `json:"recipients,omitempty"`
}

func newSealed(owner, spectator string, recipients map[string]string) *Sealed {
	if len(recipients) == 0 {
		recipients = nil
	}
	if owner == "" && spectator == "" && recipients == nil {
		return nil
	}
	return &Sealed{Owner: owner, Spectator: spectator, Recipients: cloneStringMap(recipients)}
}

// Card is a card known to the viewer. Board cards are public; cards with
// Private set are only known because the viewer opened a hidden-zone slice.
type Card struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"ownerId"`
	ControllerID string        `json:"controllerId,omitempty"`
	ZoneID       string        `json:"zoneId"`
	FaceDown     bool          `json:"faceDown,omitempty"`
	Tapped       bool          `json:"tapped,omitempty"`
	Rotation     int           `json:"rotation,omitempty"`
	Position     *Position     `json:"position,omitempty"`
	Counters     []Counter     `json:"counters,omitempty"`
	Identity     *CardIdentity `json:"identity,omitempty"`
	Private      bool          `json:"private,omitempty"`
	Sealed       *Sealed       `json:"sealed,omitempty"`
}

// Zone is a player's zone. For hidden zones only OwnerID, Type and Count are
// public; CardIDs is filled only for viewers that opened the zone's slice.
type Zone struct {
	ID      string   `json:"id"`
	OwnerID string   `json:"ownerId"`
	Type    ZoneType `json:"type"`
	CardIDs []string `json:"cardIds,omitempty"`
	Count   int      `json:"count"`
	Sealed  *Sealed  `json:"sealed,omitempty"`
}

// Player is a seated participant.
type Player struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Color            string    `json:"color,omitempty"`
	EncPubKey        string    `json:"encPubKey,omitempty"`
	Life             int       `json:"life"`
	Counters         []Counter `json:"counters,omitempty"`
	LibraryTopReveal TopReveal `json:"libraryTopReveal,omitempty"`
}

// Reveal grants visibility of one card's identity to named recipients or to
// everyone.
type Reveal struct {
	CardID   string        `json:"cardId"`
	OwnerID  string        `json:"ownerId"`
	ZoneID   string        `json:"zoneId"`
	ToAll    bool          `json:"toAll,omitempty"`
	To       []string      `json:"to,omitempty"`
	Identity *CardIdentity `json:"identity,omitempty"`
	Sealed   *Sealed       `json:"sealed,omitempty"`
}

// Room holds session-wide metadata.
type Room struct {
	HostID string `json:"hostId,omitempty"`
	Locked bool   `json:"locked,omitempty"`
}

// HiddenCard is one entry of a hidden zone as seen by its owner.
type HiddenCard struct {
	ID       string       `json:"id"`
	Identity CardIdentity `json:"identity"`
}

// HiddenZoneContents is the ordered content of one hidden zone. Index 0 is the
// top of the zone.
type HiddenZoneContents struct {
	Cards []HiddenCard `json:"cards"`
}

// IDs returns the card ids in zone order.
func (c HiddenZoneContents) IDs() []string {
	if len(c.Cards) == 0 {
		return nil
	}
	ids := make([]string, len(c.Cards))
	for i, hc := range c.Cards {
		ids[i] = hc.ID
	}
	return ids
}
