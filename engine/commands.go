package engine

import "encoding/json"

// CommandType identifies the kind of a command envelope.
type CommandType string

// Player and room commands.
const (
	CmdPlayerJoin   CommandType = "player.join"
	CmdPlayerUpdate CommandType = "player.update"
	CmdPlayerLeave  CommandType = "player.leave"
	CmdRoomLockSet  CommandType = "room.lock.set"
)

// Board commands.
const (
	CmdCardCreatePublic CommandType = "card.create.public"
	CmdCardUpdatePublic CommandType = "card.update.public"
	CmdCardRemovePublic CommandType = "card.remove.public"
)

// Hidden zone and visibility commands.
const (
	CmdZoneSetHidden    CommandType = "zone.set.hidden"
	CmdCardDraw         CommandType = "card.draw"
	CmdCardRevealSet    CommandType = "card.reveal.set"
	CmdLibraryShuffle   CommandType = "library.shuffle"
	CmdLibraryTopReveal CommandType = "library.topReveal.set"
	CmdBattlefieldScale CommandType = "battlefield.scale.set"
	CmdGlobalCounterAdd CommandType = "counter.global.add"
)

var knownCommands = map[CommandType]bool{
	CmdPlayerJoin:       true,
	CmdPlayerUpdate:     true,
	CmdPlayerLeave:      true,
	CmdRoomLockSet:      true,
	CmdCardCreatePublic: true,
	CmdCardUpdatePublic: true,
	CmdCardRemovePublic: true,
	CmdZoneSetHidden:    true,
	CmdCardDraw:         true,
	CmdCardRevealSet:    true,
	CmdLibraryShuffle:   true,
	CmdLibraryTopReveal: true,
	CmdBattlefieldScale: true,
	CmdGlobalCounterAdd: true,
}

// Known reports whether t is a command kind the fold understands.
func (t CommandType) Known() bool { return knownCommands[t] }

// Command is the verified content of one envelope, handed to the fold.
type Command struct {
	Type          CommandType
	ActorID       string
	Public        json.RawMessage
	OwnerEnc      string
	SpectatorEnc  string
	RecipientsEnc map[string]string
}

// ---------------------------------------------------------------------------
// Public payloads
// ---------------------------------------------------------------------------

// PlayerJoinPayload registers a player. EncPubKey is the player's X25519
// public key so others can address reveals to them.
type PlayerJoinPayload struct {
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	EncPubKey string `json:"encPubKey,omitempty"`
}

// PlayerUpdatePayload patches a player's own public fields.
type PlayerUpdatePayload struct {
	PlayerID string     `json:"playerId"`
	Name     *string    `json:"name,omitempty"`
	Color    *string    `json:"color,omitempty"`
	Life     *int       `json:"life,omitempty"`
	Counters *[]Counter `json:"counters,omitempty"`
}

// PlayerLeavePayload removes a player and everything they own.
type PlayerLeavePayload struct {
	PlayerID string `json:"playerId"`
}

// RoomLockPayload toggles whether new players may join.
type RoomLockPayload struct {
	Locked bool `json:"locked"`
}

// CardCreatePayload places a card in a public zone. Identity must be absent
// when the card is face down; owner/spectator/recipient slices carry it.
type CardCreatePayload struct {
	Card Card `json:"card"`
}

// CardUpdatePayload patches a public card.
type CardUpdatePayload struct {
	CardID       string        `json:"cardId"`
	ZoneID       *string       `json:"zoneId,omitempty"`
	ControllerID *string       `json:"controllerId,omitempty"`
	FaceDown     *bool         `json:"faceDown,omitempty"`
	Tapped       *bool         `json:"tapped,omitempty"`
	Rotation     *int          `json:"rotation,omitempty"`
	Position     *Position     `json:"position,omitempty"`
	Counters     *[]Counter    `json:"counters,omitempty"`
	Identity     *CardIdentity `json:"identity,omitempty"`
}

// CardRemovePayload removes a public card.
type CardRemovePayload struct {
	CardID string `json:"cardId"`
}

// ZoneSetHiddenPayload is the public half of a hidden zone replacement.
type ZoneSetHiddenPayload struct {
	OwnerID  string   `json:"ownerId"`
	ZoneType ZoneType `json:"zoneType"`
	Count    int      `json:"count"`
}

// CardDrawPayload is the public half of a draw from library to hand.
type CardDrawPayload struct {
	OwnerID      string `json:"ownerId"`
	Count        int    `json:"count"`
	HandCount    int    `json:"handCount"`
	LibraryCount int    `json:"libraryCount"`
}

// CardRevealPayload grants or clears visibility of a card. Identity is only
// present when ToAll is set; otherwise each recipient gets a sealed copy.
type CardRevealPayload struct {
	CardID   string        `json:"cardId"`
	OwnerID  string        `json:"ownerId"`
	ZoneID   string        `json:"zoneId"`
	ToAll    bool          `json:"toAll,omitempty"`
	To       []string      `json:"to,omitempty"`
	Identity *CardIdentity `json:"identity,omitempty"`
}

// LibraryShufflePayload is the public half of a library reorder.
type LibraryShufflePayload struct {
	OwnerID string `json:"ownerId"`
	Count   int    `json:"count"`
}

// LibraryTopRevealPayload sets a player's library top reveal mode.
type LibraryTopRevealPayload struct {
	OwnerID string    `json:"ownerId"`
	Mode    TopReveal `json:"mode"`
}

// BattlefieldScalePayload sets a player's battlefield view scale.
type BattlefieldScalePayload struct {
	PlayerID string  `json:"playerId"`
	Scale    float64 `json:"scale"`
}

// GlobalCounterPayload registers a counter type for the session.
type GlobalCounterPayload struct {
	CounterType string `json:"counterType"`
	Color       string `json:"color,omitempty"`
}

// ---------------------------------------------------------------------------
// Sealed payloads (plaintext shapes inside ciphertexts)
// ---------------------------------------------------------------------------

// HiddenZonesSecret is the plaintext of an owner or spectator slice for
// zone.set.hidden, card.draw and library.shuffle. A draw carries both hand and
// library in one payload.
type HiddenZonesSecret struct {
	Zones map[ZoneType]HiddenZoneContents `json:"zones"`
}

// CardIdentitySecret is the plaintext of a face-down card or reveal slice.
// CardID binds the ciphertext to the card it was written for.
type CardIdentitySecret struct {
	CardID   string       `json:"cardId"`
	Identity CardIdentity `json:"identity"`
}
