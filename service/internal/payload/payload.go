// Package payload builds the public and sealed slices of each command kind,
// so that hidden data never reaches the public payload.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
)

// Payloads are the payload fields of one envelope.
type Payloads struct {
	Public        json.RawMessage
	OwnerEnc      string
	SpectatorEnc  string
	RecipientsEnc map[string]string
}

// Into copies the payload fields onto env.
func (p Payloads) Into(env *envelope.Envelope) {
	env.PayloadPublic = p.Public
	env.PayloadOwnerEnc = p.OwnerEnc
	env.PayloadSpectatorEnc = p.SpectatorEnc
	env.PayloadRecipientsEnc = p.RecipientsEnc
}

// Keyring is the sealing material of the local writer. Spectator is nil when
// the session has no spectator key.
type Keyring struct {
	SessionID string
	Owner     *keys.Sealer
	Spectator *keys.Sealer
}

// Recipients maps a recipient id to its X25519 public key.
type Recipients map[string][]byte

// Public builds a payload with only a public part.
func Public(v any) (Payloads, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Payloads{}, fmt.Errorf("marshal public payload: %w", err)
	}
	return Payloads{Public: b}, nil
}

func sealOwner(k Keyring, v any) (string, error) {
	if k.Owner == nil {
		return "", fmt.Errorf("owner sealer is not configured")
	}
	return k.Owner.SealJSON(v)
}

func sealSpectator(k Keyring, v any) (string, error) {
	if k.Spectator == nil {
		return "", nil
	}
	return k.Spectator.SealJSON(v)
}

func sealRecipients(sessionID string, to Recipients, v any) (map[string]string, error) {
	if len(to) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal recipient payload: %w", err)
	}
	out := make(map[string]string, len(to))
	for id, pub := range to {
		blob, err := keys.SealTo(pub, sessionID, plain)
		if err != nil {
			return nil, fmt.Errorf("seal to %s: %w", id, err)
		}
		out[id] = blob
	}
	return out, nil
}

// SetHidden replaces a hidden zone. The owner slice carries the ordered
// contents; hands also get a spectator copy when a spectator key exists.
func SetHidden(k Keyring, ownerID string, zt engine.ZoneType, contents engine.HiddenZoneContents) (Payloads, error) {
	if !zt.Hidden() {
		return Payloads{}, fmt.Errorf("zone %s is not hidden", zt)
	}
	p, err := Public(engine.ZoneSetHiddenPayload{OwnerID: ownerID, ZoneType: zt, Count: len(contents.Cards)})
	if err != nil {
		return Payloads{}, err
	}
	secret := engine.HiddenZonesSecret{Zones: map[engine.ZoneType]engine.HiddenZoneContents{zt: contents}}
	if p.OwnerEnc, err = sealOwner(k, secret); err != nil {
		return Payloads{}, err
	}
	if zt == engine.ZoneHand {
		if p.SpectatorEnc, err = sealSpectator(k, secret); err != nil {
			return Payloads{}, err
		}
	}
	return p, nil
}

// Draw moves count cards from library to hand. hand and library are the
// contents after the draw.
func Draw(k Keyring, ownerID string, count int, hand, library engine.HiddenZoneContents) (Payloads, error) {
	p, err := Public(engine.CardDrawPayload{
		OwnerID:      ownerID,
		Count:        count,
		HandCount:    len(hand.Cards),
		LibraryCount: len(library.Cards),
	})
	if err != nil {
		return Payloads{}, err
	}
	secret := engine.HiddenZonesSecret{Zones: map[engine.ZoneType]engine.HiddenZoneContents{
		engine.ZoneHand:    hand,
		engine.ZoneLibrary: library,
	}}
	if p.OwnerEnc, err = sealOwner(k, secret); err != nil {
		return Payloads{}, err
	}
	handOnly := engine.HiddenZonesSecret{Zones: map[engine.ZoneType]engine.HiddenZoneContents{engine.ZoneHand: hand}}
	if p.SpectatorEnc, err = sealSpectator(k, handOnly); err != nil {
		return Payloads{}, err
	}
	return p, nil
}

// Shuffle reorders a library. library is the new order.
func Shuffle(k Keyring, ownerID string, library engine.HiddenZoneContents) (Payloads, error) {
	p, err := Public(engine.LibraryShufflePayload{OwnerID: ownerID, Count: len(library.Cards)})
	if err != nil {
		return Payloads{}, err
	}
	secret := engine.HiddenZonesSecret{Zones: map[engine.ZoneType]engine.HiddenZoneContents{engine.ZoneLibrary: library}}
	if p.OwnerEnc, err = sealOwner(k, secret); err != nil {
		return Payloads{}, err
	}
	return p, nil
}

// faceDownSlices seals a face-down card's identity to the owner, spectators
// and any extra recipients.
func faceDownSlices(k Keyring, cardID string, identity engine.CardIdentity, to Recipients, p *Payloads) error {
	secret := engine.CardIdentitySecret{CardID: cardID, Identity: identity}
	var err error
	if p.OwnerEnc, err = sealOwner(k, secret); err != nil {
		return err
	}
	if p.SpectatorEnc, err = sealSpectator(k, secret); err != nil {
		return err
	}
	p.RecipientsEnc, err = sealRecipients(k.SessionID, to, secret)
	return err
}

// CreateCard places a card on the board. A face-down card's identity is moved
// out of the public payload into sealed slices.
func CreateCard(k Keyring, card engine.Card, to Recipients) (Payloads, error) {
	identity := card.Identity
	if card.FaceDown {
		card.Identity = nil
	}
	card.Private = false
	card.Sealed = nil
	p, err := Public(engine.CardCreatePayload{Card: card})
	if err != nil {
		return Payloads{}, err
	}
	if card.FaceDown && identity != nil {
		if err := faceDownSlices(k, card.ID, *identity, to, &p); err != nil {
			return Payloads{}, err
		}
	}
	return p, nil
}

// UpdateCard patches a card. When the update leaves the card face down,
// hidden carries its identity for the sealed slices.
func UpdateCard(k Keyring, upd engine.CardUpdatePayload, hidden *engine.CardIdentity, to Recipients) (Payloads, error) {
	faceDown := upd.FaceDown != nil && *upd.FaceDown
	if faceDown {
		upd.Identity = nil
	}
	p, err := Public(upd)
	if err != nil {
		return Payloads{}, err
	}
	if faceDown && hidden != nil {
		if err := faceDownSlices(k, upd.CardID, *hidden, to, &p); err != nil {
			return Payloads{}, err
		}
	}
	return p, nil
}

// Reveal grants visibility of a card. With toAll the identity is public;
// otherwise each recipient gets its own sealed copy and only ids are public.
func Reveal(k Keyring, cardID, ownerID, zoneID string, identity engine.CardIdentity, toAll bool, to Recipients) (Payloads, error) {
	pub := engine.CardRevealPayload{CardID: cardID, OwnerID: ownerID, ZoneID: zoneID, ToAll: toAll}
	if toAll {
		pub.Identity = &identity
		return Public(pub)
	}
	for id := range to {
		pub.To = append(pub.To, id)
	}
	sort.Strings(pub.To)
	p, err := Public(pub)
	if err != nil {
		return Payloads{}, err
	}
	p.RecipientsEnc, err = sealRecipients(k.SessionID, to, engine.CardIdentitySecret{CardID: cardID, Identity: identity})
	if err != nil {
		return Payloads{}, err
	}
	return p, nil
}

// HideReveal clears a reveal.
func HideReveal(cardID, ownerID, zoneID string) (Payloads, error) {
	return Public(engine.CardRevealPayload{CardID: cardID, OwnerID: ownerID, ZoneID: zoneID})
}
