package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
	"github.com/hansy/drawspell-sub000/service/internal/outbox"
	"github.com/hansy/drawspell-sub000/service/internal/payload"
)

// Errors returned by the command helpers before anything is appended.
var (
	ErrNotSeated      = errors.New("game: local player has not joined")
	ErrZoneUnreadable = errors.New("game: hidden zone contents are not readable")
	ErrNotEnoughCards = errors.New("game: not enough cards in library")
	ErrUnknownCard    = errors.New("game: unknown card")
	ErrUnknownPlayer  = errors.New("game: unknown player")
)

// submit writes one command and folds the log up to and including it.
func (s *Session) submit(ctx context.Context, typ engine.CommandType, build outbox.BuildFunc) error {
	if _, err := s.outbox.Enqueue(ctx, typ, build); err != nil {
		return err
	}
	return s.Sync(ctx)
}

// withState runs fn on the synced projection while the writer builds a
// payload.
func (s *Session) withState(fn func() (payload.Payloads, error)) outbox.BuildFunc {
	return func(ctx context.Context) (payload.Payloads, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.syncLocked(ctx); err != nil {
			return payload.Payloads{}, err
		}
		return fn()
	}
}

func public(v any) outbox.BuildFunc {
	return func(context.Context) (payload.Payloads, error) { return payload.Public(v) }
}

// recipients resolves player ids to their announced encryption keys.
func (s *Session) recipients(ids []string) (payload.Recipients, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make(payload.Recipients, len(ids))
	for _, id := range ids {
		pl := s.st.Player(id)
		if pl == nil || pl.EncPubKey == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
		}
		pub, err := keys.ParseX25519Public(pl.EncPubKey)
		if err != nil {
			return nil, fmt.Errorf("player %s: %w", id, err)
		}
		out[id] = pub
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Players and room
// ---------------------------------------------------------------------------

// Join seats the local participant and announces its encryption key.
func (s *Session) Join(ctx context.Context, name, color string) error {
	return s.submit(ctx, engine.CmdPlayerJoin, public(engine.PlayerJoinPayload{
		PlayerID:  s.id.ActorID,
		Name:      name,
		Color:     color,
		EncPubKey: s.id.EncPublicKey(),
	}))
}

// UpdatePlayer patches the local player's public fields.
func (s *Session) UpdatePlayer(ctx context.Context, upd engine.PlayerUpdatePayload) error {
	upd.PlayerID = s.id.ActorID
	return s.submit(ctx, engine.CmdPlayerUpdate, public(upd))
}

// Leave removes the local player and everything they own.
func (s *Session) Leave(ctx context.Context) error {
	return s.submit(ctx, engine.CmdPlayerLeave, public(engine.PlayerLeavePayload{PlayerID: s.id.ActorID}))
}

// SetLocked locks or unlocks the room. Only the host's command takes effect.
func (s *Session) SetLocked(ctx context.Context, locked bool) error {
	return s.submit(ctx, engine.CmdRoomLockSet, public(engine.RoomLockPayload{Locked: locked}))
}

// SetScale sets the local player's battlefield view scale.
func (s *Session) SetScale(ctx context.Context, scale float64) error {
	return s.submit(ctx, engine.CmdBattlefieldScale, public(engine.BattlefieldScalePayload{
		PlayerID: s.id.ActorID,
		Scale:    scale,
	}))
}

// SetTopReveal sets the local player's library top reveal mode.
func (s *Session) SetTopReveal(ctx context.Context, mode engine.TopReveal) error {
	return s.submit(ctx, engine.CmdLibraryTopReveal, public(engine.LibraryTopRevealPayload{
		OwnerID: s.id.ActorID,
		Mode:    mode,
	}))
}

// AddCounter registers a global counter type.
func (s *Session) AddCounter(ctx context.Context, counterType, color string) error {
	return s.submit(ctx, engine.CmdGlobalCounterAdd, public(engine.GlobalCounterPayload{
		CounterType: counterType,
		Color:       color,
	}))
}

// ---------------------------------------------------------------------------
// Hidden zones
// ---------------------------------------------------------------------------

// SetHidden replaces the contents of one of the local player's hidden zones.
// Cards without an id get a fresh one.
func (s *Session) SetHidden(ctx context.Context, zt engine.ZoneType, cards []engine.HiddenCard) error {
	contents := engine.HiddenZoneContents{Cards: make([]engine.HiddenCard, len(cards))}
	for i, c := range cards {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		contents.Cards[i] = c
	}
	return s.submit(ctx, engine.CmdZoneSetHidden, s.withState(func() (payload.Payloads, error) {
		if s.st.Zone(s.id.ActorID, zt) == nil {
			return payload.Payloads{}, ErrNotSeated
		}
		return payload.SetHidden(s.keyring, s.id.ActorID, zt, contents)
	}))
}

// Draw moves count cards from the top of the local library to the end of
// the hand.
func (s *Session) Draw(ctx context.Context, count int) error {
	return s.submit(ctx, engine.CmdCardDraw, s.withState(func() (payload.Payloads, error) {
		if count < 1 {
			return payload.Payloads{}, fmt.Errorf("draw count must be positive")
		}
		lib, err := s.hiddenContents(engine.ZoneLibrary)
		if err != nil {
			return payload.Payloads{}, err
		}
		hand, err := s.hiddenContents(engine.ZoneHand)
		if err != nil {
			return payload.Payloads{}, err
		}
		if count > len(lib.Cards) {
			return payload.Payloads{}, ErrNotEnoughCards
		}
		hand.Cards = append(hand.Cards, lib.Cards[:count]...)
		lib.Cards = lib.Cards[count:]
		return payload.Draw(s.keyring, s.id.ActorID, count, hand, lib)
	}))
}

// Shuffle randomly reorders the local library.
func (s *Session) Shuffle(ctx context.Context) error {
	return s.submit(ctx, engine.CmdLibraryShuffle, s.withState(func() (payload.Payloads, error) {
		lib, err := s.hiddenContents(engine.ZoneLibrary)
		if err != nil {
			return payload.Payloads{}, err
		}
		rand.Shuffle(len(lib.Cards), func(i, j int) {
			lib.Cards[i], lib.Cards[j] = lib.Cards[j], lib.Cards[i]
		})
		return payload.Shuffle(s.keyring, s.id.ActorID, lib)
	}))
}

// ---------------------------------------------------------------------------
// Board cards
// ---------------------------------------------------------------------------

// CreateCard places one of the local player's cards in a public zone. A
// face-down card's identity is sealed to the owner, spectators and the
// players named in to. It returns the card id.
func (s *Session) CreateCard(ctx context.Context, card engine.Card, to []string) (string, error) {
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	card.OwnerID = s.id.ActorID
	err := s.submit(ctx, engine.CmdCardCreatePublic, s.withState(func() (payload.Payloads, error) {
		rcpt, err := s.recipients(to)
		if err != nil {
			return payload.Payloads{}, err
		}
		return payload.CreateCard(s.keyring, card, rcpt)
	}))
	return card.ID, err
}

// UpdateCard patches one of the local player's board cards. When the card
// ends up face down its known identity is sealed again; when it is turned
// face up the identity becomes public.
func (s *Session) UpdateCard(ctx context.Context, upd engine.CardUpdatePayload, to []string) error {
	return s.submit(ctx, engine.CmdCardUpdatePublic, s.withState(func() (payload.Payloads, error) {
		c := s.st.Cards[upd.CardID]
		if c == nil || c.Private {
			return payload.Payloads{}, fmt.Errorf("%w: %s", ErrUnknownCard, upd.CardID)
		}
		hidden := upd.Identity
		if hidden == nil {
			hidden = c.Identity
		}
		if upd.FaceDown != nil && !*upd.FaceDown && c.FaceDown && upd.Identity == nil {
			upd.Identity = c.Identity
		}
		rcpt, err := s.recipients(to)
		if err != nil {
			return payload.Payloads{}, err
		}
		return payload.UpdateCard(s.keyring, upd, hidden, rcpt)
	}))
}

// RemoveCard removes one of the local player's board cards.
func (s *Session) RemoveCard(ctx context.Context, cardID string) error {
	return s.submit(ctx, engine.CmdCardRemovePublic, public(engine.CardRemovePayload{CardID: cardID}))
}

// Play moves a card from one of the local player's hidden zones onto a public
// zone: the hidden zone is rewritten without it, then the card is created
// with the identity the owner knows.
func (s *Session) Play(ctx context.Context, from engine.ZoneType, cardID string, card engine.Card) error {
	s.mu.Lock()
	contents, err := s.hiddenContents(from)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	var rest []engine.HiddenCard
	var played *engine.HiddenCard
	for i := range contents.Cards {
		if contents.Cards[i].ID == cardID {
			played = &contents.Cards[i]
			continue
		}
		rest = append(rest, contents.Cards[i])
	}
	if played == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	if err := s.SetHidden(ctx, from, rest); err != nil {
		return err
	}
	card.ID = played.ID
	if card.ZoneID == "" {
		card.ZoneID = engine.ZoneID(s.id.ActorID, engine.ZoneBattlefield)
	}
	identity := played.Identity
	card.Identity = &identity
	_, err = s.CreateCard(ctx, card, nil)
	return err
}

// ---------------------------------------------------------------------------
// Reveals
// ---------------------------------------------------------------------------

// Reveal shows one of the local player's cards to the players named in to.
// An empty to reveals it to everyone.
func (s *Session) Reveal(ctx context.Context, cardID string, to []string) error {
	return s.submit(ctx, engine.CmdCardRevealSet, s.withState(func() (payload.Payloads, error) {
		c := s.st.Cards[cardID]
		if c == nil || c.OwnerID != s.id.ActorID || c.Identity == nil {
			return payload.Payloads{}, fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
		}
		rcpt, err := s.recipients(to)
		if err != nil {
			return payload.Payloads{}, err
		}
		return payload.Reveal(s.keyring, c.ID, c.OwnerID, c.ZoneID, *c.Identity, len(to) == 0, rcpt)
	}))
}

// HideReveal clears a reveal of one of the local player's cards.
func (s *Session) HideReveal(ctx context.Context, cardID string) error {
	return s.submit(ctx, engine.CmdCardRevealSet, s.withState(func() (payload.Payloads, error) {
		zoneID := ""
		if c := s.st.Cards[cardID]; c != nil {
			zoneID = c.ZoneID
		} else if r := s.st.Reveals[cardID]; r != nil {
			zoneID = r.ZoneID
		}
		if zoneID == "" {
			return payload.Payloads{}, fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
		}
		return payload.HideReveal(cardID, s.id.ActorID, zoneID)
	}))
}
