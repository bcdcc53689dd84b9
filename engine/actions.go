package engine

import (
	"encoding/json"
	"sort"
)

// Apply folds one verified command into the state for viewer v. Commands from
// actors that are not seated players are skipped, except player.join.
func (s *State) Apply(cmd Command, v Viewer) Result {
	s.EnsureMaps()
	if !cmd.Type.Known() {
		return skipped(SkipUnknownType)
	}
	if cmd.Type != CmdPlayerJoin && s.Players[cmd.ActorID] == nil {
		return skipped(SkipUnknownPlayer)
	}

	switch cmd.Type {
	case CmdPlayerJoin:
		return s.playerJoin(cmd)
	case CmdPlayerUpdate:
		return s.playerUpdate(cmd)
	case CmdPlayerLeave:
		return s.playerLeave(cmd, v)
	case CmdRoomLockSet:
		return s.roomLockSet(cmd)
	case CmdCardCreatePublic:
		return s.cardCreate(cmd, v)
	case CmdCardUpdatePublic:
		return s.cardUpdate(cmd, v)
	case CmdCardRemovePublic:
		return s.cardRemove(cmd, v)
	case CmdZoneSetHidden:
		return s.zoneSetHidden(cmd, v)
	case CmdCardDraw:
		return s.cardDraw(cmd, v)
	case CmdCardRevealSet:
		return s.cardRevealSet(cmd, v)
	case CmdLibraryShuffle:
		return s.libraryShuffle(cmd, v)
	case CmdLibraryTopReveal:
		return s.libraryTopReveal(cmd)
	case CmdBattlefieldScale:
		return s.battlefieldScale(cmd)
	case CmdGlobalCounterAdd:
		return s.globalCounterAdd(cmd)
	}
	return skipped(SkipUnknownType)
}

func decodePublic(cmd Command, dst any) bool {
	if len(cmd.Public) == 0 {
		return false
	}
	return json.Unmarshal(cmd.Public, dst) == nil
}

// ---------------------------------------------------------------------------
// Players and room
// ---------------------------------------------------------------------------

// playerJoin seats a new player or refreshes a returning one. The first
// joiner becomes host.
func (s *State) playerJoin(cmd Command) Result {
	var p PlayerJoinPayload
	if !decodePublic(cmd, &p) || p.PlayerID == "" {
		return skipped(SkipBadPayload)
	}
	if p.PlayerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}

	if existing := s.Players[p.PlayerID]; existing != nil {
		if p.Name != "" {
			existing.Name = p.Name
		}
		if p.Color != "" {
			existing.Color = p.Color
		}
		if p.EncPubKey != "" {
			existing.EncPubKey = p.EncPubKey
		}
		return applied()
	}
	if s.Room.Locked {
		return skipped(SkipRoomLocked)
	}

	s.Players[p.PlayerID] = &Player{
		ID:        p.PlayerID,
		Name:      p.Name,
		Color:     p.Color,
		EncPubKey: p.EncPubKey,
		Life:      DefaultLife,
	}
	s.PlayerOrder = append(s.PlayerOrder, p.PlayerID)
	if s.Room.HostID == "" {
		s.Room.HostID = p.PlayerID
	}
	for _, t := range StandardZones {
		id := ZoneID(p.PlayerID, t)
		if _, ok := s.Zones[id]; !ok {
			s.Zones[id] = &Zone{ID: id, OwnerID: p.PlayerID, Type: t}
		}
	}
	return applied()
}

func (s *State) playerUpdate(cmd Command) Result {
	var p PlayerUpdatePayload
	if !decodePublic(cmd, &p) || p.PlayerID == "" {
		return skipped(SkipBadPayload)
	}
	if p.PlayerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}
	pl := s.Players[p.PlayerID]
	if pl == nil {
		return skipped(SkipUnknownPlayer)
	}
	if p.Name != nil && *p.Name == "" {
		return skipped(SkipBadPayload)
	}
	if p.Counters != nil && !validCounters(*p.Counters) {
		return skipped(SkipLimitExceeded)
	}

	if p.Name != nil {
		pl.Name = *p.Name
	}
	if p.Color != nil {
		pl.Color = *p.Color
	}
	if p.Life != nil {
		pl.Life = *p.Life
	}
	if p.Counters != nil {
		pl.Counters = cloneCounters(*p.Counters)
	}
	return applied()
}

// playerLeave removes a player with their zones, cards and reveals. Cards of
// other owners they controlled go back to their owners. Host passes to the
// earliest remaining joiner.
func (s *State) playerLeave(cmd Command, v Viewer) Result {
	var p PlayerLeavePayload
	if !decodePublic(cmd, &p) || p.PlayerID == "" {
		return skipped(SkipBadPayload)
	}
	if p.PlayerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}
	if s.Players[p.PlayerID] == nil {
		return skipped(SkipUnknownPlayer)
	}

	id := p.PlayerID
	delete(s.Players, id)
	delete(s.BattlefieldViewScale, id)
	s.PlayerOrder = removeString(s.PlayerOrder, id)
	for zid, z := range s.Zones {
		if z.OwnerID == id {
			delete(s.Zones, zid)
		}
	}
	for cid, c := range s.Cards {
		if c.OwnerID == id {
			if z := s.Zones[c.ZoneID]; z != nil {
				z.CardIDs = removeString(z.CardIDs, cid)
				z.Count = len(z.CardIDs)
			}
			delete(s.Cards, cid)
			continue
		}
		if c.ControllerID == id {
			c.ControllerID = ""
		}
	}
	for cid, r := range s.Reveals {
		if r.OwnerID == id {
			delete(s.Reveals, cid)
			continue
		}
		if containsString(r.To, id) {
			r.To = removeString(r.To, id)
			if r.Sealed != nil {
				delete(r.Sealed.Recipients, id)
			}
			if !r.ToAll && len(r.To) == 0 {
				delete(s.Reveals, cid)
				continue
			}
			if !r.ToAll {
				r.Identity, _ = openRevealIdentity(r, v)
			}
		}
	}
	if s.Room.HostID == id {
		s.Room.HostID = ""
		if len(s.PlayerOrder) > 0 {
			s.Room.HostID = s.PlayerOrder[0]
		}
	}
	s.reopenHidden(v)
	return applied()
}

func (s *State) roomLockSet(cmd Command) Result {
	var p RoomLockPayload
	if !decodePublic(cmd, &p) {
		return skipped(SkipBadPayload)
	}
	if cmd.ActorID != s.Room.HostID {
		return skipped(SkipNotHost)
	}
	s.Room.Locked = p.Locked
	return applied()
}

// ---------------------------------------------------------------------------
// Public board cards
// ---------------------------------------------------------------------------

// cardCreate places a card in a public zone. Face-down cards arrive without
// identity; it is carried by the sealed slices of the command instead.
func (s *State) cardCreate(cmd Command, v Viewer) Result {
	var p CardCreatePayload
	if !decodePublic(cmd, &p) || p.Card.ID == "" || p.Card.ZoneID == "" {
		return skipped(SkipBadPayload)
	}
	in := p.Card
	if in.OwnerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}
	z := s.Zones[in.ZoneID]
	if z == nil {
		return skipped(SkipUnknownZone)
	}
	if z.Type.Hidden() {
		return skipped(SkipZoneHidden)
	}
	if !canPlace(z, in.OwnerID) {
		return skipped(SkipNotOwner)
	}
	// Private cards are only known to some viewers, so they never block a
	// public create.
	if existing := s.Cards[in.ID]; existing != nil && !existing.Private {
		return skipped(SkipDuplicateCard)
	}
	if in.FaceDown && in.Identity != nil {
		return skipped(SkipFaceDownIdentity)
	}
	if !in.FaceDown && !validIdentity(in.Identity) {
		return skipped(SkipBadPayload)
	}
	if in.ControllerID != "" && s.Players[in.ControllerID] == nil {
		return skipped(SkipUnknownPlayer)
	}
	if !validPosition(in.Position) {
		return skipped(SkipBadPayload)
	}
	if len(z.CardIDs) >= MaxCardsPerZone || !validCounters(in.Counters) {
		return skipped(SkipLimitExceeded)
	}

	c := in.clone()
	c.Private = false
	c.Sealed = nil
	if c.FaceDown {
		c.Sealed = newSealed(cmd.OwnerEnc, cmd.SpectatorEnc, cmd.RecipientsEnc)
		c.Identity, _ = openCardIdentity(c, v)
	}
	s.Cards[c.ID] = c
	z.CardIDs = append(z.CardIDs, c.ID)
	z.Count = len(z.CardIDs)
	return applied()
}

// cardUpdate patches a public card. Moves are only between public zones;
// hidden zones change through zone.set.hidden and card.draw.
func (s *State) cardUpdate(cmd Command, v Viewer) Result {
	var p CardUpdatePayload
	if !decodePublic(cmd, &p) || p.CardID == "" {
		return skipped(SkipBadPayload)
	}
	c := s.Cards[p.CardID]
	if c == nil || c.Private {
		return skipped(SkipUnknownCard)
	}
	if c.OwnerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}

	var dest *Zone
	if p.ZoneID != nil && *p.ZoneID != c.ZoneID {
		dest = s.Zones[*p.ZoneID]
		if dest == nil {
			return skipped(SkipUnknownZone)
		}
		if dest.Type.Hidden() {
			return skipped(SkipZoneHidden)
		}
		if !canPlace(dest, c.OwnerID) {
			return skipped(SkipNotOwner)
		}
		if len(dest.CardIDs) >= MaxCardsPerZone {
			return skipped(SkipLimitExceeded)
		}
	}
	faceDown := c.FaceDown
	if p.FaceDown != nil {
		faceDown = *p.FaceDown
	}
	if faceDown && p.Identity != nil {
		return skipped(SkipFaceDownIdentity)
	}
	if !faceDown && c.FaceDown && !validIdentity(p.Identity) {
		return skipped(SkipBadPayload)
	}
	if p.Identity != nil && !validIdentity(p.Identity) {
		return skipped(SkipBadPayload)
	}
	if p.ControllerID != nil && *p.ControllerID != "" && s.Players[*p.ControllerID] == nil {
		return skipped(SkipUnknownPlayer)
	}
	if !validPosition(p.Position) {
		return skipped(SkipBadPayload)
	}
	if p.Counters != nil && !validCounters(*p.Counters) {
		return skipped(SkipLimitExceeded)
	}

	if dest != nil {
		if from := s.Zones[c.ZoneID]; from != nil {
			from.CardIDs = removeString(from.CardIDs, c.ID)
			from.Count = len(from.CardIDs)
		}
		dest.CardIDs = append(dest.CardIDs, c.ID)
		dest.Count = len(dest.CardIDs)
		c.ZoneID = dest.ID
		delete(s.Reveals, c.ID)
	}
	if p.ControllerID != nil {
		c.ControllerID = *p.ControllerID
	}
	if p.Tapped != nil {
		c.Tapped = *p.Tapped
	}
	if p.Rotation != nil {
		c.Rotation = *p.Rotation
	}
	if p.Position != nil {
		pos := *p.Position
		c.Position = &pos
	}
	if p.Counters != nil {
		c.Counters = cloneCounters(*p.Counters)
	}

	hasSlices := cmd.OwnerEnc != "" || cmd.SpectatorEnc != "" || len(cmd.RecipientsEnc) > 0
	switch {
	case faceDown && (!c.FaceDown || hasSlices):
		c.FaceDown = true
		c.Sealed = newSealed(cmd.OwnerEnc, cmd.SpectatorEnc, cmd.RecipientsEnc)
		c.Identity, _ = openCardIdentity(c, v)
	case !faceDown:
		c.FaceDown = false
		c.Sealed = nil
		if p.Identity != nil {
			c.Identity = cloneIdentity(p.Identity)
		}
	}
	return applied()
}

func (s *State) cardRemove(cmd Command, v Viewer) Result {
	var p CardRemovePayload
	if !decodePublic(cmd, &p) || p.CardID == "" {
		return skipped(SkipBadPayload)
	}
	c := s.Cards[p.CardID]
	if c == nil || c.Private {
		return skipped(SkipUnknownCard)
	}
	if c.OwnerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}

	if z := s.Zones[c.ZoneID]; z != nil {
		z.CardIDs = removeString(z.CardIDs, c.ID)
		z.Count = len(z.CardIDs)
	}
	delete(s.Cards, c.ID)
	delete(s.Reveals, c.ID)
	s.reopenHidden(v)
	return applied()
}

// ---------------------------------------------------------------------------
// Hidden zones
// ---------------------------------------------------------------------------

// hiddenZone resolves a hidden zone of the acting owner.
func (s *State) hiddenZone(cmd Command, ownerID string, t ZoneType) (*Zone, Result) {
	if ownerID != cmd.ActorID {
		return nil, skipped(SkipNotOwner)
	}
	if !t.Valid() {
		return nil, skipped(SkipBadPayload)
	}
	if !t.Hidden() {
		return nil, skipped(SkipZoneNotHidden)
	}
	z := s.Zone(ownerID, t)
	if z == nil {
		return nil, skipped(SkipUnknownZone)
	}
	return z, applied()
}

func validCount(n int) bool { return n >= 0 && n <= MaxCardsPerZone }

// zoneSetHidden replaces the contents of a hidden zone. Only the count is
// public. Hand zones also keep an optional spectator slice.
func (s *State) zoneSetHidden(cmd Command, v Viewer) Result {
	var p ZoneSetHiddenPayload
	if !decodePublic(cmd, &p) || p.OwnerID == "" {
		return skipped(SkipBadPayload)
	}
	z, res := s.hiddenZone(cmd, p.OwnerID, p.ZoneType)
	if !res.Applied {
		return res
	}
	if !validCount(p.Count) {
		return skipped(SkipLimitExceeded)
	}

	spectator := ""
	if z.Type == ZoneHand {
		spectator = cmd.SpectatorEnc
	}
	z.Count = p.Count
	z.Sealed = newSealed(cmd.OwnerEnc, spectator, nil)
	s.reopenHidden(v)
	return applied()
}

// cardDraw moves cards from library to hand. One owner slice carries the new
// contents of both zones.
func (s *State) cardDraw(cmd Command, v Viewer) Result {
	var p CardDrawPayload
	if !decodePublic(cmd, &p) || p.OwnerID == "" || p.Count < 1 {
		return skipped(SkipBadPayload)
	}
	lib, res := s.hiddenZone(cmd, p.OwnerID, ZoneLibrary)
	if !res.Applied {
		return res
	}
	hand := s.Zone(p.OwnerID, ZoneHand)
	if hand == nil {
		return skipped(SkipUnknownZone)
	}
	if p.Count > lib.Count {
		return skipped(SkipBadPayload)
	}
	// A draw moves exactly Count cards between the two zones.
	if p.LibraryCount != lib.Count-p.Count || p.HandCount != hand.Count+p.Count {
		return skipped(SkipBadPayload)
	}
	if !validCount(p.HandCount) {
		return skipped(SkipLimitExceeded)
	}

	lib.Count = p.LibraryCount
	lib.Sealed = newSealed(cmd.OwnerEnc, "", nil)
	hand.Count = p.HandCount
	hand.Sealed = newSealed(cmd.OwnerEnc, cmd.SpectatorEnc, nil)
	s.reopenHidden(v)
	return applied()
}

// libraryShuffle reorders a library. Reveals of cards in it no longer hold.
func (s *State) libraryShuffle(cmd Command, v Viewer) Result {
	var p LibraryShufflePayload
	if !decodePublic(cmd, &p) || p.OwnerID == "" {
		return skipped(SkipBadPayload)
	}
	lib, res := s.hiddenZone(cmd, p.OwnerID, ZoneLibrary)
	if !res.Applied {
		return res
	}
	if !validCount(p.Count) {
		return skipped(SkipLimitExceeded)
	}

	lib.Count = p.Count
	lib.Sealed = newSealed(cmd.OwnerEnc, "", nil)
	for id, r := range s.Reveals {
		if r.ZoneID == lib.ID {
			delete(s.Reveals, id)
		}
	}
	s.reopenHidden(v)
	return applied()
}

// ---------------------------------------------------------------------------
// Reveals and narrow patches
// ---------------------------------------------------------------------------

// cardRevealSet grants visibility of a card to everyone or to named
// recipients, or clears it when neither is given.
func (s *State) cardRevealSet(cmd Command, v Viewer) Result {
	var p CardRevealPayload
	if !decodePublic(cmd, &p) || p.CardID == "" || p.OwnerID == "" {
		return skipped(SkipBadPayload)
	}
	if p.OwnerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}
	z := s.Zones[p.ZoneID]
	if z == nil {
		return skipped(SkipUnknownZone)
	}
	if c := s.Cards[p.CardID]; c != nil && !c.Private && c.OwnerID != p.OwnerID {
		return skipped(SkipNotOwner)
	}
	if z.OwnerID != p.OwnerID && !canPlace(z, p.OwnerID) {
		return skipped(SkipNotOwner)
	}

	if !p.ToAll && len(p.To) == 0 {
		delete(s.Reveals, p.CardID)
		return applied()
	}
	r := &Reveal{CardID: p.CardID, OwnerID: p.OwnerID, ZoneID: p.ZoneID}
	if p.ToAll {
		if !validIdentity(p.Identity) {
			return skipped(SkipBadPayload)
		}
		r.ToAll = true
		r.Identity = cloneIdentity(p.Identity)
		s.Reveals[p.CardID] = r
		return applied()
	}

	if p.Identity != nil {
		return skipped(SkipFaceDownIdentity)
	}
	to := dedupe(p.To)
	if len(to) > MaxRecipients {
		return skipped(SkipLimitExceeded)
	}
	r.To = to
	r.Sealed = newSealed("", "", recipientSlices(cmd.RecipientsEnc, to))
	r.Identity, _ = openRevealIdentity(r, v)
	s.Reveals[p.CardID] = r
	return applied()
}

func (s *State) libraryTopReveal(cmd Command) Result {
	var p LibraryTopRevealPayload
	if !decodePublic(cmd, &p) || p.OwnerID == "" || !p.Mode.Valid() {
		return skipped(SkipBadPayload)
	}
	if p.OwnerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}
	pl := s.Players[p.OwnerID]
	if pl == nil {
		return skipped(SkipUnknownPlayer)
	}
	pl.LibraryTopReveal = p.Mode
	return applied()
}

// battlefieldScale sets a player's view scale, clamped to the allowed range.
func (s *State) battlefieldScale(cmd Command) Result {
	var p BattlefieldScalePayload
	if !decodePublic(cmd, &p) || p.PlayerID == "" {
		return skipped(SkipBadPayload)
	}
	if p.PlayerID != cmd.ActorID {
		return skipped(SkipNotOwner)
	}
	scale, ok := clampScale(p.Scale)
	if !ok {
		return skipped(SkipBadPayload)
	}
	s.BattlefieldViewScale[p.PlayerID] = scale
	return applied()
}

// globalCounterAdd registers a counter type for the session. The first
// registration of a type wins.
func (s *State) globalCounterAdd(cmd Command) Result {
	var p GlobalCounterPayload
	if !decodePublic(cmd, &p) || p.CounterType == "" {
		return skipped(SkipBadPayload)
	}
	if _, ok := s.GlobalCounters[p.CounterType]; ok {
		return skipped(SkipDuplicateCounter)
	}
	s.GlobalCounters[p.CounterType] = p.Color
	return applied()
}

// dedupe returns the non-empty ids of list, sorted and without repeats.
func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	var out []string
	for _, id := range list {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
