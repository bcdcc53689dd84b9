package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

// testViewer opens blobs produced by seal when it holds the blob's key.
type testViewer struct {
	id   string
	role Role
	keys map[string]bool
}

func newViewer(id string, role Role, keys ...string) testViewer {
	v := testViewer{id: id, role: role, keys: make(map[string]bool)}
	for _, k := range keys {
		v.keys[k] = true
	}
	return v
}

// ownerViewer holds the owner key of id and the recipient key of id.
func ownerViewer(id string) testViewer {
	return newViewer(id, RolePlayer, ownerKey(id), recipientKey(id))
}

func spectatorViewer() testViewer {
	return newViewer("watcher", RoleSpectator, "spectator")
}

func ownerKey(id string) string     { return "owner/" + id }
func recipientKey(id string) string { return "recipient/" + id }

func (v testViewer) ID() string                               { return v.id }
func (v testViewer) Role() Role                               { return v.role }
func (v testViewer) OpenOwner(blob string) ([]byte, bool)     { return v.open(blob) }
func (v testViewer) OpenSpectator(blob string) ([]byte, bool) { return v.open(blob) }
func (v testViewer) OpenRecipient(blob string) ([]byte, bool) { return v.open(blob) }

func (v testViewer) open(blob string) ([]byte, bool) {
	key, body, ok := strings.Cut(blob, "|")
	if !ok || !v.keys[key] {
		return nil, false
	}
	plain, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, false
	}
	return plain, true
}

func seal(t *testing.T, key string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return key + "|" + base64.RawURLEncoding.EncodeToString(b)
}

func public(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("public: %v", err)
	}
	return b
}

func hiddenCards(names ...string) HiddenZoneContents {
	var c HiddenZoneContents
	for _, n := range names {
		c.Cards = append(c.Cards, HiddenCard{ID: "c-" + n, Identity: CardIdentity{Name: n}})
	}
	return c
}

func joinCmd(t *testing.T, id string) Command {
	return Command{
		Type:    CmdPlayerJoin,
		ActorID: id,
		Public:  public(t, PlayerJoinPayload{PlayerID: id, Name: "player " + id}),
	}
}

func setHiddenCmd(t *testing.T, owner string, zt ZoneType, contents HiddenZoneContents, withSpectator bool) Command {
	secret := HiddenZonesSecret{Zones: map[ZoneType]HiddenZoneContents{zt: contents}}
	cmd := Command{
		Type:     CmdZoneSetHidden,
		ActorID:  owner,
		Public:   public(t, ZoneSetHiddenPayload{OwnerID: owner, ZoneType: zt, Count: len(contents.Cards)}),
		OwnerEnc: seal(t, ownerKey(owner), secret),
	}
	if withSpectator {
		cmd.SpectatorEnc = seal(t, "spectator", secret)
	}
	return cmd
}

func createFaceUpCmd(t *testing.T, owner, cardID, name string) Command {
	card := Card{
		ID:       cardID,
		OwnerID:  owner,
		ZoneID:   ZoneID(owner, ZoneBattlefield),
		Identity: &CardIdentity{Name: name},
	}
	return Command{Type: CmdCardCreatePublic, ActorID: owner, Public: public(t, CardCreatePayload{Card: card})}
}

func createFaceDownCmd(t *testing.T, owner, cardID, name string) Command {
	card := Card{ID: cardID, OwnerID: owner, ZoneID: ZoneID(owner, ZoneBattlefield), FaceDown: true}
	secret := CardIdentitySecret{CardID: cardID, Identity: CardIdentity{Name: name}}
	return Command{
		Type:         CmdCardCreatePublic,
		ActorID:      owner,
		Public:       public(t, CardCreatePayload{Card: card}),
		OwnerEnc:     seal(t, ownerKey(owner), secret),
		SpectatorEnc: seal(t, "spectator", secret),
	}
}

func revealToCmd(t *testing.T, owner, cardID, zoneID, name string, to ...string) Command {
	enc := make(map[string]string, len(to))
	for _, r := range to {
		enc[r] = seal(t, recipientKey(r), CardIdentitySecret{CardID: cardID, Identity: CardIdentity{Name: name}})
	}
	return Command{
		Type:          CmdCardRevealSet,
		ActorID:       owner,
		Public:        public(t, CardRevealPayload{CardID: cardID, OwnerID: owner, ZoneID: zoneID, To: to}),
		RecipientsEnc: enc,
	}
}

// mustApply applies cmd and fails the test if it was skipped.
func mustApply(t *testing.T, s *State, cmd Command, v Viewer) {
	t.Helper()
	if res := s.Apply(cmd, v); !res.Applied {
		t.Fatalf("Apply(%s): want applied, got skipped (%s)", cmd.Type, res.Reason)
	}
}

// wantSkip applies cmd and fails the test unless it was skipped for reason.
func wantSkip(t *testing.T, s *State, cmd Command, v Viewer, reason SkipReason) {
	t.Helper()
	before := canonical(t, s)
	res := s.Apply(cmd, v)
	if res.Applied {
		t.Fatalf("Apply(%s): want skipped (%s), got applied", cmd.Type, reason)
	}
	if res.Reason != reason {
		t.Errorf("Apply(%s) reason: want %s, got %s", cmd.Type, reason, res.Reason)
	}
	if after := canonical(t, s); !bytes.Equal(before, after) {
		t.Errorf("Apply(%s): skipped command mutated state", cmd.Type)
	}
}

func canonical(t *testing.T, s *State) []byte {
	t.Helper()
	b, err := s.MarshalCanonical()
	if err != nil {
		t.Fatalf("MarshalCanonical: %v", err)
	}
	return b
}

// replayAll folds cmds into a fresh state for v.
func replayAll(cmds []Command, v Viewer) *State {
	s := NewState()
	for _, c := range cmds {
		s.Apply(c, v)
	}
	return s
}
