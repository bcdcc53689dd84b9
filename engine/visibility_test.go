package engine

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
)

// commandGen produces random command sequences, valid and invalid, over a
// small fixed cast of players.
type commandGen struct {
	t       *testing.T
	rng     *rand.Rand
	players []string
	next    int
}

func (g *commandGen) pick(list []string) string { return list[g.rng.Intn(len(list))] }

func (g *commandGen) cardID() string {
	g.next++
	return fmt.Sprintf("card-%d", g.next)
}

func (g *commandGen) contents(n int) HiddenZoneContents {
	var c HiddenZoneContents
	for i := 0; i < n; i++ {
		id := g.cardID()
		c.Cards = append(c.Cards, HiddenCard{ID: id, Identity: CardIdentity{Name: "name of " + id}})
	}
	return c
}

// command returns one random command. Actors are occasionally mismatched so
// ownership gating is exercised.
func (g *commandGen) command() Command {
	t := g.t
	owner := g.pick(g.players)
	actor := owner
	if g.rng.Intn(8) == 0 {
		actor = g.pick(g.players)
	}
	var cmd Command
	switch g.rng.Intn(11) {
	case 0:
		cmd = joinCmd(t, owner)
	case 1:
		zt := []ZoneType{ZoneHand, ZoneLibrary, ZoneSideboard}[g.rng.Intn(3)]
		cmd = setHiddenCmd(t, owner, zt, g.contents(g.rng.Intn(4)), g.rng.Intn(2) == 0)
	case 2:
		cmd = createFaceUpCmd(t, owner, g.cardID(), "face up")
	case 3:
		id := g.cardID()
		cmd = createFaceDownCmd(t, owner, id, "hidden "+id)
		if g.rng.Intn(2) == 0 {
			other := g.pick(g.players)
			cmd.RecipientsEnc = map[string]string{other: seal(t, recipientKey(other), CardIdentitySecret{CardID: id, Identity: CardIdentity{Name: "hidden " + id}})}
		}
	case 4:
		tapped := g.rng.Intn(2) == 0
		down := g.rng.Intn(3) == 0
		id := fmt.Sprintf("card-%d", g.rng.Intn(g.next+1))
		p := CardUpdatePayload{CardID: id, Tapped: &tapped, FaceDown: &down}
		if !down {
			p.Identity = &CardIdentity{Name: "flipped " + id}
		}
		cmd = Command{Type: CmdCardUpdatePublic, Public: public(t, p)}
		if down {
			cmd.OwnerEnc = seal(t, ownerKey(owner), CardIdentitySecret{CardID: id, Identity: CardIdentity{Name: "down " + id}})
		}
	case 5:
		id := fmt.Sprintf("card-%d", g.rng.Intn(g.next+1))
		cmd = Command{Type: CmdCardRemovePublic, Public: public(t, CardRemovePayload{CardID: id})}
	case 6:
		hand := g.contents(1 + g.rng.Intn(2))
		lib := g.contents(g.rng.Intn(3))
		secret := HiddenZonesSecret{Zones: map[ZoneType]HiddenZoneContents{ZoneHand: hand, ZoneLibrary: lib}}
		cmd = Command{
			Type:     CmdCardDraw,
			Public:   public(t, CardDrawPayload{OwnerID: owner, Count: 1, HandCount: len(hand.Cards), LibraryCount: len(lib.Cards)}),
			OwnerEnc: seal(t, ownerKey(owner), secret),
		}
	case 7:
		id := fmt.Sprintf("card-%d", g.rng.Intn(g.next+1))
		zone := ZoneID(owner, []ZoneType{ZoneHand, ZoneLibrary, ZoneBattlefield}[g.rng.Intn(3)])
		cmd = revealToCmd(t, owner, id, zone, "revealed "+id, g.pick(g.players))
	case 8:
		secret := HiddenZonesSecret{Zones: map[ZoneType]HiddenZoneContents{ZoneLibrary: g.contents(2)}}
		cmd = Command{
			Type:     CmdLibraryShuffle,
			Public:   public(t, LibraryShufflePayload{OwnerID: owner, Count: 2}),
			OwnerEnc: seal(t, ownerKey(owner), secret),
		}
	case 9:
		cmd = Command{Type: CmdBattlefieldScale, Public: public(t, BattlefieldScalePayload{PlayerID: owner, Scale: g.rng.Float64() * 1.5})}
	default:
		cmd = Command{Type: CmdPlayerLeave, Public: public(t, PlayerLeavePayload{PlayerID: owner})}
		if g.rng.Intn(3) != 0 {
			cmd = joinCmd(t, owner)
		}
	}
	cmd.ActorID = actor
	return cmd
}

func randomCommands(t *testing.T, seed int64, n int) []Command {
	g := &commandGen{t: t, rng: rand.New(rand.NewSource(seed)), players: []string{"a", "b", "c"}}
	cmds := []Command{joinCmd(t, "a"), joinCmd(t, "b"), joinCmd(t, "c")}
	for i := 0; i < n; i++ {
		cmds = append(cmds, g.command())
	}
	return cmds
}

func viewers() map[string]Viewer {
	return map[string]Viewer{
		"a":         ownerViewer("a"),
		"b":         ownerViewer("b"),
		"spectator": spectatorViewer(),
		"nobody":    Nobody{},
	}
}

// TestReplayDeterministic: two passes over the same sequence give identical bytes.
func TestReplayDeterministic(t *testing.T) {
	for seed := int64(0); seed < 40; seed++ {
		cmds := randomCommands(t, seed, 120)
		for name, v := range viewers() {
			first := canonical(t, replayAll(cmds, v))
			second := canonical(t, replayAll(cmds, v))
			if !bytes.Equal(first, second) {
				t.Fatalf("seed %d viewer %s: replays differ", seed, name)
			}
		}
	}
}

// TestPublicViewIsViewerIndependent: every viewer derives the same public projection.
func TestPublicViewIsViewerIndependent(t *testing.T) {
	for seed := int64(100); seed < 140; seed++ {
		cmds := randomCommands(t, seed, 120)
		want := canonical(t, replayAll(cmds, Nobody{}).PublicView())
		for name, v := range viewers() {
			got := canonical(t, replayAll(cmds, v).PublicView())
			if !bytes.Equal(want, got) {
				t.Fatalf("seed %d viewer %s: public view differs\nwant %s\ngot  %s", seed, name, want, got)
			}
		}
	}
}

// TestRestoreMatchesReplay: restoring a public view for a viewer rebuilds the
// state that viewer's full replay produced.
func TestRestoreMatchesReplay(t *testing.T) {
	for seed := int64(200); seed < 240; seed++ {
		cmds := randomCommands(t, seed, 120)
		for name, v := range viewers() {
			full := replayAll(cmds, v)
			restored := full.PublicView()
			restored.Restore(v)
			if want, got := canonical(t, full), canonical(t, restored); !bytes.Equal(want, got) {
				t.Fatalf("seed %d viewer %s: restore differs\nwant %s\ngot  %s", seed, name, want, got)
			}
		}
	}
}

// TestRestoreThenContinue: replaying a tail on top of a restored prefix matches
// replaying everything.
func TestRestoreThenContinue(t *testing.T) {
	cmds := randomCommands(t, 7, 150)
	cut := 80
	for name, v := range viewers() {
		full := replayAll(cmds, v)

		resumed := replayAll(cmds[:cut], v).PublicView()
		resumed.Restore(v)
		for _, c := range cmds[cut:] {
			resumed.Apply(c, v)
		}
		if want, got := canonical(t, full), canonical(t, resumed); !bytes.Equal(want, got) {
			t.Fatalf("viewer %s: resumed state differs", name)
		}
	}
}

func TestPublicViewStripsPrivate(t *testing.T) {
	cmds := []Command{
		joinCmd(t, "a"),
		joinCmd(t, "b"),
		setHiddenCmd(t, "a", ZoneHand, hiddenCards("A", "B"), true),
		createFaceDownCmd(t, "a", "m1", "Morph"),
		revealToCmd(t, "a", "c-A", "a:hand", "A", "b"),
	}
	full := replayAll(cmds, ownerViewer("a"))
	pub := full.PublicView()

	if len(pub.Cards) != 1 {
		t.Errorf("public cards: want only m1, got %d", len(pub.Cards))
	}
	if pub.Cards["m1"].Identity != nil {
		t.Error("public m1 identity leaked")
	}
	if z := pub.Zone("a", ZoneHand); z.CardIDs != nil || z.Count != 2 {
		t.Errorf("public hand: want count 2 without ids, got %d %v", z.Count, z.CardIDs)
	}
	if r := pub.Reveals["c-A"]; r == nil || r.Identity != nil {
		t.Errorf("public reveal: want present without identity, got %+v", r)
	}
	// The source state is untouched.
	if full.Cards["c-A"] == nil {
		t.Error("PublicView mutated its receiver")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := replayAll([]Command{joinCmd(t, "a"), createFaceUpCmd(t, "a", "c1", "Forest")}, Nobody{})
	c := s.Clone()
	c.Cards["c1"].Identity.Name = "changed"
	c.Zones["a:battlefield"].CardIDs[0] = "changed"
	if s.Cards["c1"].Identity.Name != "Forest" || s.Zones["a:battlefield"].CardIDs[0] != "c1" {
		t.Error("Clone shares memory with the original")
	}
}
