// Command replay folds an exported command log and prints the resulting
// state as one participant sees it.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/config"
	"github.com/hansy/drawspell-sub000/service/internal/envelope"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
	"github.com/hansy/drawspell-sub000/service/internal/snapshot"
)

func main() {
	var (
		logPath  = flag.String("log", "", "path to a .jsonl or .jsonl.zst log export")
		keysPath = flag.String("keys", "", "path to the viewer key file")
		base     = flag.Int("base", 0, "log index of the first record in the export, for compacted logs")
		useSnap  = flag.Bool("snapshot", true, "start from the newest valid snapshot")
		all      = flag.Bool("all", false, "list every record, not only skipped ones")
		asJSON   = flag.Bool("json", false, "print the public state as JSON instead of tables")
	)
	flag.Parse()

	if *logPath == "" || *keysPath == "" {
		fmt.Fprintln(os.Stderr, "missing -log or -keys")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	records, err := readRecords(*logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read log:", err)
		os.Exit(1)
	}
	vk, err := loadKeyFile(*keysPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "keys:", err)
		os.Exit(1)
	}

	res, err := run(context.Background(), records, *base, vk, *useSnap, cfg.VerifyWorkers, logrus.NewEntry(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.state.PublicView()); err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		return
	}
	render(res, *all)
}

type result struct {
	state    *engine.State
	meta     replay.Meta
	from     int
	outcomes []replay.Outcome
}

// run folds records, the export of a log whose first record sits at base.
// A compacted export can only start from a snapshot.
func run(ctx context.Context, records [][]byte, base int, vk viewerKeys, useSnap bool, workers int, log *logrus.Entry) (result, error) {
	codec, err := envelope.NewCodec(vk.sessionID, vk.playerKey)
	if err != nil {
		return result{}, err
	}
	if base < 0 {
		return result{}, fmt.Errorf("negative base %d", base)
	}
	res := result{state: engine.NewState(), meta: replay.NewMeta()}
	if useSnap || base > 0 {
		found, ok := snapshot.Newest(records, base, codec, "")
		switch {
		case ok:
			res.state, res.meta = snapshot.Load(found.Snapshot, vk.viewer)
			res.from = res.meta.Index
		case base > 0:
			return result{}, fmt.Errorf("no valid snapshot covers the %d records before the export", base)
		}
	}
	r := replay.NewReplayer(codec, vk.viewer, workers, log)
	err = r.Replay(ctx, res.state, &res.meta, records[res.from-base:], func(out replay.Outcome) {
		res.outcomes = append(res.outcomes, out)
	})
	return res, err
}

func render(res result, all bool) {
	applied, skipped, snaps := 0, 0, 0
	rows := [][]string{{"Index", "Type", "Actor", "Seq", "Result"}}
	for _, out := range res.outcomes {
		status := "applied"
		switch {
		case out.Snapshot:
			snaps++
			status = "snapshot"
		case out.Applied:
			applied++
		default:
			skipped++
			status = pterm.LightRed(out.Reason())
		}
		if !all && (out.Applied || out.Snapshot) {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(out.Index),
			string(out.Type),
			short(out.ActorID),
			strconv.FormatUint(out.Seq, 10),
			status,
		})
	}

	pterm.DefaultSection.Println("Replay")
	if res.from > 0 {
		pterm.Info.Printfln("Restored from snapshot covering %d records", res.from)
	}
	pterm.Info.Printfln("records=%d applied=%d skipped=%d snapshots=%d", res.meta.Index, applied, skipped, snaps)
	pterm.Info.Printfln("logHash=%s", res.meta.LogHash)
	if len(rows) > 1 {
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	st := res.state
	pterm.DefaultSection.Println("Players")
	players := [][]string{{"Player", "Name", "Life", "Hand", "Library", "Battlefield", "Seq"}}
	for _, id := range st.PlayerOrder {
		p := st.Players[id]
		if p == nil {
			continue
		}
		name := p.Name
		if id == st.Room.HostID {
			name += " (host)"
		}
		players = append(players, []string{
			short(id),
			name,
			strconv.Itoa(p.Life),
			zoneCount(st, id, engine.ZoneHand),
			zoneCount(st, id, engine.ZoneLibrary),
			zoneCount(st, id, engine.ZoneBattlefield),
			strconv.FormatUint(res.meta.LastSeq[id], 10),
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(players).Render()

	if known := visibleCards(st); len(known) > 1 {
		pterm.DefaultSection.Println("Visible cards")
		_ = pterm.DefaultTable.WithHasHeader().WithData(known).Render()
	}
}

// zoneCount shows a hidden zone's count, with the number of cards the viewer
// can read when that differs.
func zoneCount(st *engine.State, ownerID string, t engine.ZoneType) string {
	z := st.Zone(ownerID, t)
	if z == nil {
		return "-"
	}
	if t.Hidden() && len(z.CardIDs) > 0 {
		return fmt.Sprintf("%d (%d known)", z.Count, len(z.CardIDs))
	}
	return strconv.Itoa(z.Count)
}

func visibleCards(st *engine.State) [][]string {
	rows := [][]string{{"Card", "Owner", "Zone", "Name"}}
	ids := make([]string, 0, len(st.Cards))
	for id := range st.Cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := st.Cards[id]
		name := "?"
		if c.Identity != nil {
			name = c.Identity.Name
		}
		if r := st.Reveals[id]; r != nil && r.Identity != nil && c.Identity == nil {
			name = r.Identity.Name + " (revealed)"
		}
		rows = append(rows, []string{short(id), short(c.OwnerID), c.ZoneID, name})
	}
	return rows
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
