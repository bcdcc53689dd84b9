package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/hansy/drawspell-sub000/service/internal/replay"
)

const maxRecordSize = 8 << 20

// readRecords reads one record per line from a JSONL export, zstd
// compressed when the name ends in .zst. Blank lines are skipped.
func readRecords(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}
	return scanRecords(r)
}

func scanRecords(r io.Reader) ([][]byte, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	var out [][]byte
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, bytes.Clone(line))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// keyFile is what a participant exports to replay a log as themselves.
// Identity is the identity store blob; without it the log is replayed with
// public data only.
type keyFile struct {
	SessionID    string          `json:"sessionId"`
	Role         engine.Role     `json:"role,omitempty"`
	PlayerKey    string          `json:"playerKey"`
	SpectatorKey string          `json:"spectatorKey,omitempty"`
	Identity     json.RawMessage `json:"identity,omitempty"`
}

type viewerKeys struct {
	sessionID string
	playerKey []byte
	viewer    engine.Viewer
}

func loadKeyFile(path string) (viewerKeys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return viewerKeys{}, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return viewerKeys{}, fmt.Errorf("decode key file: %w", err)
	}
	if kf.SessionID == "" {
		return viewerKeys{}, fmt.Errorf("key file: sessionId is required")
	}
	enc := base64.RawURLEncoding
	vk := viewerKeys{sessionID: kf.SessionID, viewer: engine.Nobody{}}
	if vk.playerKey, err = enc.DecodeString(kf.PlayerKey); err != nil || len(vk.playerKey) == 0 {
		return viewerKeys{}, fmt.Errorf("key file: bad playerKey")
	}
	if len(kf.Identity) == 0 {
		return vk, nil
	}

	id, err := identity.FromBytes(kf.Identity)
	if err != nil {
		return viewerKeys{}, err
	}
	if id.SessionID != kf.SessionID {
		return viewerKeys{}, fmt.Errorf("key file: identity belongs to session %s", id.SessionID)
	}
	var spectatorKey []byte
	if kf.SpectatorKey != "" {
		if spectatorKey, err = enc.DecodeString(kf.SpectatorKey); err != nil {
			return viewerKeys{}, fmt.Errorf("key file: bad spectatorKey")
		}
	}
	role := kf.Role
	if role == "" {
		role = engine.RolePlayer
	}
	vc, err := replay.ContextFor(id, role, vk.playerKey, spectatorKey)
	if err != nil {
		return viewerKeys{}, err
	}
	if vk.viewer, err = replay.NewViewer(vc); err != nil {
		return viewerKeys{}, err
	}
	return vk, nil
}
