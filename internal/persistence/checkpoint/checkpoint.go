// Package checkpoint persists a rank's current registry contents so a
// batch run can be restarted without replaying the simulation. Files are
// zstd-compressed JSONL; a sqlite index records checkpoint metadata per
// run and rank.
package checkpoint

import (
	"bufio"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"parsim.dev/internal/protocol"
	"parsim.dev/internal/sim/registry"
)

type Writer struct {
	dir   string
	runID string
	rank  protocol.RankID
	db    *sql.DB
}

// row is one JSONL line. Tick is meaningful for ghosts only.
type row struct {
	Role  string              `json:"role"`
	ID    string              `json:"id"`
	State protocol.AgentState `json:"state"`
	Tick  uint64              `json:"tick,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	rank INTEGER NOT NULL,
	tick INTEGER NOT NULL,
	path TEXT NOT NULL,
	digest TEXT NOT NULL,
	agents INTEGER NOT NULL,
	ghosts INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run_rank_tick
	ON checkpoints(run_id, rank, tick);
`

func Open(dir, runID string, rank protocol.RankID) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint index: %w", err)
	}
	return &Writer{dir: dir, runID: runID, rank: rank, db: db}, nil
}

func (w *Writer) Close() error { return w.db.Close() }

// Write dumps the given registry contents for tick and indexes the file.
func (w *Writer) Write(tick uint64, auth []registry.Entry, ghosts []registry.GhostEntry) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("ckpt_rank%d_tick%d.jsonl.zst", w.rank, tick))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return "", err
	}
	h := sha256.New()
	bw := bufio.NewWriterSize(enc, 128*1024)

	writeRow := func(r row) error {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		h.Write(b)
		if _, err := bw.Write(b); err != nil {
			return err
		}
		return bw.WriteByte('\n')
	}
	for _, e := range auth {
		if err := writeRow(row{Role: registry.RoleAuthoritative.String(), ID: string(e.ID), State: e.State}); err != nil {
			_ = enc.Close()
			_ = f.Close()
			return "", err
		}
	}
	for _, g := range ghosts {
		if err := writeRow(row{Role: registry.RoleGhost.String(), ID: string(g.ID), State: g.State, Tick: g.Tick}); err != nil {
			_ = enc.Close()
			_ = f.Close()
			return "", err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	_, err = w.db.Exec(
		`INSERT INTO checkpoints (run_id, rank, tick, path, digest, agents, ghosts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.runID, int(w.rank), int64(tick), path, digest, len(auth), len(ghosts),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("index checkpoint: %w", err)
	}
	return path, nil
}

// Latest returns the newest indexed checkpoint for this run and rank.
func (w *Writer) Latest() (path string, tick uint64, ok bool, err error) {
	var t int64
	err = w.db.QueryRow(
		`SELECT path, tick FROM checkpoints WHERE run_id = ? AND rank = ?
		 ORDER BY tick DESC, id DESC LIMIT 1`,
		w.runID, int(w.rank),
	).Scan(&path, &t)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return path, uint64(t), true, nil
}

// Load reads a checkpoint file back into entry slices.
func Load(path string) ([]registry.Entry, []registry.GhostEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()

	var auth []registry.Entry
	var ghosts []registry.GhostEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r row
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, nil, fmt.Errorf("corrupt checkpoint row: %w", err)
		}
		switch r.Role {
		case registry.RoleAuthoritative.String():
			auth = append(auth, registry.Entry{ID: registry.AgentID(r.ID), State: r.State})
		case registry.RoleGhost.String():
			ghosts = append(ghosts, registry.GhostEntry{ID: registry.AgentID(r.ID), State: r.State, Tick: r.Tick})
		default:
			return nil, nil, fmt.Errorf("corrupt checkpoint row: unknown role %q", r.Role)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return auth, ghosts, nil
}

// Restore replays checkpoint contents into a fresh registry.
func Restore(reg *registry.Registry, auth []registry.Entry, ghosts []registry.GhostEntry) error {
	for _, e := range auth {
		if err := reg.Register(e.ID, e.State); err != nil {
			return err
		}
	}
	for _, g := range ghosts {
		reg.ApplyGhostUpdate(g.ID, g.State, g.Tick)
	}
	return nil
}
