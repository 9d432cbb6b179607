// Package persistence provides SQLite-backed storage for faction progression,
// the event log, and session metadata, plus compressed archive snapshots.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/dominion/internal/events"
	"github.com/talgya/dominion/internal/progression"
	"github.com/talgya/dominion/internal/world"
)

// ErrNoState is returned by Load when nothing has been saved yet.
var ErrNoState = errors.New("no saved state")

// State is one save of the session: progression records plus the events
// published since the previous save.
type State struct {
	SessionID string
	Tick      uint64
	SavedAt   time.Time
	Records   []progression.Record
	Events    []events.Event
}

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS faction_progression (
		faction_id INTEGER PRIMARY KEY,
		reputation REAL NOT NULL,
		tier INTEGER NOT NULL,
		territories INTEGER NOT NULL,
		territory_hours REAL NOT NULL,
		extraction_multiplier REAL NOT NULL,
		influence_multiplier REAL NOT NULL,
		abilities_json TEXT NOT NULL,
		bonuses_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		at INTEGER NOT NULL,
		faction_id INTEGER NOT NULL,
		description TEXT NOT NULL,
		meta_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_seq ON events(seq);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type progressionRow struct {
	FactionID            uint64  `db:"faction_id"`
	Reputation           float64 `db:"reputation"`
	Tier                 int     `db:"tier"`
	Territories          int     `db:"territories"`
	TerritoryHours       float64 `db:"territory_hours"`
	ExtractionMultiplier float64 `db:"extraction_multiplier"`
	InfluenceMultiplier  float64 `db:"influence_multiplier"`
	AbilitiesJSON        string  `db:"abilities_json"`
	BonusesJSON          string  `db:"bonuses_json"`
	UpdatedAt            int64   `db:"updated_at"`
}

func rowFromRecord(r progression.Record) (progressionRow, error) {
	abilities, err := json.Marshal(r.Abilities)
	if err != nil {
		return progressionRow{}, err
	}
	bonuses, err := json.Marshal(r.ResourceBonuses)
	if err != nil {
		return progressionRow{}, err
	}
	return progressionRow{
		FactionID:            uint64(r.FactionID),
		Reputation:           r.Reputation,
		Tier:                 int(r.Tier),
		Territories:          r.TerritoriesControlled,
		TerritoryHours:       r.TerritoryHours,
		ExtractionMultiplier: r.ExtractionMultiplier,
		InfluenceMultiplier:  r.InfluenceMultiplier,
		AbilitiesJSON:        string(abilities),
		BonusesJSON:          string(bonuses),
		UpdatedAt:            r.UpdatedAt.UnixMilli(),
	}, nil
}

func (row progressionRow) record() (progression.Record, error) {
	r := progression.Record{
		FactionID:             world.FactionID(row.FactionID),
		Reputation:            row.Reputation,
		Tier:                  progression.Tier(row.Tier),
		TerritoriesControlled: row.Territories,
		TerritoryHours:        row.TerritoryHours,
		ExtractionMultiplier:  row.ExtractionMultiplier,
		InfluenceMultiplier:   row.InfluenceMultiplier,
		UpdatedAt:             time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.AbilitiesJSON), &r.Abilities); err != nil {
		return r, fmt.Errorf("faction %d abilities: %w", row.FactionID, err)
	}
	if err := json.Unmarshal([]byte(row.BonusesJSON), &r.ResourceBonuses); err != nil {
		return r, fmt.Errorf("faction %d bonuses: %w", row.FactionID, err)
	}
	return r, nil
}

// SaveProgression writes all progression records (full replace).
func (db *DB) SaveProgression(records []progression.Record) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveProgressionTx(tx, records); err != nil {
		return err
	}
	return tx.Commit()
}

func saveProgressionTx(tx *sqlx.Tx, records []progression.Record) error {
	if _, err := tx.Exec("DELETE FROM faction_progression"); err != nil {
		return err
	}
	for _, r := range records {
		row, err := rowFromRecord(r)
		if err != nil {
			return fmt.Errorf("encode faction %d: %w", r.FactionID, err)
		}
		_, err = tx.NamedExec(`INSERT INTO faction_progression
			(faction_id, reputation, tier, territories, territory_hours,
			 extraction_multiplier, influence_multiplier, abilities_json, bonuses_json, updated_at)
			VALUES (:faction_id, :reputation, :tier, :territories, :territory_hours,
			 :extraction_multiplier, :influence_multiplier, :abilities_json, :bonuses_json, :updated_at)`, row)
		if err != nil {
			return fmt.Errorf("insert faction %d: %w", r.FactionID, err)
		}
	}
	return nil
}

// LoadProgression reads every saved progression record ordered by faction.
func (db *DB) LoadProgression() ([]progression.Record, error) {
	var rows []progressionRow
	if err := db.conn.Select(&rows, "SELECT * FROM faction_progression ORDER BY faction_id"); err != nil {
		return nil, err
	}
	out := make([]progression.Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

type eventRow struct {
	ID          string `db:"id"`
	Seq         int64  `db:"seq"`
	Kind        string `db:"kind"`
	At          int64  `db:"at"`
	FactionID   uint64 `db:"faction_id"`
	Description string `db:"description"`
	MetaJSON    string `db:"meta_json"`
}

// SaveEvents appends events to the log. Events already stored are skipped.
func (db *DB) SaveEvents(evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveEventsTx(tx, evs); err != nil {
		return err
	}
	return tx.Commit()
}

func saveEventsTx(tx *sqlx.Tx, evs []events.Event) error {
	var seq int64
	if err := tx.Get(&seq, "SELECT COALESCE(MAX(seq), 0) FROM events"); err != nil {
		return err
	}
	for _, e := range evs {
		meta := []byte("{}")
		if len(e.Meta) > 0 {
			var err error
			if meta, err = json.Marshal(e.Meta); err != nil {
				return fmt.Errorf("encode event %s: %w", e.ID, err)
			}
		}
		seq++
		_, err := tx.Exec(
			"INSERT OR IGNORE INTO events (id, seq, kind, at, faction_id, description, meta_json) VALUES (?, ?, ?, ?, ?, ?, ?)",
			e.ID, seq, string(e.Kind), e.At.UnixMilli(), e.FactionID, e.Description, string(meta),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecentEvents returns the most recent events, newest first. A non-empty
// kind filters the log.
func (db *DB) RecentEvents(limit int, kind events.Kind) ([]events.Event, error) {
	var rows []eventRow
	var err error
	if kind == "" {
		err = db.conn.Select(&rows, "SELECT * FROM events ORDER BY seq DESC LIMIT ?", limit)
	} else {
		err = db.conn.Select(&rows, "SELECT * FROM events WHERE kind = ? ORDER BY seq DESC LIMIT ?", string(kind), limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		e := events.Event{
			ID:          row.ID,
			Kind:        events.Kind(row.Kind),
			At:          time.UnixMilli(row.At).UTC(),
			FactionID:   row.FactionID,
			Description: row.Description,
		}
		if row.MetaJSON != "" && row.MetaJSON != "{}" {
			if err := json.Unmarshal([]byte(row.MetaJSON), &e.Meta); err != nil {
				return nil, fmt.Errorf("event %s meta: %w", row.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveMeta stores a key-value pair in session metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, ErrNoState)
	}
	return value, err
}

// HasState reports whether a session has been saved.
func (db *DB) HasState() bool {
	_, err := db.GetMeta("last_tick")
	return err == nil
}

// SaveState writes a full save in one transaction. A save older than the
// stored tick keeps its events but skips progression and meta, so
// concurrent workers never roll state back. Returns false when the state
// was skipped.
func (db *DB) SaveState(st State) (bool, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var stored string
	switch err := tx.Get(&stored, "SELECT value FROM world_meta WHERE key = 'last_tick'"); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, err
	default:
		if prev, perr := strconv.ParseUint(stored, 10, 64); perr == nil && st.Tick < prev {
			slog.Debug("stale save skipped", "tick", st.Tick, "stored", prev, "events", len(st.Events))
			if len(st.Events) == 0 {
				return false, nil
			}
			if err := saveEventsTx(tx, st.Events); err != nil {
				return false, fmt.Errorf("save events: %w", err)
			}
			return false, tx.Commit()
		}
	}

	if err := saveProgressionTx(tx, st.Records); err != nil {
		return false, fmt.Errorf("save progression: %w", err)
	}
	if len(st.Events) > 0 {
		if err := saveEventsTx(tx, st.Events); err != nil {
			return false, fmt.Errorf("save events: %w", err)
		}
	}
	meta := map[string]string{
		"last_tick":  strconv.FormatUint(st.Tick, 10),
		"session_id": st.SessionID,
		"saved_at":   st.SavedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return false, fmt.Errorf("save meta: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Loaded is the state read back by Load.
type Loaded struct {
	SessionID string
	Tick      uint64
	Records   []progression.Record
}

// Load reads the saved session. Returns ErrNoState on an empty database.
func (db *DB) Load() (Loaded, error) {
	var l Loaded
	tickStr, err := db.GetMeta("last_tick")
	if err != nil {
		return l, err
	}
	if l.Tick, err = strconv.ParseUint(tickStr, 10, 64); err != nil {
		return l, fmt.Errorf("last_tick %q: %w", tickStr, err)
	}
	l.SessionID, _ = db.GetMeta("session_id")
	if l.Records, err = db.LoadProgression(); err != nil {
		return l, fmt.Errorf("load progression: %w", err)
	}
	return l, nil
}
