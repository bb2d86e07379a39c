// Package db is the SQLite mission journal: missions, state transitions,
// navigation goals and the pose trail.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/mission"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var logf = monitoring.Tagged("DB")

// ErrNoMission is returned by RecordPose before any mission was recorded.
var ErrNoMission = errors.New("no active mission")

type DB struct {
	*sql.DB

	mu      sync.Mutex
	mission uuid.UUID
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// NewDB opens (or creates) the journal at path and applies migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps the per-connection pragmas in force
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// CurrentMission returns the mission poses are attributed to.
func (db *DB) CurrentMission() uuid.UUID {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.mission
}

func (db *DB) RecordMission(id uuid.UUID, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO missions (mission_id, started_at) VALUES (?, ?)`,
		id.String(), startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record mission: %w", err)
	}
	db.mu.Lock()
	db.mission = id
	db.mu.Unlock()
	logf("mission %s started", id)
	return nil
}

func (db *DB) RecordTransition(missionID uuid.UUID, from, to mission.State, reason string, at time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO transitions (mission_id, from_state, to_state, reason, at_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		missionID.String(), from.String(), to.String(), reason, at.UnixNano(),
	); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	var endedAt interface{}
	if to == mission.ShuttingDown {
		endedAt = at.UnixNano()
	}
	if _, err := tx.Exec(
		`UPDATE missions SET final_state = ?, ended_at = COALESCE(?, ended_at) WHERE mission_id = ?`,
		to.String(), endedAt, missionID.String(),
	); err != nil {
		return fmt.Errorf("update mission state: %w", err)
	}
	return tx.Commit()
}

func (db *DB) RecordGoal(missionID uuid.UUID, g mission.Goal, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO goals (goal_id, mission_id, x, y, home, dispatched_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID.String(), missionID.String(), g.X, g.Y, g.Home, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record goal: %w", err)
	}
	return nil
}

func (db *DB) RecordGoalEvent(goalID uuid.UUID, status mission.GoalStatus, detail string, at time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO goal_events (goal_id, status, detail, at_unix_nanos) VALUES (?, ?, ?, ?)`,
		goalID.String(), status.String(), detail, at.UnixNano(),
	); err != nil {
		return fmt.Errorf("record goal event: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE goals SET last_status = ? WHERE goal_id = ?`,
		status.String(), goalID.String(),
	); err != nil {
		return fmt.Errorf("update goal status: %w", err)
	}
	return tx.Commit()
}

// RecordPose attributes the pose to the most recently recorded mission.
func (db *DB) RecordPose(p pose.Pose2D, at time.Time) error {
	id := db.CurrentMission()
	if id == uuid.Nil {
		return ErrNoMission
	}
	_, err := db.Exec(
		`INSERT INTO poses (mission_id, x, y, yaw, at_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		id.String(), p.X, p.Y, p.Yaw, at.UnixNano(),
	)
	return err
}

// MissionRecord is one row of the missions table.
type MissionRecord struct {
	ID         uuid.UUID  `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FinalState string     `json:"final_state"`
	Goals      int        `json:"goals"`
}

// Missions returns recent missions, newest first.
func (db *DB) Missions(limit int) ([]MissionRecord, error) {
	rows, err := db.Query(`
		SELECT m.mission_id, m.started_at, m.ended_at, m.final_state,
		       (SELECT COUNT(*) FROM goals g WHERE g.mission_id = m.mission_id)
		FROM missions m ORDER BY m.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MissionRecord
	for rows.Next() {
		var (
			id      string
			started int64
			ended   sql.NullInt64
			rec     MissionRecord
		)
		if err := rows.Scan(&id, &started, &ended, &rec.FinalState, &rec.Goals); err != nil {
			return nil, err
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad mission id %q: %w", id, err)
		}
		rec.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			rec.EndedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TransitionRecord is one state change of a mission.
type TransitionRecord struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Transitions returns a mission's state changes in order.
func (db *DB) Transitions(missionID uuid.UUID) ([]TransitionRecord, error) {
	rows, err := db.Query(
		`SELECT from_state, to_state, reason, at_unix_nanos FROM transitions
		 WHERE mission_id = ? ORDER BY transition_id`, missionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec TransitionRecord
			at  int64
		)
		if err := rows.Scan(&rec.From, &rec.To, &rec.Reason, &at); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GoalRecord is a dispatched goal and its latest status.
type GoalRecord struct {
	ID         uuid.UUID `json:"id"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Home       bool      `json:"home"`
	LastStatus string    `json:"last_status"`
}

// Goals returns a mission's goals in dispatch order.
func (db *DB) Goals(missionID uuid.UUID) ([]GoalRecord, error) {
	rows, err := db.Query(
		`SELECT goal_id, x, y, home, last_status FROM goals
		 WHERE mission_id = ? ORDER BY dispatched_at, rowid`, missionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GoalRecord
	for rows.Next() {
		var (
			rec GoalRecord
			id  string
		)
		if err := rows.Scan(&id, &rec.X, &rec.Y, &rec.Home, &rec.LastStatus); err != nil {
			return nil, err
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad goal id %q: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Poses returns up to limit of a mission's most recent poses, oldest first.
func (db *DB) Poses(missionID uuid.UUID, limit int) ([]pose.Pose2D, error) {
	rows, err := db.Query(`
		SELECT x, y, yaw FROM (
			SELECT pose_id, x, y, yaw FROM poses WHERE mission_id = ?
			ORDER BY pose_id DESC LIMIT ?
		) ORDER BY pose_id`, missionID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pose.Pose2D
	for rows.Next() {
		var p pose.Pose2D
		if err := rows.Scan(&p.X, &p.Y, &p.Yaw); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
