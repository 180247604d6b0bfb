// Package db persists finished episodes and per-decision records in SQLite
// so training runs can be inspected after the fact.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/junction.control/internal/telemetry"
)

type DB struct {
	*sql.DB

	// RunID tags every row written by this process.
	RunID string
}

var _ telemetry.Recorder = (*DB)(nil)

// NewDB opens (or creates) the database at path and applies all embedded
// migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{DB: sqlDB, RunID: uuid.NewString()}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordEpisode stores a finished episode.
func (db *DB) RecordEpisode(ctx context.Context, e telemetry.Episode) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO episodes (
			run_id, number, reward, steps, vehicles_passed, emissions, weather, ended_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		db.RunID, e.Number, e.Reward, e.Steps, e.VehiclesPassed, e.Emissions, e.Weather, e.EndedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record episode %d: %w", e.Number, err)
	}
	return nil
}

// RecordDecision stores one controller decision.
func (db *DB) RecordDecision(ctx context.Context, d telemetry.Decision) error {
	valuesJSON, err := json.Marshal(d.Values)
	if err != nil {
		return err
	}
	obsJSON, err := json.Marshal(d.Observation)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO decisions (
			run_id, seq, episode, step, action, action_label, forced, degraded, confidence,
			reward, episode_reward, active_side, phase, timer,
			values_json, observation_json, decided_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.RunID, d.Seq, d.Episode, d.Step, d.Action, d.ActionLabel, boolInt(d.Forced), boolInt(d.Degraded), d.Confidence,
		d.Reward.Total, d.EpisodeSum, string(d.Signal.ActiveSide), string(d.Signal.Phase), d.Signal.Timer,
		string(valuesJSON), string(obsJSON), d.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record decision %d: %w", d.Seq, err)
	}
	return nil
}

// EpisodeRow is a stored episode.
type EpisodeRow struct {
	RunID string `json:"run_id"`
	telemetry.Episode
}

// Episodes returns up to limit episodes, newest first. limit <= 0 returns
// all of them.
func (db *DB) Episodes(ctx context.Context, limit int) ([]EpisodeRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, number, reward, steps, vehicles_passed, emissions, weather, ended_unix_nanos
		FROM episodes
		ORDER BY episode_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	episodes := []EpisodeRow{}
	for rows.Next() {
		var e EpisodeRow
		var ended int64
		if err := rows.Scan(&e.RunID, &e.Number, &e.Reward, &e.Steps, &e.VehiclesPassed, &e.Emissions, &e.Weather, &ended); err != nil {
			return nil, err
		}
		e.EndedAt = time.Unix(0, ended).UTC()
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

// DecisionRow is a stored decision. Agent stats and reward components are
// not persisted.
type DecisionRow struct {
	RunID         string    `json:"run_id"`
	Seq           int64     `json:"seq"`
	Time          time.Time `json:"time"`
	Episode       int       `json:"episode"`
	Step          int       `json:"step"`
	Action        int       `json:"action"`
	ActionLabel   string    `json:"action_label"`
	Forced        bool      `json:"forced"`
	Degraded      bool      `json:"degraded"`
	Confidence    float64   `json:"confidence"`
	Reward        float64   `json:"reward"`
	EpisodeReward float64   `json:"episode_reward"`
	ActiveSide    string    `json:"active_side"`
	Phase         string    `json:"phase"`
	Timer         int       `json:"timer"`
	Values        []float64 `json:"values,omitempty"`
	Observation   []float64 `json:"observation,omitempty"`
}

// RecentDecisions returns up to limit decisions, newest first.
func (db *DB) RecentDecisions(ctx context.Context, limit int) ([]DecisionRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, seq, decided_unix_nanos, episode, step, action, action_label,
			forced, degraded, confidence, reward, episode_reward,
			active_side, phase, timer, values_json, observation_json
		FROM decisions
		ORDER BY decision_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	decisions := []DecisionRow{}
	for rows.Next() {
		var d DecisionRow
		var decided int64
		var forced, degraded int
		var valuesJSON, obsJSON sql.NullString
		if err := rows.Scan(&d.RunID, &d.Seq, &decided, &d.Episode, &d.Step, &d.Action, &d.ActionLabel,
			&forced, &degraded, &d.Confidence, &d.Reward, &d.EpisodeReward,
			&d.ActiveSide, &d.Phase, &d.Timer, &valuesJSON, &obsJSON); err != nil {
			return nil, err
		}
		d.Time = time.Unix(0, decided).UTC()
		d.Forced = forced != 0
		d.Degraded = degraded != 0
		if valuesJSON.Valid && valuesJSON.String != "null" {
			if err := json.Unmarshal([]byte(valuesJSON.String), &d.Values); err != nil {
				return nil, fmt.Errorf("decision %d values: %w", d.Seq, err)
			}
		}
		if obsJSON.Valid && obsJSON.String != "null" {
			if err := json.Unmarshal([]byte(obsJSON.String), &d.Observation); err != nil {
				return nil, fmt.Errorf("decision %d observation: %w", d.Seq, err)
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// EpisodeSummary aggregates every stored episode.
type EpisodeSummary struct {
	Count          int     `json:"count"`
	MeanReward     float64 `json:"mean_reward"`
	BestReward     float64 `json:"best_reward"`
	VehiclesPassed int     `json:"vehicles_passed"`
	Emissions      float64 `json:"emissions"`
}

// Summary aggregates the episodes of runID, or of all runs when runID is
// empty.
func (db *DB) Summary(ctx context.Context, runID string) (EpisodeSummary, error) {
	var s EpisodeSummary
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(reward), 0), COALESCE(MAX(reward), 0),
			COALESCE(SUM(vehicles_passed), 0), COALESCE(SUM(emissions), 0)
		FROM episodes
		WHERE ? = '' OR run_id = ?`, runID, runID,
	).Scan(&s.Count, &s.MeanReward, &s.BestReward, &s.VehiclesPassed, &s.Emissions)
	return s, err
}

// PruneDecisions deletes decisions older than cutoff and returns how many
// were removed. Episodes are kept.
func (db *DB) PruneDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM decisions WHERE decided_unix_nanos < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
