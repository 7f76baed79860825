/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const dateFormat = "2006-01-02"

// ScenarioStat counts starts and completions of one scenario.
type ScenarioStat struct {
	Starts      int `json:"starts"`
	Completions int `json:"completions"`
}

// DayReport summarizes one day of booth activity.
type DayReport struct {
	TotalScenarios int                     `json:"totalScenarios"`
	ScenarioStats  map[string]ScenarioStat `json:"scenarioStats"`
	LastActivity   *time.Time              `json:"lastActivity"`
}

// AnalyticsReport is the payload of analytics-update events and the
// /api/analytics response.
type AnalyticsReport struct {
	SystemUptime   int64                   `json:"systemUptime"`
	TotalScenarios int                     `json:"totalScenarios"`
	ScenarioStats  map[string]ScenarioStat `json:"scenarioStats"`
	LastActivity   *time.Time              `json:"lastActivity"`
	DailyData      map[string]DayReport    `json:"dailyData"`
	Offline        bool                    `json:"offline,omitempty"`
}

// AnalyticsStore persists scenario counters to a local sqlite file.
// Any failure here degrades to offline mode; the coordinator must stay
// up through a dead or missing database.
type AnalyticsStore struct {
	mu        sync.Mutex
	db        *sql.DB
	offline   bool
	startedAt time.Time
}

// newAnalyticsStore opens (or creates) the database at path. It never
// returns an error: an unusable database yields an offline store.
func newAnalyticsStore(cfg *Config, path string) *AnalyticsStore {
	store := &AnalyticsStore{
		startedAt: time.Now(),
	}

	if path == "" {
		store.offline = true
		return store
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logf(cfg, "STATS: Database unavailable, running offline: %v", err)
		store.offline = true
		return store
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err == nil {
		err = db.Ping()
	}
	if err == nil {
		err = createAnalyticsTables(db)
	}
	if err != nil {
		logf(cfg, "STATS: Database unavailable, running offline: %v", err)
		if db != nil {
			_ = db.Close()
		}
		store.offline = true
		return store
	}

	store.db = db
	logf(cfg, "STATS: Database initialized at %s", path)

	return store
}

func createAnalyticsTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scenario_stats (
			date TEXT NOT NULL,
			scenario_id TEXT NOT NULL,
			starts INTEGER NOT NULL DEFAULT 0,
			completions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (date, scenario_id)
		);`,
		`CREATE TABLE IF NOT EXISTS daily_totals (
			date TEXT PRIMARY KEY,
			total_scenarios INTEGER NOT NULL DEFAULT 0,
			last_activity DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS system_totals (
			id TEXT PRIMARY KEY,
			total_scenarios INTEGER NOT NULL DEFAULT 0,
			last_activity DATETIME
		);`,
		`INSERT OR IGNORE INTO system_totals (id, total_scenarios) VALUES ('system', 0);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create analytics tables: %w", err)
		}
	}

	return nil
}

// Offline reports whether the store has degraded to no-op mode.
func (s *AnalyticsStore) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offline
}

func (s *AnalyticsStore) markOffline() {
	s.mu.Lock()
	s.offline = true
	s.mu.Unlock()
}

// RecordStart bumps the start counter for scenarioID. Errors flip the
// offline flag and are otherwise swallowed; recording must never affect
// coordinator correctness.
func (s *AnalyticsStore) RecordStart(scenarioID string) error {
	if s.Offline() {
		return nil
	}

	today := time.Now().UTC().Format(dateFormat)
	now := time.Now().UTC()

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO scenario_stats (date, scenario_id, starts, completions) VALUES (?, ?, 1, 0)
			ON CONFLICT (date, scenario_id) DO UPDATE SET starts = starts + 1`,
			today, scenarioID); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO daily_totals (date, total_scenarios, last_activity) VALUES (?, 1, ?)
			ON CONFLICT (date) DO UPDATE SET total_scenarios = total_scenarios + 1, last_activity = excluded.last_activity`,
			today, now); err != nil {
			return err
		}

		_, err := tx.Exec(
			`UPDATE system_totals SET total_scenarios = total_scenarios + 1, last_activity = ? WHERE id = 'system'`,
			now)

		return err
	})
	if err != nil {
		s.markOffline()
		return fmt.Errorf("failed to record scenario start: %w", err)
	}

	return nil
}

// RecordCompletion bumps the completion counter for scenarioID.
// Completions do not count toward scenario totals.
func (s *AnalyticsStore) RecordCompletion(scenarioID string) error {
	if s.Offline() {
		return nil
	}

	today := time.Now().UTC().Format(dateFormat)
	now := time.Now().UTC()

	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO scenario_stats (date, scenario_id, starts, completions) VALUES (?, ?, 0, 1)
			ON CONFLICT (date, scenario_id) DO UPDATE SET completions = completions + 1`,
			today, scenarioID); err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO daily_totals (date, total_scenarios, last_activity) VALUES (?, 0, ?)
			ON CONFLICT (date) DO UPDATE SET last_activity = excluded.last_activity`,
			today, now); err != nil {
			return err
		}

		_, err := tx.Exec(
			`UPDATE system_totals SET last_activity = ? WHERE id = 'system'`,
			now)

		return err
	})
	if err != nil {
		s.markOffline()
		return fmt.Errorf("failed to record scenario completion: %w", err)
	}

	return nil
}

func (s *AnalyticsStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Report assembles system totals, today's counters, and the per-day
// history. Offline stores report empty data with the offline flag set.
func (s *AnalyticsStore) Report() AnalyticsReport {
	uptime := int64(time.Since(s.startedAt).Seconds())

	if s.Offline() {
		return AnalyticsReport{
			SystemUptime:  uptime,
			ScenarioStats: map[string]ScenarioStat{},
			DailyData:     map[string]DayReport{},
			Offline:       true,
		}
	}

	report := AnalyticsReport{
		SystemUptime:  uptime,
		ScenarioStats: map[string]ScenarioStat{},
		DailyData:     map[string]DayReport{},
	}

	var lastActivity sql.NullTime
	err := s.db.QueryRow(
		`SELECT total_scenarios, last_activity FROM system_totals WHERE id = 'system'`).
		Scan(&report.TotalScenarios, &lastActivity)
	if err != nil {
		s.markOffline()
		report.Offline = true
		return report
	}
	if lastActivity.Valid {
		report.LastActivity = &lastActivity.Time
	}

	days, err := s.allDays()
	if err != nil {
		s.markOffline()
		report.Offline = true
		return report
	}
	report.DailyData = days

	today := time.Now().UTC().Format(dateFormat)
	if day, ok := days[today]; ok {
		report.ScenarioStats = day.ScenarioStats
	}

	return report
}

func (s *AnalyticsStore) allDays() (map[string]DayReport, error) {
	days := make(map[string]DayReport)

	rows, err := s.db.Query(`SELECT date, total_scenarios, last_activity FROM daily_totals ORDER BY date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var date string
		var day DayReport
		var lastActivity sql.NullTime

		if err := rows.Scan(&date, &day.TotalScenarios, &lastActivity); err != nil {
			return nil, err
		}
		if lastActivity.Valid {
			day.LastActivity = &lastActivity.Time
		}
		day.ScenarioStats = make(map[string]ScenarioStat)

		days[date] = day
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats, err := s.db.Query(`SELECT date, scenario_id, starts, completions FROM scenario_stats`)
	if err != nil {
		return nil, err
	}
	defer stats.Close()

	for stats.Next() {
		var date, scenarioID string
		var stat ScenarioStat

		if err := stats.Scan(&date, &scenarioID, &stat.Starts, &stat.Completions); err != nil {
			return nil, err
		}

		day, ok := days[date]
		if !ok {
			day = DayReport{ScenarioStats: make(map[string]ScenarioStat)}
		}
		day.ScenarioStats[scenarioID] = stat
		days[date] = day
	}

	return days, stats.Err()
}

// ReportForDate returns counters for a single day (YYYY-MM-DD).
func (s *AnalyticsStore) ReportForDate(date string) DayReport {
	day := DayReport{ScenarioStats: map[string]ScenarioStat{}}

	if s.Offline() {
		return day
	}

	var lastActivity sql.NullTime
	err := s.db.QueryRow(
		`SELECT total_scenarios, last_activity FROM daily_totals WHERE date = ?`, date).
		Scan(&day.TotalScenarios, &lastActivity)
	if err == sql.ErrNoRows {
		return day
	}
	if err != nil {
		s.markOffline()
		return day
	}
	if lastActivity.Valid {
		day.LastActivity = &lastActivity.Time
	}

	rows, err := s.db.Query(
		`SELECT scenario_id, starts, completions FROM scenario_stats WHERE date = ?`, date)
	if err != nil {
		s.markOffline()
		return day
	}
	defer rows.Close()

	for rows.Next() {
		var scenarioID string
		var stat ScenarioStat

		if err := rows.Scan(&scenarioID, &stat.Starts, &stat.Completions); err != nil {
			s.markOffline()
			return day
		}

		day.ScenarioStats[scenarioID] = stat
	}

	return day
}

// Clear wipes all recorded data, for resets between shows.
func (s *AnalyticsStore) Clear() error {
	if s.Offline() {
		return nil
	}

	return s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM scenario_stats`,
			`DELETE FROM daily_totals`,
			`UPDATE system_totals SET total_scenarios = 0, last_activity = NULL WHERE id = 'system'`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to clear analytics: %w", err)
			}
		}

		return nil
	})
}

func (s *AnalyticsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Close()
}
