package directory

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sarchlab/dirsim/mem/proto"
)

// Stats accumulates the counters of spec.md §2's "statistics counters" and
// SPEC_FULL.md §4.8, one instance per Comp — never a package-level global
// (spec.md §9's "Global state" redesign flag).
//
// Grounded on the teacher's tracing package: where tracing.NamedHookable
// turns hook events into rows for an external sink, Stats turns directory
// events directly into in-memory counters and offers the same kind of
// SQLite export as an optional sink.
type Stats struct {
	RequestsReceived int64
	RequestsByCommand map[proto.Cmd]int64

	MSHRHits      int64
	MSHRMisses    int64
	MSHRFullNacks int64

	EntryCacheHits   int64
	EntryCacheMisses int64
	EntrySpills      int64
	EntryFills       int64

	InvalidationsSent  int64
	FetchesSent        int64
	WritebacksReceived int64

	NoncacheableBypassed int64

	CyclesActive int64
	CyclesIdle   int64

	LatencyHistogramNs map[proto.Cmd][]int64
}

// NewStats creates a zeroed Stats.
func NewStats() *Stats {
	return &Stats{
		RequestsByCommand:  make(map[proto.Cmd]int64),
		LatencyHistogramNs: make(map[proto.Cmd][]int64),
	}
}

func (s *Stats) recordRequest(cmd proto.Cmd) {
	s.RequestsReceived++
	s.RequestsByCommand[cmd]++
}

func (s *Stats) recordLatency(cmd proto.Cmd, d time.Duration) {
	s.LatencyHistogramNs[cmd] = append(s.LatencyHistogramNs[cmd], d.Nanoseconds())
}

// StatsSnapshot is a plain value copy of Stats, safe to read concurrently
// with a running simulation once the run has stopped.
type StatsSnapshot struct {
	RequestsReceived     int64
	RequestsByCommand    map[proto.Cmd]int64
	MSHRHits             int64
	MSHRMisses           int64
	MSHRFullNacks        int64
	EntryCacheHits       int64
	EntryCacheMisses     int64
	EntrySpills          int64
	EntryFills           int64
	InvalidationsSent    int64
	FetchesSent          int64
	WritebacksReceived   int64
	NoncacheableBypassed int64
	CyclesActive         int64
	CyclesIdle           int64
}

// Snapshot copies the counters into a value safe to retain.
func (s *Stats) Snapshot() StatsSnapshot {
	byCmd := make(map[proto.Cmd]int64, len(s.RequestsByCommand))
	for k, v := range s.RequestsByCommand {
		byCmd[k] = v
	}

	return StatsSnapshot{
		RequestsReceived:     s.RequestsReceived,
		RequestsByCommand:    byCmd,
		MSHRHits:             s.MSHRHits,
		MSHRMisses:           s.MSHRMisses,
		MSHRFullNacks:        s.MSHRFullNacks,
		EntryCacheHits:       s.EntryCacheHits,
		EntryCacheMisses:     s.EntryCacheMisses,
		EntrySpills:          s.EntrySpills,
		EntryFills:           s.EntryFills,
		InvalidationsSent:    s.InvalidationsSent,
		FetchesSent:          s.FetchesSent,
		WritebacksReceived:   s.WritebacksReceived,
		NoncacheableBypassed: s.NoncacheableBypassed,
		CyclesActive:         s.CyclesActive,
		CyclesIdle:           s.CyclesIdle,
	}
}

// ExportSQLite writes the current snapshot to a fresh SQLite database at
// path, one row per command in a "counters" table plus a "summary" table
// for the scalar counters. It overwrites any existing "counters"/"summary"
// tables at that path.
func (s *Stats) ExportSQLite(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open sqlite export: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`
		DROP TABLE IF EXISTS counters;
		CREATE TABLE counters (command TEXT, count INTEGER);
		DROP TABLE IF EXISTS summary;
		CREATE TABLE summary (name TEXT, value INTEGER);
	`); err != nil {
		return fmt.Errorf("create export schema: %w", err)
	}

	snap := s.Snapshot()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin export tx: %w", err)
	}

	for cmd, count := range snap.RequestsByCommand {
		if _, err := tx.Exec(`INSERT INTO counters(command, count) VALUES (?, ?)`,
			cmd.String(), count); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert counter row: %w", err)
		}
	}

	summary := map[string]int64{
		"requests_received":     snap.RequestsReceived,
		"mshr_hits":             snap.MSHRHits,
		"mshr_misses":           snap.MSHRMisses,
		"mshr_full_nacks":       snap.MSHRFullNacks,
		"entry_cache_hits":      snap.EntryCacheHits,
		"entry_cache_misses":    snap.EntryCacheMisses,
		"entry_spills":          snap.EntrySpills,
		"entry_fills":           snap.EntryFills,
		"invalidations_sent":    snap.InvalidationsSent,
		"fetches_sent":          snap.FetchesSent,
		"writebacks_received":   snap.WritebacksReceived,
		"noncacheable_bypassed": snap.NoncacheableBypassed,
		"cycles_active":         snap.CyclesActive,
		"cycles_idle":           snap.CyclesIdle,
	}

	for name, val := range summary {
		if _, err := tx.Exec(`INSERT INTO summary(name, value) VALUES (?, ?)`,
			name, val); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert summary row: %w", err)
		}
	}

	return tx.Commit()
}
