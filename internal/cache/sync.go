package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/telepersona/internal/store"
)

// Engine is the single background worker that writes dirty cache state back
// to Postgres. One transaction per cycle; a failed cycle restores the dirty
// snapshot so the next one retries.
type Engine struct {
	cache    *Cache
	store    *store.Store
	log      *slog.Logger
	interval time.Duration

	mu       sync.Mutex // a cycle never runs concurrently with itself
	statusMu sync.Mutex
	lastSync time.Time
	lastErr  error
}

func NewEngine(c *Cache, s *store.Store, interval time.Duration, log *slog.Logger) *Engine {
	return &Engine{cache: c, store: s, interval: interval, log: log}
}

// Status reports the last completed cycle for the health endpoint.
func (e *Engine) Status() (time.Time, error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.lastSync, e.lastErr
}

// Run ticks until the context is cancelled, then performs a final flush so
// at most the in-flight turn's writes are lost on graceful shutdown.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.SyncNow(ctx); err != nil {
				e.log.Error("sync cycle failed", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := e.SyncNow(flushCtx); err != nil {
				e.log.Error("final sync failed", "error", err)
			}
			cancel()
			return
		}
	}
}

// SyncNow runs one write-back cycle.
func (e *Engine) SyncNow(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := otel.Tracer("cache").Start(ctx, "sync.cycle")
	defer span.End()

	snap := e.cache.GetAndClearDirty()
	if snap.Empty() {
		return nil
	}

	// Inserted ids are journaled and applied to the cache only after commit.
	// Until then the cache and the restore path keep working with temp ids,
	// so a rollback leaves nothing pointing at a row that does not exist.
	var (
		sessionRemaps []remapEntry
		memoryIDs     []memoryInsert
		tempFor       = map[int64]int64{} // db id -> temp id, this cycle
	)

	defer func() {
		e.statusMu.Lock()
		e.lastSync, e.lastErr = time.Now(), err
		e.statusMu.Unlock()
		if err != nil {
			// Re-union so nothing is silently lost; next cycle retries.
			unremapSnapshot(snap, sessionRemaps)
			e.cache.RestoreDirty(snap)
		}
	}()

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// Deletes first: cascades clear dependent rows before upserts and
	// inserts touch the same keys.
	for key := range snap.DeletedPersonas {
		if err = e.store.DeletePersona(ctx, tx, key.UserID, key.Name); err != nil {
			return err
		}
	}
	for id := range snap.DeletedSessions {
		if err = e.store.DeleteSession(ctx, tx, id); err != nil {
			return err
		}
	}
	for userID := range snap.ClearedMemories {
		if err = e.store.DeleteAllMemories(ctx, tx, userID); err != nil {
			return err
		}
	}
	for _, id := range snap.DeletedMemoryIDs {
		if err = e.store.DeleteMemory(ctx, tx, id); err != nil {
			return err
		}
	}

	for _, st := range snap.Settings {
		st := st
		if err = e.store.UpsertSettings(ctx, tx, &st); err != nil {
			return err
		}
	}
	for _, p := range snap.Personas {
		p := p
		if err = e.store.UpsertPersona(ctx, tx, &p); err != nil {
			return err
		}
	}

	// New sessions, in creation order (temp ids decrease monotonically).
	tempIDs := make([]int64, 0, len(snap.NewSessions))
	for id := range snap.NewSessions {
		tempIDs = append(tempIDs, id)
	}
	sort.Slice(tempIDs, func(i, j int) bool { return tempIDs[i] > tempIDs[j] })
	for _, tempID := range tempIDs {
		sess := snap.NewSessions[tempID]
		var dbID int64
		dbID, err = e.store.InsertSession(ctx, tx, &sess)
		if err != nil {
			return err
		}
		sessionRemaps = append(sessionRemaps, remapEntry{tempID: tempID, dbID: dbID})
		tempFor[dbID] = tempID
		if err = e.remapSnapshot(ctx, tx, snap, tempID, dbID); err != nil {
			return err
		}
	}

	for sessionID, title := range snap.SessionTitles {
		if sessionID < 0 {
			// Session vanished before its insert; nothing to title.
			continue
		}
		if err = e.store.UpdateSessionTitle(ctx, tx, sessionID, title); err != nil {
			return err
		}
	}

	for _, m := range snap.NewMemories {
		if m.ID > 0 {
			continue // already carries a database id
		}
		var dbID int64
		dbID, err = e.store.InsertMemory(ctx, tx, m)
		if err != nil {
			return err
		}
		memoryIDs = append(memoryIDs, memoryInsert{m: m, dbID: dbID})
	}

	for sessionID := range snap.ClearedConversations {
		if sessionID < 0 {
			continue
		}
		if err = e.store.DeleteConversations(ctx, tx, sessionID); err != nil {
			return err
		}
	}

	// A message is inserted at most once: only rows beyond the DB-known
	// length for the session are written.
	for sessionID := range snap.Conversations {
		if sessionID < 0 {
			continue
		}
		// A session inserted this cycle is still keyed by its temp id in the
		// cache; the remap lands only after commit.
		readID := sessionID
		if tempID, ok := tempFor[sessionID]; ok {
			readID = tempID
		}
		msgs := e.cache.Conversation(readID)
		var have int
		have, err = e.store.CountConversations(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		for i := have; i < len(msgs); i++ {
			if err = e.store.InsertConversation(ctx, tx, sessionID, msgs[i]); err != nil {
				return err
			}
		}
	}

	for _, t := range snap.Tokens {
		t := t
		if err = e.store.UpsertPersonaTokens(ctx, tx, &t); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sync tx: %w", err)
	}

	// The rows exist now; repoint the cache at the database ids.
	for _, r := range sessionRemaps {
		e.cache.RemapSessionID(r.tempID, r.dbID)
	}
	for _, mi := range memoryIDs {
		e.cache.setMemoryID(mi.m, mi.dbID)
	}

	span.SetAttributes(
		attribute.Int("sync.settings", len(snap.Settings)),
		attribute.Int("sync.new_sessions", len(snap.NewSessions)),
		attribute.Int("sync.conversations", len(snap.Conversations)),
		attribute.Int("sync.new_memories", len(snap.NewMemories)),
	)
	e.log.Info("sync cycle complete",
		"settings", len(snap.Settings),
		"personas", len(snap.Personas),
		"new_sessions", len(snap.NewSessions),
		"titles", len(snap.SessionTitles),
		"conversations", len(snap.Conversations),
		"tokens", len(snap.Tokens),
		"new_memories", len(snap.NewMemories))
	return nil
}

// remapEntry records one session insert of the current cycle.
type remapEntry struct {
	tempID, dbID int64
}

// memoryInsert records one memory insert of the current cycle; the id is
// written back to the cache row only after the transaction commits.
type memoryInsert struct {
	m    *store.Memory
	dbID int64
}

// remapSnapshot rewrites a freshly inserted session's temp id with its
// database id in the remaining snapshot sets, and fixes any persona in this
// snapshot that still points at the temp id. Runs before any dependent write
// of the same cycle. The cache itself is not touched here: its remap waits
// for the commit.
func (e *Engine) remapSnapshot(ctx context.Context, tx *sql.Tx, snap *DirtySnapshot, tempID, dbID int64) error {
	if _, ok := snap.Conversations[tempID]; ok {
		delete(snap.Conversations, tempID)
		snap.Conversations[dbID] = struct{}{}
	}
	if _, ok := snap.ClearedConversations[tempID]; ok {
		delete(snap.ClearedConversations, tempID)
		snap.ClearedConversations[dbID] = struct{}{}
	}
	if title, ok := snap.SessionTitles[tempID]; ok {
		delete(snap.SessionTitles, tempID)
		snap.SessionTitles[dbID] = title
	}
	for key, p := range snap.Personas {
		if p.CurrentSessionID == tempID {
			p.CurrentSessionID = dbID
			snap.Personas[key] = p
			// Second upsert this cycle; the first wrote NULL for the temp id.
			if err := e.store.UpsertPersona(ctx, tx, &p); err != nil {
				return err
			}
		}
	}
	return nil
}

// unremapSnapshot reverses remapSnapshot after a rollback: the database ids
// it assigned no longer exist, so the snapshot keys go back to their temp ids
// before the restore re-unions them into the dirty sets.
func unremapSnapshot(snap *DirtySnapshot, remaps []remapEntry) {
	for i := len(remaps) - 1; i >= 0; i-- {
		r := remaps[i]
		if _, ok := snap.Conversations[r.dbID]; ok {
			delete(snap.Conversations, r.dbID)
			snap.Conversations[r.tempID] = struct{}{}
		}
		if _, ok := snap.ClearedConversations[r.dbID]; ok {
			delete(snap.ClearedConversations, r.dbID)
			snap.ClearedConversations[r.tempID] = struct{}{}
		}
		if title, ok := snap.SessionTitles[r.dbID]; ok {
			delete(snap.SessionTitles, r.dbID)
			snap.SessionTitles[r.tempID] = title
		}
	}
}
