// Package session manages persistent conversation transcripts in SQLite.
//
// Invariants:
// - A session id is a pure function of (user id, conversation id).
// - Transcript entries are append-only, ordered by creation time with id tiebreak.
// - Every transcript write bumps the owning session's updated_at.
// - Pruning keeps the newest MaxMessages entries; the reaper deletes whole
//   sessions whose updated_at is strictly older than the retention cutoff.
//
// Usage:
//
//	store, _ := session.OpenStore("/data/sessions.db", logger)
//	defer store.Close()
//	mgr, _ := session.NewManager(session.ManagerConfig{Store: store, MaxMessages: 200, RetentionDays: 7})
//	id := session.DeriveSessionID(userID, conversationID)
//	_, _ = store.AppendEntry(ctx, id, `{"role":"user","content":"hello"}`)
//	_, _ = mgr.PruneSession(ctx, id)
package session
