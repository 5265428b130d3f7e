// Package storage provides the persistence layer used by the dispatch engine.
//
// It covers three concerns behind one Store interface:
//   - User directory lookups (contact address + verification flag)
//   - Per-user, per-kind notification preferences
//   - Append-only audit log of terminal dispatch outcomes
package storage
