// Package envy implements a game-state reconciliation service that keeps
// per-game live status messages in sync with periodic gameplay snapshots.
//
// # Architecture
//
// Snapshots and moderator actions arrive over NATS JetStream, pass
// sliding-window admission control, and drive a per-entity reconciliation:
//
//	┌─────────────────────────────────────┐
//	│            Consumer                 │  JetStream delivery,
//	│   (snapshots, moderator actions)    │  admission ceilings
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│             Engine                  │  Filter, bucket, classify,
//	│    (one lock per entity, Redis)     │  diff, synchronize
//	└──────────────────┬──────────────────┘
//	                   ↓
//	┌─────────────────────────────────────┐
//	│            Gateway                  │  Messaging API with retry,
//	│    (create, edit, delete, list)     │  pacing and 429 handling
//	└─────────────────────────────────────┘
//
// Each game maps to a player-count bucket, and each bucket to a destination
// channel. Games above the moderation threshold are routed to a private
// moderation channel until a moderator approves them. Redis holds the
// per-game record, the approval set, the per-entity locks and the admission
// windows, so any number of replicas can reconcile concurrently.
//
// A background sweeper tears down games with no recent snapshot and deletes
// orphaned messages that no record references.
package envy
