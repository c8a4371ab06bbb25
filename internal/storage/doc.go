// Package storage persists the task table and the operational log table.
//
// Tasks are upserted by id and listed newest first. Log entries are
// append-only and pruned by age from the maintenance routine.
//
// Drivers: memory (default), file (jsonl journal + snapshot), sqlite, redis.
package storage
