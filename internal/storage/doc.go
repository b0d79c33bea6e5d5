package storage

// Package storage provides a minimal persistence layer.
//
// It currently supports:
//   - A small key-value store (shared rules cache, queue catalog, search caches)
//   - Audit log appends (completed submissions)
