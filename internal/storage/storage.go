// Package storage persists which items the bot has already handled and
// when, if ever, each one becomes eligible for handling again.
package storage

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("store closed")
)

// StorageInfo is the per-(table, id) dedup row. An absent row decodes to
// the zero value rather than an error.
type StorageInfo struct {
	Exists bool
	// ReprocessTime, when set and in the future, suppresses handling even
	// though the item was seen before. Nil means never reprocess.
	ReprocessTime *time.Time
}

// Eligible reports whether an item with this row should be handled now.
func (i StorageInfo) Eligible(now time.Time) bool {
	if !i.Exists {
		return true
	}
	return i.ReprocessTime != nil && i.ReprocessTime.Before(now)
}

// Store is one open session against the dedup tables. Sessions are opened
// per category batch and closed after; row-level upserts are atomic and
// last-write-wins per id.
type Store interface {
	// GetStorageInfo looks up one row. A missing row is not an error.
	GetStorageInfo(ctx context.Context, table string, id int64) (StorageInfo, error)
	// Upsert records the item as handled. A positive delay schedules
	// reprocessing at now + delay minutes; zero or negative writes an
	// absent reprocess time.
	Upsert(ctx context.Context, table string, id int64, delayMinutes int) error
	Close() error
}

// Backend produces store sessions. Categories open and close sessions
// independently; backends must tolerate concurrent open/close cycles.
type Backend interface {
	Open(ctx context.Context) (Store, error)
}

var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validTable(table string) bool {
	return tablePattern.MatchString(table)
}

func reprocessAt(now time.Time, delayMinutes int) *time.Time {
	if delayMinutes <= 0 {
		return nil
	}
	at := now.Add(time.Duration(delayMinutes) * time.Minute)
	return &at
}
