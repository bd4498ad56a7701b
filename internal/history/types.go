// Package history is the append-only audit sink for processed requests.
// It is never read back to rebuild live session state.
package history

import (
	"context"
	"errors"

	"github.com/ent0n29/emoji-analysis/internal/session"
)

var ErrClosed = errors.New("history store closed")

// Entry is one audited record tagged with the session it belongs to.
type Entry struct {
	SessionID string `json:"session_id"`
	session.Record
}

// Store persists and retrieves audited records.
type Store interface {
	SaveRecord(ctx context.Context, sessionID string, record session.Record) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Mode() string
	Close() error
}
