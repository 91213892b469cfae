// Package sessions persists per-session transcripts and serializes writers.
//
// The transcript is an append-only message log; compaction rewrites a
// prefix of it atomically. All mutation on one session goes through the
// lock manager so a compaction rewrite can never interleave with a normal
// append.
package sessions

import (
	"context"
	"errors"

	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// ErrSessionNotFound is returned when a session id has no record.
var ErrSessionNotFound = errors.New("sessions: session not found")

// Store is the persistence contract consumed by the run controller and the
// compaction engine.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session *models.Session) error

	// GetSession fetches a session by id.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ReadBranch returns the session's full message history in order.
	ReadBranch(ctx context.Context, sessionID string) ([]*models.Message, error)

	// AppendMessages appends messages to the end of the log.
	AppendMessages(ctx context.Context, sessionID string, msgs []*models.Message) error

	// RewritePrefix atomically replaces the first keepFrom messages with
	// replacement, keeping everything from keepFrom on. Readers never
	// observe a partially rewritten log, even across a crash.
	RewritePrefix(ctx context.Context, sessionID string, keepFrom int, replacement []*models.Message) error

	// RepairIfNeeded removes orphan turns left by a crashed run. Idempotent;
	// called once before each read-for-run.
	RepairIfNeeded(ctx context.Context, sessionID string) error

	// Close releases store resources.
	Close() error
}

// repairHistory drops tool-result turns with no preceding assistant call,
// the residue of a run that crashed mid tool loop. It returns the cleaned
// slice and whether anything changed. Running it on its own output changes
// nothing.
func repairHistory(msgs []*models.Message) ([]*models.Message, bool) {
	out := make([]*models.Message, 0, len(msgs))
	changed := false
	sawAssistantCall := false
	for _, msg := range msgs {
		if msg == nil {
			changed = true
			continue
		}
		switch msg.Role {
		case models.RoleAssistant:
			sawAssistantCall = len(msg.ToolCalls()) > 0
		case models.RoleTool:
			if !sawAssistantCall {
				changed = true
				continue
			}
		case models.RoleUser:
			sawAssistantCall = false
		}
		out = append(out, msg)
	}
	return out, changed
}
