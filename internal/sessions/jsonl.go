package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// FileStore persists each session as a JSONL transcript: one JSON record
// per message, appended in order, plus a sidecar metadata file. Prefix
// rewrites go through a temp file and an atomic rename, so a crash mid
// rewrite leaves the old transcript intact.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore opens (creating if needed) a directory-backed store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) transcriptPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *FileStore) metaPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *FileStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: marshal session: %w", err)
	}
	if err := os.WriteFile(s.metaPath(session.ID), data, 0o644); err != nil {
		return fmt.Errorf("sessions: write session: %w", err)
	}
	return nil
}

func (s *FileStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: read session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("sessions: decode session: %w", err)
	}
	return &session, nil
}

func (s *FileStore) ReadBranch(_ context.Context, sessionID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTranscript(sessionID)
}

func (s *FileStore) readTranscript(sessionID string) ([]*models.Message, error) {
	f, err := os.Open(s.transcriptPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: open transcript: %w", err)
	}
	defer f.Close()

	var msgs []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("sessions: decode message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: scan transcript: %w", err)
	}
	return msgs, nil
}

func (s *FileStore) AppendMessages(_ context.Context, sessionID string, msgs []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.transcriptPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: open transcript: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		record := m.Clone()
		record.SessionID = sessionID
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("sessions: encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sessions: flush transcript: %w", err)
	}
	return f.Sync()
}

func (s *FileStore) RewritePrefix(_ context.Context, sessionID string, keepFrom int, replacement []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readTranscript(sessionID)
	if err != nil {
		return err
	}
	if keepFrom < 0 {
		keepFrom = 0
	}
	if keepFrom > len(current) {
		keepFrom = len(current)
	}

	next := make([]*models.Message, 0, len(replacement)+len(current)-keepFrom)
	next = append(next, replacement...)
	next = append(next, current[keepFrom:]...)
	return s.writeTranscriptAtomic(sessionID, next)
}

// writeTranscriptAtomic writes the full transcript to a temp file in the
// same directory and renames it over the original.
func (s *FileStore) writeTranscriptAtomic(sessionID string, msgs []*models.Message) error {
	tmp, err := os.CreateTemp(s.dir, sessionID+".rewrite-*")
	if err != nil {
		return fmt.Errorf("sessions: create temp transcript: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		record := m.Clone()
		record.SessionID = sessionID
		if err := enc.Encode(record); err != nil {
			tmp.Close()
			return fmt.Errorf("sessions: encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessions: flush temp transcript: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessions: sync temp transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessions: close temp transcript: %w", err)
	}
	if err := os.Rename(tmpName, s.transcriptPath(sessionID)); err != nil {
		return fmt.Errorf("sessions: replace transcript: %w", err)
	}
	return nil
}

func (s *FileStore) RepairIfNeeded(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readTranscript(sessionID)
	if err != nil {
		return err
	}
	repaired, changed := repairHistory(current)
	if !changed {
		return nil
	}
	return s.writeTranscriptAtomic(sessionID, repaired)
}

func (s *FileStore) Close() error { return nil }
