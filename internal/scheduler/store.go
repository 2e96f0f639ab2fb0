package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"forgekeeper/internal/types"
)

// SessionStore persists one JSON snapshot per session. The scheduler
// saves after every iteration and at every terminal or paused state, so
// a crash loses at most the iteration in flight and a paused session
// survives process restarts for later resume.
type SessionStore struct {
	mu  sync.Mutex
	dir string
}

// NewSessionStore creates the snapshot directory if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("session store dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

// Save writes the session snapshot via a temp file and rename, so a
// reader never observes a half-written snapshot.
func (s *SessionStore) Save(sess *types.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(sess.ID)
	tmp, err := os.CreateTemp(s.dir, sess.ID+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Load reads one session snapshot by id.
func (s *SessionStore) Load(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// List loads every stored snapshot, most recently started first.
// Unreadable files are skipped rather than failing the whole listing.
func (s *SessionStore) List() ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*types.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var sess types.Session
		if json.Unmarshal(data, &sess) != nil || sess.ID == "" {
			continue
		}
		out = append(out, &sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *SessionStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
