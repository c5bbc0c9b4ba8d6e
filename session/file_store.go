package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skeinworks/skein/logging"
)

// FileStore keeps one JSON file per session under a root directory.
// Writes go through a temp file and rename, so a crash mid-save never
// leaves a truncated document behind.
type FileStore struct {
	dir    string
	logger logging.Logger

	mu sync.Mutex
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Logger logging.Logger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(dir string, optFns ...func(o *FileStoreOptions)) (*FileStore, error) {
	opts := FileStoreOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir, logger: opts.Logger}, nil
}

// Save implements Store.
func (s *FileStore) Save(sess *Session) error {
	path, err := s.path(sess.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess.LastUpdated = time.Now().UTC()
	buf, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %q: %w", sess.ID, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write session %q: %w", sess.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write session %q: %w", sess.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *FileStore) Get(id string) (*Session, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %q: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(buf, &sess); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &sess, nil
}

// List implements Store. Unreadable documents are skipped with a
// warning rather than failing the whole listing.
func (s *FileStore) List() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("session unreadable", "file", entry.Name(), "error", err.Error())
			continue
		}
		var sess Session
		if err := json.Unmarshal(buf, &sess); err != nil {
			s.logger.Warn("session undecodable", "file", entry.Name(), "error", err.Error())
			continue
		}
		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated.After(sessions[j].LastUpdated)
	})
	return sessions, nil
}

// Delete implements Store.
func (s *FileStore) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %q: %w", id, err)
	}
	return nil
}

// path validates the id and maps it to its document file. Ids are used
// as file names, so anything resembling a path is rejected.
func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id != filepath.Base(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}
