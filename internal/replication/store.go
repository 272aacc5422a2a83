/*
Copyright 2025 The Volmux Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/volmux/volmux/internal/util/log"
)

// Store persists replication sessions across restarts.
type Store interface {
	Save(session *Session) error
	Get(id string) (*Session, error)
	Delete(id string) error
	List() ([]*Session, error)
}

const sessionFileSuffix = ".session.json"

// FileStore keeps one JSON file per session in a directory. Writes go
// through a temp file and a rename, a crash mid write never leaves a
// truncated session behind.
type FileStore struct {
	dir string
}

var _ Store = &FileStore{}

// NewFileStore creates the session directory when needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session store %q: %w", dir, err)
	}

	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+sessionFileSuffix)
}

func (fs *FileStore) Save(session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}

	tmp := fs.path(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session %s: %w", session.ID, err)
	}
	if err := os.Rename(tmp, fs.path(session.ID)); err != nil {
		// the tmp file is garbage now, best effort cleanup
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to commit session %s: %w", session.ID, err)
	}

	return nil
}

func (fs *FileStore) Get(id string) (*Session, error) {
	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}

		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("session %s is corrupt: %w", id, err)
	}

	return &session, nil
}

func (fs *FileStore) Delete(id string) error {
	err := os.Remove(fs.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	return nil
}

// List loads every session in the directory. Leftover temp files from an
// interrupted write are skipped.
func (fs *FileStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session store %q: %w", fs.dir, err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionFileSuffix) {
			continue
		}

		id := strings.TrimSuffix(name, sessionFileSuffix)
		session, err := fs.Get(id)
		if err != nil {
			log.WarningLogMsg("skipping unreadable session file %q: %v", name, err)

			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}
