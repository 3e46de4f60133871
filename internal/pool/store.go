package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// OAuthSettings is the refresh-exchange configuration persisted alongside
// the accounts, so a token file is self-contained.
type OAuthSettings struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
}

// State is the on-disk shape of the credential store.
type State struct {
	OAuthConfig OAuthSettings `json:"oauth_config"`
	Projects    []*Account    `json:"projects"`
}

// FileStore persists the account pool as a single JSON file. It has no
// policy of its own beyond load and atomic save.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the pool state. When the file does not exist it falls back to
// the PROJECTS environment variable (a JSON array of accounts) and migrates
// that configuration to the file so later refreshes persist.
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Warnf("pool store: %s not found, loading accounts from environment", s.path)
		return s.loadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("pool store: read %s: %w", s.path, err)
	}

	state := &State{}
	if errUnmarshal := json.Unmarshal(data, state); errUnmarshal != nil {
		return nil, fmt.Errorf("pool store: parse %s: %w", s.path, errUnmarshal)
	}
	log.Infof("pool store: loaded %d accounts from %s", len(state.Projects), s.path)
	return state, nil
}

func (s *FileStore) loadFromEnv() (*State, error) {
	state := &State{}
	raw := os.Getenv("PROJECTS")
	if raw == "" {
		log.Warn("pool store: no accounts configured; requests will fail until accounts are provided")
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state.Projects); err != nil {
		return nil, fmt.Errorf("pool store: parse PROJECTS: %w", err)
	}
	log.Infof("pool store: loaded %d accounts from environment", len(state.Projects))

	// Migrate to the file so refreshed tokens survive restarts.
	if err := s.Save(state); err != nil {
		log.Warnf("pool store: failed to migrate environment accounts to %s: %v", s.path, err)
	} else {
		log.Infof("pool store: migrated account configuration to %s", s.path)
	}
	return state, nil
}

// Save writes the pool state atomically (temp file + rename).
func (s *FileStore) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("pool store: marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("pool store: create %s: %w", dir, errMkdir)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("pool store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, errWrite := tmp.Write(data); errWrite != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: write temp file: %w", errWrite)
	}
	if errSync := tmp.Sync(); errSync != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: sync temp file: %w", errSync)
	}
	if errClose := tmp.Close(); errClose != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: close temp file: %w", errClose)
	}
	if errRename := os.Rename(tmpName, s.path); errRename != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("pool store: rename temp file: %w", errRename)
	}
	return nil
}
