package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_LoadMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("PROJECTS", `[{"project_id":"env-a","refresh_token":"rt-a"},{"project_id":"env-b","refresh_token":"rt-b","enabled":false}]`)
	path := filepath.Join(t.TempDir(), "tokens.json")

	state, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Projects) != 2 {
		t.Fatalf("got %d accounts, want 2", len(state.Projects))
	}
	if !state.Projects[0].Enabled {
		t.Error("enabled should default to true when absent")
	}
	if state.Projects[1].Enabled {
		t.Error("explicit enabled=false should be honored")
	}

	// The env configuration must have been migrated to the file.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected migrated token file: %v", err)
	}
}

func TestFileStore_LoadMissingFileNoEnv(t *testing.T) {
	t.Setenv("PROJECTS", "")
	path := filepath.Join(t.TempDir(), "tokens.json")

	state, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Projects) != 0 {
		t.Errorf("expected empty pool, got %d accounts", len(state.Projects))
	}
}

func TestFileStore_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	store := NewFileStore(path)

	state := &State{
		OAuthConfig: OAuthSettings{ClientID: "id", TokenURL: "https://example.com/token"},
		Projects: []*Account{{
			ProjectID:    "p1",
			RefreshToken: "rt",
			AccessToken:  "at",
			ExpiresAt:    time.Now().Unix(),
			Enabled:      true,
		}},
	}
	if err := store.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.OAuthConfig.ClientID != "id" {
		t.Errorf("oauth config lost: %+v", loaded.OAuthConfig)
	}
	if len(loaded.Projects) != 1 || loaded.Projects[0].ProjectID != "p1" {
		t.Fatalf("projects lost: %+v", loaded.Projects)
	}
	if loaded.Projects[0].AccessToken != "at" {
		t.Errorf("access token lost: %q", loaded.Projects[0].AccessToken)
	}

	// No temp files may be left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only tokens.json in dir, found %d entries", len(entries))
	}
}

func TestAccount_TokenExpired(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		account Account
		want    bool
	}{
		{"no token", Account{}, true},
		{"no expiry", Account{AccessToken: "t"}, true},
		{"well before expiry", Account{AccessToken: "t", ExpiresAt: now.Add(time.Hour).Unix()}, false},
		{"inside margin", Account{AccessToken: "t", ExpiresAt: now.Add(2 * time.Minute).Unix()}, true},
		{"already past", Account{AccessToken: "t", ExpiresAt: now.Add(-time.Minute).Unix()}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.account.TokenExpired(now); got != tc.want {
				t.Errorf("TokenExpired = %v, want %v", got, tc.want)
			}
		})
	}
}
