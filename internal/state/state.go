package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.gather-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	tokenPairKey  = []byte("token_pair")
)

// TokenPair is the persisted credential set for the current session.
// A present access token is always paired with a present refresh token;
// the pair is written and cleared in a single transaction so neither
// survives alone in storage.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Email        string `json:"email"`
}

// Store wraps a bbolt database holding the durable client session state.
type Store struct {
	db *bolt.DB
}

// Load opens the state database at ~/.gather-sync/state.db, creating it
// if it does not exist.
func Load() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(home, ".gather-sync", "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTokenPair persists both tokens atomically. Either token missing is
// rejected so the pair invariant holds on disk.
func (s *Store) SaveTokenPair(tp TokenPair) error {
	if tp.AccessToken == "" || tp.RefreshToken == "" {
		return fmt.Errorf("token pair must contain both access and refresh tokens")
	}

	data, err := json.Marshal(tp)
	if err != nil {
		return fmt.Errorf("marshalling token pair: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(tokenPairKey, data)
	})
}

// TokenPair returns the persisted credential pair. The second return is
// false when no pair is stored.
func (s *Store) TokenPair() (TokenPair, bool) {
	var tp TokenPair

	found := false

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(tokenPairKey)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &tp); err != nil {
			return nil // treat a corrupt entry as absent
		}

		found = true

		return nil
	})

	return tp, found
}

// AccessToken returns the persisted access token, or empty string.
func (s *Store) AccessToken() string {
	tp, ok := s.TokenPair()
	if !ok {
		return ""
	}

	return tp.AccessToken
}

// ClearTokenPair removes the persisted credentials. Idempotent: clearing
// an already-empty store is not an error.
func (s *Store) ClearTokenPair() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(tokenPairKey)
	})
}
