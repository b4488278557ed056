// Package pairing gates chat access behind a one-time code. The code lives
// in pairing_code.txt next to paired_users.json in the adapter's data
// directory; an operator reads the code off the host and sends it in chat
// to pair that account.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	codeFile  = "pairing_code.txt"
	usersFile = "paired_users.json"
	codeLen   = 6
)

// Store tracks the active pairing code and the paired user IDs.
type Store struct {
	dir string

	mu    sync.Mutex
	code  string
	users map[string]time.Time // prefixed user ID -> paired at
}

// Open loads the store from dir, generating a fresh code on first use.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pairing: creating data dir: %w", err)
	}
	s := &Store{dir: dir, users: make(map[string]time.Time)}

	data, err := os.ReadFile(filepath.Join(dir, codeFile))
	switch {
	case err == nil && strings.TrimSpace(string(data)) != "":
		s.code = strings.TrimSpace(string(data))
	case err == nil || os.IsNotExist(err):
		if _, err := s.rotateLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("pairing: reading code: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, usersFile))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("pairing: reading users: %w", err)
		}
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.users); err != nil {
		return nil, fmt.Errorf("pairing: decoding %s: %w", usersFile, err)
	}
	if s.users == nil {
		s.users = make(map[string]time.Time)
	}
	return s, nil
}

// Code returns the active pairing code.
func (s *Store) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Rotate replaces the pairing code. Already-paired users are unaffected.
func (s *Store) Rotate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	if err := writeAtomic(s.dir, codeFile, []byte(code+"\n")); err != nil {
		return "", fmt.Errorf("pairing: writing code: %w", err)
	}
	s.code = code
	return code, nil
}

// IsPaired reports whether the user has completed pairing.
func (s *Store) IsPaired(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// TryPair pairs the user when the submitted code matches. A non-matching
// code is not an error, just a false result.
func (s *Store) TryPair(userID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(code) != s.code {
		return false, nil
	}
	if _, ok := s.users[userID]; ok {
		return true, nil
	}
	s.users[userID] = time.Now().UTC()
	if err := s.saveUsersLocked(); err != nil {
		delete(s.users, userID)
		return false, err
	}
	return true, nil
}

// Revoke removes a paired user.
func (s *Store) Revoke(userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false, nil
	}
	delete(s.users, userID)
	if err := s.saveUsersLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Users returns the paired user IDs with their pairing times.
func (s *Store) Users() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

func (s *Store) saveUsersLocked() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("pairing: encoding users: %w", err)
	}
	if err := writeAtomic(s.dir, usersFile, data); err != nil {
		return fmt.Errorf("pairing: writing users: %w", err)
	}
	return nil
}

// generateCode returns a 6-digit numeric code from crypto/rand.
func generateCode() (string, error) {
	bound := big.NewInt(1)
	for i := 0; i < codeLen; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", fmt.Errorf("pairing: generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLen, n), nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return err
	}
	cleanup = false
	return nil
}
