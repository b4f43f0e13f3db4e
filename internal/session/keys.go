// Package session owns the client side of the gateway control channel: one
// logical session identified by a stable key, carried over at most one live
// WebSocket at a time, with automatic reconnect and reverse-RPC handling.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// KeyStore persists named session values across process restarts.
type KeyStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// SessionKeyName is the store entry holding the active session key.
const SessionKeyName = "session_key"

// FormatKey builds the routed session key for an agent and base key.
func FormatKey(agentID, baseKey string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, baseKey)
}

// NewBaseKey mints a fresh random base key.
func NewBaseKey() string {
	return uuid.NewString()
}

// SplitKey returns the agent id and base key of a routed session key.
// Keys without the routing prefix come back with an empty agent id.
func SplitKey(key string) (agentID, baseKey string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) == 3 && parts[0] == "agent" {
		return parts[1], parts[2]
	}
	return "", key
}

// FileKeyStore keeps session values in a JSON file under the home directory.
type FileKeyStore struct {
	path string
	mu   sync.Mutex
}

func NewFileKeyStore(homeDir string) *FileKeyStore {
	return &FileKeyStore{path: filepath.Join(homeDir, "session.json")}
}

func (s *FileKeyStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session store: %w", err)
	}
	values := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parse session store: %w", err)
		}
	}
	return values, nil
}

func (s *FileKeyStore) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return "", err
	}
	return values[name], nil
}

func (s *FileKeyStore) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	values[name] = value
	out, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session store dir: %w", err)
	}
	return os.WriteFile(s.path, out, 0o600)
}

// MemKeyStore is an in-memory KeyStore for tests.
type MemKeyStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{values: make(map[string]string)}
}

func (s *MemKeyStore) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name], nil
}

func (s *MemKeyStore) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}
