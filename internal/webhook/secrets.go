package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const secretBytes = 32

var ErrInvalidSecret = errors.New("invalid webhook secret")

// SecretStore hands out one shared secret per service, generated the first
// time it is asked for. With a path set, secrets survive restarts.
type SecretStore struct {
	mu      sync.Mutex
	path    string
	secrets map[Service]string
}

func NewSecretStore(path string) (*SecretStore, error) {
	s := &SecretStore{path: strings.TrimSpace(path), secrets: map[Service]string{}}
	if s.path == "" {
		return s, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.secrets); err != nil {
		return nil, fmt.Errorf("decode webhook secrets %s: %w", s.path, err)
	}
	return s, nil
}

func (s *SecretStore) Secret(service Service) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret, ok := s.secrets[service]; ok && secret != "" {
		return secret, nil
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	s.secrets[service] = secret
	if err := s.flushLocked(); err != nil {
		delete(s.secrets, service)
		return "", err
	}
	return secret, nil
}

// Set pins the secret of a service, e.g. one already configured upstream.
func (s *SecretStore) Set(service Service, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return fmt.Errorf("%w: secret is empty", ErrInvalidSecret)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[service] = secret
	return s.flushLocked()
}

func (s *SecretStore) flushLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
