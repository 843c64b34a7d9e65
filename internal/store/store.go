// Package store persists the operator's configuration session: the connection
// profile, the selected environment and the backend session token. Data is
// scoped to one session id so independent consoles never share state.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pldconsole/pldconsole/internal/model"
)

// Keys of the persisted layout. Every value is a JSON string.
const (
	KeyConfig      = "pld_config"
	KeyEnvironment = "pld_environment"
	KeySessionID   = "pld_session_id"
)

// Record is the persisted configuration of one session context.
type Record struct {
	Profile     model.ConnectionProfile
	Environment *model.Environment
	Token       string
}

// Store saves, loads and clears the configuration of one session context.
type Store interface {
	// Save overwrites any previous record.
	Save(rec Record) error
	// Load returns nil when no token is stored.
	Load() (*Record, error)
	// Clear removes the record; a following Load returns nil.
	Clear() error
}

// NewSessionID returns a fresh session context identifier.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// kv is the raw key/value medium a KVStore writes through.
type kv interface {
	read() (map[string]string, error)
	// write replaces every key in one operation.
	write(values map[string]string) error
	close() error
}

// KVStore implements Store on top of a key/value medium.
type KVStore struct {
	sessionID string
	backend   kv
	sealer    Sealer
}

type bundle struct {
	ConfigKey string        `json:"config_key"`
	Config    storedProfile `json:"config"`
}

type storedProfile struct {
	Host           string `json:"host"`
	Database       string `json:"database"`
	Username       string `json:"username"`
	SealedPassword string `json:"sealed_password,omitempty"`
}

func newKVStore(sessionID string, backend kv, sealer Sealer) *KVStore {
	if sealer == nil {
		sealer = dropSealer{}
	}
	return &KVStore{sessionID: sessionID, backend: backend, sealer: sealer}
}

// SessionID returns the session context this store is scoped to.
func (s *KVStore) SessionID() string {
	return s.sessionID
}

// Save writes the profile bundle, the environment and the session id together.
func (s *KVStore) Save(rec Record) error {
	sealed, err := s.sealer.Seal(rec.Profile.Password)
	if err != nil {
		return fmt.Errorf("sealing password: %w", err)
	}

	b, err := json.Marshal(bundle{
		ConfigKey: rec.Token,
		Config: storedProfile{
			Host:           rec.Profile.Host,
			Database:       rec.Profile.Database,
			Username:       rec.Profile.Username,
			SealedPassword: sealed,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding config bundle: %w", err)
	}
	sid, _ := json.Marshal(s.sessionID)

	values := map[string]string{
		KeyConfig:    string(b),
		KeySessionID: string(sid),
	}
	if rec.Environment != nil {
		env, err := json.Marshal(rec.Environment)
		if err != nil {
			return fmt.Errorf("encoding environment: %w", err)
		}
		values[KeyEnvironment] = string(env)
	}

	if err := s.backend.write(values); err != nil {
		return fmt.Errorf("writing session %s: %w", s.sessionID, err)
	}
	return nil
}

// Load returns the stored record, or nil if no token is present.
func (s *KVStore) Load() (*Record, error) {
	values, err := s.backend.read()
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", s.sessionID, err)
	}

	raw, ok := values[KeyConfig]
	if !ok || raw == "" {
		return nil, nil
	}
	var b bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("decoding config bundle: %w", err)
	}
	if b.ConfigKey == "" {
		return nil, nil
	}

	password, err := s.sealer.Open(b.Config.SealedPassword)
	if err != nil {
		return nil, fmt.Errorf("opening password: %w", err)
	}

	rec := &Record{
		Token: b.ConfigKey,
		Profile: model.ConnectionProfile{
			Host:     b.Config.Host,
			Database: b.Config.Database,
			Username: b.Config.Username,
			Password: password,
		},
	}
	if raw, ok := values[KeyEnvironment]; ok && raw != "" {
		var env model.Environment
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decoding environment: %w", err)
		}
		rec.Environment = &env
	}
	return rec, nil
}

// Clear removes the stored record.
func (s *KVStore) Clear() error {
	if err := s.backend.write(nil); err != nil {
		return fmt.Errorf("clearing session %s: %w", s.sessionID, err)
	}
	return nil
}

// Close releases the underlying medium.
func (s *KVStore) Close() error {
	return s.backend.close()
}
