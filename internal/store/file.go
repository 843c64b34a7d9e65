package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileKV keeps one YAML document per session id under a directory.
type fileKV struct {
	path string
}

func (f *fileKV) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return values, nil
}

// write replaces the file through a rename so readers never see half a record.
func (f *fileKV) write(values map[string]string) error {
	if len(values) == 0 {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
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
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}

func (f *fileKV) close() error { return nil }

// NewFileStore returns a store writing <dir>/<sessionID>.yaml.
func NewFileStore(dir, sessionID string, sealer Sealer) (*KVStore, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return newKVStore(sessionID, &fileKV{path: filepath.Join(dir, sessionID+".yaml")}, sealer), nil
}

// LoadOrCreateSessionID returns the session id kept in the file at path,
// creating the file with a fresh id when it does not exist yet.
func LoadOrCreateSessionID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		values := map[string]string{}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return "", fmt.Errorf("parsing %s: %w", path, err)
		}
		if id := values[KeySessionID]; id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	id := NewSessionID()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating store directory: %w", err)
	}
	kv := &fileKV{path: path}
	if err := kv.write(map[string]string{KeySessionID: id}); err != nil {
		return "", fmt.Errorf("writing session id: %w", err)
	}
	return id, nil
}
