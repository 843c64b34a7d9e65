package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pldconsole/pldconsole/internal/model"
)

var testProfile = model.ConnectionProfile{Host: "db1", Database: "PLD", Username: "sa", Password: "x"}

func testRecord() Record {
	return Record{
		Profile:     testProfile,
		Environment: &model.Environment{ID: "corp", Name: "CORP", Database: "PLD_CORP"},
		Token:       "abc123",
	}
}

func newStores(t *testing.T) map[string]*KVStore {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(dir, "sess_a", nil)
	require.NoError(t, err)
	sq, err := NewSQLiteStore(filepath.Join(dir, "sessions.db"), "sess_a", nil)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]*KVStore{
		"memory": NewMemoryStore("sess_a"),
		"file":   fs,
		"sqlite": sq,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save(testRecord()))

			rec, err := s.Load()
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "abc123", rec.Token)
			assert.Equal(t, testRecord().Environment, rec.Environment)
			assert.Equal(t, testProfile.Host, rec.Profile.Host)
			assert.Equal(t, testProfile.Database, rec.Profile.Database)
			assert.Equal(t, testProfile.Username, rec.Profile.Username)
		})
	}
}

func TestClearThenLoadReturnsNil(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			// Clearing an empty store is fine too.
			require.NoError(t, s.Clear())
			rec, err := s.Load()
			require.NoError(t, err)
			assert.Nil(t, rec)

			require.NoError(t, s.Save(testRecord()))
			require.NoError(t, s.Clear())
			rec, err = s.Load()
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestLoadWithoutTokenIsNil(t *testing.T) {
	s := NewMemoryStore("sess_a")
	rec := testRecord()
	rec.Token = ""
	require.NoError(t, s.Save(rec))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveOverwritesEnvironment(t *testing.T) {
	s := NewMemoryStore("sess_a")
	require.NoError(t, s.Save(testRecord()))

	rec := testRecord()
	rec.Environment = nil
	rec.Token = "def456"
	require.NoError(t, s.Save(rec))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "def456", got.Token)
	assert.Nil(t, got.Environment)
}

func TestSessionsAreIsolated(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir, "sess_a", nil)
	require.NoError(t, err)
	b, err := NewFileStore(dir, "sess_b", nil)
	require.NoError(t, err)

	require.NoError(t, a.Save(testRecord()))

	rec, err := b.Load()
	require.NoError(t, err)
	assert.Nil(t, rec, "session b must not see session a")

	db := filepath.Join(dir, "shared.db")
	sa, err := NewSQLiteStore(db, "sess_a", nil)
	require.NoError(t, err)
	defer sa.Close()
	sb, err := NewSQLiteStore(db, "sess_b", nil)
	require.NoError(t, err)
	defer sb.Close()

	require.NoError(t, sa.Save(testRecord()))
	rec, err = sb.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPasswordNeverWrittenInClear(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, "sess_a", nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(testRecord()))

	data, err := os.ReadFile(filepath.Join(dir, "sess_a.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"password"`)

	rec, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, rec.Profile.Password)
}

func TestSecretboxSealerRoundTrip(t *testing.T) {
	sealer, err := NewSecretboxSealer("local-secret")
	require.NoError(t, err)

	dir := t.TempDir()
	s, err := NewFileStore(dir, "sess_a", sealer)
	require.NoError(t, err)
	require.NoError(t, s.Save(testRecord()))

	rec, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "x", rec.Profile.Password)

	other, err := NewSecretboxSealer("other-secret")
	require.NoError(t, err)
	s2, err := NewFileStore(dir, "sess_a", other)
	require.NoError(t, err)
	_, err = s2.Load()
	assert.Error(t, err)
}

func TestNewFileStoreRejectsPathSessionID(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), "../escape", nil)
	assert.Error(t, err)
}

type failingStore struct {
	saves, clears int
}

func (f *failingStore) Save(Record) error {
	f.saves++
	return errors.New("quota exceeded")
}
func (f *failingStore) Load() (*Record, error) { return nil, errors.New("storage unavailable") }
func (f *failingStore) Clear() error {
	f.clears++
	return errors.New("storage unavailable")
}

func TestResilientFallsBackToMemory(t *testing.T) {
	primary := &failingStore{}
	r := NewResilient(primary, "sess_a")

	require.NoError(t, r.Save(testRecord()))
	assert.True(t, r.Degraded())

	rec, err := r.Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "abc123", rec.Token)
	assert.Equal(t, "x", rec.Profile.Password)

	require.NoError(t, r.Clear())
	rec, err = r.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, primary.saves)
	assert.Equal(t, 2, primary.clears, "the failed clear is retried on load")
}

// flakyClearStore keeps its record until a clear succeeds.
type flakyClearStore struct {
	*KVStore
	failClears int
}

func (f *flakyClearStore) Clear() error {
	if f.failClears > 0 {
		f.failClears--
		return errors.New("disk busy")
	}
	return f.KVStore.Clear()
}

func TestResilientRetriesFailedClear(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "sess_a", nil)
	require.NoError(t, err)
	primary := &flakyClearStore{KVStore: fs, failClears: 1}
	r := NewResilient(primary, "sess_a")

	require.NoError(t, r.Save(testRecord()))
	require.NoError(t, r.Clear())
	assert.True(t, r.Degraded())

	rec, err := fs.Load()
	require.NoError(t, err)
	require.NotNil(t, rec, "the first clear failed on disk")

	rec, err = r.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, r.Degraded())

	// A restart reading the same file finds no token to rehydrate.
	rec, err = fs.Load()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestResilientKeepsPasswordInMemory(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "sess_a", nil)
	require.NoError(t, err)
	r := NewResilient(fs, "sess_a")

	require.NoError(t, r.Save(testRecord()))
	assert.False(t, r.Degraded())

	rec, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, "x", rec.Profile.Password)
}

func TestLoadOrCreateSessionID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.yaml")

	id, err := LoadOrCreateSessionID(path)
	require.NoError(t, err)
	assert.Regexp(t, `^sess_[0-9a-f-]{36}$`, id)

	again, err := LoadOrCreateSessionID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again, "the id is stable across restarts")

	require.NoError(t, os.WriteFile(path, []byte("::not yaml"), 0o600))
	_, err = LoadOrCreateSessionID(path)
	assert.Error(t, err)
}
