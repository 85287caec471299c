package jsonfile_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/agenthub/pkg/apperr"
	"github.com/nstogner/agenthub/pkg/store"
	"github.com/nstogner/agenthub/pkg/store/jsonfile"
)

func setupStore(t *testing.T) (*jsonfile.Store, string) {
	path := filepath.Join(t.TempDir(), "data", "messages.json")
	s := jsonfile.New(path)
	require.NoError(t, s.Load())
	return s, path
}

func TestStore_LoadMissingFileIsEmpty(t *testing.T) {
	s, path := setupStore(t)

	assert.Equal(t, 0, s.Len())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_PersistAndReload(t *testing.T) {
	s, path := setupStore(t)

	messages := map[string]store.Payload{
		"m1": {"message-type": "message", "agent_id": "a1", "agent-message": "hello", "message_id": "m1"},
		"m2": {"message-type": "prompt", "agent_id": "a1", "text": "hi there", "message_id": "m2"},
		"m3": {"message-type": "message", "count": float64(3), "done": true, "nested": map[string]any{"k": []any{"x", float64(1)}}},
	}
	for id, p := range messages {
		require.NoError(t, s.Insert(id, p))
	}

	// Simulate a restart.
	reloaded := jsonfile.New(path)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
	assert.Equal(t, 3, reloaded.Len())

	got, ok := reloaded.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "hello", got["agent-message"])
}

func TestStore_DocumentIsPlainMap(t *testing.T) {
	s, path := setupStore(t)
	require.NoError(t, s.Insert("m1", store.Payload{"text": "x"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "x", doc["m1"]["text"])
}

func TestStore_InsertRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	s, _ := setupStore(t)

	require.NoError(t, s.Insert("m1", store.Payload{"text": "first"}))

	err := s.Insert("m1", store.Payload{"text": "second"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	got, _ := s.Get("m1")
	assert.Equal(t, "first", got["text"])

	assert.Error(t, s.Insert("", store.Payload{}))
}

func TestStore_Clear(t *testing.T) {
	s, path := setupStore(t)
	require.NoError(t, s.Insert("m1", store.Payload{"text": "x"}))

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Len())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Clearing twice is fine.
	require.NoError(t, s.Clear())

	reloaded := jsonfile.New(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 0, reloaded.Len())
}

func TestStore_LoadCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	err := jsonfile.New(path).Load()
	require.Error(t, err)
	assert.Equal(t, apperr.KindIO, apperr.KindOf(err))
}

func TestStore_ConcurrentInserts(t *testing.T) {
	s, path := setupStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Insert(fmt.Sprintf("m%d", i), store.Payload{"n": float64(i)}))
		}(i)
	}
	wg.Wait()

	reloaded := jsonfile.New(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 25, reloaded.Len())
	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
}

func TestWriteDocument_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, jsonfile.WriteDocument(path, []string{"a"}))
	require.NoError(t, jsonfile.WriteDocument(path, []string{"a", "b"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got []string
	found, err := jsonfile.ReadDocument(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, got)

	found, err = jsonfile.ReadDocument(filepath.Join(dir, "missing.json"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}
