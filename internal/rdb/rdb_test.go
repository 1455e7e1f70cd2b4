package rdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateThenLoadRoundTrip(t *testing.T) {
	deadline := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	data := map[string]string{"foo": "bar", "baz": "qux"}
	expiry := map[string]time.Time{"foo": deadline}

	snapshot := Generate(data, expiry)

	entries, err := NewReader(bytes.NewReader(snapshot)).Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byKey := map[string]Entry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}

	require.Equal(t, "bar", byKey["foo"].Value)
	require.NotNil(t, byKey["foo"].Expiration)
	require.Equal(t, deadline.UnixMilli(), byKey["foo"].Expiration.UnixMilli())

	require.Equal(t, "qux", byKey["baz"].Value)
	require.Nil(t, byKey["baz"].Expiration)
}

func TestLoadRejectsCorruptedChecksum(t *testing.T) {
	snapshot := Generate(map[string]string{"foo": "bar"}, nil)
	snapshot[len(snapshot)-1] ^= 0xFF

	_, err := NewReader(bytes.NewReader(snapshot)).Load()
	require.Error(t, err)
}

func TestOpenMissingFileReturnsNilWithoutError(t *testing.T) {
	r, f, err := Open(filepath.Join(t.TempDir(), "missing.rdb"))
	require.NoError(t, err)
	require.Nil(t, r)
	require.Nil(t, f)
}

func TestOpenAndLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.rdb")
	snapshot := Generate(map[string]string{"k": "v"}, nil)
	require.NoError(t, os.WriteFile(path, snapshot, 0o600))

	r, f, err := Open(path)
	require.NoError(t, err)
	require.NotNil(t, r)
	defer f.Close()

	entries, err := r.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "k", entries[0].Key)
	require.Equal(t, "v", entries[0].Value)
}
