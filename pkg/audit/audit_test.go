package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proddefense/llmguard/pkg/clock"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestJournal_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	j := NewWithClock(Config{AuditLogPath: dir, FileMode: 0644}, c, nil)
	defer j.Close()

	j.LogRequest("req-1", "user-1", "sess-1", "what is a goroutine?")
	j.LogResponse("req-1", "user-1", "sess-1", "a lightweight thread managed by the runtime")
	j.LogError("req-2", "ProviderTimeout", os.ErrDeadlineExceeded)
	j.LogAlert("req-3", "quality", "medium", "score below threshold")
	require.NoError(t, j.Close())

	entries := readEntries(t, filepath.Join(dir, "audit_20260301.jsonl"))
	require.Len(t, entries, 4)
	assert.Equal(t, EventRequest, entries[0].EventType)
	assert.Equal(t, EventResponse, entries[1].EventType)
	assert.Equal(t, EventError, entries[2].EventType)
	assert.Equal(t, EventAlert, entries[3].EventType)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, int64(4), entries[3].Sequence)
}

func TestJournal_TruncatesLongPayloadsAndKeepsLength(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	j := NewWithClock(Config{AuditLogPath: dir, FileMode: 0644}, c, nil)

	long := strings.Repeat("x", 500)
	j.LogRequest("req-1", "", "", long)
	require.NoError(t, j.Close())

	entries := readEntries(t, filepath.Join(dir, "audit_20260301.jsonl"))
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].PromptExcerpt, 100)
	assert.Equal(t, 500, entries[0].PromptLength)
}

func TestJournal_HashChainLinksEntries(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	j := NewWithClock(Config{AuditLogPath: dir, FileMode: 0644}, c, nil)

	j.LogRequest("req-1", "", "", "first")
	j.LogResponse("req-1", "", "", "second")
	require.NoError(t, j.Close())

	entries := readEntries(t, filepath.Join(dir, "audit_20260301.jsonl"))
	require.Len(t, entries, 2)

	assert.Empty(t, entries[0].PreviousHash)
	assert.Equal(t, entries[0].Hash, entries[1].PreviousHash)

	// Recompute each entry's hash the way the journal does (hash field
	// zeroed) and verify the chain is internally consistent.
	for _, e := range entries {
		want := e.Hash
		e.Hash = ""
		data, err := json.Marshal(e)
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, want, hex.EncodeToString(sum[:]))
	}
}

func TestJournal_RotatesOnUTCDateAdvance(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewManual(time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	j := NewWithClock(Config{AuditLogPath: dir, FileMode: 0644}, c, nil)

	j.LogRequest("req-1", "", "", "day one")
	c.Advance(time.Hour) // crosses into 2026-03-02 UTC
	j.LogRequest("req-2", "", "", "day two")
	require.NoError(t, j.Close())

	day1 := readEntries(t, filepath.Join(dir, "audit_20260301.jsonl"))
	day2 := readEntries(t, filepath.Join(dir, "audit_20260302.jsonl"))
	require.Len(t, day1, 1)
	require.Len(t, day2, 1)

	assert.Equal(t, int64(1), day2[0].Sequence, "rotation restarts the sequence")
	assert.Empty(t, day2[0].PreviousHash, "rotation restarts the hash chain")
}
