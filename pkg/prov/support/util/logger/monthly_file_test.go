package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthlyFileRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	mf, err := NewMonthlyFile(dir, "provd", 2)
	require.NoError(t, err)

	months := []time.Time{
		time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, m := range months {
		now := m
		mf.now = func() time.Time { return now }
		_, err := mf.Write([]byte("line " + now.Format("2006-01") + "\n"))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"provd-2026-09.log", "provd-2026-10.log"}, names)

	data, err := os.ReadFile(filepath.Join(dir, "provd-2026-10.log"))
	require.NoError(t, err)
	assert.Equal(t, "line 2026-10\n", string(data))
}

func TestMonthlyFileAppendsWithinMonth(t *testing.T) {
	dir := t.TempDir()
	mf, err := NewMonthlyFile(dir, "", 0)
	require.NoError(t, err)
	mf.now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }

	_, err = mf.Write([]byte("a\n"))
	require.NoError(t, err)
	_, err = mf.Write([]byte("b\n"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "provd-2026-10.log"), mf.Path())
	data, err := os.ReadFile(mf.Path())
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestParseLevel(t *testing.T) {
	lv, ok := ParseLevel("debug")
	assert.True(t, ok)
	assert.Equal(t, LevelDebug, lv)

	lv, ok = ParseLevel("verbose")
	assert.False(t, ok)
	assert.Equal(t, LevelInfo, lv)

	SetLogLevel("ERROR")
	defer SetLogLevel("INFO")
	assert.Equal(t, LevelError, CurrentLevel())
}
