package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitre/fhirserver/internal/app"
	"github.com/mitre/fhirserver/internal/platform/db"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands_Registered(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate", "up"}, {"migrate", "status"}, {"reindex"}, {"version"}} {
		found, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, app.Version+"\n", out)
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	_, err := execute(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER=postgres")
}

func TestReindex_MemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("RESOURCE_TYPES", "Patient,Observation")
	t.Setenv("ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	out, err := execute(t, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 0 resource(s) across 2 type(s)")
}

func TestReindex_SQLiteStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", t.TempDir()+"/fhir.db")
	t.Setenv("RESOURCE_TYPES", "Patient")
	t.Setenv("ENV", "test")
	t.Setenv("LOG_LEVEL", "error")
	out, err := execute(t, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "across 1 type(s)")
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	printStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "resources", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "history_index"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "applied")
	assert.Contains(t, lines[2], "2026-03-01 12:30:00")
	assert.Contains(t, lines[3], "pending")
}
