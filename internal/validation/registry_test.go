package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patientProfileYAML = `
url: http://example.org/fhir/StructureDefinition/named-patient
name: Named patient
resourceType: Patient
rules:
  - path: name.family
    required: true
    message: family name is required
  - path: gender
    valueSet: [male, female, other, unknown]
    severity: warning
`

const observationProfileYAML = `
url: http://example.org/fhir/StructureDefinition/vital-sign
resourceType: Observation
enforce: true
rules:
  - path: category
    min: 1
`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patient.yaml", patientProfileYAML)
	writeFile(t, dir, "vitals.yml", observationProfileYAML)
	writeFile(t, dir, "README.md", "not a profile")

	r := NewRegistry(dir, zerolog.Nop())
	require.NoError(t, r.Load())

	p, ok := r.Get("http://example.org/fhir/StructureDefinition/named-patient")
	require.True(t, ok)
	assert.Equal(t, "Patient", p.ResourceType)
	require.Len(t, p.Rules, 2)
	assert.Equal(t, SeverityError, p.Rules[0].sev)
	assert.Equal(t, SeverityWarning, p.Rules[1].sev)

	assert.Equal(t, []string{"http://example.org/fhir/StructureDefinition/vital-sign"}, r.ProfileURLs("Observation"))
	assert.Empty(t, r.ProfileURLs("Encounter"))
}

func TestRegistry_LoadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patient.yaml", patientProfileYAML)

	r := NewRegistry(dir, zerolog.Nop())
	require.NoError(t, r.Load())

	writeFile(t, dir, "broken.yaml", "url: [unclosed")
	assert.Error(t, r.Load())
	_, ok := r.Get("http://example.org/fhir/StructureDefinition/named-patient")
	assert.True(t, ok)
}

func TestRegistry_LoadRejects(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{"unknown field", map[string]string{"a.yaml": patientProfileYAML + "colour: blue\n"}},
		{"duplicate url", map[string]string{"a.yaml": patientProfileYAML, "b.yaml": patientProfileYAML}},
		{"invalid profile", map[string]string{"a.yaml": "url: http://x.org/p\nresourceType: Patient\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, body := range tt.files {
				writeFile(t, dir, name, body)
			}
			assert.Error(t, NewRegistry(dir, zerolog.Nop()).Load())
		})
	}
}

func TestRegistry_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, zerolog.Nop())
	require.NoError(t, r.Load())

	changed := make(chan struct{}, 4)
	r.OnChange(func() { changed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "patient.yaml", patientProfileYAML)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("profile reload not observed")
	}
	_, ok := r.Get("http://example.org/fhir/StructureDefinition/named-patient")
	assert.True(t, ok)
}
