package validation

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type snapshot struct {
	byURL  map[string]*Profile
	byType map[string][]*Profile
}

func newSnapshot(profiles []*Profile) (*snapshot, error) {
	s := &snapshot{byURL: make(map[string]*Profile), byType: make(map[string][]*Profile)}
	for _, p := range profiles {
		if prev, dup := s.byURL[p.URL]; dup {
			return nil, fmt.Errorf("profile %s defined in both %s and %s", p.URL, prev.source, p.source)
		}
		s.byURL[p.URL] = p
		s.byType[p.ResourceType] = append(s.byType[p.ResourceType], p)
	}
	return s, nil
}

// Registry holds the loaded profiles. Readers see an immutable snapshot that
// is swapped atomically on reload.
type Registry struct {
	dir    string
	logger zerolog.Logger
	snap   atomic.Pointer[snapshot]

	mu       sync.Mutex
	onChange []func()
}

// NewRegistry returns an empty registry reading profiles from dir. An empty
// dir disables loading.
func NewRegistry(dir string, logger zerolog.Logger) *Registry {
	r := &Registry{dir: dir, logger: logger.With().Str("component", "profiles").Logger()}
	empty, _ := newSnapshot(nil)
	r.snap.Store(empty)
	return r
}

// OnChange registers fn to run after every successful reload.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Set replaces the loaded profiles. Each profile is validated first.
func (r *Registry) Set(profiles ...*Profile) error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.URL, err)
		}
	}
	snap, err := newSnapshot(profiles)
	if err != nil {
		return err
	}
	r.snap.Store(snap)

	r.mu.Lock()
	hooks := append([]func(){}, r.onChange...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Load reads every *.yaml and *.yml file in the directory. On error the
// previous profiles stay in place.
func (r *Registry) Load() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read profiles dir: %w", err)
	}

	var profiles []*Profile
	for _, e := range entries {
		if e.IsDir() || !isProfileFile(e.Name()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		p, err := readProfile(path)
		if err != nil {
			return err
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].URL < profiles[j].URL })

	if err := r.Set(profiles...); err != nil {
		return err
	}
	r.logger.Info().Str("dir", r.dir).Int("count", len(profiles)).Msg("profiles loaded")
	return nil
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func readProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	p.source = path
	return &p, nil
}

// Get returns the profile with the given canonical URL.
func (r *Registry) Get(url string) (*Profile, bool) {
	p, ok := r.snap.Load().byURL[url]
	return p, ok
}

// ForType returns the profiles declared for a resource type.
func (r *Registry) ForType(resourceType string) []*Profile {
	return r.snap.Load().byType[resourceType]
}

// ProfileURLs implements fhir.ProfileSource.
func (r *Registry) ProfileURLs(resourceType string) []string {
	profiles := r.ForType(resourceType)
	out := make([]string, len(profiles))
	for i, p := range profiles {
		out[i] = p.URL
	}
	return out
}

// Watch reloads the profiles whenever a file in the directory changes,
// until ctx is cancelled. Bursts of events are coalesced.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.logger.Info().Str("dir", r.dir).Msg("watching profiles")

	const debounce = 200 * time.Millisecond
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			reload = timer.C
			return
		}
		timer.Reset(debounce)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case <-reload:
			timer, reload = nil, nil
			if err := r.Load(); err != nil {
				r.logger.Error().Err(err).Msg("profile reload failed, keeping previous profiles")
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("profile file changed")
				schedule()
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Error().Err(werr).Msg("profile watcher error")
		}
	}
}
