// Package dataset persists recordings: a JSON manifest listing sessions,
// each session owning the partitions (stores) written for it, and the
// sqlite-backed stores themselves.
package dataset

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saacpsi/psistreams/errors"
)

// Partition is a store recorded in a session
type Partition struct {
	Name      string `json:"name"`
	StoreName string `json:"store_name"`
	StorePath string `json:"store_path"`
}

// Session is a named recording unit. Partitions only accumulate.
type Session struct {
	name string

	mu         sync.RWMutex
	partitions []Partition
}

func newSession(name string) *Session {
	return &Session{name: name}
}

// Name returns the session name
func (s *Session) Name() string { return s.name }

// AddPartition records a store in the session. A store already recorded is
// left as is and false is returned.
func (s *Session) AddPartition(p Partition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.partitions {
		if existing.StoreName == p.StoreName {
			return false
		}
	}
	s.partitions = append(s.partitions, p)
	return true
}

// Partitions returns a copy of the recorded partitions
func (s *Session) Partitions() []Partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.partitions)
}

// Partition returns the partition of a store
func (s *Session) Partition(storeName string) (Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.partitions {
		if p.StoreName == storeName {
			return p, true
		}
	}
	return Partition{}, false
}

// Empty reports whether no store was recorded
func (s *Session) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions) == 0
}

// Dataset is the manifest of a recording directory
type Dataset struct {
	id      string
	name    string
	dir     string
	created time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions []*Session
	next     map[string]int // next free number per iterative prefix
}

type manifest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	Sessions  []sessionManifest `json:"sessions"`
	Counters  map[string]int    `json:"counters,omitempty"`
}

type sessionManifest struct {
	Name       string      `json:"name"`
	Partitions []Partition `json:"partitions"`
}

// Create starts an empty dataset whose manifest is {dir}/{name}
func Create(dir, name string) (*Dataset, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dataset", "Create", "validate dataset name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapTransient(err, "Dataset", "Create", "create "+dir)
	}
	return &Dataset{
		id:      uuid.NewString(),
		name:    name,
		dir:     dir,
		created: time.Now().UTC(),
		logger:  slog.Default().With("component", "dataset", "dataset", name),
		next:    make(map[string]int),
	}, nil
}

// Load reads the manifest at path
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrStoreNotFound, path), "Dataset", "Load", "read manifest")
		}
		return nil, errors.WrapTransient(err, "Dataset", "Load", "read manifest")
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "Dataset", "Load", "decode manifest")
	}

	d := &Dataset{
		id:      m.ID,
		name:    m.Name,
		dir:     filepath.Dir(path),
		created: m.CreatedAt,
		logger:  slog.Default().With("component", "dataset", "dataset", m.Name),
		next:    make(map[string]int, len(m.Counters)),
	}
	maps.Copy(d.next, m.Counters)
	if d.name == "" {
		d.name = filepath.Base(path)
	}
	for _, sm := range m.Sessions {
		s := newSession(sm.Name)
		for _, p := range sm.Partitions {
			s.AddPartition(p)
		}
		d.sessions = append(d.sessions, s)
	}
	return d, nil
}

// LoadOrCreate loads {dir}/{name} when it exists and creates it otherwise
func LoadOrCreate(dir, name string) (*Dataset, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	return Create(dir, name)
}

// ID returns the dataset id
func (d *Dataset) ID() string { return d.id }

// Name returns the dataset name
func (d *Dataset) Name() string { return d.name }

// Dir returns the directory holding the manifest and the session stores
func (d *Dataset) Dir() string { return d.dir }

// Path returns the manifest path
func (d *Dataset) Path() string { return filepath.Join(d.dir, d.name) }

// StorePath returns where a store of a session lives
func (d *Dataset) StorePath(session, store string) string {
	return filepath.Join(d.dir, session, store)
}

// Save writes the manifest
func (d *Dataset) Save() error {
	return d.SaveAs(d.Path())
}

// SaveAs writes the manifest to path
func (d *Dataset) SaveAs(path string) error {
	d.mu.RLock()
	m := manifest{ID: d.id, Name: d.name, CreatedAt: d.created, Sessions: make([]sessionManifest, 0, len(d.sessions)), Counters: maps.Clone(d.next)}
	for _, s := range d.sessions {
		m.Sessions = append(m.Sessions, sessionManifest{Name: s.Name(), Partitions: s.Partitions()})
	}
	d.mu.RUnlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Dataset", "Save", "encode manifest")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WrapTransient(err, "Dataset", "Save", "write manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.WrapTransient(err, "Dataset", "Save", "replace manifest")
	}
	d.logger.Debug("Dataset saved", "sessions", len(m.Sessions))
	return nil
}

// Sessions returns the sessions in creation order
func (d *Dataset) Sessions() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.sessions)
}

// CreateSession adds a session; an existing name is an error
func (d *Dataset) CreateSession(name string) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findLocked(name) != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("session %q already exists", name), "Dataset", "CreateSession", "create session")
	}
	s := newSession(name)
	d.sessions = append(d.sessions, s)
	return s, nil
}

// CreateOrGetSession returns the session called name, creating it if needed
func (d *Dataset) CreateOrGetSession(name string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.findLocked(name); s != nil {
		return s
	}
	s := newSession(name)
	d.sessions = append(d.sessions, s)
	return s
}

// CreateIterativeSession creates "{name}.{NNN}" where NNN counts the
// sessions already named after name. Numbers handed out before, even to a
// session removed since, and numbers whose directory exists on disk are
// skipped so an existing recording is never reused.
func (d *Dataset) CreateIterativeSession(name string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := name + "."
	n := 0
	for _, s := range d.sessions {
		if strings.HasPrefix(s.Name(), prefix) {
			n++
		}
	}
	n = max(n, d.next[prefix])
	candidate := fmt.Sprintf("%s%03d", prefix, n)
	for d.findLocked(candidate) != nil || d.onDisk(candidate) {
		n++
		candidate = fmt.Sprintf("%s%03d", prefix, n)
	}
	d.next[prefix] = n + 1
	s := newSession(candidate)
	d.sessions = append(d.sessions, s)
	return s
}

func (d *Dataset) onDisk(session string) bool {
	_, err := os.Stat(filepath.Join(d.dir, session))
	return err == nil
}

// GetSession returns a session by name. A name ending with "." selects the
// session of that prefix with the highest numeric suffix.
func (d *Dataset) GetSession(name string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !strings.HasSuffix(name, ".") {
		s := d.findLocked(name)
		return s, s != nil
	}

	var best *Session
	bestN := -1
	for _, s := range d.sessions {
		suffix, ok := strings.CutPrefix(s.Name(), name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > bestN {
			best, bestN = s, n
		}
	}
	return best, best != nil
}

// RemoveSession drops a session from the manifest. Its stores stay on disk.
func (d *Dataset) RemoveSession(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.sessions, func(s *Session) bool { return s.Name() == name })
	if i < 0 {
		return false
	}
	d.sessions = slices.Delete(d.sessions, i, i+1)
	return true
}

func (d *Dataset) findLocked(name string) *Session {
	for _, s := range d.sessions {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
