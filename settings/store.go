package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Candidate file names, in lookup order.
var fileNames = []string{"settings.yaml", "settings.yml", "settings.json"}

// OnChangeListener receives settings after every effective change.
// It is called with the store's lock held and must not block.
type OnChangeListener interface {
	OnSettingsChange(s Settings)
}

type Store struct {
	path string

	dataMu   sync.RWMutex
	data     Settings
	listener OnChangeListener
}

// NewStore loads existing settings from dataDir or uses defaults. A YAML
// file takes precedence over settings.json.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path: findFile(dataDir),
		data: Default(),
	}

	if loaded, err := s.read(); err != nil {
		slog.Warn("ignoring settings file", "path", s.path, "error", err)
	} else if loaded != nil {
		s.data = *loaded
	}

	return s, nil
}

func findFile(dataDir string) string {
	for _, name := range fileNames {
		p := filepath.Join(dataDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dataDir, "settings.json")
}

// Path returns the settings file the store reads and writes.
func (s *Store) Path() string { return s.path }

func (s *Store) Get() Settings {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.data
}

func (s *Store) SetOnChangeListener(l OnChangeListener) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	s.listener = l
}

// Update validates, persists and applies settings.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if err := s.save(settings); err != nil {
		return err
	}

	s.setLocked(settings)
	return nil
}

// Apply merges client-supplied settings without persisting them.
func (s *Store) Apply(raw json.RawMessage) (Settings, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	merged, err := s.data.Merge(raw)
	if err != nil {
		return s.data, err
	}
	s.setLocked(merged)
	return merged, nil
}

// Reload re-reads the settings file. A missing file keeps the current
// settings; a corrupted or invalid file is reported and ignored.
func (s *Store) Reload() (Settings, error) {
	loaded, err := s.read()

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if err != nil {
		return s.data, err
	}
	if loaded != nil {
		s.setLocked(*loaded)
	}
	return s.data, nil
}

func (s *Store) setLocked(settings Settings) {
	if settings == s.data {
		return
	}
	s.data = settings
	if s.listener != nil {
		s.listener.OnSettingsChange(settings)
	}
}

func (s *Store) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// read returns nil settings when the file does not exist.
func (s *Store) read() (*Settings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	settings := Default()
	if s.isYAML() {
		err = yaml.Unmarshal(data, &settings)
	} else {
		err = json.Unmarshal(data, &settings)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Store) save(settings Settings) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var data []byte
	var err error
	if s.isYAML() {
		data, err = yaml.Marshal(settings)
	} else {
		data, err = json.MarshalIndent(settings, "", "  ")
	}
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename
	tmp, err := os.CreateTemp(dir, "settings-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, s.path)
}
