// Package transcript persists the prompts and responses of every chat tab.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tabchat/server/logger"
)

var ErrTranscriptNotFound = errors.New("transcript not found")

const titleLength = 50

// RecordType marks what a transcript line holds.
type RecordType string

const (
	RecordPrompt   RecordType = "prompt"
	RecordResponse RecordType = "response"
	RecordError    RecordType = "error"
)

// Record is one line of a transcript.
type Record struct {
	Type           RecordType `json:"type"`
	Timestamp      time.Time  `json:"timestamp"`
	Text           string     `json:"text"`
	MessageID      string     `json:"message_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Meta describes one transcript in the index.
type Meta struct {
	TabID          string    `json:"tab_id"`
	Title          string    `json:"title"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store defines transcript persistence.
type Store interface {
	List() ([]Meta, error)
	Get(tabID string) (Meta, bool, error)
	Append(tabID string, rec Record) error
	Read(tabID string) ([]Record, error)
}

type indexData struct {
	Transcripts []Meta `json:"transcripts"`
}

// FileStore keeps one JSONL file per tab plus a JSON index.
type FileStore struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "transcripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

// fileName escapes tabID so any client-chosen id maps to one file in dir.
func fileName(tabID string) string {
	name := url.PathEscape(tabID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name + ".jsonl"
}

func (s *FileStore) transcriptPath(tabID string) string {
	return filepath.Join(s.dir, fileName(tabID))
}

func (s *FileStore) readIndex() (indexData, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return indexData{Transcripts: []Meta{}}, nil
	}
	if err != nil {
		return indexData{}, err
	}

	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexData{}, err
	}
	return idx, nil
}

func (s *FileStore) writeIndex(idx indexData) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0644)
}

// List returns all transcripts, most recently updated first.
func (s *FileStore) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Transcripts, nil
}

// Get returns a transcript's metadata. Returns (meta, found, error).
func (s *FileStore) Get(tabID string) (Meta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return Meta{}, false, err
	}
	for _, m := range idx.Transcripts {
		if m.TabID == tabID {
			return m, true, nil
		}
	}
	return Meta{}, false, nil
}

// Append writes rec to the tab's transcript and updates the index. The
// first prompt of a tab becomes its title.
func (s *FileStore) Append(tabID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	file, err := os.OpenFile(s.transcriptPath(tabID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := file.Write(data); err != nil {
		return err
	}

	return s.touchIndex(tabID, rec, now)
}

func (s *FileStore) touchIndex(tabID string, rec Record, now time.Time) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}

	pos := -1
	for i, m := range idx.Transcripts {
		if m.TabID == tabID {
			pos = i
			break
		}
	}

	var meta Meta
	if pos < 0 {
		meta = Meta{TabID: tabID, Title: "New Chat", CreatedAt: now}
		if rec.Type == RecordPrompt {
			meta.Title = logger.Truncate(rec.Text, titleLength)
		}
	} else {
		meta = idx.Transcripts[pos]
		idx.Transcripts = append(idx.Transcripts[:pos], idx.Transcripts[pos+1:]...)
	}
	if rec.ConversationID != "" {
		meta.ConversationID = rec.ConversationID
	}
	meta.UpdatedAt = now

	// Most recent first
	idx.Transcripts = append([]Meta{meta}, idx.Transcripts...)
	return s.writeIndex(idx)
}

// Read returns every record of a tab's transcript in append order.
func (s *FileStore) Read(tabID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(s.transcriptPath(tabID))
	if os.IsNotExist(err) {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
