package editor

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tabchat/server/rpc"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultTokenBudget bounds the document text attached to a prompt.
const DefaultTokenBudget = 2000

// State is the editor context attached to an outbound generation request.
type State struct {
	Document *DocumentContext `json:"document,omitempty"`
	Cursor   *rpc.Range       `json:"cursorState,omitempty"`
}

// DocumentContext is the part of a document sent along with the prompt.
type DocumentContext struct {
	RelativeFilePath string `json:"relativeFilePath"`
	LanguageID       string `json:"programmingLanguage,omitempty"`
	Text             string `json:"text"`
	// StartLine is the zero-based line of the first line of Text.
	StartLine int `json:"startLine"`
}

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// countTokens falls back to a characters/4 estimate when the codec is unavailable.
func countTokens(text string) int {
	c, err := getCodec()
	if err == nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}

// Extractor builds editor state from the open documents.
type Extractor struct {
	docs *Documents

	mu          sync.RWMutex
	rootDir     string
	tokenBudget int
}

func NewExtractor(docs *Documents, tokenBudget int) *Extractor {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Extractor{docs: docs, tokenBudget: tokenBudget}
}

// SetRoot sets the workspace root used to compute relative file paths.
func (e *Extractor) SetRoot(rootURI string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rootDir = uriToPath(rootURI)
}

func (e *Extractor) root() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rootDir
}

// SetTokenBudget changes the budget for later extractions. Non-positive
// values restore DefaultTokenBudget.
func (e *Extractor) SetTokenBudget(budget int) {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	e.mu.Lock()
	e.tokenBudget = budget
	e.mu.Unlock()
}

func (e *Extractor) budget() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tokenBudget
}

// ExtractEditorState returns the context for the first cursor in cursors.
// Returns ErrDocumentNotOpen if the client never opened uri.
func (e *Extractor) ExtractEditorState(ctx context.Context, uri string, cursors []rpc.CursorState) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, ok := e.docs.Get(uri)
	if !ok {
		return nil, ErrDocumentNotOpen
	}

	state := &State{}
	cursorLine := 0
	if len(cursors) > 0 {
		r := cursors[0].Range
		state.Cursor = &r
		cursorLine = r.Start.Line
	}

	text, startLine := windowAround(doc.Text, cursorLine, e.budget())
	state.Document = &DocumentContext{
		RelativeFilePath: e.relativePath(uri),
		LanguageID:       doc.LanguageID,
		Text:             text,
		StartLine:        startLine,
	}
	return state, nil
}

func (e *Extractor) relativePath(uri string) string {
	path := uriToPath(uri)
	root := e.root()
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// windowAround grows a window of lines outward from center, alternating below
// and above, until adding the next line would exceed budget tokens. The
// center line is always included.
func windowAround(text string, center, budget int) (string, int) {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 1 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if center < 0 {
		center = 0
	}
	if center >= len(lines) {
		center = len(lines) - 1
	}

	start, end := center, center+1
	used := countTokens(lines[center])

	for start > 0 || end < len(lines) {
		grew := false
		if end < len(lines) {
			if n := countTokens(lines[end]); used+n <= budget {
				used += n
				end++
				grew = true
			}
		}
		if start > 0 {
			if n := countTokens(lines[start-1]); used+n <= budget {
				used += n
				start--
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	return strings.Join(lines[start:end], ""), start
}

func uriToPath(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return uri
	}
	if u.Scheme != "file" {
		return uri
	}
	return filepath.FromSlash(u.Path)
}
