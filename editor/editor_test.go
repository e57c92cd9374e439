package editor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tabchat/server/rpc"
)

func openDoc(docs *Documents, uri, text string) {
	docs.Open(rpc.TextDocumentItem{URI: uri, LanguageID: "typescript", Version: 1, Text: text})
}

func TestDocuments_Lifecycle(t *testing.T) {
	docs := NewDocuments()
	openDoc(docs, "file:///test.ts", "v1")

	err := docs.Change(rpc.DidChangeTextDocumentParams{
		TextDocument:   rpc.VersionedTextDocumentIdentifier{URI: "file:///test.ts", Version: 2},
		ContentChanges: []rpc.TextDocumentContentChangeEvent{{Text: "v2-partial"}, {Text: "v2"}},
	})
	if err != nil {
		t.Fatalf("Change failed: %v", err)
	}

	doc, ok := docs.Get("file:///test.ts")
	if !ok {
		t.Fatal("expected document to be open")
	}
	if doc.Text != "v2" || doc.Version != 2 {
		t.Errorf("expected v2 at version 2, got %q at %d", doc.Text, doc.Version)
	}

	docs.Close("file:///test.ts")
	if _, ok := docs.Get("file:///test.ts"); ok {
		t.Error("expected document to be closed")
	}
	if docs.Len() != 0 {
		t.Errorf("expected 0 documents, got %d", docs.Len())
	}
}

func TestDocuments_ChangeIgnoresStaleVersion(t *testing.T) {
	docs := NewDocuments()
	docs.Open(rpc.TextDocumentItem{URI: "file:///a.go", Version: 5, Text: "current"})

	_ = docs.Change(rpc.DidChangeTextDocumentParams{
		TextDocument:   rpc.VersionedTextDocumentIdentifier{URI: "file:///a.go", Version: 3},
		ContentChanges: []rpc.TextDocumentContentChangeEvent{{Text: "stale"}},
	})

	doc, _ := docs.Get("file:///a.go")
	if doc.Text != "current" {
		t.Errorf("expected stale change to be ignored, got %q", doc.Text)
	}
}

func TestDocuments_ChangeUnknown(t *testing.T) {
	docs := NewDocuments()
	err := docs.Change(rpc.DidChangeTextDocumentParams{
		TextDocument:   rpc.VersionedTextDocumentIdentifier{URI: "file:///missing.go", Version: 1},
		ContentChanges: []rpc.TextDocumentContentChangeEvent{{Text: "x"}},
	})
	if !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("expected ErrDocumentNotOpen, got %v", err)
	}
}

func TestExtractor_DocumentNotOpen(t *testing.T) {
	e := NewExtractor(NewDocuments(), 0)
	_, err := e.ExtractEditorState(context.Background(), "file:///nope.ts", nil)
	if !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("expected ErrDocumentNotOpen, got %v", err)
	}
}

func TestExtractor_ExtractsWholeSmallDocument(t *testing.T) {
	docs := NewDocuments()
	openDoc(docs, "file:///work/src/test.ts", "const a = 1\nconst b = 2\n")

	e := NewExtractor(docs, 0)
	e.SetRoot("file:///work")

	cursor := rpc.CursorState{Range: rpc.Range{
		Start: rpc.Position{Line: 1, Character: 1},
		End:   rpc.Position{Line: 1, Character: 1},
	}}
	state, err := e.ExtractEditorState(context.Background(), "file:///work/src/test.ts", []rpc.CursorState{cursor})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.Cursor == nil || *state.Cursor != cursor.Range {
		t.Errorf("expected cursor %+v, got %+v", cursor.Range, state.Cursor)
	}
	if state.Document == nil {
		t.Fatal("expected document context")
	}
	if state.Document.RelativeFilePath != "src/test.ts" {
		t.Errorf("expected relative path src/test.ts, got %q", state.Document.RelativeFilePath)
	}
	if state.Document.LanguageID != "typescript" {
		t.Errorf("expected language typescript, got %q", state.Document.LanguageID)
	}
	if state.Document.Text != "const a = 1\nconst b = 2\n" {
		t.Errorf("expected whole document, got %q", state.Document.Text)
	}
	if state.Document.StartLine != 0 {
		t.Errorf("expected start line 0, got %d", state.Document.StartLine)
	}
}

func TestExtractor_PathOutsideRoot(t *testing.T) {
	docs := NewDocuments()
	openDoc(docs, "file:///elsewhere/x.ts", "x")

	e := NewExtractor(docs, 0)
	e.SetRoot("file:///work")

	state, err := e.ExtractEditorState(context.Background(), "file:///elsewhere/x.ts", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Document.RelativeFilePath != "/elsewhere/x.ts" {
		t.Errorf("expected absolute path for file outside root, got %q", state.Document.RelativeFilePath)
	}
	if state.Cursor != nil {
		t.Error("expected no cursor when none supplied")
	}
}

func TestWindowAround_AlwaysKeepsCenterLine(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line of text number something\n")
	}
	b.WriteString("the cursor line\n")
	for i := 0; i < 50; i++ {
		b.WriteString("more text after the cursor\n")
	}

	text, start := windowAround(b.String(), 50, 1)
	if text != "the cursor line\n" {
		t.Errorf("expected only the cursor line, got %q", text)
	}
	if start != 50 {
		t.Errorf("expected start line 50, got %d", start)
	}
}

func TestWindowAround_GrowsBothDirections(t *testing.T) {
	lines := []string{"a\n", "b\n", "c\n", "d\n", "e\n"}
	text, start := windowAround(strings.Join(lines, ""), 2, 1000)

	if text != "a\nb\nc\nd\ne\n" {
		t.Errorf("expected whole text under large budget, got %q", text)
	}
	if start != 0 {
		t.Errorf("expected start 0, got %d", start)
	}
}

func TestWindowAround_ClampsCenter(t *testing.T) {
	text, start := windowAround("first\nlast\n", 99, 1)
	if text != "last\n" || start != 1 {
		t.Errorf("expected clamp to last line, got %q at %d", text, start)
	}

	text, start = windowAround("", 0, 10)
	if text != "" || start != 0 {
		t.Errorf("expected empty window for empty text, got %q at %d", text, start)
	}
}
