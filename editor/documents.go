// Package editor tracks open text documents and turns a document plus cursor
// ranges into the editor-state payload attached to chat prompts.
package editor

import (
	"errors"
	"sync"

	"github.com/tabchat/server/rpc"
)

var ErrDocumentNotOpen = errors.New("document not open")

// Document is the server-side copy of a client document (full sync).
type Document struct {
	URI        string
	LanguageID string
	Version    int
	Text       string
}

// Documents holds the documents the client has opened.
type Documents struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewDocuments() *Documents {
	return &Documents{docs: make(map[string]Document)}
}

func (d *Documents) Open(item rpc.TextDocumentItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[item.URI] = Document{
		URI:        item.URI,
		LanguageID: item.LanguageID,
		Version:    item.Version,
		Text:       item.Text,
	}
}

// Change replaces the document text. Only the last content change is applied
// since the server advertises full sync. Stale versions are ignored.
func (d *Documents) Change(params rpc.DidChangeTextDocumentParams) error {
	if len(params.ContentChanges) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, ok := d.docs[params.TextDocument.URI]
	if !ok {
		return ErrDocumentNotOpen
	}
	if params.TextDocument.Version < doc.Version {
		return nil
	}

	doc.Version = params.TextDocument.Version
	doc.Text = params.ContentChanges[len(params.ContentChanges)-1].Text
	d.docs[doc.URI] = doc
	return nil
}

func (d *Documents) Close(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.docs, uri)
}

// Get returns a copy of the document. Returns (doc, found).
func (d *Documents) Get(uri string) (Document, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[uri]
	return doc, ok
}

func (d *Documents) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}
