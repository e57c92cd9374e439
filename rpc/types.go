// Package rpc defines JSON-RPC 2.0 wire format types for the chat language server.
// These types represent the params and result structures for all protocol methods.
package rpc

import "encoding/json"

// Method names.
const (
	MethodInitialize     = "initialize"
	MethodInitialized    = "initialized"
	MethodShutdown       = "shutdown"
	MethodExit           = "exit"
	MethodCancelRequest  = "$/cancelRequest"
	MethodProgress       = "$/progress"
	MethodTelemetryEvent = "telemetry/event"

	MethodDidOpen                = "textDocument/didOpen"
	MethodDidChange              = "textDocument/didChange"
	MethodDidClose               = "textDocument/didClose"
	MethodDidChangeConfiguration = "workspace/didChangeConfiguration"

	MethodTabAdd         = "chat/tabAdd"
	MethodTabRemove      = "chat/tabRemove"
	MethodTabChange      = "chat/tabChange"
	MethodEndChat        = "chat/endChat"
	MethodSendChatPrompt = "chat/sendChatPrompt"
)

// LSP error codes not covered by jsonrpc2.
const (
	CodeServerNotInitialized int64 = -32002
	CodeRequestCancelled     int64 = -32800
)

// Text documents

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent carries the full document text (full sync only).
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// Lifecycle

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ProcessID             *int            `json:"processId"`
	RootURI               string          `json:"rootUri,omitempty"`
	ClientInfo            *ClientInfo     `json:"clientInfo,omitempty"`
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TextDocumentSyncKindFull sends the whole document on every change.
const TextDocumentSyncKindFull = 1

type ServerCapabilities struct {
	TextDocumentSync int             `json:"textDocumentSync"`
	Experimental     map[string]bool `json:"experimental,omitempty"`
}

type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   ServerInfo         `json:"serverInfo"`
}

type CancelParams struct {
	ID json.RawMessage `json:"id"`
}

type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

// Chat

type TabParams struct {
	TabID string `json:"tabId"`
}

type ChatPrompt struct {
	Prompt string `json:"prompt,omitempty"`
}

type CursorState struct {
	Range Range `json:"range"`
}

type ChatPromptParams struct {
	TabID              string                  `json:"tabId"`
	Prompt             ChatPrompt              `json:"prompt"`
	TextDocument       *TextDocumentIdentifier `json:"textDocument,omitempty"`
	CursorState        []CursorState           `json:"cursorState,omitempty"`
	PartialResultToken json.RawMessage         `json:"partialResultToken,omitempty"`
}

// HasPartialResultToken reports whether the client asked for progress reports.
func (p ChatPromptParams) HasPartialResultToken() bool {
	return len(p.PartialResultToken) > 0 && string(p.PartialResultToken) != "null"
}

type CodeReference struct {
	LicenseName       string `json:"licenseName,omitempty"`
	RepositoryURL     string `json:"repository,omitempty"`
	URL               string `json:"url,omitempty"`
	RecommendationRef string `json:"recommendationContentSpan,omitempty"`
}

type FollowUpItem struct {
	Pillar  string `json:"pillar,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Message string `json:"message,omitempty"`
}

type FollowUp struct {
	Text    string         `json:"text,omitempty"`
	Options []FollowUpItem `json:"options,omitempty"`
}

type RelatedContentItem struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"body,omitempty"`
}

type RelatedContent struct {
	Title   string               `json:"title,omitempty"`
	Content []RelatedContentItem `json:"content"`
}

// ChatResult is the response to chat/sendChatPrompt and the value of each
// progress report.
type ChatResult struct {
	MessageID      string          `json:"messageId,omitempty"`
	Body           string          `json:"body"`
	CanBeVoted     *bool           `json:"canBeVoted,omitempty"`
	CodeReference  []CodeReference `json:"codeReference,omitempty"`
	FollowUp       *FollowUp       `json:"followUp,omitempty"`
	RelatedContent *RelatedContent `json:"relatedContent,omitempty"`
}

type EndChatResult = bool

// Server → Client

type ProgressParams struct {
	Token json.RawMessage `json:"token"`
	Value any             `json:"value"`
}

// TelemetryEvent is the payload of telemetry/event notifications.
type TelemetryEvent struct {
	Name   string         `json:"name"`
	Result string         `json:"result,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}
