package chat

import (
	"context"
	"log/slog"

	"github.com/tabchat/server/editor"
	"github.com/tabchat/server/generate"
	"github.com/tabchat/server/rpc"
)

// EditorStateExtractor turns a document and cursor ranges into editor state.
type EditorStateExtractor interface {
	ExtractEditorState(ctx context.Context, uri string, cursors []rpc.CursorState) (*editor.State, error)
}

// GenerationOptions are the settings-driven parts of a request.
type GenerationOptions struct {
	Model        string
	MaxTokens    int
	SystemPrompt string
}

// RequestAssembler builds outbound generation requests.
type RequestAssembler struct {
	extractor EditorStateExtractor
}

func NewRequestAssembler(extractor EditorStateExtractor) *RequestAssembler {
	return &RequestAssembler{extractor: extractor}
}

// Assemble attaches editor state only when both a document and cursor
// ranges were supplied. Extraction failures are logged and the request is
// built without editor state.
func (a *RequestAssembler) Assemble(ctx context.Context, log *slog.Logger, params rpc.ChatPromptParams, conversationID string, opts GenerationOptions) generate.Request {
	req := generate.Request{
		ConversationID: conversationID,
		Prompt:         params.Prompt.Prompt,
		Model:          opts.Model,
		MaxTokens:      opts.MaxTokens,
		SystemPrompt:   opts.SystemPrompt,
	}

	if a.extractor == nil || params.TextDocument == nil || params.TextDocument.URI == "" || len(params.CursorState) == 0 {
		return req
	}

	state, err := a.extractor.ExtractEditorState(ctx, params.TextDocument.URI, params.CursorState)
	if err != nil {
		log.Warn("failed to extract editor state", "uri", params.TextDocument.URI, "error", err)
		return req
	}
	req.EditorState = state
	return req
}
