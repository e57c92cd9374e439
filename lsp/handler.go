package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tabchat/server/chat"
	"github.com/tabchat/server/logger"
	"github.com/tabchat/server/rpc"
)

// methodHandler dispatches one connection's messages. Notifications run
// inline so tab and document events apply in arrival order; prompts run on
// their own goroutine and can be cancelled with $/cancelRequest.
type methodHandler struct {
	*Server
	state *connState
	log   *slog.Logger
}

func (h *methodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		h.guard(req, func() { h.handleNotification(ctx, conn, req) })
		return
	}

	if req.Method != rpc.MethodSendChatPrompt {
		h.guard(req, func() { h.handleRequest(ctx, conn, req) })
		return
	}

	reqCtx, done := h.state.trackRequest(ctx, req.ID)
	go func() {
		defer done()
		h.guard(req, func() { h.handleRequest(reqCtx, conn, req) })
	}()
}

func (h *methodHandler) guard(req *jsonrpc2.Request, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()
	fn()
}

func (h *methodHandler) handleRequest(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	if req.Method == rpc.MethodInitialize {
		h.handleInitialize(ctx, conn, req)
		return
	}
	if !h.state.isInitialized() {
		h.replyError(ctx, conn, req.ID, rpc.CodeServerNotInitialized, "server not initialized")
		return
	}
	if h.state.isShuttingDown() {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "server is shutting down")
		return
	}

	switch req.Method {
	case rpc.MethodShutdown:
		h.handleShutdown(ctx, conn, req)
	case rpc.MethodEndChat:
		h.handleEndChat(ctx, conn, req)
	case rpc.MethodSendChatPrompt:
		h.handleChatPrompt(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *methodHandler) handleNotification(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received notification", "method", req.Method)

	if req.Method == rpc.MethodExit {
		h.state.markExited()
		conn.Close()
		return
	}
	if !h.state.isInitialized() {
		h.log.Warn("dropping notification before initialize", "method", req.Method)
		return
	}

	switch req.Method {
	case rpc.MethodInitialized:
	case rpc.MethodCancelRequest:
		h.handleCancelRequest(req)
	case rpc.MethodDidOpen:
		h.handleDidOpen(req)
	case rpc.MethodDidChange:
		h.handleDidChange(req)
	case rpc.MethodDidClose:
		h.handleDidClose(req)
	case rpc.MethodDidChangeConfiguration:
		h.handleDidChangeConfiguration(req)
	case rpc.MethodTabAdd:
		if tabID, ok := h.tabID(req); ok {
			h.state.controller.OnTabAdd(ctx, tabID)
		}
	case rpc.MethodTabRemove:
		if tabID, ok := h.tabID(req); ok {
			h.state.controller.OnTabRemove(tabID)
		}
	case rpc.MethodTabChange:
		if tabID, ok := h.tabID(req); ok {
			h.state.controller.OnTabChange(tabID)
		}
	case rpc.MethodEndChat:
		if tabID, ok := h.tabID(req); ok {
			h.state.controller.OnEndChat(ctx, tabID)
		}
	default:
		// Optional protocol notifications may be ignored.
		if !strings.HasPrefix(req.Method, "$/") {
			h.log.Debug("unhandled notification", "method", req.Method)
		}
	}
}

// Lifecycle

func (h *methodHandler) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.InitializeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if !h.state.markInitialized() {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "server already initialized")
		return
	}

	h.state.extractor.SetRoot(params.RootURI)
	if len(params.InitializationOptions) > 0 {
		h.applyClientSettings(params.InitializationOptions)
	}

	client := "unknown"
	if params.ClientInfo != nil {
		client = params.ClientInfo.Name
	}
	h.log.Info("initialized", "client", client, "rootUri", params.RootURI)

	result := rpc.InitializeResult{
		Capabilities: rpc.ServerCapabilities{
			TextDocumentSync: rpc.TextDocumentSyncKindFull,
			Experimental:     map[string]bool{"chat": true},
		},
		ServerInfo: rpc.ServerInfo{Name: serverName, Version: h.version},
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send initialize response", "error", err)
	}
}

func (h *methodHandler) handleShutdown(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.state.markShutdown()
	h.state.sessions.Close()
	h.log.Info("shutdown requested")

	if err := conn.Reply(ctx, req.ID, nil); err != nil {
		h.log.Error("failed to send shutdown response", "error", err)
	}
}

func (h *methodHandler) handleCancelRequest(req *jsonrpc2.Request) {
	var params rpc.CancelParams
	if err := unmarshalParams(req, &params); err != nil {
		h.log.Warn("invalid cancel params", "error", err)
		return
	}
	var id jsonrpc2.ID
	if err := json.Unmarshal(params.ID, &id); err != nil {
		h.log.Warn("invalid cancel id", "error", err)
		return
	}
	if h.state.cancelRequest(id) {
		h.log.Debug("request cancelled", "id", id)
	}
}

// Documents

func (h *methodHandler) handleDidOpen(req *jsonrpc2.Request) {
	var params rpc.DidOpenTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		h.log.Warn("invalid didOpen params", "error", err)
		return
	}
	h.state.documents.Open(params.TextDocument)
}

func (h *methodHandler) handleDidChange(req *jsonrpc2.Request) {
	var params rpc.DidChangeTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		h.log.Warn("invalid didChange params", "error", err)
		return
	}
	if err := h.state.documents.Change(params); err != nil {
		h.log.Warn("failed to apply document change", "uri", params.TextDocument.URI, "error", err)
	}
}

func (h *methodHandler) handleDidClose(req *jsonrpc2.Request) {
	var params rpc.DidCloseTextDocumentParams
	if err := unmarshalParams(req, &params); err != nil {
		h.log.Warn("invalid didClose params", "error", err)
		return
	}
	h.state.documents.Close(params.TextDocument.URI)
}

// Configuration

func (h *methodHandler) handleDidChangeConfiguration(req *jsonrpc2.Request) {
	var params rpc.DidChangeConfigurationParams
	if err := unmarshalParams(req, &params); err != nil {
		h.log.Warn("invalid configuration params", "error", err)
		return
	}
	h.applyClientSettings(params.Settings)
}

func (h *methodHandler) applyClientSettings(raw json.RawMessage) {
	if h.settings == nil {
		return
	}
	updated, err := h.settings.Apply(raw)
	if err != nil {
		h.log.Warn("ignoring client settings", "error", err)
		return
	}
	h.ApplySettings(updated)
}

// Chat

func (h *methodHandler) tabID(req *jsonrpc2.Request) (string, bool) {
	var params rpc.TabParams
	if err := unmarshalParams(req, &params); err != nil {
		h.log.Warn("invalid tab params", "method", req.Method, "error", err)
		return "", false
	}
	if params.TabID == "" {
		h.log.Warn("tabId is required", "method", req.Method)
		return "", false
	}
	return params.TabID, true
}

func (h *methodHandler) handleEndChat(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TabParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.TabID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "tabId is required")
		return
	}

	result := h.state.controller.OnEndChat(ctx, params.TabID)
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send endChat response", "error", err)
	}
}

func (h *methodHandler) handleChatPrompt(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatPromptParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.TabID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "tabId is required")
		return
	}

	result, err := h.state.controller.OnChatPrompt(ctx, params)

	// The reply must go out even when the request was cancelled.
	replyCtx := context.WithoutCancel(ctx)
	if err != nil {
		re, ok := chat.AsResponseError(err)
		if !ok {
			h.replyError(replyCtx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
			return
		}
		if replyErr := conn.ReplyWithError(replyCtx, req.ID, re.JSONRPC()); replyErr != nil {
			h.log.Error("failed to send chat prompt error", "error", replyErr)
		}
		return
	}

	if err := conn.Reply(replyCtx, req.ID, result); err != nil {
		h.log.Error("failed to send chat prompt response", "error", err)
	}
}

func (h *methodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}
