package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tabchat/server/chat"
	"github.com/tabchat/server/rpc"
	"github.com/tabchat/server/watch"
)

var errNotConnected = errors.New("notifier is not bound to a connection")

// JSONRPCNotifier adapts jsonrpc2.Conn to watch.Notifier and chat.ProgressReporter.
type JSONRPCNotifier struct {
	mu   sync.RWMutex
	conn *jsonrpc2.Conn
}

var (
	_ watch.Notifier        = (*JSONRPCNotifier)(nil)
	_ chat.ProgressReporter = (*JSONRPCNotifier)(nil)
)

func NewJSONRPCNotifier(conn *jsonrpc2.Conn) *JSONRPCNotifier {
	return &JSONRPCNotifier{conn: conn}
}

func (n *JSONRPCNotifier) bind(conn *jsonrpc2.Conn) {
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
}

func (n *JSONRPCNotifier) Notify(ctx context.Context, notif watch.Notification) error {
	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.Notify(ctx, notif.Method, notif.Params)
}

// ReportProgress sends one $/progress notification for token.
func (n *JSONRPCNotifier) ReportProgress(ctx context.Context, token json.RawMessage, value rpc.ChatResult) error {
	return n.Notify(ctx, watch.Notification{
		Method: rpc.MethodProgress,
		Params: rpc.ProgressParams{Token: token, Value: value},
	})
}
