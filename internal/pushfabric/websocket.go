package pushfabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/kazicore/internal/orchestrator"
	"github.com/ashureev/kazicore/internal/orcherrors"
)

// WebSocketHandler adapts a Fabric Subscription to a WebSocket
// connection, grounded on the teacher's terminal.WebSocketHandler
// input/output pump pair (the teacher pumps PTY bytes; here the output
// pump drains Subscription.Events() and the input pump reads ping/auth
// control messages). The first inbound message after connect must be
// the auth handshake (original_source/src/websocket_manager.py).
type WebSocketHandler struct {
	fabric        *Fabric
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler builds a WebSocketHandler over fabric.
func NewWebSocketHandler(fabric *Fabric, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{fabric: fabric, allowedOrigin: allowedOrigin, isDev: isDev}
}

type inboundMessage struct {
	Type      string `json:"type"` // "auth" | "ping"
	UserID    string `json:"user_id,omitempty"`
	AuthProof string `json:"auth_proof,omitempty"`
}

type outboundEvent struct {
	Seq   int64                   `json:"seq"`
	Kind  orchestrator.EventKind  `json:"kind"`
	Event orchestrator.Event      `json:"event"`
}

// ServeHTTP implements http.Handler for the subscribe(user_id, auth_proof)
// WebSocket upgrade (§6, §4.J).
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("pushfabric: failed to accept websocket", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "subscription ended") }()

	grace := h.fabric.cfg.AuthGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), grace)
	_, raw, err := conn.Read(ctx)
	cancel()
	if err != nil {
		slog.Warn("pushfabric: no auth handshake received", "error", err)
		return
	}

	var first inboundMessage
	if err := json.Unmarshal(raw, &first); err != nil || first.Type != "auth" {
		_ = writeJSON(r.Context(), conn, map[string]string{"error": "first message must be auth"})
		return
	}

	sub, err := h.fabric.Subscribe(r.Context(), first.UserID, first.AuthProof)
	if err != nil {
		_ = writeJSON(r.Context(), conn, map[string]string{"error": "unauthorized"})
		return
	}
	defer h.fabric.Unsubscribe(sub)

	ctx, cancel = context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); defer cancel(); h.inputLoop(ctx, conn, sub) }()
	go func() { defer wg.Done(); defer cancel(); h.outputLoop(ctx, conn, sub) }()
	wg.Wait()
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong := h.fabric.Pong(sub)
			if err := writeJSON(ctx, conn, outboundEvent{Seq: sub.NextSeq(), Kind: pong.Kind, Event: pong}); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Backpressured() {
					final := orchestrator.Event{Kind: orchestrator.EventError, ErrorKind: orcherrors.KindSubscriberBackpressure}
					_ = writeJSON(ctx, conn, outboundEvent{Seq: sub.NextSeq(), Kind: final.Kind, Event: final})
				}
				return
			}
			if err := writeJSON(ctx, conn, outboundEvent{Seq: sub.NextSeq(), Kind: ev.Kind, Event: ev}); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("pushfabric: websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
