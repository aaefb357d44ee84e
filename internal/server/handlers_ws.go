package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphael-dev/raphael/internal/auth"
	"github.com/raphael-dev/raphael/internal/hub"
	"github.com/raphael-dev/raphael/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local-first tool; the UI may be served from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and hands it to the hub. Auth
// failures surface as application close codes after the upgrade so browser
// clients can read them.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ac := AuthFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := ac.RequireAuth(); err != nil {
		code := hub.CloseUnauthorized
		if errors.Is(err, auth.ErrForbidden) {
			code = hub.CloseForbidden
		}
		closeWith(ws, code)
		return
	}

	defaultDrop, err := s.registry.Resolve(r.Context(), "", false)
	if err != nil {
		s.logger.Error("resolve default drop for websocket", "error", err)
		closeWith(ws, websocket.CloseInternalServerErr)
		return
	}

	// Subscribe resolution runs per message with the connect-time principal.
	// Only admins can create drops by subscribing to an unknown name.
	subscribe := func(ctx context.Context, selector string) (int64, error) {
		drop, err := s.registry.Resolve(ctx, selector, ac.IsAdmin())
		if err != nil {
			return 0, err
		}
		if err := s.resolver.RequireDropAccess(ctx, ac, drop.ID, model.ActionQuery); err != nil {
			return 0, err
		}
		return drop.ID, nil
	}

	s.hub.Serve(r.Context(), ws, defaultDrop.ID, subscribe)
}

func closeWith(ws *websocket.Conn, code int) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	ws.Close()
}
