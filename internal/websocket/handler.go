package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Identify resolves the user behind an upgrade request. It returns 0 for
// anonymous connections and an error for a presented but invalid credential.
type Identify func(r *http.Request) (int64, error)

// HandleWebSocket upgrades connections from the allowed origins and runs
// them as Hub clients.
func HandleWebSocket(hub *Hub, originPatterns []string, identify Identify, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := identify(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		NewClient(hub, conn, userID).Run(r.Context())
	}
}
