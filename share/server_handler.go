package wsshare

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/wshandshake/pkg/handshake"
	"github.com/sammck-go/wshandshake/pkg/handshakers"
)

// BuildVersion is reported by the /version endpoint
var BuildVersion = "0.0.0-src"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{handshakers.WebSocketSubprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleHTTP is the HTTP handler of a websocket ingress server. Websocket
// upgrades speaking our subprotocol become handshake endpoints.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if protocol == handshakers.WebSocketSubprotocol {
			s.DLogf("Upgrading to websocket, URL tail=\"%s\", protocol=\"%s\"", r.URL.String(), protocol)
			wsConn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				s.DLogf("Failed to upgrade to websocket: %s", err)
				return
			}
			s.handleConn(handshakers.NewWebSocketConn(wsConn), &handshake.Acceptor{Listener: s.httpServer.listener})
			return
		}

		s.ILogf("Client connection using unsupported websocket protocol '%s', expected '%s'",
			protocol, handshakers.WebSocketSubprotocol)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(BuildVersion))
		return
	}

	http.Error(w, "Not Found", http.StatusNotFound)
}
