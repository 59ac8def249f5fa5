package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-livechat/internal/auth"
	"github.com/npezzotti/go-livechat/internal/server"
	"github.com/npezzotti/go-livechat/internal/types"
)

const closeWait = time.Second

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("healthz:", err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveWs upgrades the request and authenticates the handshake credential.
// A rejected credential still gets the upgrade so the client can read the
// error event and the close code; no connection is registered for it.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, authErr := s.verifier.Verify(r.Context(), tokenFromRequest(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if authErr != nil {
		if errors.Is(authErr, auth.ErrUnauthenticated) {
			s.log.Printf("handshake from %s rejected: %v", r.RemoteAddr, authErr)
			s.reject(conn, server.ErrUnauthorized(0), server.CloseAuthFailed, "authentication failed")
		} else {
			s.log.Println("verify handshake credential:", authErr)
			s.reject(conn, server.ErrInternalError(0), websocket.CloseInternalServerErr, "internal error")
		}
		return
	}

	client := server.NewClient(types.User{
		Id:       id.UserId,
		Username: id.Username,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Process()
	go client.Read()
}

func (s *GoChatApp) reject(conn *websocket.Conn, msg *server.ServerMessage, code int, reason string) {
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(closeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Println("write handshake error:", err)
		return
	}

	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
}
