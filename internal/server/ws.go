package server

import (
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/relay-gateway/internal/auth"
	"github.com/adred-codev/relay-gateway/internal/gateway"
)

// handleWebSocket performs the upgrade handshake. Token and admission
// failures are rejected before the upgrade so no session or channel state
// is ever created for them.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	tenant := s.tenantResolver(r)

	var token string
	if s.cfg.AuthEnabled && s.cfg.RequireToken {
		var err error
		token, err = auth.TokenFromRequest(r)
		if err != nil {
			s.metrics.ConnectionsFailed.WithLabelValues("no_token").Inc()
			http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			s.metrics.ConnectionsFailed.WithLabelValues("invalid_token").Inc()
			s.logger.Debug().Err(err).Str("client_ip", ip).Msg("Handshake token rejected")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if tenant == "" {
			tenant = claims.TenantID
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.ConnectionsFailed.WithLabelValues("upgrade").Inc()
		s.logger.Debug().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	sess, err := s.sessions.Register(conn, ip, tenant)
	if err != nil {
		s.rejectUpgraded(conn, err)
		return
	}

	if token != "" {
		if _, err := s.sessions.Authenticate(sess.ID(), token); err != nil {
			s.sessions.Terminate(sess.ID(), "handshake_auth")
			s.rejectUpgraded(conn, err)
			return
		}
	}

	s.logger.Debug().
		Str("session_id", sess.ID()).
		Str("client_ip", ip).
		Str("tenant", tenant).
		Msg("Connection established")

	s.wg.Add(2)
	go s.writePump(sess)
	go s.readPump(sess)
}

// rejectUpgraded closes a connection that passed the HTTP upgrade but failed
// registration, with a structured close frame. Rate-limited attempts get a
// retry hint and may reconnect; exhausted capacity maps to try-again-later.
func (s *Server) rejectUpgraded(conn net.Conn, err error) {
	code := ws.StatusPolicyViolation
	reason := gateway.Code(err)
	switch reason {
	case "RESOURCE_EXHAUSTED":
		code = ws.StatusCode(1013) // Try Again Later; gobwas/ws defines no named constant
	case "RATE_LIMITED":
		reason += " retry_after_ms=1000"
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	conn.Close()

	s.logger.Debug().Str("reason", reason).Msg("Connection rejected after upgrade")
}
