package server

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/relay-gateway/internal/logging"
	"github.com/adred-codev/relay-gateway/internal/session"
)

const writeWait = 5 * time.Second

// readPump reads frames from the connection until it errors or closes.
// Transport failures are implicit disconnects: the deferred terminate runs
// the full cascade and the peer is never told apart from a clean close.
func (s *Server) readPump(sess *session.Session) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{"session_id": sess.ID()})

	reason := "transport_error"
	defer func() {
		s.sessions.Terminate(sess.ID(), reason)
	}()

	conn := sess.Conn()
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.MissedHeartbeatTimeout))

		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}

		// Any inbound frame is proof of life.
		s.sessions.Heartbeat(sess.ID())

		switch op {
		case ws.OpText, ws.OpBinary:
			s.metrics.RecordMessageIn()
			s.dispatch(sess, msg)
		case ws.OpClose:
			reason = "client_close"
			return
		}
	}
}

// writePump drains the session's outbound queue, batching queued frames
// behind one flush, and pings on the heartbeat interval.
func (s *Server) writePump(sess *session.Session) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "writePump", map[string]any{"session_id": sess.ID()})

	conn := sess.Conn()
	writer := bufio.NewWriter(conn)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.sessions.Terminate(sess.ID(), "transport_error")
	}()

	for {
		select {
		case <-sess.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return

		case frame := <-sess.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Write failed")
				return
			}

			// Batch whatever else is already queued behind a single flush.
			n := len(sess.Outbound())
			for i := 0; i < n; i++ {
				frame = <-sess.Outbound()
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("session_id", sess.ID()).Msg("Ping failed")
				return
			}
		}
	}
}
