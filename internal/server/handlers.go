package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/relay-gateway/internal/broadcast"
	"github.com/adred-codev/relay-gateway/internal/gateway"
	"github.com/adred-codev/relay-gateway/internal/session"
)

// dispatch parses an inbound envelope and routes it to its handler. All
// failures are reported only to the offending session; the connection stays
// up unless a strike limit says otherwise.
func (s *Server) dispatch(sess *session.Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		s.logger.Debug().Str("session_id", sess.ID()).Msg("Malformed envelope")
		s.sessions.SendTo(sess, errorFrame("MALFORMED", "invalid message envelope", 0))
		return
	}

	// Message-rate gating, keyed by session. Non-fatal: the frame is
	// dropped with a retry hint, and only a sustained pattern of
	// violations terminates the session.
	if s.msgLimiter != nil && !s.msgLimiter.Allow(sess.ID()) {
		s.metrics.RecordRateLimited("message")
		s.sessions.SendTo(sess, errorFrame("RATE_LIMITED", "too many messages", time.Second))

		if strikes := sess.RecordStrike(); s.cfg.RateLimitStrikes > 0 && strikes >= int32(s.cfg.RateLimitStrikes) {
			s.logger.Warn().
				Str("session_id", sess.ID()).
				Int32("strikes", strikes).
				Msg("Terminating session after repeated rate-limit violations")
			s.sessions.Terminate(sess.ID(), "rate_limit_strikes")
		}
		return
	}

	h, ok := s.handler(env.Type)
	if !ok {
		s.sessions.SendTo(sess, errorFrame("UNKNOWN_TYPE", fmt.Sprintf("unknown message type %q", env.Type), 0))
		return
	}

	if err := h(&Context{Server: s, Session: sess}, env.Data); err != nil {
		s.sessions.SendTo(sess, errorFrame(gateway.Code(err), err.Error(), 0))
	}
}

func (s *Server) registerBuiltinHandlers() {
	s.handlers[TypeAuth] = s.handleAuth
	s.handlers[TypeSubscribe] = s.handleSubscribe
	s.handlers[TypeUnsubscribe] = s.handleUnsubscribe
	s.handlers[TypePublish] = s.handlePublish
	s.handlers[TypeHeartbeat] = s.handleHeartbeat
}

func (s *Server) handleAuth(ctx *Context, data json.RawMessage) error {
	if !s.cfg.AuthEnabled {
		return fmt.Errorf("%w: authentication is disabled", gateway.ErrUnauthenticated)
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		return fmt.Errorf("%w: token required", gateway.ErrUnauthenticated)
	}

	claims, err := s.sessions.Authenticate(ctx.Session.ID(), req.Token)
	if err != nil {
		return err
	}

	ctx.Reply(ackFrame("auth_ack", map[string]any{
		"user_id": claims.UserID,
		"tenant":  ctx.Session.TenantID(),
		"roles":   claims.Roles,
	}))
	return nil
}

func (s *Server) handleSubscribe(ctx *Context, data json.RawMessage) error {
	names, err := channelNames(data)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		key, err := s.channels.Subscribe(ctx.Session, name)
		if err != nil {
			// Reject this request; the session stays connected and any
			// earlier names in the batch stay subscribed.
			return err
		}
		keys = append(keys, key)
	}

	ctx.Reply(ackFrame("subscribe_ack", map[string]any{"channels": keys}))
	return nil
}

func (s *Server) handleUnsubscribe(ctx *Context, data json.RawMessage) error {
	names, err := channelNames(data)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.channels.Unsubscribe(ctx.Session, name); err != nil {
			return err
		}
	}
	ctx.Reply(ackFrame("unsubscribe_ack", map[string]any{"channels": names}))
	return nil
}

func (s *Server) handlePublish(ctx *Context, data json.RawMessage) error {
	var req struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		return errors.New("publish requires a channel")
	}

	key, err := s.channels.Normalize(ctx.Session.TenantID(), req.Channel)
	if err != nil {
		return err
	}

	_, err = s.broadcaster.Broadcast(context.Background(),
		broadcast.Target{Scope: broadcast.ScopeChannel, Value: key},
		req.Data,
		broadcast.Options{Sender: ctx.Session.ID()},
	)
	return err
}

func (s *Server) handleHeartbeat(ctx *Context, _ json.RawMessage) error {
	s.sessions.Heartbeat(ctx.Session.ID())
	ctx.Reply(ackFrame("pong", map[string]any{"ts": s.clk.Now().UnixMilli()}))
	return nil
}

// channelNames accepts either {"channel": "x"} or {"channels": ["x","y"]}.
func channelNames(data json.RawMessage) ([]string, error) {
	var req struct {
		Channel  string   `json:"channel"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.New("invalid subscribe payload")
	}
	names := req.Channels
	if req.Channel != "" {
		names = append(names, req.Channel)
	}
	if len(names) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	return names, nil
}
