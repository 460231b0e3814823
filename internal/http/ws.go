package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"allocator/internal/core"
	applog "allocator/internal/log"
	"allocator/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 16
)

type wsMessage struct {
	Type     string      `json:"type"`
	Proposal proposalDTO `json:"proposal"`
}

// handleWebSocket pushes every new proposal addressed to the caller until
// the client goes away or the session expires. Nothing is replayed;
// clients list pending proposals on connect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.hub == nil {
		s.writeError(w, r, fmt.Errorf("%w: live updates are not enabled", errBadRequest))
		return
	}
	principal, _ := store.PrincipalFromContext(r.Context())
	logger := applog.FromContext(r.Context()).WithComponent(applog.ComponentNotify)

	// Subscribe before the handshake completes so nothing sent after the
	// client sees the upgrade is missed.
	proposals := make(chan core.SplitProposal, wsBuffer)
	unsubscribe := s.hub.OnProposalCreated(func(ctx context.Context, p core.SplitProposal) {
		if p.ToUser != actor {
			return
		}
		select {
		case proposals <- p:
		default:
			logger.WarnContext(ctx, "Websocket client too slow, dropping proposal",
				applog.FieldUserID, actor, applog.FieldProposalID, p.ID)
		}
	})
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger.InfoContext(ctx, "Websocket connected", applog.FieldUserID, actor)
	defer logger.InfoContext(ctx, "Websocket closed", applog.FieldUserID, actor)

	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.DebugContext(ctx, "Websocket read failed", applog.FieldError, err)
				}
				return
			}
		}
	}()

	var expired <-chan time.Time
	if !principal.ExpiresAt.IsZero() {
		timer := time.NewTimer(time.Until(principal.ExpiresAt))
		defer timer.Stop()
		expired = timer.C
	}
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expired:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session expired"),
				time.Now().Add(wsWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case p := <-proposals:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsMessage{Type: "proposal.created", Proposal: newProposalDTO(p)}); err != nil {
				logger.WarnContext(ctx, "Websocket write failed", applog.FieldError, err)
				return
			}
		}
	}
}
