package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pairline/pairline/internal/chat"
	"github.com/pairline/pairline/internal/domain"
)

// rpcTimeout bounds the store work behind a single RPC.
const rpcTimeout = 10 * time.Second

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("message.send", s.rpcMessageSend)
	s.Handle("thread.get", s.rpcThreadGet)
	s.Handle("users.online", s.rpcUsersOnline)
	s.Handle("users.list", s.rpcUsersList)
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
		Online:  len(s.hub.OnlineUsers()),
	})
}

type messageSendParams struct {
	To      string `json:"to,omitempty"` // defaults to the connection's counterpart
	Content string `json:"content"`
}

func (s *Server) rpcMessageSend(rc *RequestContext) {
	var p messageSendParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Content == "" {
		rc.RespondError("invalid_params", "content is required")
		return
	}
	to := p.To
	if to == "" {
		to = rc.Client.Counterpart
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	msg, err := s.hub.SendMessage(ctx, rc.Client.Username, to, p.Content)
	if err != nil {
		rc.RespondError(sendErrorCode(err), err.Error())
		return
	}
	rc.Respond(msg)
}

// sendErrorCode maps hub send failures onto wire error codes.
func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrSelfMessage):
		return "self_message"
	case errors.Is(err, chat.ErrRecipientNotFound):
		return "recipient_not_found"
	case errors.Is(err, chat.ErrMessagePersistFailed):
		return "persist_failed"
	case errors.Is(err, domain.ErrContentEmpty), errors.Is(err, domain.ErrContentTooLong):
		return "invalid_params"
	default:
		return "internal_error"
	}
}

type threadGetParams struct {
	With string `json:"with,omitempty"` // defaults to the connection's counterpart
}

func (s *Server) rpcThreadGet(rc *RequestContext) {
	var p threadGetParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	with := p.With
	if with == "" {
		with = rc.Client.Counterpart
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	thread, err := s.hub.MessageThread(ctx, rc.Client.Username, with)
	if err != nil {
		rc.RespondError("internal_error", err.Error())
		return
	}
	rc.Respond(map[string]any{"with": domain.NormalizeUsername(with), "messages": thread})
}

func (s *Server) rpcUsersOnline(rc *RequestContext) {
	rc.Respond(map[string]any{"usernames": s.hub.OnlineUsers()})
}

func (s *Server) rpcUsersList(rc *RequestContext) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	users, err := s.hub.Users(ctx)
	if err != nil {
		rc.RespondError("internal_error", err.Error())
		return
	}
	rc.Respond(map[string]any{"users": users})
}
