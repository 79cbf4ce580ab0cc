package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"telechat/cmd/internal/chat"
	"telechat/cmd/internal/chat/model"
	"telechat/cmd/internal/chat/transport"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// chatService is the store surface the local UI bridge drives.
type chatService interface {
	Conversations() []model.Conversation
	LoadConversations(ctx context.Context) []model.Conversation
	SelectConversation(ctx context.Context, other model.UserRef) ([]model.Message, error)
	ActiveMessages() []model.Message
	SendMessage(ctx context.Context, content string) (model.Message, error)
	RetryMessage(ctx context.Context, messageID string) (model.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	Keystroke()
	StopTyping()
	IsUserOnline(userID string) bool
	IsUserTyping(userID string) bool
	TotalUnread() int
	RefreshUnread(ctx context.Context) int
	ConnectionStatus() transport.Status
	RetryConnection(ctx context.Context) error
}

var _ chatService = (*chat.Store)(nil)

type selectRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type typingRequest struct {
	Typing *bool `json:"typing"`
}

type userStatusResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Typing bool   `json:"typing"`
}

type unreadResponse struct {
	Total  int  `json:"total"`
	Server *int `json:"server,omitempty"`
}

type connectionResponse struct {
	State    transport.ConnectionState `json:"state"`
	Attempt  int                       `json:"attempt"`
	Error    string                    `json:"error,omitempty"`
	RESTOnly bool                      `json:"restOnly"`
}

type messageResponse struct {
	Message model.Message `json:"message"`
	Error   string        `json:"error,omitempty"`
}

func toConnectionResponse(st transport.Status) connectionResponse {
	out := connectionResponse{
		State:    st.State,
		Attempt:  st.Attempt,
		RESTOnly: st.State != transport.StateConnected,
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

// readiness reports whether the bridge can serve the UI.
type readiness func() (ready bool, detail string)

func registerHTTP(r chi.Router, log Logger, svc chatService, gatherer prometheus.Gatherer, ready readiness) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ok, detail := ready()
		if !ok {
			http.Error(w, detail, http.StatusServiceUnavailable)
			log.Info("readyz.not_ready", "detail", detail)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(detail + "\n"))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.Conversations())
		})

		r.Post("/conversations/refresh", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.LoadConversations(r.Context()))
		})

		r.Post("/conversations/active", func(w http.ResponseWriter, r *http.Request) {
			req, err := readJSON[selectRequest](w, r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
				return
			}
			msgs, err := svc.SelectConversation(r.Context(), model.UserRef{
				ID:          strings.TrimSpace(req.ID),
				DisplayName: req.DisplayName,
				AvatarRef:   req.AvatarRef,
			})
			if err != nil {
				writeChatError(w, err)
				return
			}
			if msgs == nil {
				// Superseded by a later selection.
				msgs = svc.ActiveMessages()
			}
			writeJSON(w, http.StatusOK, msgs)
		})

		r.Get("/messages", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.ActiveMessages())
		})

		r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
			req, err := readJSON[sendRequest](w, r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
				return
			}
			msg, err := svc.SendMessage(r.Context(), req.Content)
			writeSendResult(w, msg, err)
		})

		r.Post("/messages/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
			msg, err := svc.RetryMessage(r.Context(), chi.URLParam(r, "id"))
			writeSendResult(w, msg, err)
		})

		r.Delete("/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeleteMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeChatError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/typing", func(w http.ResponseWriter, r *http.Request) {
			var req typingRequest
			if r.ContentLength != 0 {
				var err error
				if req, err = readJSON[typingRequest](w, r); err != nil {
					writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
					return
				}
			}
			if req.Typing != nil && !*req.Typing {
				svc.StopTyping()
			} else {
				svc.Keystroke()
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/users/{id}/status", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			writeJSON(w, http.StatusOK, userStatusResponse{
				UserID: id,
				Online: svc.IsUserOnline(id),
				Typing: svc.IsUserTyping(id),
			})
		})

		r.Get("/unread", func(w http.ResponseWriter, r *http.Request) {
			resp := unreadResponse{Total: svc.TotalUnread()}
			if r.URL.Query().Get("refresh") == "true" {
				n := svc.RefreshUnread(r.Context())
				resp.Server = &n
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Get("/connection", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, toConnectionResponse(svc.ConnectionStatus()))
		})

		r.Post("/connection/retry", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.RetryConnection(r.Context()); err != nil {
				log.Warn("bridge.connection.retry.fail", "err", err)
				writeJSON(w, http.StatusBadGateway, toConnectionResponse(svc.ConnectionStatus()))
				return
			}
			writeJSON(w, http.StatusOK, toConnectionResponse(svc.ConnectionStatus()))
		})
	})
}

// writeSendResult answers 201 with the confirmed message, or 502 with the failed
// entry so the UI can show its retry affordance.
func writeSendResult(w http.ResponseWriter, msg model.Message, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, messageResponse{Message: msg})
	case msg.ID != "":
		writeJSON(w, http.StatusBadGateway, messageResponse{Message: msg, Error: err.Error()})
	default:
		writeChatError(w, err)
	}
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNoActiveConversation):
		writeError(w, http.StatusConflict, "no_active_conversation", err.Error())
	case errors.Is(err, chat.ErrEmptyContent), errors.Is(err, chat.ErrContentTooLong), errors.Is(err, chat.ErrInvalidCounterpart):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, chat.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, chat.ErrNotRetryable), errors.Is(err, chat.ErrMessagePending):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}
