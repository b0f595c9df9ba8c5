// Package api serves the REST surface of the room server: room lookup,
// message history and the durable send path. Every route requires a bearer
// token and live membership of the room.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/chat-rooms/internal/auth"
	"github.com/whisper/chat-rooms/internal/protocol"
	"github.com/whisper/chat-rooms/internal/ratelimit"
	"github.com/whisper/chat-rooms/internal/room"
	"github.com/whisper/chat-rooms/internal/store"
)

const maxBodyBytes = 64 << 10

// Presence counts a user's live connections across every server.
// session.Store implements it.
type Presence interface {
	Online(ctx context.Context, userID string) (int, error)
}

// Handler routes /api requests.
type Handler struct {
	hub      *room.Hub
	store    store.Store
	limiter  ratelimit.Limiter
	presence Presence
	router   *mux.Router
}

// NewHandler builds the REST router. limiter may be nil.
func NewHandler(hub *room.Hub, st store.Store, authn auth.Authenticator, limiter ratelimit.Limiter) *Handler {
	h := &Handler{hub: hub, store: st, limiter: limiter, router: mux.NewRouter()}

	api := h.router.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(authn, func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, http.StatusUnauthorized, room.CodeUnauthenticated, "unauthenticated")
	}))
	api.HandleFunc("/rooms/{id}", h.getRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/messages", h.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/messages", h.postMessage).Methods(http.MethodPost)
	return h
}

// SetPresence makes room lookups report cluster-wide connection counts.
// Without it only this server's connections are counted.
func (h *Handler) SetPresence(p Presence) {
	h.presence = p
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type roomResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Members   []string          `json:"members"`
	Usernames map[string]string `json:"usernames,omitempty"`
	Online    map[string]int    `json:"online"` // user_id -> live connections
}

type sendRequest struct {
	Content   string `json:"content"`
	ClientRef string `json:"client_ref"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := h.member(w, r)
	if !ok {
		return
	}

	rec, err := h.store.FetchRoom(r.Context(), roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		writeError(w, http.StatusNotFound, "room_not_found", "room not found")
		return
	}
	if err != nil {
		log.Printf("api: fetch room=%s user=%s: %v", roomID, userID, err)
		writeError(w, http.StatusInternalServerError, room.CodeInternal, "internal error")
		return
	}

	members := h.hub.MembersOf(roomID)
	writeJSON(w, http.StatusOK, roomResponse{
		ID:        rec.ID,
		Name:      rec.Name,
		Type:      rec.Type,
		CreatedAt: rec.CreatedAt,
		Members:   members,
		Usernames: h.hub.MemberNames(roomID),
		Online:    h.online(r.Context(), members),
	})
}

// online counts each member's connections, falling back to this server's
// registry when the presence store is unset or fails.
func (h *Handler) online(ctx context.Context, members []string) map[string]int {
	out := make(map[string]int, len(members))
	for _, userID := range members {
		local := len(h.hub.Registry.ConnectionsOf(userID))
		if h.presence == nil {
			out[userID] = local
			continue
		}
		n, err := h.presence.Online(ctx, userID)
		if err != nil {
			log.Printf("api: presence user=%s: %v", userID, err)
			n = local
		}
		out[userID] = n
	}
	return out
}

// listMessages returns history in ascending id order. since selects
// messages after an id; without it the latest page is returned.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	roomID, userID, ok := h.member(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be an integer")
			return
		}
		limit = n
	}

	msgs, err := h.store.FetchMessages(r.Context(), roomID, since, store.ClampLimit(limit))
	if err != nil {
		log.Printf("api: fetch messages room=%s user=%s: %v", roomID, userID, err)
		writeError(w, http.StatusInternalServerError, room.CodeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewMessages(msgs))
}

// postMessage is the durable send path. The message goes through the same
// pipeline as a real-time send; the caller gets the stored message back and
// other members receive it over their live connections.
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	roomID := mux.Vars(r)["id"]

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(r.Context(), id.UserID, ratelimit.RuleMessage); !ok {
			writeFailure(w, ratelimit.ErrRateLimited)
			return
		}
	}

	msg, err := h.hub.SendAs(r.Context(), id.UserID, roomID, req.Content, req.ClientRef)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := protocol.NewMessage(msg)
	out.SenderUsername = id.Username
	writeJSON(w, http.StatusCreated, out)
}

// member resolves the room and caller and rejects callers that are not live
// members of the room.
func (h *Handler) member(w http.ResponseWriter, r *http.Request) (roomID, userID string, ok bool) {
	id, _ := auth.FromContext(r.Context())
	roomID = mux.Vars(r)["id"]
	if !h.hub.IsMember(roomID, id.UserID) {
		writeFailure(w, room.ErrNotAMember)
		return "", "", false
	}
	return roomID, id.UserID, true
}

// Status maps a room or rate limit error to its HTTP status and wire code.
func Status(err error) (int, string) {
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return http.StatusTooManyRequests, ratelimit.CodeRateLimited
	}
	code := room.Code(err)
	switch code {
	case room.CodeUnauthenticated:
		return http.StatusUnauthorized, code
	case room.CodeNotAMember:
		return http.StatusForbidden, code
	case room.CodeInvalidRoom, room.CodeEmptyContent, room.CodeContentTooLong, room.CodeInvalidContent:
		return http.StatusBadRequest, code
	case room.CodeDeliveryFailed:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code := Status(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Printf("api: unexpected error: %v", err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		msg = "message could not be stored"
	}
	writeError(w, status, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
