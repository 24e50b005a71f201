package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "carechat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // clients authenticate with a session token, not cookies
	},
}

type Handler struct {
	hub        *Hub
	router     *Router
	store      Store
	pump       PumpConfig
	sendBuffer int
	log        *zap.Logger
}

func NewHandler(hub *Hub, router *Router, store Store, pump PumpConfig, sendBuffer int, log *zap.Logger) *Handler {
	return &Handler{
		hub:        hub,
		router:     router,
		store:      store,
		pump:       pump,
		sendBuffer: sendBuffer,
		log:        log,
	}
}

// ServeWs admits an authenticated connection. The session only gates
// admission; the identity event sent afterwards is what the hub uses.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	session, ok := myMiddleware.SessionFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("empId", session.EmpID), zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, session.EmpID, h.sendBuffer)
	h.router.Welcome(client)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	h.log.Debug("connection registered", zap.String("client", client.ID), zap.String("session", session.EmpID))

	go client.WritePump(h.pump)
	// Reading stays on the request goroutine so r.Context() lives as long as
	// the connection does.
	client.ReadPump(r.Context(), h.router, h.pump)
}

func (h *Handler) GetChannelHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if channelID == "" {
		http.Error(w, "channelID is required", http.StatusBadRequest)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), channelID)
	if err != nil {
		h.log.Error("history query failed", zap.String("channel", channelID), zap.Error(err))
		http.Error(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, msgs)
}

type channelMember struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// GetChannelMembers lists the identified staff connected to channel on this
// instance. Several devices on one identity are listed once.
func (h *Handler) GetChannelMembers(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if channelID == "" {
		http.Error(w, "channelID is required", http.StatusBadRequest)
		return
	}

	seen := make(map[string]struct{})
	members := []channelMember{}
	for _, c := range h.hub.Members(channelID) {
		id := c.Identity()
		if !id.Bound() {
			continue
		}
		if _, dup := seen[id.ID()]; dup {
			continue
		}
		seen[id.ID()] = struct{}{}
		members = append(members, channelMember{ID: id.ID(), Username: id.Username})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	writeJSON(w, members)
}

func (h *Handler) GetPatientStatusUpdates(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	if patientID == "" {
		http.Error(w, "patientID is required", http.StatusBadRequest)
		return
	}

	updates, err := h.store.ListStatusUpdates(r.Context(), patientID)
	if err != nil {
		h.log.Error("status update query failed", zap.String("patientId", patientID), zap.Error(err))
		http.Error(w, "Failed to fetch status updates", http.StatusInternalServerError)
		return
	}
	if updates == nil {
		updates = []StatusUpdate{}
	}
	writeJSON(w, updates)
}

func (h *Handler) GetPatientChannel(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	channelID, err := h.store.FindChannelForPatient(r.Context(), patientID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			http.Error(w, "No channel for patient", http.StatusNotFound)
			return
		}
		h.log.Error("channel lookup failed", zap.String("patientId", patientID), zap.Error(err))
		http.Error(w, "Failed to resolve channel", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"patientId": patientID, "channelId": channelID})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
