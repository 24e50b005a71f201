// Package calltoken mints join tokens for the external audio/video transport.
// Signaling never carries media; clients present these tokens to the media
// provider once a call has been agreed over the websocket.
package calltoken

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var ErrChannelRequired = errors.New("channel is required")

type Request struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid,omitempty"`
}

type Response struct {
	Token   string `json:"token"`
	AppID   string `json:"appId"`
	UID     uint32 `json:"uid"`
	Channel string `json:"channel"`
}

type MediaClaims struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	jwt.RegisteredClaims
}

type Service struct {
	appID       string
	certificate []byte
	ttl         time.Duration
	now         func() time.Time
}

func NewService(appID, certificate string, ttl time.Duration) *Service {
	return &Service{
		appID:       appID,
		certificate: []byte(certificate),
		ttl:         ttl,
		now:         time.Now,
	}
}

// Issue signs a token for channel. A zero uid lets the transport assign one.
func (s *Service) Issue(req Request) (*Response, error) {
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		return nil, ErrChannelRequired
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MediaClaims{
		Channel: channel,
		UID:     req.UID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.appID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.certificate)
	if err != nil {
		return nil, err
	}

	return &Response{Token: signed, AppID: s.appID, UID: req.UID, Channel: channel}, nil
}

type Handler struct {
	service *Service
	log     *zap.Logger
}

func NewHandler(s *Service, log *zap.Logger) *Handler {
	return &Handler{service: s, log: log}
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		http.Error(w, "call tokens are not configured", http.StatusServiceUnavailable)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Issue(req)
	if err != nil {
		if errors.Is(err, ErrChannelRequired) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("call token signing failed", zap.String("channel", req.Channel), zap.Error(err))
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}
