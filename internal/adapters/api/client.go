// Package api is the client of the telehealth backend REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/domain"
)

// APIError is a non-2xx answer carrying the backend's {message} body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

type TokenRequest struct {
	DisplayName string `json:"displayName"`
	Room        string `json:"room"`
	TTLMinutes  int    `json:"ttlMinutes"`
	Invite      string `json:"invite,omitempty"`
}

type TokenData struct {
	Token    string      `json:"token"`
	Role     domain.Role `json:"role"`
	UserID   string      `json:"userId"`
	Identity string      `json:"identity"`
}

type TokenResponse struct {
	Data      TokenData `json:"data"`
	Identity  string    `json:"identity"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ParticipantIdentity prefers the identity nested in data.
func (r TokenResponse) ParticipantIdentity() string {
	if r.Data.Identity != "" {
		return r.Data.Identity
	}
	return r.Identity
}

type Client struct {
	base string
	hc   *http.Client
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), hc: hc}
}

func (c *Client) FetchToken(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/twilio/token", req, &out); err != nil {
		return TokenResponse{}, err
	}
	if out.Data.Token == "" {
		return TokenResponse{}, errors.New("api: token response without token")
	}
	log.Info().Str("module", "adapters.api").Str("identity", out.ParticipantIdentity()).Str("room", out.Room).Msg("token fetched")
	return out, nil
}

// ChatHistory never fails: chat history is not critical and errors yield an empty list.
func (c *Client) ChatHistory(ctx context.Context, sessionID string) []domain.ChatMessage {
	var out []domain.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/api/twilio/chat/"+url.PathEscape(sessionID), nil, &out); err != nil {
		log.Warn().Err(err).Str("module", "adapters.api").Str("session", sessionID).Msg("chat history unavailable")
		return []domain.ChatMessage{}
	}
	if out == nil {
		out = []domain.ChatMessage{}
	}
	return out
}

// RoomDetails reports the backing room record, used to detect completed rooms.
func (c *Client) RoomDetails(ctx context.Context, roomSID string) (domain.RoomDetails, error) {
	var out domain.RoomDetails
	err := c.do(ctx, http.MethodGet, "/api/twilio/rooms/"+url.PathEscape(roomSID), nil, &out)
	return out, err
}

// CompleteRoom ends the session for every participant.
func (c *Client) CompleteRoom(ctx context.Context, roomSID string) error {
	return c.do(ctx, http.MethodPost, "/api/twilio/rooms/"+url.PathEscape(roomSID)+"/complete", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("api: build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
