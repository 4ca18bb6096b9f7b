package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"confab/internal/core/domain"
)

// APIClient talks to the meeting REST surface of a signaling server.
type APIClient struct {
	base string
	http *http.Client
}

// NewAPIClient derives the HTTP base from a signaling URL: ws://host/ws
// becomes http://host.
func NewAPIClient(serverURL string, timeout time.Duration) (*APIClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""

	return &APIClient{
		base: strings.TrimSuffix(u.String(), "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// RoomMember is one live participant reported by the relay.
type RoomMember struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	JoinedAt time.Time         `json:"joinedAt"`
	Media    domain.MediaState `json:"media"`
}

// Room is a live relay room.
type Room struct {
	ID           string       `json:"id"`
	Participants []RoomMember `json:"participants"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateMeeting creates a meeting record. An empty title gets the server
// default.
func (c *APIClient) CreateMeeting(ctx context.Context, title, hostID string) (*domain.Meeting, error) {
	var resp struct {
		Meeting *domain.Meeting `json:"meeting"`
	}
	body := map[string]string{"title": title, "hostId": hostID}
	if err := c.do(ctx, http.MethodPost, "/meetings", body, &resp); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	return resp.Meeting, nil
}

func (c *APIClient) GetMeeting(ctx context.Context, meetingID string) (*domain.Meeting, error) {
	var resp struct {
		Meeting *domain.Meeting `json:"meeting"`
	}
	if err := c.do(ctx, http.MethodGet, "/meetings/"+url.PathEscape(meetingID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", meetingID, err)
	}
	return resp.Meeting, nil
}

// JoinMeeting records the participant on the meeting and returns the join
// ticket, empty when the server does not issue tickets.
func (c *APIClient) JoinMeeting(ctx context.Context, meetingID, participantID, name string) (string, error) {
	body := map[string]string{"participantId": participantID, "name": name}
	var resp struct {
		JoinToken string `json:"joinToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/meetings/"+url.PathEscape(meetingID)+"/join", body, &resp); err != nil {
		return "", fmt.Errorf("join meeting %s: %w", meetingID, err)
	}
	return resp.JoinToken, nil
}

func (c *APIClient) LeaveMeeting(ctx context.Context, meetingID, participantID string) error {
	body := map[string]string{"participantId": participantID}
	if err := c.do(ctx, http.MethodPost, "/meetings/"+url.PathEscape(meetingID)+"/leave", body, nil); err != nil {
		return fmt.Errorf("leave meeting %s: %w", meetingID, err)
	}
	return nil
}

// Rooms lists the rooms currently open on the relay.
func (c *APIClient) Rooms(ctx context.Context) ([]Room, error) {
	var resp struct {
		Rooms []Room `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &resp); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return resp.Rooms, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s (%d %s)", e.Error, resp.StatusCode, e.Code)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
