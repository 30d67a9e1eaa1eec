// Package rest is the typed client for the forum's HTTP API: paged chat
// history, the send-message fallback used while the live connection is down,
// the user directory, and the notification endpoints. All calls carry the
// session cookie; a 401 means the session is invalid and the caller must
// route to re-authentication.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/openline-dev/forumchat/internal/protocol"
)

// ErrSessionInvalid is returned when the server answers 401.
var ErrSessionInvalid = errors.New("rest: session invalid")

// Client talks to one forum server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a client with a cookie jar so the session cookie set at sign-in
// rides along on every call.
func New(baseURL string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
	}
}

// SignInResult is the identity established by SignIn.
type SignInResult struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

// SignIn authenticates and stores the session cookie on the client.
func (c *Client) SignIn(ctx context.Context, nickname, password string) (*SignInResult, error) {
	var out SignInResult
	err := c.post(ctx, "/api/signin", map[string]string{
		"nickname": nickname,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SignUp registers a new account and signs it in.
func (c *Client) SignUp(ctx context.Context, nickname, password string) (*SignInResult, error) {
	var out SignInResult
	err := c.post(ctx, "/api/signup", map[string]string{
		"nickname": nickname,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SignOut invalidates the server-side session.
func (c *Client) SignOut(ctx context.Context) error {
	return c.post(ctx, "/api/signout", nil, nil)
}

// ValidateSession checks that the stored cookie still maps to a live session.
func (c *Client) ValidateSession(ctx context.Context) (*SignInResult, error) {
	var out SignInResult
	if err := c.get(ctx, "/api/session/validate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatHistory fetches one page of the conversation between user1 and user2,
// oldest first within the page. Page 1 is the most recent page.
func (c *Client) ChatHistory(ctx context.Context, user1, user2 string, page, limit int) ([]protocol.ChatMessage, error) {
	q := url.Values{}
	q.Set("user1", user1)
	q.Set("user2", user2)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out []protocol.ChatMessage
	if err := c.get(ctx, "/api/messages", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a message over HTTP. It is the fallback for when the
// live connection is down; the returned copy carries the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, msg protocol.ChatMessage) (*protocol.ChatMessage, error) {
	var out struct {
		Success bool                 `json:"success"`
		Message protocol.ChatMessage `json:"message"`
	}
	if err := c.post(ctx, "/api/messages/send", msg, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("rest: server rejected message")
	}
	return &out.Message, nil
}

// MarkMessagesRead marks everything senderID sent to readerID as read.
func (c *Client) MarkMessagesRead(ctx context.Context, readerID, senderID string) error {
	return c.post(ctx, "/api/messages/read", map[string]string{
		"receiver_id": readerID,
		"sender_id":   senderID,
	}, nil)
}

// Users fetches the directory with current online flags.
func (c *Client) Users(ctx context.Context) ([]protocol.User, error) {
	var out []protocol.User
	if err := c.get(ctx, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NotificationsResult is the envelope list plus the server's authoritative
// unread count.
type NotificationsResult struct {
	Notifications []protocol.Notification `json:"notifications"`
	UnreadCount   int                     `json:"unread_count"`
}

// Notifications fetches the notification list for the signed-in user.
func (c *Client) Notifications(ctx context.Context) (*NotificationsResult, error) {
	var out NotificationsResult
	if err := c.get(ctx, "/api/notifications", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkNotificationRead marks a single notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.post(ctx, "/api/notifications/mark-read", map[string]string{
		"notification_id": id,
	}, nil)
}

// MarkAllNotificationsRead marks every notification as read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.post(ctx, "/api/notifications/mark-all-read", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrSessionInvalid
	case resp.StatusCode >= 400:
		return fmt.Errorf("rest: %s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}
