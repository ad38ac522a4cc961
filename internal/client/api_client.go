package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kindred/chat-relay/internal/chat"
)

const defaultHTTPTimeout = 10 * time.Second

// APIClient calls the relay's REST endpoints with a bearer token.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a client for baseURL. A nil hc uses a client with a
// 10s timeout.
func NewAPIClient(baseURL, token string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

// statusError maps an error response onto the chat error taxonomy.
func statusError(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	msg := eb.Error.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &chat.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", chat.ErrUnauthorized, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", chat.ErrInvalidContent, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", chat.ErrNotFound, msg)
	default:
		return fmt.Errorf("client: %s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)
	}
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Conversations lists the caller's matches, most recently active first.
func (c *APIClient) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// History returns up to limit messages of matchID older than the seq cursor
// before (0 for the newest page), oldest first.
func (c *APIClient) History(ctx context.Context, matchID string, before int64, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	path := "/chat/matches/" + url.PathEscape(matchID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage sends a message over REST.
func (c *APIClient) SendMessage(ctx context.Context, matchID, content string, typ chat.MessageType) (chat.Message, error) {
	in := struct {
		Content     string           `json:"content"`
		MessageType chat.MessageType `json:"messageType,omitempty"`
	}{content, typ}

	var msg chat.Message
	err := c.do(ctx, http.MethodPost, "/chat/matches/"+url.PathEscape(matchID)+"/messages", in, &msg)
	return msg, err
}

// MarkRead marks the partner's messages in matchID as read.
func (c *APIClient) MarkRead(ctx context.Context, matchID string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPut, "/chat/matches/"+url.PathEscape(matchID)+"/read", nil, &out)
	return out.Updated, err
}

// Notifications returns the newest notifications and the unread count.
func (c *APIClient) Notifications(ctx context.Context, limit int) ([]chat.Notification, int, error) {
	path := "/users/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Notifications []chat.Notification `json:"notifications"`
		UnreadCount   int                 `json:"unreadCount"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Notifications, out.UnreadCount, nil
}

// MarkNotificationRead marks one notification as read.
func (c *APIClient) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/users/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// MarkAllNotificationsRead marks every notification as read.
func (c *APIClient) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPut, "/users/notifications/read-all", nil, &out)
	return out.Updated, err
}
