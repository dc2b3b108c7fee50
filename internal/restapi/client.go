// Package restapi is the HTTP side of the chat server: history pages,
// fallback sends, attachment uploads and login.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/models"
)

const defaultTimeout = 15 * time.Second

var ErrNotLoggedIn = errors.New("not logged in")

// TokenSource supplies the bearer token for each request. It is consulted
// per call so a re-login is picked up without rebuilding the client.
type TokenSource interface {
	Token() (string, error)
}

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     *logger.Logger
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     logger.WithContext("component", "rest_client"),
	}
}

// History returns up to limit messages of a room, older than before when
// before is non-zero.
func (c *Client) History(ctx context.Context, roomID int64, limit int, before int64) ([]models.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	path := fmt.Sprintf("/api/rooms/%d/messages", roomID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res models.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, "", true, &res); err != nil {
		return nil, fmt.Errorf("fetch history for room %d: %w", roomID, err)
	}
	return res.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID int64, text, clientToken string) (models.Message, error) {
	body, err := json.Marshal(models.SendMessageRequest{Text: text, ClientToken: clientToken})
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	path := fmt.Sprintf("/api/rooms/%d/messages", roomID)
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", true, &msg); err != nil {
		return models.Message{}, fmt.Errorf("send to room %d: %w", roomID, err)
	}
	return msg, nil
}

func (c *Client) Upload(ctx context.Context, roomID int64, kind models.AttachmentKind, name string, data []byte) (models.Message, error) {
	var segment string
	switch kind {
	case models.AttachmentImage:
		segment = "images"
	case models.AttachmentVideo:
		segment = "videos"
	default:
		return models.Message{}, fmt.Errorf("unsupported attachment kind %q", kind)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := part.Write(data); err != nil {
		return models.Message{}, err
	}
	if err := mw.Close(); err != nil {
		return models.Message{}, err
	}

	var msg models.Message
	path := fmt.Sprintf("/api/rooms/%d/%s", roomID, segment)
	if err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType(), true, &msg); err != nil {
		return models.Message{}, fmt.Errorf("upload %s to room %d: %w", name, roomID, err)
	}
	return msg, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (models.AuthResponse, error) {
	body, err := json.Marshal(models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return models.AuthResponse{}, err
	}
	var res models.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", bytes.NewReader(body), "application/json", false, &res); err != nil {
		return models.AuthResponse{}, fmt.Errorf("login: %w", err)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, auth bool, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		if c.tokens == nil {
			return ErrNotLoggedIn
		}
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		if token == "" {
			return ErrNotLoggedIn
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return err
	}
	c.log.Debug("rest_request", "method", method, "path", path, "status", res.StatusCode, "duration", time.Since(start).String())

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var errRes map[string]string
		json.Unmarshal(data, &errRes)
		return &APIError{Status: res.StatusCode, Message: errRes["error"]}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
