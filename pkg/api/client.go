package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"socialchat/pkg/logger"
	"socialchat/pkg/protocol"
	"socialchat/pkg/response"
)

const defaultTimeout = 15 * time.Second

// ErrUnauthorized is matched by errors for 401 responses.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-successful REST response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	if e.StatusCode == fasthttp.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client talks to the REST collaborators of the chat backend: message
// history, read receipts and media upload.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
	log     *zap.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: opts.Timeout,
		http: &fasthttp.Client{
			Name:                "socialchat",
			MaxIdleConnDuration: 30 * time.Second,
		},
		log: logger.OrNop(opts.Logger).With(zap.String("component", "api")),
	}
}

// SetToken replaces the bearer token. It must not race with requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

type sessionGrant struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// CreateSession asks the backend for a bearer token. An empty userID lets
// the backend assign one. The client adopts the returned token.
func (c *Client) CreateSession(ctx context.Context, userID string) (token, user string, err error) {
	var body []byte
	if userID != "" {
		if body, err = json.Marshal(map[string]string{"user_id": userID}); err != nil {
			return "", "", err
		}
	}
	var grant sessionGrant
	if err := c.do(ctx, fasthttp.MethodPost, "/sessions", "application/json", body, &grant); err != nil {
		return "", "", fmt.Errorf("create session: %w", err)
	}
	c.token = grant.Token
	return grant.Token, grant.UserID, nil
}

type historyPage struct {
	Messages []protocol.ServerMessage `json:"messages"`
	Count    int                      `json:"count"`
}

// FetchHistory returns up to limit messages older than the cursor, newest
// first. A zero cursor fetches the newest page.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, before protocol.Cursor, limit int) ([]protocol.ServerMessage, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", protocol.FormatCursorTime(before.At))
		if before.ID != "" {
			q.Set("before_id", before.ID)
		}
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var page historyPage
	if err := c.do(ctx, fasthttp.MethodGet, path, "", nil, &page); err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", conversationID, err)
	}
	return page.Messages, nil
}

// MarkRead reports messages in a conversation as read by the local user.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	body, err := json.Marshal(map[string][]string{"message_ids": messageIDs})
	if err != nil {
		return err
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, fasthttp.MethodPost, path, "application/json", body, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

// UploadMedia uploads an image or GIF and returns its reference.
func (c *Client) UploadMedia(ctx context.Context, filename string, r io.Reader) (protocol.Media, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return protocol.Media{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return protocol.Media{}, fmt.Errorf("read %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return protocol.Media{}, err
	}

	var media protocol.Media
	if err := c.do(ctx, fasthttp.MethodPost, "/media", mw.FormDataContentType(), buf.Bytes(), &media); err != nil {
		return protocol.Media{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	return media, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return fmt.Errorf("%s %s: %w", method, path, context.DeadlineExceeded)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.log.Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)))

	msg, err := response.Decode(resp.Body(), out)
	status := resp.StatusCode()
	if status < 200 || status >= 300 || errors.Is(err, response.ErrUnsuccessful) {
		return &Error{StatusCode: status, Message: msg}
	}
	if err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
