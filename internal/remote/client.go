// Package remote talks to a peer server: it pushes artifacts over the
// chunked upload protocol, creates search results, sends notifications, and
// keeps a node's WebSocket channels to its host open.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

// DefaultMaxRetries bounds resume attempts during Deliver.
const DefaultMaxRetries = 3

// StatusError is a non-2xx answer from the peer.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client calls one peer server with one credential.
type Client struct {
	baseURL    string
	key        string
	http       *http.Client
	maxRetries int
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithMaxRetries sets how many failed chunks Deliver tolerates.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for baseURL presenting key.
func NewClient(baseURL, key string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: DefaultMaxRetries,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewPeerClient creates a client from a revealed pairing.
func NewPeerClient(p *pairing.Peer, opts ...Option) *Client {
	return NewClient(p.BaseURL, p.Key, opts...)
}

// BaseURL returns the peer address.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	pairing.SetKey(req, c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e) == nil {
			se.Message = e.Error
		}
		return se
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, body, "application/json", out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

// SearchResultRequest describes a result the peer should expect.
type SearchResultRequest struct {
	Pyre        string `json:"pyre_name"`
	Node        string `json:"node_id"`
	SessionID   string `json:"session_id"`
	ClientID    string `json:"client_id"`
	SearchQuery string `json:"search_query"`
}

// CreateSearchResult registers a pending search result on the peer.
func (c *Client) CreateSearchResult(ctx context.Context, r SearchResultRequest) (*storage.SearchResult, error) {
	var out storage.SearchResult
	if err := c.postJSON(ctx, "/api/search_result", r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Notification is a message relayed to a session through the peer.
type Notification struct {
	Message     string          `json:"message"`
	RequestType string          `json:"requestType,omitempty"`
	SenderID    string          `json:"senderID,omitempty"`
	ChannelType string          `json:"channelType,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	PyreName    string          `json:"pyreName,omitempty"`
}

// NotifyMessage relays a message to a session's result channel on the peer.
func (c *Client) NotifyMessage(ctx context.Context, session, client string, n Notification) error {
	return c.postJSON(ctx, "/api/notify/message/"+url.PathEscape(session)+"/"+url.PathEscape(client), n, nil)
}

// FileNotification announces a delivered file.
type FileNotification struct {
	FileID   int64           `json:"file_id"`
	OldFile  json.RawMessage `json:"old_file,omitempty"`
	ServerID string          `json:"server_id"`
	PyreName string          `json:"pyre_name"`
}

// NotifyFileUploaded tells the peer that a requested file arrived.
func (c *Client) NotifyFileUploaded(ctx context.Context, session, client string, n FileNotification) error {
	return c.postJSON(ctx, "/api/notify/file_upload_completed/"+url.PathEscape(session)+"/"+url.PathEscape(client), n, nil)
}

// RegisterNode claims a node name for this client's credential.
func (c *Client) RegisterNode(ctx context.Context, name string) (*storage.Node, error) {
	var out storage.Node
	if err := c.postJSON(ctx, "/api/register_node", map[string]string{"node_name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pyres lists the interchanges the peer knows.
func (c *Client) Pyres(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/api/pyres", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendKey hands the peer a key it should use when calling us back.
func (c *Client) SendKey(ctx context.Context, key string, addr pairing.Address) error {
	body := struct {
		Key string `json:"key"`
		pairing.Address
	}{Key: key, Address: addr}
	return c.postJSON(ctx, "/api/receive_key", body, nil)
}

// GetUpload returns the peer's view of a chunked upload.
func (c *Client) GetUpload(ctx context.Context, id string) (*upload.Upload, error) {
	var out upload.Upload
	if err := c.getJSON(ctx, "/api/files/chunked/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
