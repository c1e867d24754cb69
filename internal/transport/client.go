package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Mode selects how a response body is decoded.
type Mode int

const (
	ModeJSON Mode = iota
	ModeBinary
)

func (m Mode) String() string {
	switch m {
	case ModeJSON:
		return "json"
	case ModeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

const maxErrorExcerpt = 256

type Request struct {
	Method   string
	Endpoint string
	Mode     Mode
}

type Response struct {
	StatusCode  int
	ContentType string
	Mode        Mode
	// JSON is set in ModeJSON.
	JSON json.RawMessage
	// Body is the raw payload in both modes.
	Body []byte
}

// Sender is the contract every orchestration component depends on.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

type Client struct {
	baseURL        string
	client         *http.Client
	requestTimeout time.Duration
}

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// WithRequestTimeout bounds every request. Zero keeps the default of no timeout,
// where a hung backend call never settles.
func (c *Client) WithRequestTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.requestTimeout = timeout
	return &clone
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type RequestError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	message := strings.TrimSpace(e.Message)
	if message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	if e == nil || e.Err == nil {
		return "network error"
	}
	return e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s response: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var ErrInvalidEndpoint = errors.New("endpoint must start with /")

func (c *Client) GetJSON(ctx context.Context, endpoint string) (json.RawMessage, error) {
	resp, err := c.Send(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Mode: ModeJSON})
	if err != nil {
		return nil, err
	}
	return resp.JSON, nil
}

func (c *Client) GetBinary(ctx context.Context, endpoint string) ([]byte, string, error) {
	resp, err := c.Send(ctx, Request{Method: http.MethodGet, Endpoint: endpoint, Mode: ModeBinary})
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.ContentType, nil
}

func (c *Client) Send(ctx context.Context, r Request) (*Response, error) {
	if !strings.HasPrefix(r.Endpoint, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, r.Endpoint)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	reqCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+r.Endpoint, nil)
	if err != nil {
		return nil, &NetworkError{Endpoint: r.Endpoint, Err: err}
	}
	if r.Mode == ModeJSON {
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Accept", "*/*")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Endpoint: r.Endpoint, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Endpoint: r.Endpoint, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			Endpoint:   r.Endpoint,
			StatusCode: resp.StatusCode,
			Message:    errorExcerpt(payload),
		}
	}
	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Mode:        r.Mode,
		Body:        payload,
	}
	if r.Mode == ModeJSON {
		if !json.Valid(payload) {
			return nil, &DecodeError{Endpoint: r.Endpoint, Err: errors.New("body is not valid JSON")}
		}
		out.JSON = json.RawMessage(payload)
	}
	return out, nil
}

// IsJSONContent reports whether a content type names a JSON payload.
func IsJSONContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Indent renders a JSON body with two-space indentation for the output log.
func Indent(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", fmt.Errorf("format response: %w", err)
	}
	return buf.String(), nil
}

func errorExcerpt(payload []byte) string {
	var envelope struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Detail != "" {
			return envelope.Detail
		}
	}
	text := strings.TrimSpace(string(bytes.ToValidUTF8(payload, nil)))
	if len(text) > maxErrorExcerpt {
		text = text[:maxErrorExcerpt]
	}
	if strings.ContainsAny(text, "\x00") {
		return ""
	}
	return text
}
