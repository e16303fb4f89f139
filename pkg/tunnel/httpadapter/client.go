package httpadapter

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/session"
)

// ClientAdapter exposes a standard net/http-flavored surface over a tunnel
// session.Client: a fetch-like Do method that builds and sends an
// http_request and resolves with an *http.Response (body fully buffered,
// since the underlying transport already buffers the whole response).
type ClientAdapter struct {
	Session *session.Client
}

// NewClientAdapter wraps an established client session.
func NewClientAdapter(s *session.Client) *ClientAdapter {
	return &ClientAdapter{Session: s}
}

// Do tunnels req and returns the virtualized response as a standard
// *http.Response. The request body, if any, is read fully into memory
// before sending: the wire envelope has no streaming concept.
func (a *ClientAdapter) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpadapter: reading request body: %w", err)
		}
		body = b
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	resp, err := a.Session.Fetch(req.Context(), req.Method, req.URL.String(), headers, body)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("httpadapter: host application error: %s", resp.Error)
	}

	httpHeader := make(http.Header, len(resp.Headers))
	for k, v := range resp.Headers {
		httpHeader.Set(k, v)
	}

	return &http.Response{
		StatusCode:    resp.Status,
		Status:        fmt.Sprintf("%d %s", resp.Status, resp.StatusText),
		Header:        httpHeader,
		Body:          io.NopCloser(newByteReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

// Fetch is a convenience entry point mirroring the browser fetch(url,
// init) shape more directly than Do's *http.Request-based signature.
func (a *ClientAdapter) Fetch(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Response, error) {
	resp, err := a.Session.Fetch(ctx, method, url, headers, body)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("httpadapter: host application error: %s", resp.Error)
	}
	httpHeader := make(http.Header, len(resp.Headers))
	for k, v := range resp.Headers {
		httpHeader.Set(k, v)
	}
	return &http.Response{
		StatusCode:    resp.Status,
		Status:        fmt.Sprintf("%d %s", resp.Status, resp.StatusText),
		Header:        httpHeader,
		Body:          io.NopCloser(newByteReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
