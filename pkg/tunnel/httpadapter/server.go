// Package httpadapter implements the virtual HTTP adapter: on the server
// side it materializes a tunneled http_request into the host application
// and captures its response; on the client side it presents a fetch-like
// surface backed by session.Client.
package httpadapter

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/virtengine/attested-tunnel/pkg/tunnel/session"
	"github.com/virtengine/attested-tunnel/pkg/tunnel/wire"
)

// ServerAdapter implements session.HTTPHandler by dispatching tunneled
// requests into a standard http.Handler, the same interface the host
// application already serves plain HTTP with.
type ServerAdapter struct {
	Handler http.Handler
}

// NewServerAdapter wraps handler so it can answer tunneled http_request
// messages.
func NewServerAdapter(handler http.Handler) *ServerAdapter {
	return &ServerAdapter{Handler: handler}
}

// HandleHTTPRequest implements session.HTTPHandler.
func (a *ServerAdapter) HandleHTTPRequest(ctx context.Context, req wire.HTTPRequest) wire.HTTPResponse {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return wire.HTTPResponse{
			Status: http.StatusBadRequest, StatusText: http.StatusText(http.StatusBadRequest),
			Error: err.Error(),
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if ct := httpReq.Header.Get("Content-Length"); ct == "" {
		httpReq.ContentLength = int64(len(req.Body))
	}

	rec := newRecorder()
	a.Handler.ServeHTTP(rec, httpReq)

	return wire.HTTPResponse{
		Status:     rec.status,
		StatusText: http.StatusText(rec.status),
		Headers:    flattenHeader(rec.Header()),
		Body:       rec.body.Bytes(),
	}
}

// recorder is a minimal http.ResponseWriter that buffers the status,
// headers, and body instead of writing to a real socket.
type recorder struct {
	header http.Header
	status int
	body   *bytes.Buffer
	wrote  bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK, body: &bytes.Buffer{}}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wrote {
		return
	}
	r.status = status
	r.wrote = true
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// ServeRecovered wraps HandleHTTPRequest's session.HTTPHandler call so a
// panicking host handler turns into a 500 http_response instead of
// crashing the whole control socket's read loop; session.Server already
// recovers per-request, this helper exists for adapters composed outside
// that path (e.g. direct unit tests of ServerAdapter).
func ServeRecovered(a *ServerAdapter, ctx context.Context, req wire.HTTPRequest) (resp wire.HTTPResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = wire.HTTPResponse{Status: 500, StatusText: "Internal Server Error", Error: "panic recovered in host handler"}
		}
	}()
	return a.HandleHTTPRequest(ctx, req)
}

var _ session.HTTPHandler = (*ServerAdapter)(nil)
