package proxy

// Package proxy forwards browser API calls to the backend with the session's
// bearer token attached. It is the only place requests cross the trust
// boundary, and the only place genuine streaming matters: event-stream
// responses are relayed chunk by chunk, never buffered whole.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/veramed/caregate/internal/apiclient"
	"github.com/veramed/caregate/internal/cookie"
	"github.com/veramed/caregate/internal/jsonw"
	"github.com/veramed/caregate/internal/log"
	"github.com/veramed/caregate/internal/metrics"
)

// SessionIDHeader is the upstream session-identifier header preserved on
// streaming responses so the browser can correlate stream chunks.
const SessionIDHeader = "X-Session-Id"

// Proxy relays authenticated calls to the backend API.
type Proxy struct {
	backendBase string
	httpClient  *http.Client
	metrics     *metrics.Metrics

	refresher apiclient.Refresher
	mu        sync.Mutex
	sessions  map[string]*sessionClient
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithRefresher enables transparent token refresh. When a forwarded call
// comes back 401 and the browser carries a refresh cookie, one refresh runs
// and the call replays; rotated tokens are written back as cookies on the
// way out.
func WithRefresher(r apiclient.Refresher) Option {
	return func(p *Proxy) { p.refresher = r }
}

// New creates a proxy for the given backend base URL. The timeout is
// deliberately generous: some upstream operations stream or compute for
// minutes, and cutting them off is worse than holding the connection.
func New(backendBase string, timeout time.Duration, m *metrics.Metrics, opts ...Option) *Proxy {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	p := &Proxy{
		backendBase: strings.TrimSuffix(backendBase, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			// Don't follow redirects; relay them to the browser
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics:  m,
		sessions: make(map[string]*sessionClient),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ServeHTTP handles ANY /api/proxy/{...path}.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Missing credentials precondition: never forward unauthenticated.
	token := cookie.GetUserToken(r)
	if token == "" {
		jsonw.WriteUnauthorized(w, "Authentication required")
		return
	}

	targetPath := strings.TrimPrefix(r.URL.Path, "/api/proxy")
	if targetPath == "" {
		targetPath = "/"
	}

	body, contentType, err := prepareBody(r)
	if err != nil {
		log.LogErrorWithFields("proxy", "Failed to prepare request body", map[string]any{
			"error": err.Error(),
			"path":  targetPath,
		})
		jsonw.WriteBadRequest(w, "Invalid request body")
		return
	}

	upstreamURL := p.backendBase + targetPath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, body)
	if err != nil {
		jsonw.WriteInternalServerError(w, "Request failed")
		return
	}

	copyRequestHeaders(req.Header, r.Header)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, viaRefresh, err := p.forward(w, r, req, token)
	if err != nil {
		if errors.Is(err, apiclient.ErrSessionExpired) {
			// The refresh was rejected; the session is over. Cookies go on
			// this response so the browser lands on login clean.
			cookie.ClearAll(w)
			jsonw.WriteUnauthorized(w, "Session expired")
			return
		}
		log.LogErrorWithFields("proxy", "Upstream request failed", map[string]any{
			"error":  err.Error(),
			"path":   targetPath,
			"method": r.Method,
		})
		jsonw.WriteInternalServerError(w, "Request failed")
		return
	}
	defer resp.Body.Close()

	if p.metrics != nil {
		p.metrics.ProxyUpstream.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()
		if resp.StatusCode == http.StatusTooManyRequests && !viaRefresh {
			// Observed but not retried with backoff; known gap.
			p.metrics.RateLimited.Inc()
		}
	}

	if isEventStream(resp, targetPath) {
		if p.metrics != nil {
			p.metrics.ProxyStreaming.Inc()
		}
		p.relayStream(w, resp, targetPath)
	} else {
		p.relayBuffered(w, resp)
	}

	log.LogDebugWithFields("proxy", "Request forwarded", map[string]any{
		"method":      r.Method,
		"path":        targetPath,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// forward sends the upstream request. With a refresher configured and a
// refresh cookie present it goes through the session's refresh client, so
// an expired bearer token is renewed and the call replayed; rotated tokens
// are staged as cookies before the response body is written.
// The returned bool reports whether the refresh client handled the call;
// it observes rate limiting itself, so the caller must not count it twice.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, req *http.Request, token string) (*http.Response, bool, error) {
	refreshToken := cookie.GetRefreshToken(r)
	if p.refresher == nil || refreshToken == "" {
		resp, err := p.httpClient.Do(req)
		return resp, false, err
	}

	sc := p.sessionFor(token, refreshToken)
	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	p.syncSession(w, sc, token, refreshToken)
	return resp, true, nil
}

// prepareBody applies the content-type semantics: JSON is round-tripped
// through a decode/encode step (an empty body is fine), multipart is
// re-encoded so the transport owns the boundary, and everything else is an
// opaque byte stream. The returned content type replaces the original when
// non-empty.
func prepareBody(r *http.Request) (io.Reader, string, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil, "", nil
	}

	ct := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(ct)

	switch {
	case mediaType == "application/json":
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("reading body: %w", err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			// Tolerate an empty JSON body without failing the request
			return nil, "", nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, "", fmt.Errorf("parsing JSON body: %w", err)
		}
		encoded, err := json.Marshal(decoded)
		if err != nil {
			return nil, "", fmt.Errorf("encoding JSON body: %w", err)
		}
		return bytes.NewReader(encoded), "application/json", nil

	case mediaType == "multipart/form-data":
		return rebuildMultipart(r)

	default:
		// Opaque byte stream; the original content type rides along with it.
		return r.Body, ct, nil
	}
}

// rebuildMultipart re-encodes the form so the outgoing request carries a
// fresh boundary computed by the transport rather than the browser's.
func rebuildMultipart(r *http.Request) (io.Reader, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", fmt.Errorf("parsing multipart form: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for field, values := range r.MultipartForm.Value {
		for _, v := range values {
			if err := mw.WriteField(field, v); err != nil {
				return nil, "", fmt.Errorf("writing form field: %w", err)
			}
		}
	}
	for field, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			src, err := fh.Open()
			if err != nil {
				return nil, "", fmt.Errorf("opening form file: %w", err)
			}
			dst, err := mw.CreateFormFile(field, fh.Filename)
			if err != nil {
				src.Close()
				return nil, "", fmt.Errorf("creating form file: %w", err)
			}
			if _, err := io.Copy(dst, src); err != nil {
				src.Close()
				return nil, "", fmt.Errorf("copying form file: %w", err)
			}
			src.Close()
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("finalizing multipart form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// isEventStream detects streaming responses by content type or by the
// path convention the backend uses for its streaming endpoints.
func isEventStream(resp *http.Response, path string) bool {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	return strings.Contains(path, "stream")
}

// relayStream forwards the upstream byte stream as it arrives. The first
// chunk reaches the browser before the upstream finishes sending; buffering
// the whole body here would defeat the point of the stream.
func (p *Proxy) relayStream(w http.ResponseWriter, resp *http.Response, path string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if sid := resp.Header.Get(SessionIDHeader); sid != "" {
		w.Header().Set(SessionIDHeader, sid)
	}

	w.WriteHeader(resp.StatusCode)

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.LogError("Response writer doesn't support flushing")
		return
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.LogDebugWithFields("proxy", "Client disconnected mid-stream", map[string]any{
					"error": writeErr.Error(),
					"path":  path,
				})
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && !isContextCanceled(err) {
				log.LogErrorWithFields("proxy", "Error reading upstream stream", map[string]any{
					"error": err.Error(),
					"path":  path,
				})
			}
			return
		}
	}
}

func isContextCanceled(err error) bool {
	return err == context.Canceled || strings.Contains(err.Error(), "context canceled")
}

// relayBuffered buffers a non-streaming response and passes the upstream
// status code through unchanged. The proxy never translates or masks
// upstream statuses.
func (p *Proxy) relayBuffered(w http.ResponseWriter, resp *http.Response) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		jsonw.WriteInternalServerError(w, "Request failed")
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if len(raw) > 0 {
		if _, err := w.Write(raw); err != nil {
			log.LogDebugWithFields("proxy", "Failed to write response", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

// copyRequestHeaders copies headers to the upstream request, excluding
// hop-by-hop headers (RFC 9110) and browser credentials. Authorization and
// Cookie are stripped; the proxy attaches its own bearer token.
func copyRequestHeaders(dst, src http.Header) {
	for k, v := range src {
		switch k {
		case "Connection", "Upgrade", "Host",
			"Keep-Alive", "Transfer-Encoding", "Te", "Trailer",
			"Proxy-Authorization", "Proxy-Authenticate",
			"Authorization", "Cookie",
			"Content-Type", "Content-Length",
			"Accept-Encoding":
			continue
		}
		dst[k] = v
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, values := range src {
		switch k {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length":
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
