// Package proxy implements the fault-injecting reverse proxy: it
// forwards requests to the resolved destination while injecting
// delays, failures and duplicated requests per the effective settings.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/cappuccinotm/slogx"
	"github.com/lowdown-proxy/lowdown/pkg/proxy/middleware"
	"github.com/lowdown-proxy/lowdown/pkg/settings"
	"github.com/lowdown-proxy/lowdown/pkg/store"
)

// Server is the proxy HTTP server.
type Server struct {
	version string
	debug   bool

	store  *store.Store
	client Client

	http *http.Server
}

// NewServer creates a new proxy server over the given store and
// outbound client.
func NewServer(st *store.Store, client Client, opts ...Option) *Server {
	s := &Server{store: st, client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen starts the server on the given address.
// Blocking call.
func (s *Server) Listen(addr string) (err error) {
	slog.Info("starting proxy server", slog.Any("addr", addr))
	defer slog.Warn("proxy server stopped", slogx.Error(err))

	s.http = &http.Server{
		Addr: addr,
		Handler: middleware.Wrap(http.HandlerFunc(s.handle),
			middleware.Recoverer,
			middleware.AppInfo("lowdown", "lowdown-proxy", s.version),
			middleware.Log(s.debug),
		),
	}

	if err = s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// Close stops the server.
func (s *Server) Close() {
	if s.http != nil {
		_ = s.http.Shutdown(context.Background())
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	RewriteForwarding(r)
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.WarnContext(ctx, "failed to read request body", slogx.Error(err))
		JSON(w, http.StatusInternalServerError, errBody("invalid-request"), s.store.Trailer())
		return
	}

	requestLayer := settings.FromHeaders(r.Header)
	stg := s.store.EffectiveSettings(requestLayer)
	rctx := settings.FromRequest(r)
	stg = s.store.ApplyOneOff(rctx, stg)

	if stg.DestinationURL == "" {
		JSON(w, http.StatusInternalServerError, errBody("missing-destination-url"), s.store.Trailer())
		return
	}

	dest, ok := parseDestination(stg.DestinationURL)
	if !ok {
		JSON(w, http.StatusInternalServerError, errBody("invalid-destination-url"), s.store.Trailer())
		return
	}

	// evaluated once, gates every fault stage below
	matched := settings.Matches(rctx, stg)

	if shouldTrigger(stg.DelayBeforePercentage, matched) && stg.DelayBeforeMs > 0 {
		slog.InfoContext(ctx, "delay-before", slog.Int64("ms", stg.DelayBeforeMs))
		delay(ctx, time.Duration(stg.DelayBeforeMs)*time.Millisecond)
	}

	if shouldTrigger(stg.FailBeforePercentage, matched) {
		slog.InfoContext(ctx, "fail-before",
			slog.Int("status", stg.FailBeforeCode), slog.String("uri", rctx.URI))
		JSON(w, statusFromCode(stg.FailBeforeCode), errBody("fail-before"), s.store.Trailer())
		return
	}

	origin := r.Header.Get("Origin")

	out := Request{
		Method: r.Method,
		URL:    dest.raw + rctx.URI,
		Header: destinationHeader(r.Header, dest, origin != ""),
		Body:   body,
	}

	duplicate := shouldTrigger(stg.DuplicatePercentage, matched)
	first, second := s.dispatch(ctx, out, duplicate)
	logDuplicateStatus(ctx, out, duplicate, first, second)
	resp := selectResponse(first, second)

	if shouldTrigger(stg.DelayAfterPercentage, matched) && stg.DelayAfterMs > 0 {
		slog.InfoContext(ctx, "delay-after", slog.Int64("ms", stg.DelayAfterMs))
		delay(ctx, time.Duration(stg.DelayAfterMs)*time.Millisecond)
	}

	if shouldTrigger(stg.FailAfterPercentage, matched) {
		slog.InfoContext(ctx, "fail-after",
			slog.Int("status", stg.FailAfterCode),
			slog.String("uri", rctx.URI),
			slog.Int("destination_status", resp.Status))
		JSON(w, statusFromCode(stg.FailAfterCode), map[string]any{
			"error":                     "fail-after",
			"destination-response-code": resp.Status,
		}, s.store.Trailer())
		return
	}

	rewriteResponseHeaders(ctx, resp, origin)
	logResult(ctx, matched, stg, out.Method, rctx.URI, resp.Status)

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// dispatch issues the outbound call, twice and concurrently when the
// request is duplicated. Both calls are awaited before selection so
// that completion order cannot bias it.
func (s *Server) dispatch(ctx context.Context, req Request, duplicate bool) (first, second *Response) {
	if !duplicate {
		return s.execute(ctx, req), nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		second = s.execute(ctx, req)
	}()
	first = s.execute(ctx, req)
	<-done

	return first, second
}

// execute maps a transport failure to a synthetic 500 response,
// the destination's own errors never abort the pipeline.
func (s *Server) execute(ctx context.Context, req Request) *Response {
	resp, err := s.client.Execute(ctx, req)
	if err != nil {
		slog.WarnContext(ctx, "unexpected error from destination",
			slog.String("method", req.Method),
			slog.String("url", req.URL),
			slogx.Error(err))
		return syntheticJSON(http.StatusInternalServerError,
			map[string]string{"error": "unexpected-error", "url": req.URL}, s.store.Trailer())
	}
	return resp
}

// selectResponse flips an unbiased coin between the two responses
// of a duplicated request.
func selectResponse(first, second *Response) *Response {
	if second == nil {
		return first
	}
	if rand.IntN(2) == 0 {
		return first
	}
	return second
}

func logDuplicateStatus(ctx context.Context, req Request, duplicate bool, first, second *Response) {
	if !duplicate {
		slog.DebugContext(ctx, "no duplicate request",
			slog.String("method", req.Method), slog.String("url", req.URL))
		return
	}

	if second == nil {
		return
	}

	if first.Status != second.Status {
		slog.InfoContext(ctx, "duplicate request returned different HTTP status codes",
			slog.Int("first", first.Status),
			slog.Int("second", second.Status),
			slog.String("method", req.Method),
			slog.String("url", req.URL))
		return
	}

	slog.InfoContext(ctx, "duplicate request returned identical HTTP status code",
		slog.Int("status", first.Status),
		slog.String("method", req.Method),
		slog.String("url", req.URL))
}

func logResult(ctx context.Context, matched bool, stg settings.Settings, method, uri string, status int) {
	allZero := stg.FailBeforePercentage == 0 &&
		stg.FailAfterPercentage == 0 &&
		stg.DuplicatePercentage == 0 &&
		stg.DelayBeforePercentage == 0 &&
		stg.DelayAfterPercentage == 0

	attrs := []any{
		slog.Int("status", status),
		slog.String("method", method),
		slog.String("uri", uri),
	}

	if allZero || !matched {
		slog.InfoContext(ctx, "proxied, no match or all percentages zero", attrs...)
		return
	}
	slog.InfoContext(ctx, "proxied", attrs...)
}

// rewriteResponseHeaders echoes the inbound Origin back in the
// Access-Control-Allow-Origin response header, so CORS succeeds
// regardless of what the destination returned.
func rewriteResponseHeaders(ctx context.Context, resp *Response, origin string) {
	if origin == "" || resp.Header.Get("Access-Control-Allow-Origin") == "" {
		return
	}
	resp.Header.Set("Access-Control-Allow-Origin", origin)
	slog.DebugContext(ctx, "rewrote access-control-allow-origin for proxied response")
}

// destinationHeader rebuilds the inbound headers for the outbound
// call: Host is replaced with the destination's authority and Origin,
// if present, with the destination's origin.
func destinationHeader(h http.Header, dest destination, hasOrigin bool) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Set("Host", dest.authority)
	if hasOrigin {
		out.Set("Origin", dest.origin())
	}
	return out
}

// shouldTrigger reports whether a fault stage fires: the request must
// match, and the percentage must beat a uniform roll in [0,100).
// A percentage of 0 never fires, 100 always fires on matched requests.
func shouldTrigger(percentage int, matches bool) bool {
	return matches && percentage > rand.IntN(100)
}

func delay(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// statusFromCode clamps configured codes to the range WriteHeader
// accepts, net/http panics outside 100..999.
func statusFromCode(code int) int {
	if code < 100 || code > 999 {
		return http.StatusInternalServerError
	}
	return code
}

func syntheticJSON(status int, v any, trailer string) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte("{}")
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: append(body, trailer...)}
}

func errBody(tag string) map[string]string { return map[string]string{"error": tag} }

type destination struct {
	raw       string
	scheme    string
	authority string
}

func parseDestination(raw string) (destination, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return destination{}, false
	}
	return destination{raw: raw, scheme: u.Scheme, authority: u.Host}, true
}

func (d destination) origin() string { return d.scheme + "://" + d.authority }
