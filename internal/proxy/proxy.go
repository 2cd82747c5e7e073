// Package proxy relays requests to a fixed upstream site and rewrites HTML
// responses so that browsing stays on the proxy.
package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/circuitbreaker"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/rewrite"
)

// UserAgent is sent on every upstream request.
const UserAgent = "Mozilla/5.0"

// UpstreamName labels upstream metrics and breaker transitions.
const UpstreamName = "hn"

// forwardedPostHeaders are the only client headers relayed on POST.
var forwardedPostHeaders = []string{"Content-Type", "Referer", "Origin"}

// decodableEncodings are the content codings readDecoded can undo, in preference order.
var decodableEncodings = []string{"gzip", "br"}

// Config holds proxy settings.
type Config struct {
	Upstream  string
	ProxyBase string
	Timeout   time.Duration
	Transport http.RoundTripper
	Breaker   *circuitbreaker.CircuitBreaker
	Logger    *zap.Logger
}

// Proxy is an http.Handler relaying GET and POST to the upstream.
type Proxy struct {
	target   *url.URL
	rewriter *rewrite.Rewriter
	timeout  time.Duration
	reverse  *httputil.ReverseProxy
	logger   *zap.Logger
}

// New builds a Proxy for cfg.
func New(cfg Config) (*Proxy, error) {
	target, err := url.Parse(cfg.Upstream)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Upstream)
	}
	rw, err := rewrite.New(cfg.Upstream, cfg.ProxyBase)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	transport = &instrumentedTransport{next: transport, breaker: cfg.Breaker}

	p := &Proxy{
		target:   target,
		rewriter: rw,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	p.reverse = &httputil.ReverseProxy{
		Rewrite:        p.rewriteRequest,
		Transport:      transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
		ErrorLog:       zap.NewStdLog(cfg.Logger),
	}
	return p, nil
}

// ServeHTTP relays GET and POST; other methods get 501.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotImplemented)
		fmt.Fprintf(w, "Unsupported method (%q)", r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()
	p.reverse.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Proxy) rewriteRequest(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)

	out := make(http.Header)
	out.Set("User-Agent", UserAgent)
	if accept := acceptedEncodings(pr.In.Header.Get("Accept-Encoding")); len(accept) > 0 {
		out.Set("Accept-Encoding", strings.Join(accept, ", "))
	}
	if pr.In.Method == http.MethodPost {
		for _, h := range forwardedPostHeaders {
			if v := pr.In.Header.Get(h); v != "" {
				out.Set(h, v)
			}
		}
	}
	pr.Out.Header = out
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", p.rewriter.Location(loc))
	}

	contentType := resp.Header.Get("Content-Type")
	noBody := resp.ContentLength == 0 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified
	if noBody {
		observability.ProxyResponsesTotal.WithLabelValues("passthrough").Inc()
		return nil
	}
	if contentType != "" && !strings.Contains(contentType, "text/html") {
		observability.ProxyResponsesTotal.WithLabelValues("passthrough").Inc()
		return decodeUnrequested(resp)
	}

	body, decoded, err := readDecoded(resp)
	if err != nil {
		return err
	}
	if !decoded {
		observability.ProxyResponsesTotal.WithLabelValues("passthrough").Inc()
		return nil
	}
	resp.Header.Del("Content-Encoding")

	if contentType == "" {
		detected := mimetype.Detect(body)
		resp.Header.Set("Content-Type", detected.String())
		if !detected.Is("text/html") {
			observability.ProxyResponsesTotal.WithLabelValues("passthrough").Inc()
			setBody(resp, body)
			return nil
		}
	}

	html := strings.ToValidUTF8(string(body), "")
	setBody(resp, []byte(p.rewriter.HTML(html)))
	observability.ProxyResponsesTotal.WithLabelValues("rewritten").Inc()
	return nil
}

// readDecoded reads the whole body and removes gzip or brotli encoding.
// decoded is false, with the body left unread, for encodings it cannot undo.
func readDecoded(resp *http.Response) (body []byte, decoded bool, err error) {
	var reader io.Reader
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		reader = resp.Body
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	default:
		return nil, false, nil
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("reading upstream body: %w", err)
	}
	return body, true, nil
}

// acceptedEncodings returns the decodable codings a client Accept-Encoding
// header allows. Codings with q=0 are refused and "*" admits all of them.
func acceptedEncodings(header string) []string {
	allowed := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		refused := false
		for _, param := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(strings.TrimSpace(k), "q") {
				if q, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && q <= 0 {
					refused = true
				}
			}
		}
		if name == "*" {
			for _, enc := range decodableEncodings {
				if _, seen := allowed[enc]; !seen {
					allowed[enc] = !refused
				}
			}
			continue
		}
		allowed[name] = !refused
	}

	var out []string
	for _, enc := range decodableEncodings {
		if allowed[enc] {
			out = append(out, enc)
		}
	}
	return out
}

// decodeUnrequested strips a gzip or brotli coding the upstream applied
// although the relayed request did not ask for it.
func decodeUnrequested(resp *http.Response) error {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc != "gzip" && enc != "br" {
		return nil
	}
	if resp.Request != nil {
		for _, accepted := range acceptedEncodings(resp.Request.Header.Get("Accept-Encoding")) {
			if accepted == enc {
				return nil
			}
		}
	}
	body, decoded, err := readDecoded(resp)
	if err != nil || !decoded {
		return err
	}
	resp.Header.Del("Content-Encoding")
	setBody(resp, body)
	return nil
}

func setBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Del("Transfer-Encoding")
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		p.logger.Debug("client went away", zap.String("path", r.URL.Path))
		return
	}
	p.logger.Warn("upstream relay failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	observability.ProxyResponsesTotal.WithLabelValues("error").Inc()
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, "Error: "+err.Error())
}

// instrumentedTransport records upstream metrics and routes calls through an optional breaker.
// Upstream 5xx responses count as breaker failures.
type instrumentedTransport struct {
	next    http.RoundTripper
	breaker *circuitbreaker.CircuitBreaker
}

var errUpstreamStatus = errors.New("upstream server error")

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	var resp *http.Response
	call := func() error {
		var err error
		resp, err = t.next.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return errUpstreamStatus
		}
		return nil
	}

	var err error
	if t.breaker != nil {
		err = t.breaker.Call(req.Context(), call)
	} else {
		err = call()
	}

	if errors.Is(err, errUpstreamStatus) {
		err = nil
	}
	status := "error"
	if err == nil && resp != nil {
		status = observability.UpstreamStatusLabel(resp.StatusCode)
	}
	observability.UpstreamCallsTotal.WithLabelValues(UpstreamName, status).Inc()
	observability.UpstreamDuration.WithLabelValues(UpstreamName, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return resp, nil
}
