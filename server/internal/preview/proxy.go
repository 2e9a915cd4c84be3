// Package preview proxies browser traffic for a session's embedded preview
// into the owning sandbox's preview server.
package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// Proxy errors
var (
	ErrProxyUpstream = errors.New("preview server unreachable")
	ErrProxyTimeout  = errors.New("preview server timed out")
)

// SessionPrefix is the path under which session routes are mounted.
const SessionPrefix = "/api/build/sessions"

// refererSession extracts the session id from a preview page's URL.
var refererSession = regexp.MustCompile(`/api/build/sessions/([0-9a-fA-F-]{36})/webapp`)

// hopHeaders are removed in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Records looks up sessions and sandboxes. *store.Store satisfies it.
type Records interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetSandboxByOwner(ctx context.Context, ownerUserID string) (*model.Sandbox, error)
}

// Options configures a Proxy.
type Options struct {
	// Timeout bounds each proxied request.
	Timeout time.Duration

	// UpstreamHost is the host preview servers listen on when Upstream is nil.
	UpstreamHost string

	// Upstream returns the host:port of a sandbox's preview server. Backends
	// that do not serve previews on UpstreamHost set it.
	Upstream func(sb *model.Sandbox) string

	// User returns the id of the user making the request, or "" if unknown.
	// When set, sessions owned by another user are reported as not found.
	User func(r *http.Request) string

	Transport http.RoundTripper
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Timeout: cfg.ProxyTimeout, UpstreamHost: cfg.UpstreamHost}
}

// Proxy forwards preview traffic to sandboxes.
type Proxy struct {
	records   Records
	opts      Options
	transport http.RoundTripper
	log       *logger.Logger
}

// New creates a Proxy.
func New(records Records, opts Options, log *logger.Logger) *Proxy {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UpstreamHost == "" {
		opts.UpstreamHost = "127.0.0.1"
	}
	if log == nil {
		log = logger.Nop()
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DialContext = (&net.Dialer{Timeout: 5 * time.Second}).DialContext
		transport = t
	}
	return &Proxy{records: records, opts: opts, transport: transport, log: log.Component("preview")}
}

// Routes mounts the session preview routes and the Referer recovery routes
// for root-relative assets.
func (p *Proxy) Routes(r chi.Router) {
	r.HandleFunc(SessionPrefix+"/{sessionID}/webapp", p.handleSession)
	r.HandleFunc(SessionPrefix+"/{sessionID}/webapp/*", p.handleSession)

	r.HandleFunc("/_next/*", p.handleReferer)
	r.HandleFunc("/favicon.ico", p.handleReferer)
	r.HandleFunc(`/{file:[^/]+\.json}`, p.handleReferer)
}

func (p *Proxy) handleSession(w http.ResponseWriter, r *http.Request) {
	p.ServeSession(w, r, chi.URLParam(r, "sessionID"), chi.URLParam(r, "*"))
}

// handleReferer serves a root-relative asset request that escaped rewriting,
// recovering the session from the page that requested it.
func (p *Proxy) handleReferer(w http.ResponseWriter, r *http.Request) {
	sessionID := SessionFromReferer(r.Referer())
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	p.ServeSession(w, r, sessionID, strings.TrimPrefix(r.URL.Path, "/"))
}

// SessionFromReferer returns the session id embedded in a preview page URL,
// or "" if there is none.
func SessionFromReferer(referer string) string {
	m := refererSession.FindStringSubmatch(referer)
	if m == nil {
		return ""
	}
	if _, err := uuid.Parse(m[1]); err != nil {
		return ""
	}
	return m[1]
}

// ServeSession proxies r to the preview server of the sandbox owning
// sessionID. subpath is the path below the session's webapp root.
func (p *Proxy) ServeSession(w http.ResponseWriter, r *http.Request, sessionID, subpath string) {
	ctx := r.Context()

	session, err := p.records.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		p.log.Error("failed to look up session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}
	if p.opts.User != nil {
		if user := p.opts.User(r); user != "" && user != session.UserID {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}

	sb, err := p.records.GetSandboxByOwner(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sb.IsLive()) {
		writeError(w, http.StatusNotFound, "sandbox not found")
		return
	}
	if err != nil {
		p.log.Error("failed to look up sandbox", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up sandbox")
		return
	}
	if sb.InternalPort == nil {
		writeError(w, http.StatusServiceUnavailable, "preview server is not ready")
		return
	}

	upstream := net.JoinHostPort(p.opts.UpstreamHost, strconv.Itoa(*sb.InternalPort))
	if p.opts.Upstream != nil {
		upstream = p.opts.Upstream(sb)
	}
	p.forward(w, r, upstream, SessionPrefix+"/"+sessionID+"/webapp", subpath)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, upstream, prefix, subpath string) {
	ctx, cancel := context.WithTimeout(r.Context(), p.opts.Timeout)
	defer cancel()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = upstream
			pr.Out.URL.Path = "/" + strings.TrimPrefix(subpath, "/")
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			pr.Out.Host = upstream
			pr.SetXForwarded()

			stripHopHeaders(pr.Out.Header)
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport: p.transport,
		ModifyResponse: func(resp *http.Response) error {
			stripHopHeaders(resp.Header)
			return rewriteResponse(resp, prefix)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if isTimeout(err) {
				p.log.Warn("preview request timed out", "upstream", upstream, "path", r.URL.Path, "error", err)
				writeError(w, http.StatusGatewayTimeout, ErrProxyTimeout.Error())
				return
			}
			p.log.Warn("preview request failed", "upstream", upstream, "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, ErrProxyUpstream.Error())
		},
		FlushInterval: -1,
	}
	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// stripHopHeaders removes hop-by-hop headers, including any named in
// Connection.
func stripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// rewriteResponse rewrites asset references in text bodies. Encoded bodies
// and other media types pass through untouched.
func rewriteResponse(resp *http.Response, prefix string) error {
	if !rewritable(resp.Header.Get("Content-Type")) || resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read preview response: %w", err)
	}
	body = RewriteAssets(body, prefix)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
