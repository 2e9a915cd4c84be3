package preview

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/store"
	"github.com/obot-platform/buildbox/server/internal/store/storetest"
)

type testEnv struct {
	store   *store.Store
	router  chi.Router
	session *model.Session
	sandbox *model.Sandbox
}

// newTestEnv creates a session whose owner has a running sandbox served by
// upstream. A nil upstream leaves the sandbox without a port.
func newTestEnv(t *testing.T, upstream http.Handler, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := storetest.New(t)

	session := &model.Session{UserID: "u1", TenantID: "public"}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	sb := &model.Sandbox{OwnerUserID: "u1", TenantID: "public", Status: model.SandboxStatusRunning, Backend: "local"}

	if upstream != nil {
		srv := httptest.NewServer(upstream)
		t.Cleanup(srv.Close)
		u, _ := url.Parse(srv.URL)
		port := 1
		sb.InternalPort = &port
		opts.Upstream = func(*model.Sandbox) string { return u.Host }
	}
	if err := st.CreateSandbox(ctx, sb); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	New(st, opts, nil).Routes(r)
	return &testEnv{store: st, router: r, session: session, sandbox: sb}
}

func (e *testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) webapp(path string) string {
	return SessionPrefix + "/" + e.session.ID + "/webapp" + path
}

func TestProxy_ForwardsPathAndQuery(t *testing.T) {
	var got *http.Request
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("ok"))
	}), Options{})

	rec := env.do(t, http.MethodPost, env.webapp("/api/items?page=2"), http.Header{
		"Proxy-Authorization": {"secret"},
		"Connection":          {"X-Debug"},
		"X-Debug":             {"1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if got.Method != http.MethodPost || got.URL.Path != "/api/items" || got.URL.RawQuery != "page=2" {
		t.Errorf("upstream saw %s %s?%s", got.Method, got.URL.Path, got.URL.RawQuery)
	}
	for _, h := range []string{"Proxy-Authorization", "X-Debug"} {
		if got.Header.Get(h) != "" {
			t.Errorf("hop-by-hop header %s forwarded", h)
		}
	}
}

func TestProxy_RootPath(t *testing.T) {
	var path string
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}), Options{})

	if rec := env.do(t, http.MethodGet, env.webapp(""), nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if path != "/" {
		t.Errorf("upstream path = %q, want /", path)
	}
}

func TestProxy_RewritesHTML(t *testing.T) {
	html := `<script src="/_next/static/chunks/main.js"></script><link rel="icon" href="/favicon.ico">`
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, html)
	}), Options{})

	rec := env.do(t, http.MethodGet, env.webapp("/"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	prefix := env.webapp("")
	want := `<script src="` + prefix + `/_next/static/chunks/main.js"></script><link rel="icon" href="` + prefix + `/favicon.ico">`
	if rec.Body.String() != want {
		t.Errorf("body = %s\nwant %s", rec.Body, want)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "" && cl != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %s, want %d", cl, len(want))
	}
}

func TestProxy_BinaryPassesThrough(t *testing.T) {
	body := []byte("\x00\x01\"/_next/static\"\xff")
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	}), Options{})

	rec := env.do(t, http.MethodGet, env.webapp("/blob"), nil)
	if rec.Body.String() != string(body) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), body)
	}
}

func TestProxy_StripsResponseHopHeaders(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "X-Internal")
		w.Header().Set("X-Internal", "1")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-App", "kept")
	}), Options{})

	rec := env.do(t, http.MethodGet, env.webapp("/"), nil)
	for _, h := range []string{"X-Internal", "Keep-Alive", "Connection"} {
		if rec.Header().Get(h) != "" {
			t.Errorf("response header %s not stripped", h)
		}
	}
	if rec.Header().Get("X-App") != "kept" {
		t.Error("end-to-end header dropped")
	}
}

func TestProxy_Errors(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		env := newTestEnv(t, http.NotFoundHandler(), Options{})
		rec := env.do(t, http.MethodGet, SessionPrefix+"/00000000-0000-0000-0000-000000000000/webapp/", nil)
		assertError(t, rec, http.StatusNotFound)
	})

	t.Run("other user", func(t *testing.T) {
		env := newTestEnv(t, http.NotFoundHandler(), Options{User: func(*http.Request) string { return "u2" }})
		assertError(t, env.do(t, http.MethodGet, env.webapp("/"), nil), http.StatusNotFound)
	})

	t.Run("no live sandbox", func(t *testing.T) {
		env := newTestEnv(t, http.NotFoundHandler(), Options{})
		if err := env.store.SetSandboxStatus(context.Background(), env.sandbox.ID, model.SandboxStatusTerminated); err != nil {
			t.Fatal(err)
		}
		assertError(t, env.do(t, http.MethodGet, env.webapp("/"), nil), http.StatusNotFound)
	})

	t.Run("no port", func(t *testing.T) {
		env := newTestEnv(t, nil, Options{})
		assertError(t, env.do(t, http.MethodGet, env.webapp("/"), nil), http.StatusServiceUnavailable)
	})

	t.Run("upstream down", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.Listener.Addr().String()
		srv.Close()

		env := newTestEnv(t, http.NotFoundHandler(), Options{})
		r := chi.NewRouter()
		New(env.store, Options{Upstream: func(*model.Sandbox) string { return addr }}, nil).Routes(r)
		env.router = r
		assertError(t, env.do(t, http.MethodGet, env.webapp("/"), nil), http.StatusBadGateway)
	})

	t.Run("upstream slow", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}), Options{Timeout: 50 * time.Millisecond})
		assertError(t, env.do(t, http.MethodGet, env.webapp("/"), nil), http.StatusGatewayTimeout)
	})
}

func TestProxy_RefererRecovery(t *testing.T) {
	var path string
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}), Options{})

	referer := "http://localhost:3000" + env.webapp("/dashboard")
	tests := []struct {
		target   string
		wantPath string
	}{
		{"/_next/static/chunks/app.js", "/_next/static/chunks/app.js"},
		{"/favicon.ico", "/favicon.ico"},
		{"/manifest.json", "/manifest.json"},
	}
	for _, tt := range tests {
		path = ""
		rec := env.do(t, http.MethodGet, tt.target, http.Header{"Referer": {referer}})
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", tt.target, rec.Code)
		}
		if path != tt.wantPath {
			t.Errorf("%s: upstream path = %q, want %q", tt.target, path, tt.wantPath)
		}
	}

	assertError(t, env.do(t, http.MethodGet, "/_next/static/app.js", nil), http.StatusNotFound)
	assertError(t, env.do(t, http.MethodGet, "/_next/static/app.js", http.Header{"Referer": {"http://localhost:3000/chat"}}), http.StatusNotFound)
}

func TestSessionFromReferer(t *testing.T) {
	tests := []struct {
		referer string
		want    string
	}{
		{"http://h/api/build/sessions/0f8fad5b-d9cb-469f-a165-70867728950e/webapp/", "0f8fad5b-d9cb-469f-a165-70867728950e"},
		{"http://h/api/build/sessions/0f8fad5b-d9cb-469f-a165-70867728950e/webapp", "0f8fad5b-d9cb-469f-a165-70867728950e"},
		{"http://h/api/build/sessions/------------------------------------/webapp", ""},
		{"http://h/api/build/sessions/abc/webapp", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SessionFromReferer(tt.referer); got != tt.want {
			t.Errorf("SessionFromReferer(%q) = %q, want %q", tt.referer, got, tt.want)
		}
	}
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rec.Code != status {
		t.Errorf("status = %d, want %d: %s", rec.Code, status, rec.Body)
		return
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
		t.Errorf("body = %s, want JSON error", rec.Body)
	}
}
