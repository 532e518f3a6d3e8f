package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthzOK(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
	rr = ts.do(http.MethodGet, "/healthz", "", "X-Correlation-ID", "abc")
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc" {
		t.Errorf("correlation id = %q, want abc", got)
	}
}

func TestReadyzRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz with token = %d %s", rr.Code, rr.Body.String())
	}
	ts.creds.token = ""
	rr := ts.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without token = %d", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["failed_check"] != "credentials" {
		t.Errorf("failed_check = %q", body["failed_check"])
	}
}

func TestConnectLifecycle(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.CommandPrefix = "?" })

	rr := ts.do(http.MethodPost, "/api/channels/%23Foo/connect", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("connect = %d %s", rr.Code, rr.Body.String())
	}
	if ts.sup.live["foo"] != "tok" || ts.sup.prefixes["foo"] != "?" {
		t.Errorf("supervisor state = %v %v", ts.sup.live, ts.sup.prefixes)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/connect", `{"prefix":"$"}`); rr.Code != http.StatusConflict {
		t.Errorf("second connect = %d", rr.Code)
	}

	list := decode[map[string][]string](t, ts.do(http.MethodGet, "/api/channels", ""))
	if len(list["channels"]) != 1 || list["channels"][0] != "foo" {
		t.Errorf("channels = %v", list)
	}
	if rr := ts.do(http.MethodGet, "/api/channels/foo/stats", ""); rr.Code != http.StatusOK {
		t.Errorf("stats = %d", rr.Code)
	}

	if rr := ts.do(http.MethodPost, "/api/channels/foo/disconnect", ""); rr.Code != http.StatusOK {
		t.Errorf("disconnect = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/disconnect", ""); rr.Code != http.StatusNotFound {
		t.Errorf("disconnect unknown = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/api/channels/foo/stats", ""); rr.Code != http.StatusNotFound {
		t.Errorf("stats after disconnect = %d", rr.Code)
	}
}

func TestConnectWithoutToken(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.creds.token = ""
	if rr := ts.do(http.MethodPost, "/api/channels/foo/connect", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("connect without token = %d", rr.Code)
	}
	if len(ts.sup.live) != 0 {
		t.Error("supervisor connected without a token")
	}
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodPost, "/api/channels/foo/messages", `{"message":"hi"}`); rr.Code != http.StatusConflict {
		t.Errorf("send offline = %d", rr.Code)
	}
	ts.sup.Connect("foo", "tok", "!")
	if rr := ts.do(http.MethodPost, "/api/channels/foo/messages", `{"message":"  "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("blank message = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/messages", `{"msg":"hi"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/messages", `{"message":"hi"}`); rr.Code != http.StatusAccepted {
		t.Errorf("send = %d", rr.Code)
	}
	if len(ts.sup.sent) != 1 || ts.sup.sent[0] != "foo:hi" {
		t.Errorf("sent = %v", ts.sup.sent)
	}
}

func TestAutoResponseRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodPost, "/api/auto-responses", `{"trigger":"good morning","response":"gm!"}`); rr.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodPost, "/api/auto-responses", `{"trigger":"x"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("add without response = %d", rr.Code)
	}
	list := decode[map[string][]map[string]string](t, ts.do(http.MethodGet, "/api/auto-responses", ""))
	if len(list["responses"]) != 1 || list["responses"][0]["trigger"] != "good morning" {
		t.Errorf("list = %v", list)
	}
	if rr := ts.do(http.MethodDelete, "/api/auto-responses/"+url.PathEscape("good morning"), ""); rr.Code != http.StatusOK {
		t.Errorf("remove = %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, "/api/auto-responses/"+url.PathEscape("good morning"), ""); rr.Code != http.StatusNotFound {
		t.Errorf("remove missing = %d", rr.Code)
	}
}

func TestChannelAutoResponseRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodPost, "/api/channels/foo/auto-responses", `{"trigger":"hi","response":"yo"}`); rr.Code != http.StatusNotFound {
		t.Errorf("add on offline channel = %d", rr.Code)
	}
	ts.sup.Connect("foo", "tok", "!")
	if rr := ts.do(http.MethodPost, "/api/channels/foo/auto-responses", `{"trigger":"hi","response":"yo"}`); rr.Code != http.StatusCreated {
		t.Errorf("add = %d", rr.Code)
	}
	if len(ts.sup.AutoResponses()) != 0 {
		t.Error("channel response leaked into global registry")
	}
	if rr := ts.do(http.MethodDelete, "/api/channels/foo/auto-responses/hi", ""); rr.Code != http.StatusOK {
		t.Errorf("remove = %d", rr.Code)
	}
}

func TestStreamerRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodPost, "/api/streamers", `{"channel":"@SomeStreamer"}`); rr.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(http.MethodPost, "/api/streamers", `{"channel":"somestreamer"}`); rr.Code != http.StatusConflict {
		t.Errorf("duplicate = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/streamers", `{"channel":"@"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty = %d", rr.Code)
	}
	list := decode[map[string][]map[string]any](t, ts.do(http.MethodGet, "/api/streamers", ""))
	if len(list["streamers"]) != 1 || list["streamers"][0]["channel"] != "somestreamer" {
		t.Errorf("list = %v", list)
	}
	if rr := ts.do(http.MethodDelete, "/api/streamers/SomeStreamer", ""); rr.Code != http.StatusOK {
		t.Errorf("remove = %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, "/api/streamers/somestreamer", ""); rr.Code != http.StatusNotFound {
		t.Errorf("remove missing = %d", rr.Code)
	}
}

type fakeUsers map[string]string

func (f fakeUsers) DisplayName(_ context.Context, login string) (string, error) {
	if name, ok := f[login]; ok {
		return name, nil
	}
	return "", errors.New("user not found")
}

func TestStreamerDisplayNameLookup(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.Users = fakeUsers{"known": "KnownStreamer"} })
	for _, body := range []string{`{"channel":"known"}`, `{"channel":"ghost"}`, `{"channel":"given","display_name":"@Given"}`} {
		if rr := ts.do(http.MethodPost, "/api/streamers", body); rr.Code != http.StatusCreated {
			t.Fatalf("add %s = %d", body, rr.Code)
		}
	}
	list := decode[map[string][]map[string]any](t, ts.do(http.MethodGet, "/api/streamers", ""))
	got := map[string]any{}
	for _, s := range list["streamers"] {
		got[s["channel"].(string)] = s["display_name"]
	}
	if got["known"] != "KnownStreamer" || got["given"] != "Given" {
		t.Errorf("display names = %v", got)
	}
	if got["ghost"] != "ghost" {
		t.Errorf("failed lookup stored %v", got["ghost"])
	}
}

func TestRaidsRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	if err := ts.store.RecordRaid(context.Background(), "foo", "raider", 12); err != nil {
		t.Fatal(err)
	}
	body := decode[map[string][]map[string]any](t, ts.do(http.MethodGet, "/api/channels/foo/raids?limit=5", ""))
	if len(body["raids"]) != 1 || body["raids"][0]["raider"] != "raider" {
		t.Errorf("raids = %v", body)
	}
}

func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) upload(path, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	body, ctype := multipartBody(ts.t, filename, content, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ctype)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestImportStreamElements(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sup.Connect("foo", "tok", "!")
	rr := ts.upload("/api/import/streamelements", "points.csv", "username,points\nAlice,50\nalice,25\n", map[string]string{"channel": "#Foo"})
	if rr.Code != http.StatusOK {
		t.Fatalf("import = %d %s", rr.Code, rr.Body.String())
	}
	if body := decode[map[string]any](t, rr); body["imported"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if ts.sup.points["alice"] != 75 {
		t.Errorf("points = %v", ts.sup.points)
	}
	if rr := ts.upload("/api/import/streamelements", "points.exe", "username,points\n", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad extension = %d", rr.Code)
	}
	if rr := ts.upload("/api/import/streamelements", "points.csv", "name,points\nx,1\n", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad header = %d", rr.Code)
	}
}

func TestImportNightbot(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.upload("/api/import/nightbot", "commands.json", `{"commands":[{"name":"!discord","message":"join"}]}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("import = %d %s", rr.Code, rr.Body.String())
	}
	if got := ts.sup.AutoResponses(); len(got) != 1 || got[0].Trigger != "discord" {
		t.Errorf("responses = %v", got)
	}
}

func TestAdminAuthProtectsMutations(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	ts := newTestServer(t, nil)
	if rr := ts.do(http.MethodGet, "/api/channels", ""); rr.Code != http.StatusOK {
		t.Errorf("read route = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/connect", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated connect = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/connect", "", "X-Admin-Token", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/foo/connect", "", "X-Admin-Token", "secret"); rr.Code != http.StatusAccepted {
		t.Errorf("authenticated connect = %d", rr.Code)
	}
}

func TestAdminBasicAuth(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "admin")
	t.Setenv("ADMIN_PASSWORD", "pw")
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/channels/foo/disconnect", nil)
	req.SetBasicAuth("admin", "pw")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("basic auth disconnect = %d, want 404 from handler", rr.Code)
	}
	req.SetBasicAuth("admin", "nope")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized || rr.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("bad password = %d", rr.Code)
	}
}

func TestRateLimitMutations(t *testing.T) {
	ts := newTestServer(t, nil)
	t.Setenv("RATE_LIMIT_ENABLED", "1")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "2")
	ts.handler = NewMux(t.Context(), Deps{Supervisor: ts.sup, Credentials: ts.creds})

	for i := 0; i < 2; i++ {
		if rr := ts.do(http.MethodPost, "/api/channels/x/disconnect", ""); rr.Code != http.StatusNotFound {
			t.Fatalf("request %d = %d", i, rr.Code)
		}
	}
	rr := ts.do(http.MethodPost, "/api/channels/x/disconnect", "")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Errorf("third request = %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/api/channels/x/disconnect", "", "X-Forwarded-For", "10.0.0.9"); rr.Code != http.StatusNotFound {
		t.Errorf("other client = %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, "/api/channels", ""); rr.Code != http.StatusOK {
		t.Errorf("read routes are not limited: %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://dash.example.com,*.example.org")
	ts := newTestServer(t, nil)
	rr := ts.do(http.MethodOptions, "/api/channels/foo/connect", "", "Origin", "https://dash.example.com")
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://dash.example.com" {
		t.Errorf("preflight = %d %v", rr.Code, rr.Header())
	}
	rr = ts.do(http.MethodGet, "/api/channels", "", "Origin", "https://evil.test")
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin allowed")
	}
	if !isOriginAllowed("https://a.example.org", []string{"*.example.org"}) {
		t.Error("wildcard origin rejected")
	}
}

func TestStatusAndConfig(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.sup.Connect("foo", "tok", "!")
	ts.sup.AddAutoResponse("a", "b")
	st := decode[map[string]any](t, ts.do(http.MethodGet, "/api/status", ""))
	if st["auto_responses"] != float64(1) {
		t.Errorf("status = %v", st)
	}
	cfg := decode[map[string]any](t, ts.do(http.MethodGet, "/api/config", ""))
	if cfg["command_prefix"] != "!" || cfg["scopes"] != "chat:read chat:edit" {
		t.Errorf("config = %v", cfg)
	}
	if strings.Contains(ts.do(http.MethodGet, "/api/config", "").Body.String(), "tok") {
		t.Error("config leaked a token")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, fwd, want string
	}{
		{"1.2.3.4:5555", "", "1.2.3.4"},
		{"[::1]:80", "", "::1"},
		{"1.2.3.4:5555", "9.9.9.9, 10.0.0.1", "9.9.9.9"},
		{"1.2.3.4:5555", "2001:db8::1", "2001:db8::1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.fwd != "" {
			r.Header.Set("X-Forwarded-For", tt.fwd)
		}
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.fwd, got, tt.want)
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, http.NotFoundHandler(), "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
