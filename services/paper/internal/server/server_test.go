package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sciecho/pkg/ai"
	"sciecho/pkg/domain"
	"sciecho/pkg/store"
	"sciecho/services/paper/internal/app"
	"sciecho/services/paper/internal/authclient"
)

const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
)

var testNow = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type stubEngine struct {
	fail atomic.Bool
}

func (e *stubEngine) Summarize(_ context.Context, pdf []byte) (ai.Digest, error) {
	if e.fail.Load() {
		return ai.Digest{}, errors.New("model overloaded")
	}
	return ai.Digest{Summary: "a short summary", Text: "protein folding in yeast", Pages: 1}, nil
}

func (e *stubEngine) Answer(_ context.Context, _ ai.Document, question string) (string, error) {
	if e.fail.Load() {
		return "", errors.New("model overloaded")
	}
	return "answer: " + question, nil
}

type testEnv struct {
	srv         *httptest.Server
	engine      *stubEngine
	logoutCalls atomic.Int32
	lastRefresh atomic.Value
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{engine: &stubEngine{}}
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal domain.Principal
		switch r.Header.Get("Authorization") {
		case "Bearer " + aliceToken:
			principal = domain.Principal{ID: "alice", Email: "alice@example.org"}
		case "Bearer " + bobToken:
			principal = domain.Principal{ID: "bob", Email: "bob@example.org"}
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		switch r.URL.Path {
		case "/auth/me":
			_ = json.NewEncoder(w).Encode(principal)
		case "/auth/logout":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			env.lastRefresh.Store(body["refreshToken"])
			env.logoutCalls.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(authSrv.Close)

	mem := store.NewMemoryStore()
	paper, err := app.New(app.Config{
		Ledgers:        mem,
		Documents:      mem,
		Engine:         env.engine,
		MaxUploadBytes: 1024,
		Now:            func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{
		App:     paper,
		Auth:    authclient.NewClient(authSrv.URL),
		Revoker: store.NewMemoryTokenRevoker(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.srv = httptest.NewServer(s.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (env *testEnv) upload(t *testing.T, token, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return env.do(t, http.MethodPost, "/api/document", token, &buf, mw.FormDataContentType())
}

func (env *testEnv) ask(t *testing.T, token, question string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"question": question})
	return env.do(t, http.MethodPost, "/api/questions", token, bytes.NewBuffer(body), "application/json")
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

var samplePDF = []byte("%PDF-1.4\n1 0 obj <<>> endobj\n%%EOF\n")

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/me", "/api/status", "/api/document", "/api/questions"} {
		resp := env.do(t, http.MethodGet, path, "", nil, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", path, resp.StatusCode)
		}
		resp = env.do(t, http.MethodGet, path, "forged", nil, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s with unknown token: expected 401, got %d", path, resp.StatusCode)
		}
	}
}

func TestMeBootstrapsAccount(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/me", aliceToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	me := decode[meResponse](t, resp)
	if me.User.ID != "alice" {
		t.Fatalf("unexpected user %+v", me.User)
	}
	if me.Status.Usage.UploadLimit != 1 || me.Status.Usage.QuestionLimit != 3 {
		t.Fatalf("unexpected usage %+v", me.Status.Usage)
	}
	if me.Status.Usage.ResetDate != "2026-03-02" {
		t.Fatalf("unexpected reset date %q", me.Status.Usage.ResetDate)
	}
	if me.Status.Document != nil {
		t.Fatalf("expected no document, got %+v", me.Status.Document)
	}
}

func TestUploadThenQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, aliceToken, "folding.pdf", samplePDF)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	result := decode[app.UploadResult](t, resp)
	if result.Summary != "a short summary" || result.Document.Filename != "folding.pdf" {
		t.Fatalf("unexpected upload result %+v", result)
	}
	if result.Usage.UploadsToday != 1 || result.Usage.UploadsRemaining != 0 {
		t.Fatalf("unexpected usage %+v", result.Usage)
	}

	resp = env.upload(t, aliceToken, "second.pdf", samplePDF)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "50400" {
		t.Fatalf("expected Retry-After 50400, got %q", got)
	}
	body := decode[errorResponse](t, resp)
	if body.Code != "PAPER_UPLOAD_QUOTA_EXCEEDED" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	if body.Usage == nil || body.Usage.UploadsToday != 1 {
		t.Fatalf("expected usage in body, got %+v", body.Usage)
	}
	if body.RequestID == "" || body.RequestID != resp.Header.Get("X-Request-Id") {
		t.Fatalf("expected request id %q in body, got %q", resp.Header.Get("X-Request-Id"), body.RequestID)
	}

	// Quotas are per account.
	resp = env.upload(t, bobToken, "bob.pdf", samplePDF)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bob upload: expected 201, got %d", resp.StatusCode)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t)
	resp := env.upload(t, aliceToken, "notes.txt", []byte("plain text notes"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Code != "PAPER_INVALID_INPUT" {
		t.Fatalf("unexpected code %q", body.Code)
	}
	status := decode[domain.Status](t, env.do(t, http.MethodGet, "/api/status", aliceToken, nil, ""))
	if status.Usage.UploadsToday != 0 {
		t.Fatalf("rejected upload consumed quota: %+v", status.Usage)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	large := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 2048)...)
	resp := env.upload(t, aliceToken, "big.pdf", large)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Code != "PAPER_FILE_TOO_LARGE" {
		t.Fatalf("unexpected code %q", body.Code)
	}
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "no file here")
	_ = mw.Close()
	resp := env.do(t, http.MethodPost, "/api/document", aliceToken, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEngineFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.engine.fail.Store(true)
	resp := env.upload(t, aliceToken, "folding.pdf", samplePDF)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Code != "PAPER_UPSTREAM_FAILURE" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	env.engine.fail.Store(false)
	resp = env.upload(t, aliceToken, "folding.pdf", samplePDF)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry after engine failure: expected 201, got %d", resp.StatusCode)
	}
}

func TestQuestionFlow(t *testing.T) {
	env := newTestEnv(t)
	resp := env.ask(t, aliceToken, "What organism?")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("question without document: expected 409, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Code != "PAPER_NO_DOCUMENT" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	if resp := env.upload(t, aliceToken, "folding.pdf", samplePDF); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d", resp.StatusCode)
	}
	if resp := env.ask(t, aliceToken, "   "); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank question: expected 400, got %d", resp.StatusCode)
	}
	for i := 1; i <= 3; i++ {
		resp := env.ask(t, aliceToken, "What organism?")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("question %d: expected 200, got %d", i, resp.StatusCode)
		}
		result := decode[app.QuestionResult](t, resp)
		if result.Answer != "answer: What organism?" || result.Usage.QuestionsToday != i {
			t.Fatalf("question %d: unexpected result %+v", i, result)
		}
	}
	resp = env.ask(t, aliceToken, "One more?")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("fourth question: expected 429, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Code != "PAPER_QUESTION_QUOTA_EXCEEDED" {
		t.Fatalf("unexpected code %q", body.Code)
	}
}

func TestQuestionRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/questions", aliceToken, bytes.NewBufferString("{"), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodGet, "/api/document", aliceToken, nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before upload, got %d", resp.StatusCode)
	}
	if resp := env.upload(t, aliceToken, "folding.pdf", samplePDF); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d", resp.StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/api/document", aliceToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	meta := decode[domain.DocumentMeta](t, resp)
	if meta.Filename != "folding.pdf" || meta.Archived {
		t.Fatalf("unexpected document %+v", meta)
	}
	if resp := env.do(t, http.MethodGet, "/api/document/download", aliceToken, nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("download without archive: expected 404, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/document", aliceToken, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}
	status := decode[domain.Status](t, resp)
	if status.Document != nil || status.Usage.UploadsToday != 1 {
		t.Fatalf("unexpected status after delete %+v", status)
	}
	if resp := env.do(t, http.MethodPut, "/api/document", aliceToken, nil, ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestLogoutForwardsRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	body := bytes.NewBufferString(`{"refreshToken":"refresh-1"}`)
	resp := env.do(t, http.MethodPost, "/api/auth/logout", aliceToken, body, "application/json")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if env.logoutCalls.Load() != 1 || env.lastRefresh.Load() != "refresh-1" {
		t.Fatalf("logout not forwarded: calls=%d refresh=%v", env.logoutCalls.Load(), env.lastRefresh.Load())
	}
	if resp := env.do(t, http.MethodGet, "/api/status", aliceToken, nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("signed-out token: expected 401, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/status", bobToken, nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("other account: expected 200, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/api/auth/logout", "forged", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("logout with unknown token: expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthServiceDownIsBadGateway(t *testing.T) {
	mem := store.NewMemoryStore()
	paper, err := app.New(app.Config{Ledgers: mem, Documents: mem, Engine: &stubEngine{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: paper, Auth: authclient.NewClient("http://127.0.0.1:1")})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AUTH_SERVICE_UNAVAILABLE") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	reset := time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		now  time.Time
		want int
	}{
		{time.Date(2026, time.March, 2, 23, 59, 59, 500_000_000, time.UTC), 1},
		{time.Date(2026, time.March, 2, 23, 0, 0, 0, time.UTC), 3600},
		{reset, 1},
	}
	for _, tc := range cases {
		if got := retryAfterSeconds(tc.now, reset); got != tc.want {
			t.Fatalf("retryAfterSeconds(%s) = %d, want %d", tc.now, got, tc.want)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
}
