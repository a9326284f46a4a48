package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("credentialing")
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, "tester", now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, "tester", "admin"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testJWTSecret,
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func devLogin(t *testing.T, srv *testServer, actorID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestPipelineFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := devLogin(t, srv, "tester")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"candidate_name": "Ada",
		"program":        "rn-license",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create application %d: %s", res.StatusCode, string(data))
	}
	var app domain.Application
	if err := json.Unmarshal(data, &app); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}

	for _, stage := range []string{"submitted", "under_review"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+app.ID+"/transition", map[string]any{
			"to_stage": stage,
		}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("transition to %s: %d %s", stage, res.StatusCode, string(data))
		}
	}

	// gated transition parks
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+app.ID+"/transition", map[string]any{
		"to_stage": "final_approval",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("gated transition: %d %s", res.StatusCode, string(data))
	}
	var gated engine.TransitionResult
	if err := json.Unmarshal(data, &gated); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if !gated.Transition.RequiresApproval || gated.Transition.ApprovedAt != nil {
		t.Fatalf("expected pending transition: %+v", gated.Transition)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transitions/"+gated.Transition.ID+"/approve", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications/"+app.ID+"/timeline", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", res.StatusCode, string(data))
	}
	var entries []domain.TimelineEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Stage != "final_approval" || last.Status != domain.StatusInProgress {
		t.Fatalf("expected final_approval active: %+v", last)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := devLogin(t, srv, "tester")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"candidate_name": "Ben",
	}, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create application: %d %s", res.StatusCode, string(data))
	}
	var app domain.Application
	_ = json.Unmarshal(data, &app)

	// skipping the start stage is an invalid transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+app.ID+"/transition", map[string]any{
		"to_stage": "placed",
	}, auth)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code: %+v", envelope.Error)
	}

	// unknown stages are a client error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+app.ID+"/transition", map[string]any{
		"to_stage": "warp_drive",
	}, auth)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}

	// missing applications are 404
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications/nope", nil, auth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestPermissionEnforcedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := devLogin(t, srv, "tester")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"candidate_name": "Cam",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create application: %d %s", res.StatusCode, string(data))
	}
	var app domain.Application
	_ = json.Unmarshal(data, &app)

	// an actor with no roles cannot transition
	nobody := devLogin(t, srv, "stranger")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+app.ID+"/transition", map[string]any{
		"to_stage": "submitted",
	}, nobody)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := devLogin(t, srv, "tester")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "tester",
		"name":     "ci",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey: %d %s", res.StatusCode, string(data))
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal apikey: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("plaintext key missing")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatal(err)
	}
	if me.ActorID != "tester" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Actor-Id": "tester"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	_ = json.Unmarshal(data, &me)
	if me.Source != "legacy_header" {
		t.Fatalf("unexpected source: %+v", me)
	}
}

func TestRoleEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := devLogin(t, srv, "tester")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/assign", map[string]any{
		"actor_id": "newhire",
		"role":     "consultant",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign role: %d %s", res.StatusCode, string(data))
	}
	var out MeResponse
	_ = json.Unmarshal(data, &out)
	if len(out.Roles) != 1 || out.Roles[0] != "consultant" {
		t.Fatalf("roles after assign: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/revoke", map[string]any{
		"actor_id": "newhire",
		"role":     "consultant",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke role: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &out)
	if len(out.Roles) != 0 {
		t.Fatalf("roles after revoke: %+v", out)
	}
}
