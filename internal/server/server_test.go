package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"conflux/internal/config"
	"conflux/internal/db"
	"conflux/internal/engine"
	"conflux/internal/migrate"
)

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
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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
	req.Header.Set("X-Agent-Id", "tester")
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func createProblem(t *testing.T, srv *testServer, title string) ProblemResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems", map[string]any{"title": title}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create problem status %d: %s", res.StatusCode, string(data))
	}
	var p ProblemResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal problem: %v", err)
	}
	return p
}

func decompose(t *testing.T, srv *testServer, problemID string, entries []map[string]any) []SubProblemResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems/"+problemID+"/decompose",
		map[string]any{"sub_problems": entries}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("decompose status %d: %s", res.StatusCode, string(data))
	}
	var subs []SubProblemResponse
	if err := json.Unmarshal(data, &subs); err != nil {
		t.Fatalf("unmarshal sub-problems: %v", err)
	}
	return subs
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/problems", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestProblemLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProblem(t, srv, "Ship the release")
	subs := decompose(t, srv, p.ID, []map[string]any{
		{"id": "plan", "title": "plan", "order": 1},
		{"id": "exec", "title": "execute", "order": 2, "depends_on": []string{"plan"}},
	})
	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-problems, got %d", len(subs))
	}

	// claiming the gated one first returns 422 with the blocking ids
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/exec/claim", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "dependency_unmet" {
		t.Fatalf("expected dependency_unmet, got %s", env.Error.Code)
	}
	missing, _ := env.Error.Details["missing"].([]any)
	if len(missing) != 1 || missing[0] != "plan" {
		t.Fatalf("expected missing [plan], got %v", env.Error.Details)
	}

	// claim, then a second claimant conflicts
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/plan/claim", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/plan/claim", nil,
		map[string]string{"X-Agent-Id": "rival"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", env.Error.Code)
	}

	// solve by a non-holder is forbidden
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/plan/solve",
		map[string]any{"solution": "stolen"}, map[string]string{"X-Agent-Id": "rival"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/plan/solve",
		map[string]any{"solution": "the plan"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("solve status %d: %s", res.StatusCode, string(data))
	}
	var solved SolveResponse
	if err := json.Unmarshal(data, &solved); err != nil {
		t.Fatalf("unmarshal solve: %v", err)
	}
	if solved.AllSolved {
		t.Fatalf("exec still open, all_solved should be false")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/exec/claim", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim exec status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/exec/solve",
		map[string]any{"solution": "the execution"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("solve exec status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &solved); err != nil {
		t.Fatal(err)
	}
	if !solved.AllSolved {
		t.Fatalf("expected all_solved after last solve")
	}

	// merge folds both and closes the problem
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems/"+p.ID+"/merge",
		map[string]any{"solution": "plan + execution"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("merge status %d: %s", res.StatusCode, string(data))
	}
	var merged MergeResponse
	if err := json.Unmarshal(data, &merged); err != nil {
		t.Fatal(err)
	}
	if merged.MergedCount != 2 {
		t.Fatalf("expected merged_count 2, got %d", merged.MergedCount)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/problems/"+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get problem status %d", res.StatusCode)
	}
	var got ProblemResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "closed" {
		t.Fatalf("expected closed, got %s", got.Status)
	}

	// a second merge has nothing to fold
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems/"+p.ID+"/merge",
		map[string]any{"solution": "again"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "nothing_to_merge" {
		t.Fatalf("expected nothing_to_merge, got %s", env.Error.Code)
	}
}

func TestProblemListPaginationSkipsNothing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, id := range []string{"pa", "pb", "pc"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/problems",
			map[string]any{"id": id, "title": "problem " + id}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", id, res.StatusCode, string(data))
		}
	}
	type page struct {
		Items      []ProblemResponse `json:"items"`
		NextCursor string            `json:"next_cursor"`
	}
	seen := map[string]int{}
	cursor := ""
	for i := 0; i < 3; i++ {
		reqURL := srv.URL + "/v0/problems?limit=2"
		if cursor != "" {
			reqURL += "&cursor=" + url.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, reqURL, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var p page
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range p.Items {
			seen[item.ID]++
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 problems across pages, got %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("problem %s returned %d times", id, n)
		}
	}
}

func TestCollaboratorsListedAfterClaim(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProblem(t, srv, "p")
	decompose(t, srv, p.ID, []map[string]any{{"id": "s1", "title": "s1"}})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sub-problems/s1/claim", nil,
		map[string]string{"X-Agent-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/problems/"+p.ID+"/collaborators", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("collaborators status %d: %s", res.StatusCode, string(data))
	}
	var collabs []CollaboratorResponse
	if err := json.Unmarshal(data, &collabs); err != nil {
		t.Fatal(err)
	}
	if len(collabs) != 1 || collabs[0].AgentID != "alice" {
		t.Fatalf("unexpected collaborators: %+v", collabs)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProblem(t, srv, "p")

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/collaboration-sessions?resource_type=problem&resource_id="+p.ID, nil,
		map[string]string{"X-Agent-Id": "alice"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open session status %d: %s", res.StatusCode, string(data))
	}
	var s SessionResponse
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s.InitiatorID != "alice" || s.Status != "active" {
		t.Fatalf("unexpected session: %+v", s)
	}

	// second open for the same resource joins the same session
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/collaboration-sessions?resource_type=problem&resource_id="+p.ID, nil,
		map[string]string{"X-Agent-Id": "bob"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("join via open status %d: %s", res.StatusCode, string(data))
	}
	var joined SessionResponse
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatal(err)
	}
	if joined.ID != s.ID {
		t.Fatalf("expected singleton session, got %s and %s", s.ID, joined.ID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/collaboration-sessions/"+s.ID+"/changes",
		map[string]any{"change_type": "edited", "details": "draft v2"},
		map[string]string{"X-Agent-Id": "bob"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record change status %d: %s", res.StatusCode, string(data))
	}

	// only the initiator may end
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/collaboration-sessions/"+s.ID+"/end",
		map[string]any{"status": "completed"}, map[string]string{"X-Agent-Id": "bob"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/collaboration-sessions/"+s.ID+"/end",
		map[string]any{"status": "completed"}, map[string]string{"X-Agent-Id": "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status %d: %s", res.StatusCode, string(data))
	}

	// activity on the ended session is gone
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/collaboration-sessions/"+s.ID+"/changes",
		map[string]any{"change_type": "edited"}, nil)
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "session_inactive" {
		t.Fatalf("expected session_inactive, got %s", env.Error.Code)
	}
}

func TestUnknownProblemIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/problems/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", env.Error.Code)
	}
}
