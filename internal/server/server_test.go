package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"paperline/internal/db"
	"paperline/internal/engine"
	"paperline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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
	t.Cleanup(testSrv.Close)
	return testSrv
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
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	actor := map[string]string{"X-Actor": "alice"}

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/projects",
		CreateProjectRequest{Key: "P1", Name: "Pilot", Methodology: "predictive"}, actor)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/projects/P1/proposals",
		CreateProposalRequest{TargetArtifact: "artifacts/charter.md", ChangeType: "CREATE", NewContent: "# Charter\n"}, actor)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal: status %d body %s", resp.StatusCode, data)
	}
	var prop ProposalResponse
	decode(t, data, &prop)
	if prop.Status != "PENDING" || prop.Diff == "" {
		t.Fatalf("unexpected proposal: %+v", prop)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/proposals/"+prop.ID+"/apply", nil,
		map[string]string{"X-Actor": "bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply: status %d body %s", resp.StatusCode, data)
	}
	var applied ProposalResponse
	decode(t, data, &applied)
	if applied.Status != "ACCEPTED" || applied.CommitID == nil || applied.AppliedAt == nil {
		t.Fatalf("unexpected applied proposal: %+v", applied)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodGet,
		ts.URL+"/v0/projects/P1/artifact?path=artifacts%2Fcharter.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get artifact: status %d body %s", resp.StatusCode, data)
	}
	var content ArtifactContentResponse
	decode(t, data, &content)
	if content.Content != "# Charter\n" || content.Type != "markdown" {
		t.Fatalf("unexpected artifact: %+v", content)
	}

	// second apply conflicts
	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/proposals/"+prop.ID+"/apply", nil, actor)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-apply: status %d body %s", resp.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, data, &envelope)
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code = %q body %s", envelope.Error.Code, data)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodGet,
		ts.URL+"/v0/projects/P1/audit?event_type=PROPOSAL_ACCEPTED", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit query: status %d body %s", resp.StatusCode, data)
	}
	var page AuditPageResponse
	decode(t, data, &page)
	if page.Total != 1 || len(page.Events) != 1 {
		t.Fatalf("unexpected audit page: %s", data)
	}
	if page.Events[0].Actor != "bob" {
		t.Fatalf("accepted event actor = %q, want bob", page.Events[0].Actor)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t)
	actor := map[string]string{"X-Actor": "alice"}

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/projects",
		CreateProjectRequest{Key: "P1"}, actor)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/projects/P1/workflow", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: status %d body %s", resp.StatusCode, data)
	}
	var state WorkflowStateResponse
	decode(t, data, &state)
	if state.CurrentState != "INITIATION" {
		t.Fatalf("initial state = %s", state.CurrentState)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/projects/P1/workflow/transitions",
		TransitionRequest{ToState: "PLANNING", Reason: "charter approved"}, actor)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transition: status %d body %s", resp.StatusCode, data)
	}
	decode(t, data, &state)
	if state.CurrentState != "PLANNING" || state.PreviousState != "INITIATION" {
		t.Fatalf("unexpected state: %+v", state)
	}

	// invalid jump names the alternatives in the envelope details
	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/projects/P1/workflow/transitions",
		TransitionRequest{ToState: "CLOSING"}, actor)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("invalid transition: status %d body %s", resp.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Allowed []string `json:"allowed"`
			} `json:"details"`
		} `json:"error"`
	}
	decode(t, data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %q body %s", envelope.Error.Code, data)
	}
	if len(envelope.Error.Details.Allowed) != 1 || envelope.Error.Details.Allowed[0] != "EXECUTION" {
		t.Fatalf("allowed = %v body %s", envelope.Error.Details.Allowed, data)
	}
}

func TestNotFoundAndValidationEnvelopes(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/projects/NOPE", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project: status %d body %s", resp.StatusCode, data)
	}
	if !strings.Contains(string(data), "not_found") {
		t.Fatalf("missing not_found code: %s", data)
	}

	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/projects",
		CreateProjectRequest{Key: "bad key"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad key: status %d body %s", resp.StatusCode, data)
	}
	if !strings.Contains(string(data), "validation_error") {
		t.Fatalf("missing validation_error code: %s", data)
	}
}
