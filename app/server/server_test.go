package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"video-digest/app/config"
	"video-digest/app/database"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/service"

	"github.com/spf13/viper"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testAPI struct {
	t     *testing.T
	h     http.Handler
	token string
	jobs  *service.JobService
}

func newTestAPI(t *testing.T, capacity int) *testAPI {
	t.Helper()
	log := logger.NewNop()

	v := viper.New()
	v.Set("server.username", "admin")
	v.Set("server.password", "secret")
	v.Set("queue.capacity", capacity)
	cfg, err := config.Read(v)
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	db, err := database.Open(":memory:", log)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	if err := database.EnsureAdmin(db, cfg.Server.Username, cfg.Server.Password, log); err != nil {
		t.Fatalf("admin: %v", err)
	}

	jobs := service.NewJobService(service.NewTaskQueue(cfg.Queue.Capacity), service.NewJobStore(db, log), model.ModeKnowledge, log)
	api := &testAPI{t: t, h: New(cfg, db, jobs, log).Handler(), jobs: jobs}

	var login struct {
		Token string `json:"token"`
	}
	if status := api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "secret"}, &login); status != http.StatusOK {
		t.Fatalf("login status = %d", status)
	}
	api.token = login.Token
	return api
}

func (a *testAPI) do(method, path string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)

	if out != nil {
		var env envelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			a.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, out); err != nil {
				a.t.Fatalf("decode data: %v", err)
			}
		}
	}
	return rec.Code
}

func TestLoginRejectsBadPassword(t *testing.T) {
	api := newTestAPI(t, 5)
	api.token = ""
	if status := api.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "nope"}, nil); status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
	if status := api.do(http.MethodGet, "/api/jobs", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status = %d", status)
	}
}

func TestSubmitAndQuery(t *testing.T) {
	api := newTestAPI(t, 5)

	var res service.SubmitResult
	status := api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": "https://youtu.be/abc", "mode": "summary"}, &res)
	if status != http.StatusAccepted || res.JobID == "" || res.Position != 1 {
		t.Fatalf("submit = %d %+v", status, res)
	}

	var view service.JobView
	if status := api.do(http.MethodGet, "/api/jobs/"+res.JobID, nil, &view); status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if view.Status != model.JobStatusQueued || view.Mode != model.ModeSummary || view.Submitter != "api:admin" || view.Position != 1 {
		t.Fatalf("view = %+v", view)
	}

	var me model.User
	if status := api.do(http.MethodGet, "/api/me", nil, &me); status != http.StatusOK || me.Username != "admin" {
		t.Fatalf("me = %d %+v", status, me)
	}
}

func TestSubmitErrors(t *testing.T) {
	api := newTestAPI(t, 1)

	if status := api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": "not a url"}, nil); status != http.StatusBadRequest {
		t.Fatalf("invalid source status = %d", status)
	}
	if status := api.do(http.MethodPost, "/api/jobs", map[string]string{}, nil); status != http.StatusBadRequest {
		t.Fatalf("missing source status = %d", status)
	}
	if status := api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": "https://a.example/1"}, nil); status != http.StatusAccepted {
		t.Fatalf("first submit status = %d", status)
	}
	if status := api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": "https://a.example/2"}, nil); status != http.StatusTooManyRequests {
		t.Fatalf("queue full status = %d", status)
	}
}

func TestCancel(t *testing.T) {
	api := newTestAPI(t, 5)
	var res service.SubmitResult
	api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": "https://a.example/1"}, &res)

	if status := api.do(http.MethodDelete, "/api/jobs/"+res.JobID, nil, nil); status != http.StatusOK {
		t.Fatalf("cancel status = %d", status)
	}
	if status := api.do(http.MethodDelete, "/api/jobs/"+res.JobID, nil, nil); status != http.StatusConflict {
		t.Fatalf("second cancel status = %d", status)
	}
	if status := api.do(http.MethodDelete, "/api/jobs/missing", nil, nil); status != http.StatusNotFound {
		t.Fatalf("missing cancel status = %d", status)
	}
	if status := api.do(http.MethodGet, "/api/jobs/missing", nil, nil); status != http.StatusNotFound {
		t.Fatalf("missing get status = %d", status)
	}
}

func TestListAndStats(t *testing.T) {
	api := newTestAPI(t, 5)
	for _, u := range []string{"https://a.example/1", "https://a.example/2"} {
		api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": u, "submitter": "tg:9"}, nil)
	}
	api.do(http.MethodPost, "/api/jobs", map[string]string{"source_url": "https://a.example/3"}, nil)

	var page struct {
		Items []service.JobView `json:"items"`
		Total int               `json:"total"`
	}
	if status := api.do(http.MethodGet, "/api/jobs?submitter=tg:9&status=queued", nil, &page); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if status := api.do(http.MethodGet, "/api/jobs?status=bogus", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", status)
	}

	var stats service.ServiceStats
	if status := api.do(http.MethodGet, "/api/queue/stats", nil, &stats); status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	if stats.Queue.Queued != 3 || stats.Queue.Capacity != 5 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, 5)
	api.token = ""

	rec := httptest.NewRecorder()
	api.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "vdigest_queue_length") {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
