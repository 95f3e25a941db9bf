package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/proxy-suite/internal/controller"
	"github.com/ChuLiYu/proxy-suite/internal/probe"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

const sourceURL = "http://list.example/proxies.txt"

// newTestServer starts a controller whose fetcher yields five candidates
// and whose checker passes every candidate on an even port.
func newTestServer(t *testing.T) (*httptest.Server, *controller.Controller) {
	t.Helper()
	dir := t.TempDir()

	settings := types.DefaultSettings()
	settings.Workers = 2
	settings.EnableRevalidation = false

	ctrl, err := controller.NewController(controller.Config{
		SnapshotPath: filepath.Join(dir, "state.json"),
		JournalPath:  filepath.Join(dir, "history.jsonl"),
		Settings:     &settings,
		Sources:      []types.Source{{URL: sourceURL, Protocol: types.ProtocolHTTP, Format: types.FormatText}},
		ScrapeProfiles: []types.ScrapeProfile{
			{Name: "all", EnabledSources: []string{sourceURL}},
		},
		NewFetcher: func(types.Settings) worker.Executor {
			return worker.ExecutorFunc(func(ctx context.Context, task worker.Task) (worker.Result, error) {
				out := make([]types.Candidate, 5)
				for i := range out {
					out[i] = types.NewCandidate(fmt.Sprintf("192.0.2.%d:%d", i+1, 3128+i), types.ProtocolHTTP, task.ID)
				}
				return worker.Result{TaskID: task.ID, Candidates: out}, nil
			})
		},
		NewChecker: func(mode types.CheckMode, _ []string, _ types.Settings) worker.Executor {
			return worker.ExecutorFunc(func(ctx context.Context, task worker.Task) (worker.Result, error) {
				c := *task.Candidate
				obs := probe.Observation{Targets: []types.TargetCheck{{Target: "t", Passed: c.Port()%2 == 0}}}
				if obs.Passed() {
					obs.LatencyMs = types.Ptr(int64(50 + c.Port()%7))
					obs.Anonymity = types.AnonymityAnonymous
					obs.Geo = &probe.Geo{Country: "NL"}
				}
				return worker.Result{TaskID: task.ID, Candidates: []types.Candidate{probe.Observe(c, obs, mode, time.Now())}}, nil
			})
		},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Shutdown)

	srv := httptest.NewServer(NewServer(context.Background(), ctrl, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func waitBatch(t *testing.T, ctrl *controller.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ctrl.Wait(ctx)
	require.NoError(t, err)
}

// scrapeAndCheck fills the collection: ports 3128, 3130, 3132 pass
func scrapeAndCheck(t *testing.T, srv *httptest.Server, ctrl *controller.Controller) {
	t.Helper()
	code, _ := do(t, http.MethodPost, srv.URL+"/api/scrape", `{"profile":"all"}`)
	require.Equal(t, http.StatusAccepted, code)
	waitBatch(t, ctrl)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/check", `{"mode":"standard"}`)
	require.Equal(t, http.StatusAccepted, code)
	waitBatch(t, ctrl)
}

func TestStatusAndSummary(t *testing.T) {
	srv, ctrl := newTestServer(t)
	scrapeAndCheck(t, srv, ctrl)

	code, body := do(t, http.MethodGet, srv.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, code)
	var info controller.Info
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, controller.StatusFinished, info.Status)
	assert.Equal(t, types.BatchCheck, info.Batch)

	code, body = do(t, http.MethodGet, srv.URL+"/api/summary", "")
	require.Equal(t, http.StatusOK, code)
	var summary types.Summary
	require.NoError(t, json.Unmarshal([]byte(body), &summary))
	assert.Equal(t, 5, summary.Unique)
	assert.Equal(t, 3, summary.Valid)
	assert.Equal(t, 2, summary.Invalid)
}

func TestListCandidates(t *testing.T) {
	srv, ctrl := newTestServer(t)
	scrapeAndCheck(t, srv, ctrl)

	code, body := do(t, http.MethodGet, srv.URL+"/api/candidates?status=valid&sort=id&dir=desc&limit=2", "")
	require.Equal(t, http.StatusOK, code)
	var page candidatePage
	require.NoError(t, json.Unmarshal([]byte(body), &page))
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Candidates, 2)
	assert.Equal(t, "192.0.2.5:3132", page.Candidates[0].ID)
	assert.Equal(t, "192.0.2.3:3130", page.Candidates[1].ID)

	code, body = do(t, http.MethodGet, srv.URL+"/api/candidates?where=country%3DNL&offset=2", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal([]byte(body), &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Candidates, 1)

	code, _ = do(t, http.MethodGet, srv.URL+"/api/candidates?sort=speed", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/api/candidates?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEditAndDeleteCandidate(t *testing.T) {
	srv, ctrl := newTestServer(t)
	scrapeAndCheck(t, srv, ctrl)

	code, body := do(t, http.MethodPatch, srv.URL+"/api/candidates/192.0.2.1:3128", `{"notes":"fast","tags":["eu","eu"]}`)
	require.Equal(t, http.StatusOK, code)
	var cand types.Candidate
	require.NoError(t, json.Unmarshal([]byte(body), &cand))
	require.NotNil(t, cand.Notes)
	assert.Equal(t, "fast", *cand.Notes)
	assert.True(t, cand.HasTag("eu"))

	code, _ = do(t, http.MethodPatch, srv.URL+"/api/candidates/192.0.2.1:3128", `{"tags":["tier-elite"]}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, http.MethodPatch, srv.URL+"/api/candidates/10.9.9.9:1", `{"notes":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodGet, srv.URL+"/api/candidates/10.9.9.9:1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, http.MethodDelete, srv.URL+"/api/candidates", `{"ids":["192.0.2.1:3128","192.0.2.2:3129"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"deleted":2}`, body)
	assert.Equal(t, 3, ctrl.Store().Len())
}

func (s *Server) loadedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// TestListReflectsEdits checks that filter and sort changes reuse the cached
// collection while any store change reloads it.
func TestListReflectsEdits(t *testing.T) {
	_, ctrl := newTestServer(t)
	api := NewServer(context.Background(), ctrl, nil)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	scrapeAndCheck(t, srv, ctrl)

	list := func(q string) candidatePage {
		t.Helper()
		code, body := do(t, http.MethodGet, srv.URL+"/api/candidates?"+q, "")
		require.Equal(t, http.StatusOK, code)
		var page candidatePage
		require.NoError(t, json.Unmarshal([]byte(body), &page))
		return page
	}

	page := list("sort=id")
	assert.Equal(t, 5, page.Total)
	loadedAt := api.loadedVersion()

	// same data, new criteria
	page = list("status=valid&sort=id&dir=desc")
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, loadedAt, api.loadedVersion())
	f, _ := api.engine.Criteria()
	assert.Equal(t, types.StatusValid, f.Status)

	code, _ := do(t, http.MethodPatch, srv.URL+"/api/candidates/192.0.2.1:3128", `{"notes":"edited"}`)
	require.Equal(t, http.StatusOK, code)

	page = list("search=192.0.2.1:3128")
	require.Len(t, page.Candidates, 1)
	require.NotNil(t, page.Candidates[0].Notes)
	assert.Equal(t, "edited", *page.Candidates[0].Notes)
	assert.Greater(t, api.loadedVersion(), loadedAt)

	code, _ = do(t, http.MethodDelete, srv.URL+"/api/candidates", `{"ids":["192.0.2.1:3128"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4, list("").Total)
}

func TestExport(t *testing.T) {
	srv, ctrl := newTestServer(t)
	scrapeAndCheck(t, srv, ctrl)

	code, body := do(t, http.MethodGet, srv.URL+"/api/candidates/export?format=txt&template=%7Bprotocol%7D://%7Bip%7D:%7Bport%7D", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "http://192.0.2.1:3128\nhttp://192.0.2.3:3130\nhttp://192.0.2.5:3132", body)

	code, body = do(t, http.MethodGet, srv.URL+"/api/candidates/export?format=csv&status=invalid", "")
	require.Equal(t, http.StatusOK, code)
	lines := strings.Split(strings.TrimSpace(body), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ip,port,protocol"))

	code, _ = do(t, http.MethodGet, srv.URL+"/api/candidates/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistoryAndAnalysis(t *testing.T) {
	srv, ctrl := newTestServer(t)
	scrapeAndCheck(t, srv, ctrl)

	code, body := do(t, http.MethodGet, srv.URL+"/api/history?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	var history []types.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Len(t, history, 1)
	assert.Equal(t, types.BatchCheck, history[0].Kind)

	code, body = do(t, http.MethodGet, srv.URL+"/api/subnets", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"subnet":"192.0.2.0/24"`)

	code, body = do(t, http.MethodGet, srv.URL+"/api/countries", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[{"country":"NL","count":3}]`, body)
}

func TestBatchErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := do(t, http.MethodPost, srv.URL+"/api/check", `{"mode":"standard"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/check", `{"mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/api/scrape", `{"profile":"nope"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := do(t, http.MethodPost, srv.URL+"/api/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"stopped":false}`, body)
}

func TestSourcesAndSettings(t *testing.T) {
	srv, ctrl := newTestServer(t)

	code, _ := do(t, http.MethodPost, srv.URL+"/api/sources", `{"url":"http://other.example/list","type":"SOCKS5"}`)
	assert.Equal(t, http.StatusCreated, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/api/sources", `{"url":"http://other.example/list","type":"SOCKS5"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, http.MethodPatch, srv.URL+"/api/sources", `{"url":"http://other.example/list","enabled":false}`)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Len(t, ctrl.Sources().Enabled(), 1)

	code, _ = do(t, http.MethodPatch, srv.URL+"/api/sources", `{"url":"http://missing.example","enabled":true}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := do(t, http.MethodPut, srv.URL+"/api/settings", `{"numWorkers":6,"autoDeleteFails":2}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 6, ctrl.Settings().Workers)
	assert.Equal(t, 2, ctrl.Settings().AutoDeleteFails)

	code, _ = do(t, http.MethodPut, srv.URL+"/api/settings", `{"numWorkers":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 6, ctrl.Settings().Workers)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, ctrl := newTestServer(t)
	scrapeAndCheck(t, srv, ctrl)

	code, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `proxysuite_candidates{status="VALID"} 3`)
	assert.Contains(t, body, `proxysuite_batches_started_total{batch="scrape"} 1`)
}
