package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bosswiki/internal/lock"
	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/store"
)

const testToken = "s3cret"

type fakeTrigger struct {
	mu    sync.Mutex
	calls []string
	down  bool
}

func (f *fakeTrigger) Trigger(trigger string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false
	}
	f.calls = append(f.calls, trigger)
	return true
}

func (f *fakeTrigger) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// brokenStore fails every storage call.
type brokenStore struct {
	store.BossStore
}

var errDown = errors.New("connection refused")

func (brokenStore) Count(context.Context) (int, error) { return 0, errDown }
func (brokenStore) FindBySlug(context.Context, string) (*model.Boss, error) {
	return nil, errDown
}
func (brokenStore) Ping(context.Context) error { return errDown }

type env struct {
	st      *store.SQLiteStore
	trigger *fakeTrigger
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	trig := &fakeTrigger{}
	h := NewRouter(Deps{
		Bosses:     st,
		Health:     st,
		Runs:       st,
		Lock:       lock.New(st),
		Sync:       trig,
		AdminToken: testToken,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{st: st, trigger: trig, srv: srv}
}

func (e *env) seed(t *testing.T, names ...string) {
	t.Helper()
	var bosses []model.Boss
	for _, n := range names {
		hp := int64(len(n) * 100)
		bosses = append(bosses, model.Boss{
			Name:        n,
			HP:          &hp,
			Visuals:     &model.Visuals{Filename: n + ".gif", GifURL: "https://img/" + n + ".gif"},
			RawWikitext: "{{Infobox Boss|name=" + n + "}}",
		})
	}
	_, err := e.st.UpsertBatch(context.Background(), bosses)
	require.NoError(t, err)
}

func doJSON(t *testing.T, method, url string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func adminHeader(token string) http.Header {
	h := http.Header{}
	h.Set(AdminHeader, token)
	return h
}

func TestRoot(t *testing.T) {
	e := newEnv(t)
	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/api/v1/bosses", body["docs"])
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["db"])
}

func TestHealth_Disconnected(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{Bosses: brokenStore{}, Health: brokenStore{}}))
	defer srv.Close()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", body["db"])
}

func TestListBosses_Pagination(t *testing.T) {
	e := newEnv(t)
	var names []string
	for i := 0; i < 25; i++ {
		names = append(names, fmt.Sprintf("Boss %02d", i))
	}
	e.seed(t, names...)

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses?page=3&limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 25, body["total"])
	assert.EqualValues(t, 3, body["page"])
	assert.EqualValues(t, 10, body["size"])
	assert.EqualValues(t, 3, body["pages"])

	items := body["items"].([]any)
	require.Len(t, items, 5)
	first := items[0].(map[string]any)
	assert.Equal(t, "Boss 20", first["name"])
	assert.Equal(t, "boss-20", first["slug"])
	assert.NotContains(t, first, "raw_wikitext")
	assert.NotContains(t, first, "immunities")
}

func TestListBosses_Defaults(t *testing.T) {
	e := newEnv(t)

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["total"])
	assert.EqualValues(t, 1, body["page"])
	assert.EqualValues(t, 20, body["size"])
	assert.Equal(t, []any{}, body["items"])
}

func TestListBosses_InvalidParams(t *testing.T) {
	e := newEnv(t)

	for _, q := range []string{"page=0", "page=abc", "limit=0", "limit=101", "page=-1&limit=500", "page=1000001", "page=922337203685477580&limit=100"} {
		t.Run(q, func(t *testing.T) {
			status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses?"+q, nil)
			assert.Equal(t, http.StatusUnprocessableEntity, status)
			assert.Equal(t, "validation failed", body["error"])
			assert.NotEmpty(t, body["fields"])
		})
	}
}

func TestListBosses_MaxPage(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "Ghazbaran")

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses?page=1000000&limit=100", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1000000, body["page"])
	assert.Empty(t, body["items"], "a page past the end must not repeat the first page")
	assert.EqualValues(t, 1, body["total"])
}

func TestSearchBosses(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "The Lord of the Lice", "Lice Queen", "Ghazbaran")

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses/search?q=lice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["items"], 2)

	status, body = doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses/search?q=.*", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["total"])
}

func TestSearchBosses_EmptyQuery(t *testing.T) {
	e := newEnv(t)

	for _, url := range []string{"/api/v1/bosses/search", "/api/v1/bosses/search?q=", "/api/v1/bosses/search?q=%20%20"} {
		status, body := doJSON(t, http.MethodGet, e.srv.URL+url, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, status, url)
		fields := body["fields"].([]any)
		assert.Equal(t, "q", fields[0].(map[string]any)["field"])
	}
}

func TestGetBoss(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "Ferumbras")

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses/ferumbras", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Ferumbras", body["name"])
	assert.Equal(t, []any{}, body["immunities"])
	assert.NotContains(t, body, "raw_wikitext")
	assert.NotContains(t, body, "RawWikitext")
}

func TestGetBoss_NotFound(t *testing.T) {
	e := newEnv(t)

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/bosses/nobody", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "boss not found", body["error"])
}

func TestStorageUnavailable(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{Bosses: brokenStore{}}))
	defer srv.Close()

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/bosses", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "storage unavailable", body["error"])

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/bosses/anyone", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAdminSync(t *testing.T) {
	e := newEnv(t)
	url := e.srv.URL + "/api/v1/admin/sync"

	status, _ := doJSON(t, http.MethodPost, url, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doJSON(t, http.MethodPost, url, adminHeader("wrong"))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, e.trigger.seen())

	status, body := doJSON(t, http.MethodPost, url, adminHeader(testToken))
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "sync job scheduled", body["detail"])
	assert.Equal(t, []string{model.TriggerAdmin}, e.trigger.seen())
}

func TestAdminSync_SchedulerStopped(t *testing.T) {
	e := newEnv(t)
	e.trigger.mu.Lock()
	e.trigger.down = true
	e.trigger.mu.Unlock()

	status, _ := doJSON(t, http.MethodPost, e.srv.URL+"/api/v1/admin/sync", adminHeader(testToken))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{Bosses: brokenStore{}, Sync: &fakeTrigger{}}))
	defer srv.Close()

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/sync", adminHeader(""))
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAdminLockAndRuns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.st.StartRun(ctx, model.TriggerCLI)
	require.NoError(t, err)
	require.NoError(t, e.st.CompleteRun(ctx, id, model.RunStats{Discovered: 1, Parsed: 1, Saved: 1}))

	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/admin/lock", adminHeader(testToken))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "scraper_lock", body["id"])
	assert.Equal(t, "idle", body["status"])

	status, body = doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/admin/runs?limit=5", adminHeader(testToken))
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "complete", items[0].(map[string]any)["status"])

	status, _ = doJSON(t, http.MethodGet, e.srv.URL+"/api/v1/admin/runs?limit=0", adminHeader(testToken))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestNotFoundRoute(t *testing.T) {
	e := newEnv(t)
	status, body := doJSON(t, http.MethodGet, e.srv.URL+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not found", body["error"])
}

func TestValidationError_Message(t *testing.T) {
	v := &ValidationError{}
	assert.NoError(t, v.orNil())
	v.add("page", "must be an integer >= 1")
	assert.EqualError(t, v.orNil(), "api: validation failed: page: must be an integer >= 1")
}
