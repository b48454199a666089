package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/bosswiki/internal/model"
	"github.com/sells-group/bosswiki/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	pingTimeout  = 2 * time.Second

	// maxPage keeps (page-1)*limit far from int overflow.
	maxPage = 1_000_000
)

func (h *Handler) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "bosswiki",
		"docs":    "/api/v1/bosses",
	})
}

// health always answers 200 and reports the storage state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	state := "connected"
	if h.deps.Health == nil {
		state = "disconnected"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := h.deps.Health.Ping(ctx); err != nil {
			zap.L().Warn("health ping failed", zap.String("component", "api"), zap.Error(err))
			state = "disconnected"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "db": state})
}

type pageParams struct {
	page, limit int
}

func (p pageParams) query() store.PageQuery {
	return store.PageQuery{Offset: (p.page - 1) * p.limit, Limit: p.limit}
}

// parsePage reads page and limit, collecting field errors into verr.
func parsePage(r *http.Request, verr *ValidationError) pageParams {
	p := pageParams{page: 1, limit: defaultLimit}
	q := r.URL.Query()
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPage {
			verr.add("page", "must be an integer between 1 and 1000000")
		} else {
			p.page = n
		}
	}
	p.limit = parseLimit(q.Get("limit"), verr)
	return p
}

func parseLimit(raw string, verr *ValidationError) int {
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		verr.add("limit", "must be an integer between 1 and 100")
		return defaultLimit
	}
	return n
}

func summaries(bosses []model.Boss) []model.BossSummary {
	out := make([]model.BossSummary, len(bosses))
	for i, b := range bosses {
		out[i] = b.Summary()
	}
	return out
}

func (h *Handler) listBosses(w http.ResponseWriter, r *http.Request) {
	verr := &ValidationError{}
	p := parsePage(r, verr)
	if err := verr.orNil(); err != nil {
		writeStoreError(w, r, err, "")
		return
	}

	total, err := h.deps.Bosses.Count(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	bosses, err := h.deps.Bosses.List(r.Context(), p.query())
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, model.NewPage(summaries(bosses), total, p.page, p.limit))
}

func (h *Handler) searchBosses(w http.ResponseWriter, r *http.Request) {
	verr := &ValidationError{}
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		verr.add("q", "must not be empty")
	}
	p := parsePage(r, verr)
	if err := verr.orNil(); err != nil {
		writeStoreError(w, r, err, "")
		return
	}

	total, err := h.deps.Bosses.CountByName(r.Context(), term)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	bosses, err := h.deps.Bosses.SearchByName(r.Context(), term, p.query())
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, model.NewPage(summaries(bosses), total, p.page, p.limit))
}

func (h *Handler) getBoss(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	boss, err := h.deps.Bosses.FindBySlug(r.Context(), slug)
	if err != nil {
		writeStoreError(w, r, err, "boss not found")
		return
	}
	writeJSON(w, http.StatusOK, boss)
}

// requireAdmin rejects requests without the configured token. An empty
// configured token disables the admin routes.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminHeader)
		want := h.deps.AdminToken
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) triggerSync(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Sync == nil || !h.deps.Sync.Trigger(model.TriggerAdmin) {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"detail": "sync job scheduled"})
}

func (h *Handler) lockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Lock.Status(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "lock not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	verr := &ValidationError{}
	limit := parseLimit(r.URL.Query().Get("limit"), verr)
	if err := verr.orNil(); err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	runs, err := h.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err, "")
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}
