package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/oracle"
	"github.com/goodtune/kquota/internal/quota"
	"github.com/goodtune/kquota/internal/storage"
	"github.com/goodtune/kquota/internal/storage/memory"
	"github.com/goodtune/kquota/internal/storage/storagetest"
)

type fixedOracle struct {
	verdict oracle.Verdict
}

func (f fixedOracle) Name() string { return "fixed" }

func (f fixedOracle) Decide(ctx context.Context, in oracle.Input) (oracle.Verdict, error) {
	return f.verdict, nil
}

func newTestServer(t *testing.T, store storage.Store, o oracle.Oracle, parent *oracle.ParentOracle) *Server {
	t.Helper()

	ctx := context.Background()
	for _, child := range []storage.ChildQuota{
		storagetest.NewChild("c1"),
		storagetest.NewChild("c2", storagetest.WithUsage(60, 60)),
		storagetest.NewChild("c3", storagetest.WithParent("parent_2")),
	} {
		require.NoError(t, store.Quotas().UpsertChild(ctx, child))
	}

	engine, err := quota.NewEngine(store, o, quota.Options{
		TickInterval:  time.Hour,
		OracleTimeout: 5 * time.Second,
		Clock:         clock.NewTestClock(time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC)),
		IDs:           &clock.SequenceGenerator{Prefix: "req"},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	return NewServer(Config{AllowedOrigins: []string{"http://dashboard.local"}}, engine, parent, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func approvingServer(t *testing.T) *Server {
	return newTestServer(t, memory.New(), fixedOracle{oracle.Verdict{Decision: oracle.Approved, Message: "Enjoy!"}}, nil)
}

func TestHealth(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]interface{}](t, rec)["status"])
}

func TestFamily(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodPost, "/api/children/c1/view", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/families/parent_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	family := decode[FamilyResponse](t, rec)
	assert.Equal(t, "parent_1", family.ParentID)
	require.Len(t, family.Children, 2)

	byID := map[string]ChildView{}
	for _, c := range family.Children {
		byID[c.ChildID] = c
	}
	assert.True(t, byID["c1"].Live)
	assert.Equal(t, int64(35*60), byID["c1"].RemainingSeconds)
	assert.False(t, byID["c2"].Live)
	assert.Equal(t, int64(0), byID["c2"].RemainingSeconds)
}

func TestFamily_Unknown(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodGet, "/api/families/nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[FamilyResponse](t, rec).Children)
}

func TestView_OpenClose(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodPost, "/api/children/c2/view", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[CountdownResponse](t, rec)
	assert.True(t, view.Live)
	assert.True(t, view.Exhausted)

	rec = do(t, s, http.MethodDelete, "/api/children/c2/view", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/children/c2/view", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestView_UnknownChild(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodPost, "/api/children/ghost/view", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/children/ghost/countdown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountdown_NotViewed(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodGet, "/api/children/c1/countdown", "")
	require.Equal(t, http.StatusOK, rec.Code)

	cd := decode[CountdownResponse](t, rec)
	assert.False(t, cd.Live)
	assert.Equal(t, int64(35*60), cd.RemainingSeconds)
	assert.False(t, cd.Exhausted)
}

func TestSubmitAndResolve(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodPost, "/api/requests", `{"child_id":"c1","requested_minutes":30,"reason":"homework"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[storage.TimeRequest](t, rec)
	assert.Equal(t, "req-1", created.ID)
	assert.Equal(t, storage.StatusPending, created.Status)

	rec = do(t, s, http.MethodGet, "/api/children/c1/requests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]storage.TimeRequest](t, rec), 1)

	rec = do(t, s, http.MethodPost, "/api/requests/req-1/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decode[quota.Decision](t, rec)
	assert.Equal(t, storage.StatusApproved, decision.Status)
	assert.Equal(t, "Enjoy!", decision.Message)

	// Resolving again returns the same decision without a second grant.
	rec = do(t, s, http.MethodPost, "/api/requests/req-1/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/children/c1/countdown", "")
	assert.Equal(t, int64(65*60), decode[CountdownResponse](t, rec).RemainingSeconds)

	rec = do(t, s, http.MethodGet, "/api/children/c1/requests", "")
	assert.Empty(t, decode[[]storage.TimeRequest](t, rec))
}

func TestSubmit_Invalid(t *testing.T) {
	s := approvingServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed body", `{"child_id":`, http.StatusBadRequest},
		{"zero minutes", `{"child_id":"c1","requested_minutes":0,"reason":"x"}`, http.StatusBadRequest},
		{"missing child", `{"requested_minutes":10,"reason":"x"}`, http.StatusBadRequest},
		{"unknown child", `{"child_id":"ghost","requested_minutes":10,"reason":"x"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/requests", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodPost, "/api/requests/nope/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersistenceFailure(t *testing.T) {
	store := storagetest.NewFailingStore(memory.New())
	s := newTestServer(t, store, fixedOracle{oracle.Verdict{Decision: oracle.Approved, Message: "Enjoy!"}}, nil)

	store.FailNext(storagetest.OpReadFamily, 1)
	rec := do(t, s, http.MethodGet, "/api/families/parent_1", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), storagetest.ErrInjected.Error())
}

func TestVerdict_Disabled(t *testing.T) {
	s := approvingServer(t)

	rec := do(t, s, http.MethodPost, "/api/requests/req-1/verdict", `{"decision":"approved","message":"ok"}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestVerdict_ParentFlow(t *testing.T) {
	parent := oracle.NewParentOracle(5*time.Second, 8, zerolog.Nop())
	s := newTestServer(t, memory.New(), parent, parent)

	rec := do(t, s, http.MethodPost, "/api/requests?resolve=async", `{"child_id":"c1","requested_minutes":20,"reason":"movie night"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[storage.TimeRequest](t, rec).ID

	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/requests/waiting", "")
		return len(decode[WaitingResponse](t, rec).RequestIDs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, s, http.MethodPost, "/api/requests/"+id+"/verdict", `{"decision":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/requests/"+id+"/verdict", `{"decision":"denied","message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/requests/other/verdict", `{"decision":"approved","message":"ok"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/requests/"+id+"/verdict", `{"decision":"approved","message":"Have fun"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	s.inflight.Wait()

	rec = do(t, s, http.MethodPost, "/api/requests/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decision := decode[quota.Decision](t, rec)
	assert.Equal(t, storage.StatusApproved, decision.Status)
	assert.Equal(t, "Have fun", decision.Message)

	rec = do(t, s, http.MethodGet, "/api/children/c1/countdown", "")
	assert.Equal(t, int64(55*60), decode[CountdownResponse](t, rec).RemainingSeconds)
}

func TestCORS(t *testing.T) {
	s := approvingServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/requests", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{quota.ErrInvalidArgument, http.StatusBadRequest},
		{quota.ErrTooManyPending, http.StatusBadRequest},
		{quota.ErrNotFound, http.StatusNotFound},
		{quota.ErrPersistence, http.StatusServiceUnavailable},
		{oracle.ErrNotWaiting, http.StatusConflict},
		{context.Canceled, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
