package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/identity"
	"github.com/stratabase/strata/internal/settings"
	"github.com/stratabase/strata/internal/store"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*identity.Identity, error) {
	switch token {
	case "admin-token":
		return &identity.Identity{UserID: "admin-1", IsAdmin: true, IsActive: true}, nil
	case "user-token":
		return &identity.Identity{UserID: "user-1", IsActive: true}, nil
	}
	return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
}

func (fakeVerifier) VerifyAppToken(_ context.Context, token string) (*identity.Identity, error) {
	if token == "strata_good" {
		return &identity.Identity{IsActive: true, AppToken: &domain.ApplicationToken{ID: "tok-1", Name: "ci"}}, nil
	}
	return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
}

type fakeAuth struct{}

func (fakeAuth) Register(_ context.Context, email, _ string) (*domain.User, error) {
	return &domain.User{ID: "u-new", Email: email, IsAdmin: true, IsActive: true}, nil
}

func (fakeAuth) Login(_ context.Context, email, password string) (*domain.User, *identity.TokenPair, error) {
	if password != "hunter2hunter2" {
		return nil, nil, fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)
	}
	return &domain.User{ID: "admin-1", Email: email},
		&identity.TokenPair{AccessToken: "admin-token", RefreshToken: "refresh"}, nil
}

func (fakeAuth) Refresh(context.Context, string) (*identity.TokenPair, error) {
	return &identity.TokenPair{AccessToken: "admin-token", RefreshToken: "refresh"}, nil
}

func (fakeAuth) Revoke(context.Context, string) error { return nil }

func (fakeAuth) GetUser(_ context.Context, id string) (*domain.User, error) {
	return &domain.User{ID: id, Email: "admin@example.com", IsAdmin: true, IsActive: true}, nil
}

func (fakeAuth) AnyAdmin(context.Context) (bool, error) { return true, nil }

type fakeCollections struct {
	records map[string]*domain.Record
}

func (f *fakeCollections) CreateCollection(_ context.Context, name, label string, fields []domain.FieldDef) (*domain.Collection, error) {
	if name == "posts" {
		return nil, fmt.Errorf("collection posts: %w", domain.ErrConflict)
	}
	return &domain.Collection{ID: "c1", Name: name, Label: label, Schema: fields, SchemaVersion: 1}, nil
}

func (f *fakeCollections) GetCollection(_ context.Context, name string) (*domain.Collection, error) {
	if name != "posts" {
		return nil, fmt.Errorf("collection %s: %w", name, domain.ErrNotFound)
	}
	return &domain.Collection{ID: "c1", Name: "posts", SchemaVersion: 1}, nil
}

func (f *fakeCollections) ListCollections(context.Context) ([]*domain.Collection, error) {
	return []*domain.Collection{{ID: "c1", Name: "posts"}}, nil
}

func (f *fakeCollections) UpdateSchema(_ context.Context, name, label string, fields []domain.FieldDef) (*domain.Collection, error) {
	return &domain.Collection{ID: "c1", Name: name, Label: label, Schema: fields, SchemaVersion: 2}, nil
}

func (f *fakeCollections) DeleteCollection(context.Context, string) error { return nil }

func (f *fakeCollections) Create(_ context.Context, collection string, data map[string]any, ownerID *string) (*domain.Record, error) {
	if _, bad := data["bogus"]; bad {
		return nil, domain.ValidationErrors{{Field: "bogus", Message: "unknown field"}}
	}
	rec := &domain.Record{ID: "r1", CollectionName: collection, OwnerID: ownerID, Data: data, Version: 1}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeCollections) Get(_ context.Context, _, id string) (*domain.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeCollections) List(_ context.Context, _ string, limit, offset int, _ map[string]any) ([]*domain.Record, int, error) {
	var out []*domain.Record
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (f *fakeCollections) Update(_ context.Context, _, id string, patch map[string]any, expectedVersion int64) (*domain.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != rec.Version {
		return nil, fmt.Errorf("record changed: %w", domain.ErrConcurrency)
	}
	for k, v := range patch {
		rec.Data[k] = v
	}
	rec.Version++
	return rec, nil
}

func (f *fakeCollections) Delete(context.Context, string, string) error { return nil }

func (f *fakeCollections) Count(context.Context, string) (int, error) { return len(f.records), nil }

type fakeFunctions struct {
	lastFilter store.CallFilter
}

func (fakeFunctions) CreateFunction(context.Context, *domain.FunctionDefinition) error { return nil }

func (fakeFunctions) GetFunction(_ context.Context, name string) (*domain.FunctionDefinition, error) {
	if name != "greet" {
		return nil, fmt.Errorf("function %s: %w", name, domain.ErrNotFound)
	}
	return &domain.FunctionDefinition{ID: "f1", Name: "greet", AuthLevel: domain.AuthPublic}, nil
}

func (fakeFunctions) ListFunctions(context.Context) ([]*domain.FunctionDefinition, error) {
	return []*domain.FunctionDefinition{{ID: "f1", Name: "greet"}}, nil
}

func (fakeFunctions) UpdateFunction(context.Context, *domain.FunctionDefinition) error { return nil }
func (fakeFunctions) DeleteFunction(context.Context, string) error                     { return nil }

func (fakeFunctions) GetCall(_ context.Context, id string) (*domain.FunctionCall, error) {
	if id != "call-1" {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrNotFound)
	}
	return &domain.FunctionCall{ID: "call-1", FunctionName: "greet", Status: domain.CallRunning}, nil
}

func (ff *fakeFunctions) ListCalls(_ context.Context, f store.CallFilter) ([]*domain.FunctionCall, int, error) {
	ff.lastFilter = f
	return []*domain.FunctionCall{{ID: "call-1", FunctionName: "greet", Status: domain.CallSucceeded}}, 1, nil
}

type fakeRegistry struct{}

func (fakeRegistry) PutVersion(_ context.Context, name, source, notes, actor string) (*domain.FunctionVersion, error) {
	if source == "" {
		return nil, fmt.Errorf("empty source: %w", domain.ErrBadSource)
	}
	return &domain.FunctionVersion{ID: "v2", FunctionName: name, ContentHash: "abc123", IsActive: true}, nil
}

func (fakeRegistry) GetVersion(_ context.Context, id string) (*domain.FunctionVersion, error) {
	return &domain.FunctionVersion{ID: id, ContentHash: "abc123"}, nil
}

func (fakeRegistry) ListVersions(context.Context, string) ([]*domain.FunctionVersion, error) {
	return []*domain.FunctionVersion{{ID: "v2", IsActive: true}, {ID: "v1"}}, nil
}

func (fakeRegistry) Rollback(context.Context, string, string) error { return nil }

func (fakeRegistry) ActiveVersion(_ context.Context, name string) (*domain.FunctionVersion, error) {
	return &domain.FunctionVersion{ID: "v2", FunctionName: name, ContentHash: "abc123", IsActive: true}, nil
}

type fakeInvoker struct {
	cancelled []string
}

func (f *fakeInvoker) Invoke(_ context.Context, name string, input json.RawMessage, caller domain.Caller, _ domain.Trigger) (*domain.FunctionCall, error) {
	if name == "missing" {
		return nil, fmt.Errorf("function missing: %w", domain.ErrNotFound)
	}
	if name == "busy" {
		return nil, fmt.Errorf("global cap reached: %w", domain.ErrRateLimited)
	}
	ms := int64(12)
	return &domain.FunctionCall{
		ID: "call-1", FunctionName: name, VersionID: "v2",
		Status: domain.CallSucceeded, Output: json.RawMessage(`{"ok":true}`),
		DurationMS: &ms,
	}, nil
}

func (f *fakeInvoker) InvokeAsync(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, error) {
	return &domain.FunctionCall{ID: "call-2", FunctionName: name, Status: domain.CallPending}, nil
}

func (f *fakeInvoker) Cancel(callID string) { f.cancelled = append(f.cancelled, callID) }

type fakeDrainer struct{ drained []string }

func (f *fakeDrainer) DrainVersions(fn, activeID string) {
	f.drained = append(f.drained, fn+":"+activeID)
}

func (f *fakeDrainer) Describe(_ context.Context, _ *domain.FunctionVersion) (json.RawMessage, error) {
	return json.RawMessage(`{"description":"greets"}`), nil
}

type fakeScheduler struct{}

func (fakeScheduler) Create(_ context.Context, name, functionName string, spec domain.ScheduleSpec, input json.RawMessage) (*domain.FunctionSchedule, error) {
	if spec.Method == "" {
		return nil, fmt.Errorf("schedule method required: %w", domain.ErrValidation)
	}
	next := time.Now().Add(time.Hour)
	return &domain.FunctionSchedule{ID: "s1", Name: name, FunctionName: functionName, Spec: spec, IsActive: true, NextRunAt: &next}, nil
}

func (fakeScheduler) Get(_ context.Context, id string) (*domain.FunctionSchedule, error) {
	return &domain.FunctionSchedule{ID: id, IsActive: true}, nil
}

func (fakeScheduler) List(context.Context, string) ([]*domain.FunctionSchedule, error) {
	return []*domain.FunctionSchedule{{ID: "s1"}}, nil
}

func (fakeScheduler) SetActive(context.Context, string, bool) error { return nil }
func (fakeScheduler) Delete(context.Context, string) error          { return nil }

type fakeSettings struct{ values map[string]string }

func (f *fakeSettings) Get(key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, domain.ErrNotFound)
	}
	return v, nil
}

func (f *fakeSettings) Set(_ context.Context, key, value string) error {
	if key == "core.bad" {
		return fmt.Errorf("unknown setting: %w", domain.ErrValidation)
	}
	f.values[key] = value
	return nil
}

func (f *fakeSettings) Reset(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func (f *fakeSettings) List() []settings.Effective {
	var out []settings.Effective
	for k, v := range f.values {
		out = append(out, settings.Effective{Key: k, Value: v, Override: true})
	}
	return out
}

type fakeTokens struct{}

func (fakeTokens) CreateToken(_ context.Context, name string, expiresAt *time.Time) (*domain.ApplicationToken, string, error) {
	return &domain.ApplicationToken{ID: "tok-1", Name: name, IsActive: true}, "strata_secret", nil
}

func (fakeTokens) ListTokens(context.Context) ([]*domain.ApplicationToken, error) {
	return []*domain.ApplicationToken{{ID: "tok-1", Name: "ci"}}, nil
}

func (fakeTokens) SetTokenActive(context.Context, string, bool) error { return nil }
func (fakeTokens) DeleteToken(context.Context, string) error          { return nil }

type testServer struct {
	handler   http.Handler
	invoker   *fakeInvoker
	drainer   *fakeDrainer
	functions *fakeFunctions
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	inv := &fakeInvoker{}
	dr := &fakeDrainer{}
	fns := &fakeFunctions{}
	handler := NewHandler(ServerConfig{
		Auth:        fakeAuth{},
		Verifier:    fakeVerifier{},
		Collections: &fakeCollections{records: map[string]*domain.Record{}},
		Functions:   fns,
		Registry:    fakeRegistry{},
		Engine:      inv,
		Pool:        dr,
		Scheduler:   fakeScheduler{},
		Settings:    &fakeSettings{values: map[string]string{}},
		Tokens:      fakeTokens{},
	})
	return &testServer{handler: handler, invoker: inv, drainer: dr, functions: fns}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	// No credentials on a protected endpoint.
	rec := ts.do(t, http.MethodGet, "/api/functions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Invalid token is rejected outright.
	rec = ts.do(t, http.MethodGet, "/api/functions", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid user token passes.
	rec = ts.do(t, http.MethodGet, "/api/functions", "user-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Application token passes and acts as admin.
	rec = ts.do(t, http.MethodGet, "/api/admin/settings", "strata_good", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminGate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/settings", "user-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/admin/settings", "admin-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tokens identity.TokenPair `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "admin-token", resp.Tokens.AccessToken)

	rec = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body.Error.Code)
}

func TestInvokeEnvelope(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/functions/greet", "", map[string]string{"name": "ada"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp invokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "call-1", resp.CallID)
	assert.Equal(t, domain.CallSucceeded, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
	require.NotNil(t, resp.VersionHash)
	assert.Equal(t, "abc123", *resp.VersionHash)
	assert.Nil(t, resp.ErrorType)
}

func TestInvokeErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/functions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/functions/busy", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error.Code)
}

func TestInvokeAsync(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/functions/greet?async=true", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp invokeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.CallPending, resp.Status)
}

func TestRecordValidationErrorDetails(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/collections/posts/records", "user-token",
		map[string]any{"bogus": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error.Code)
	require.Len(t, body.Error.Details, 1)
	assert.Equal(t, "bogus", body.Error.Details[0].Field)
}

func TestRecordConcurrencyConflict(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/collections/posts/records", "user-token",
		map[string]any{"title": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/collections/posts/records/r1", "user-token",
		map[string]any{"data": map[string]any{"title": "renamed"}, "version": 99})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeployDrainsOldVersions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/api/admin/functions/greet/source", "admin-token",
		map[string]string{"source": "def main(input):\n    return input\n"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"greet:v2"}, ts.drainer.drained)

	// Malformed source maps to 400 bad_source.
	rec = ts.do(t, http.MethodPut, "/api/admin/functions/greet/source", "admin-token",
		map[string]string{"source": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCallsAppliesQueryFilter(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet,
		"/api/admin/function-calls?function_name=greet&status=failed&trigger_type=schedule&limit=10",
		"admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, store.CallFilter{
		FunctionName: "greet",
		Status:       domain.CallFailed,
		Trigger:      domain.TriggerSchedule,
		Limit:        10,
	}, ts.functions.lastFilter)
}

func TestCancelCall(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/function-calls/call-1/cancel", "admin-token", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"call-1"}, ts.invoker.cancelled)

	rec = ts.do(t, http.MethodPost, "/api/admin/function-calls/nope/cancel", "admin-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsPatch(t *testing.T) {
	ts := newTestServer(t)

	val := "120"
	rec := ts.do(t, http.MethodPatch, "/api/admin/settings", "admin-token",
		map[string]*string{"core.function_timeout_seconds": &val})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/admin/settings", "admin-token",
		map[string]*string{"core.bad": &val})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenPlaintextReturnedOnce(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/application-tokens", "admin-token",
		map[string]string{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Plaintext string `json:"plaintext"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "strata_secret", resp.Plaintext)

	// Listing never exposes hashes or plaintext.
	rec = ts.do(t, http.MethodGet, "/api/admin/application-tokens", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "strata_secret")
	assert.NotContains(t, rec.Body.String(), "hash")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/functions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
