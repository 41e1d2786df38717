package adminapi_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hwuu/pylon/internal/adminapi"
	"github.com/hwuu/pylon/internal/config"
	"github.com/hwuu/pylon/internal/counter"
	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/policy"
	"github.com/hwuu/pylon/internal/queue"
	"github.com/hwuu/pylon/internal/storage"
)

func newDeps(t *testing.T) (adminapi.Deps, http.Handler) {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sum := sha256.Sum256([]byte("hunter2"))
	cfg := &config.Config{
		Admin: config.AdminConfig{
			PasswordHash: hex.EncodeToString(sum[:]),
			TokenSecret:  "test-secret",
			TokenTTL:     time.Hour,
		},
	}

	deps := adminapi.Deps{
		Config: cfg,
		Keys:   keystore.New(db.Write, db.Read),
		Policy: policy.NewStatic(policy.Default()),
		Bank:   counter.New(),
		Queue:  queue.New(10),
		Logger: zerolog.Nop(),
	}
	return deps, adminapi.NewRouter(deps)
}

func login(t *testing.T, r http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	token, _ := resp["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	_, r := newDeps(t)
	body, _ := json.Marshal(map[string]string{"password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestKeysRequireAuth(t *testing.T) {
	_, r := newDeps(t)
	req := httptest.NewRequest(http.MethodGet, "/keys", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateListRevokeKeyFlow(t *testing.T) {
	_, r := newDeps(t)
	token := login(t, r)

	createBody, _ := json.Marshal(map[string]any{"description": "ci", "priority": "high"})
	req := httptest.NewRequest(http.MethodPost, "/keys", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, created["key"])

	listReq := httptest.NewRequest(http.MethodGet, "/keys", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRR := httptest.NewRecorder()
	r.ServeHTTP(listRR, listReq)
	require.Equal(t, http.StatusOK, listRR.Code)
	require.NotContains(t, listRR.Body.String(), `"Hash"`)

	revokeReq := httptest.NewRequest(http.MethodPost, "/keys/"+id+"/revoke", nil)
	revokeReq.Header.Set("Authorization", "Bearer "+token)
	revokeRR := httptest.NewRecorder()
	r.ServeHTTP(revokeRR, revokeReq)
	require.Equal(t, http.StatusOK, revokeRR.Code)
}

type fakeInvalidator struct {
	ids []string
}

func (f *fakeInvalidator) InvalidateID(ctx context.Context, id string) {
	f.ids = append(f.ids, id)
}

func TestRevokeAndRefreshInvalidateIdentityCache(t *testing.T) {
	deps, r := newDeps(t)
	inv := &fakeInvalidator{}
	deps.IdentityCache = inv
	r = adminapi.NewRouter(deps)
	token := login(t, r)

	createBody, _ := json.Marshal(map[string]any{"description": "ci", "priority": "high"})
	req := httptest.NewRequest(http.MethodPost, "/keys", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	refreshReq := httptest.NewRequest(http.MethodPost, "/keys/"+id+"/refresh", nil)
	refreshReq.Header.Set("Authorization", "Bearer "+token)
	refreshRR := httptest.NewRecorder()
	r.ServeHTTP(refreshRR, refreshReq)
	require.Equal(t, http.StatusOK, refreshRR.Code)

	revokeReq := httptest.NewRequest(http.MethodPost, "/keys/"+id+"/revoke", nil)
	revokeReq.Header.Set("Authorization", "Bearer "+token)
	revokeRR := httptest.NewRecorder()
	r.ServeHTTP(revokeRR, revokeReq)
	require.Equal(t, http.StatusOK, revokeRR.Code)

	require.Equal(t, []string{id, id}, inv.ids)
}

func TestPolicyGetAndPut(t *testing.T) {
	deps, r := newDeps(t)
	token := login(t, r)

	getReq := httptest.NewRequest(http.MethodGet, "/policy", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRR := httptest.NewRecorder()
	r.ServeHTTP(getRR, getReq)
	require.Equal(t, http.StatusOK, getRR.Code)

	var snap policy.Snapshot
	require.NoError(t, json.Unmarshal(getRR.Body.Bytes(), &snap))
	snap.DefaultUser.MaxRPM = 123

	putBody, _ := json.Marshal(snap)
	putReq := httptest.NewRequest(http.MethodPut, "/policy", bytes.NewReader(putBody))
	putReq.Header.Set("Authorization", "Bearer "+token)
	putRR := httptest.NewRecorder()
	r.ServeHTTP(putRR, putReq)
	require.Equal(t, http.StatusOK, putRR.Code)

	require.Equal(t, 123, deps.Policy.Snapshot().DefaultUser.MaxRPM)
}

func TestMonitorReturnsCounterSnapshot(t *testing.T) {
	_, r := newDeps(t)
	token := login(t, r)

	req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Contains(t, body, "queue_size")
	require.Contains(t, body, "global_concurrent")
}
