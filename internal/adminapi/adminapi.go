// Package adminapi implements the thin management surface named out of
// scope by spec §1 and §6: admin login, API-key CRUD, policy read/write,
// and an operational monitor snapshot. It exists so the Key Store and
// Policy Store have real write paths to exercise, not as a fully designed
// management plane.
//
// Grounded on the lineage's router/router.go (chi sub-router with its own
// auth middleware) and the retrieved pool's RSA/HS-signed JWT session
// pattern (pkg/auth/proper_jwt.go: jwt.NewWithClaims + SignedString,
// jwt.ParseWithClaims with an explicit signing-method check), narrowed to
// a single shared HMAC secret since there is exactly one admin principal
// rather than a multi-tenant claim set.
package adminapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/hwuu/pylon/internal/config"
	"github.com/hwuu/pylon/internal/counter"
	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/policy"
	"github.com/hwuu/pylon/internal/queue"
)

// IdentityInvalidator is the subset of identitycache.Cache the admin
// surface needs: a way to drop every proxy-port cache entry resolved to
// a given identity, keyed by ID since that's all a revoke/refresh
// request ever carries — never the plaintext credential the cache is
// keyed by internally.
type IdentityInvalidator interface {
	InvalidateID(ctx context.Context, id string)
}

// Deps bundles the collaborators the admin routes operate on.
type Deps struct {
	Config *config.Config
	Keys   *keystore.Store
	Policy *policy.Store
	Bank   *counter.Bank
	Queue  *queue.Queue
	Logger zerolog.Logger

	// IdentityCache is optional; when set, revoke/refresh purge the
	// proxy-port read-through cache so the change is visible on the very
	// next proxied request instead of waiting out the cache's ttl.
	IdentityCache IdentityInvalidator
}

type adminClaims struct {
	jwt.RegisteredClaims
}

// NewRouter returns the admin-port chi router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/login", d.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(d.requireAuth)

		r.Get("/keys", d.handleListKeys)
		r.Post("/keys", d.handleCreateKey)
		r.Post("/keys/{id}/revoke", d.handleRevokeKey)
		r.Post("/keys/{id}/refresh", d.handleRefreshKey)

		r.Get("/policy", d.handleGetPolicy)
		r.Put("/policy", d.handlePutPolicy)

		r.Get("/monitor", d.handleMonitor)
	})

	return r
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (d Deps) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	presented := hashPassword(req.Password)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(d.Config.Admin.PasswordHash)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	now := time.Now()
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.Config.Admin.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(d.Config.Admin.TokenSecret))
	if err != nil {
		d.Logger.Error().Err(err).Msg("adminapi: sign token")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"expires_at": claims.ExpiresAt.Time,
	})
}

func (d Deps) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		raw := header[len(prefix):]

		token, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(d.Config.Admin.TokenSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keySummary is the wire shape for a listed key — the hash is never
// exposed, only the printable prefix.
type keySummary struct {
	ID          string     `json:"id"`
	Prefix      string     `json:"prefix"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func summarize(ident *keystore.Identity) keySummary {
	return keySummary{
		ID:          ident.ID,
		Prefix:      ident.Prefix,
		Description: ident.Description,
		Priority:    ident.Priority.String(),
		CreatedAt:   ident.CreatedAt,
		ExpiresAt:   ident.ExpiresAt,
		RevokedAt:   ident.RevokedAt,
	}
}

func (d Deps) handleListKeys(w http.ResponseWriter, r *http.Request) {
	idents, err := d.Keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	summaries := make([]keySummary, 0, len(idents))
	for _, ident := range idents {
		summaries = append(summaries, summarize(ident))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (d Deps) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
		Priority    string `json:"priority"`
		TTLSeconds  int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ttl *time.Duration
	if req.TTLSeconds > 0 {
		d := time.Duration(req.TTLSeconds) * time.Second
		ttl = &d
	}

	plaintext, ident, err := d.Keys.Create(r.Context(), req.Description, keystore.ParsePriority(req.Priority), ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       ident.ID,
		"key":      plaintext,
		"prefix":   ident.Prefix,
		"priority": ident.Priority.String(),
	})
}

func (d Deps) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Keys.Revoke(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if d.IdentityCache != nil {
		d.IdentityCache.InvalidateID(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (d Deps) handleRefreshKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plaintext, ident, err := d.Keys.Refresh(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if d.IdentityCache != nil {
		// The old credential's hash no longer resolves, but its cache
		// entry must be dropped too so it stops authenticating early.
		d.IdentityCache.InvalidateID(r.Context(), id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     ident.ID,
		"key":    plaintext,
		"prefix": ident.Prefix,
	})
}

func (d Deps) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Policy.Snapshot())
}

func (d Deps) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var snap policy.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy document")
		return
	}
	if err := d.Policy.Update(r.Context(), &snap); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist policy")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d Deps) handleMonitor(w http.ResponseWriter, r *http.Request) {
	bankSnap := d.Bank.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"global_concurrent":  bankSnap.GlobalConcurrent,
		"global_sse_active":  bankSnap.GlobalSSEActive,
		"tracked_identities": bankSnap.TrackedIdentities,
		"queue_size":         d.Queue.Size(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"detail": message})
}
