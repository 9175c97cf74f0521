// Package httpapi exposes identity, group sync and privilege checks over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dotkom/vengeful-vineyard/internal/audit"
	"github.com/dotkom/vengeful-vineyard/internal/auth"
	"github.com/dotkom/vengeful-vineyard/internal/obs"
	"github.com/dotkom/vengeful-vineyard/internal/privilege"
	"github.com/dotkom/vengeful-vineyard/internal/reconcile"
)

const defaultMaxBody = 1 << 20

// Resolver turns a bearer credential into an identity.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (auth.Identity, error)
}

// Authorizer answers privilege questions.
type Authorizer interface {
	HasPrivilege(ctx context.Context, groupID, userID, required string, opts ...auth.CheckOption) (bool, error)
	Require(ctx context.Context, groupID, userID string, required []string, opts ...auth.CheckOption) error
	Effective(ctx context.Context, groupID, userID string) ([]string, error)
	Known(label string) bool
}

// Syncer runs group reconciliation.
type Syncer interface {
	SyncAllGroupsForUser(ctx context.Context, externalUserID int64, mode reconcile.Mode) (reconcile.Report, error)
	SyncLocalGroup(ctx context.Context, groupID string) (reconcile.Result, error)
}

// Store is the persistence the handlers read and write directly.
type Store interface {
	UserByID(ctx context.Context, id string) (auth.User, error)
	GroupsForUser(ctx context.Context, userID string) ([]auth.Group, error)
	GrantManual(ctx context.Context, grant auth.Grant) error
	RevokeManual(ctx context.Context, groupID, userID, privilege string) error
}

// ReadyProbe reports whether dependencies are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	resolver   Resolver
	authz      Authorizer
	syncer     Syncer
	store      Store
	ready      ReadyProbe
	version    string
	rateBurst  int
	ratePerSec int
	maxBody    int64
	cors       cors.Options
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithReadyProbe sets the /readyz dependency check.
func WithReadyProbe(p ReadyProbe) Option {
	return func(a *API) { a.ready = p }
}

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithCORSOrigins replaces the allowed browser origins.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) {
		if len(origins) > 0 {
			a.cors.AllowedOrigins = origins
		}
	}
}

// New constructs the API.
func New(resolver Resolver, authz Authorizer, syncer Syncer, store Store, opts ...Option) (*API, error) {
	if resolver == nil || authz == nil || syncer == nil || store == nil {
		return nil, errors.New("httpapi: resolver, authorizer, syncer and store are required")
	}
	a := &API{
		resolver:   resolver,
		authz:      authz,
		syncer:     syncer,
		store:      store,
		version:    "dev",
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    defaultMaxBody,
		cors: cors.Options{
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader, "Retry-After"},
			MaxAge:         600,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(a.cors))
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/me", a.Me)
		r.Get("/me/groups", a.MyGroups)
		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Get("/privileges/{privilege}", a.CheckPrivilege)
			r.Post("/sync", a.SyncGroup)
			r.Post("/members/{userID}/privileges", a.GrantPrivilege)
			r.Delete("/members/{userID}/privileges/{privilege}", a.RevokePrivilege)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vengeful-vineyard",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type syncSummary struct {
	Mode     string `json:"mode"`
	Groups   int    `json:"groups"`
	Waited   bool   `json:"waited"`
	TimedOut bool   `json:"timed_out"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
}

// syncUser runs a fan-out for the caller. Failures are reported in the
// summary and never fail the request.
func (a *API) syncUser(ctx context.Context, id auth.Identity, mode reconcile.Mode) syncSummary {
	sum := syncSummary{Mode: mode.String()}
	if id.ExternalID == 0 {
		return sum
	}
	rep, err := a.syncer.SyncAllGroupsForUser(ctx, id.ExternalID, mode)
	if err != nil {
		obs.Warn("group sync skipped", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"ow_user_id": id.ExternalID,
			"error":      err.Error(),
		})
		sum.Error = "group sync unavailable"
		return sum
	}
	sum.Groups = rep.Groups
	sum.Waited = rep.Waited
	sum.TimedOut = rep.TimedOut
	sum.Failed = len(rep.Failed)
	return sum
}

// Me returns the caller. Group sync runs best-effort first.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	sum := a.syncUser(r.Context(), id, reconcile.BestEffort)
	user, err := a.store.UserByID(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "sync": sum})
}

type groupView struct {
	auth.Group
	Privileges []string `json:"privileges"`
}

// MyGroups waits for group sync and lists the caller's active groups with
// their effective privileges.
func (a *API) MyGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	sum := a.syncUser(r.Context(), id, reconcile.Blocking)
	groups, err := a.store.GroupsForUser(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]groupView, 0, len(groups))
	for _, g := range groups {
		privs, err := a.authz.Effective(r.Context(), g.ID, id.UserID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if privs == nil {
			privs = []string{}
		}
		out = append(out, groupView{Group: g, Privileges: privs})
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out, "sync": sum})
}

// CheckPrivilege answers 204 when the caller holds the privilege and 403
// otherwise. The managed-group bypass never applies here.
func (a *API) CheckPrivilege(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")
	label := chi.URLParam(r, "privilege")

	ok, err := a.authz.HasPrivilege(r.Context(), groupID, userID, label)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncGroup reconciles one managed group now. Needs group.admin.
func (a *API) SyncGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")
	if err := a.authz.Require(r.Context(), groupID, userID, []string{privilege.GroupAdmin}); err != nil {
		writeDomainError(w, r, err)
		return
	}
	res, err := a.syncer.SyncLocalGroup(r.Context(), groupID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type grantRequest struct {
	Privilege string `json:"privilege"`
}

// GrantPrivilege issues a manual grant. Needs group.roles.manage.
func (a *API) GrantPrivilege(w http.ResponseWriter, r *http.Request) {
	callerID, _ := auth.UserIDFromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")
	targetID := chi.URLParam(r, "userID")

	var req grantRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Privilege = strings.TrimSpace(req.Privilege)
	if !a.authz.Known(req.Privilege) {
		writeError(w, r, http.StatusBadRequest, "unknown privilege")
		return
	}
	if err := a.authz.Require(r.Context(), groupID, callerID, []string{privilege.GroupRolesManage}); err != nil {
		writeDomainError(w, r, err)
		return
	}

	grant := auth.Grant{GroupID: groupID, UserID: targetID, Privilege: req.Privilege, CreatedBy: callerID}
	if err := a.store.GrantManual(r.Context(), grant); err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(audit.WithSource(r.Context(), "api"), "grant.manual.add", map[string]any{
		"group_id": groupID, "user_id": targetID, "privilege": req.Privilege,
	})
	writeJSON(w, http.StatusCreated, grant)
}

// RevokePrivilege removes a manual grant. Auto grants cannot be revoked
// here; group sync owns them.
func (a *API) RevokePrivilege(w http.ResponseWriter, r *http.Request) {
	callerID, _ := auth.UserIDFromContext(r.Context())
	groupID := chi.URLParam(r, "groupID")
	targetID := chi.URLParam(r, "userID")
	label := chi.URLParam(r, "privilege")

	if err := a.authz.Require(r.Context(), groupID, callerID, []string{privilege.GroupRolesManage}); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if err := a.store.RevokeManual(r.Context(), groupID, targetID, label); err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(audit.WithSource(r.Context(), "api"), "grant.manual.remove", map[string]any{
		"group_id": groupID, "user_id": targetID, "privilege": label,
	})
	w.WriteHeader(http.StatusNoContent)
}
