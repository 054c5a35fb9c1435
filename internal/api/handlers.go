// Package api - HTTP API аренды поверх mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"rentd/internal/cache"
	"rentd/internal/controller"
	"rentd/internal/logs"
	"rentd/internal/middleware"
	"rentd/internal/models"
	"rentd/internal/realtime"
	"rentd/internal/reclaim"
	"rentd/internal/rental"
)

type WorkerStates interface {
	States() []controller.WorkerStatus
}

type AuditLister interface {
	List(ctx context.Context, tenantID string, limit int) ([]models.AuditEntry, error)
}

type Deps struct {
	Rental    *rental.Service
	Reclaimer *reclaim.Reclaimer
	Workers   WorkerStates
	Hub       *realtime.Hub
	Cache     cache.AccountCache
	Audit     AuditLister
}

type API struct{ d Deps }

func New(d Deps) *API { return &API{d: d} }

// Register вешает /api/v1 на роутер; все маршруты требуют JWT.
func (a *API) Register(r *mux.Router, secret []byte) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.Auth(secret))

	v1.HandleFunc("/accounts", a.listAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id:[0-9]+}", a.getAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id:[0-9]+}/assign", a.assign).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/release", a.release).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/extend", a.extend).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/start", a.start).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/freeze", a.freeze).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/resume", a.resume).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/replace", a.replace).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}/reclaim", a.reclaim).Methods(http.MethodPost)
	v1.HandleFunc("/workers", a.workers).Methods(http.MethodGet)
	v1.HandleFunc("/audit", a.audit).Methods(http.MethodGet)
	v1.HandleFunc("/ws", a.ws).Methods(http.MethodGet)
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.ClaimsFrom(r).TenantID
	ctx := r.Context()

	list, gen, hit := a.cached(ctx, tenant)
	if !hit {
		var err error
		if list, err = a.d.Rental.Store().List(ctx, tenant); err != nil {
			writeError(w, r, err)
			return
		}
		if a.d.Cache != nil {
			a.d.Cache.SetAccounts(ctx, tenant, gen, list)
		}
	}
	if hit {
		w.Header().Set("X-Cache", "hit")
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"items": viewsOf(list, a.d.Rental.Now())})
}

func (a *API) cached(ctx context.Context, tenant string) ([]models.Account, uint64, bool) {
	if a.d.Cache == nil {
		return nil, 0, false
	}
	return a.d.Cache.GetAccounts(ctx, tenant)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, ok := a.load(w, r)
	if !ok {
		return
	}
	models.WriteJSON(w, http.StatusOK, viewOf(acc, a.d.Rental.Now()))
}

func (a *API) assign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Owner   string `json:"owner"`
		Minutes int    `json:"minutes"`
	}
	if !decode(w, r, &in) {
		return
	}
	id, tenant := target(r)
	applied, err := a.d.Rental.AssignWithDuration(r.Context(), id, tenant, in.Owner, in.Minutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !applied {
		conflict(w, "already_rented", "account is rented by another buyer")
		return
	}
	a.respond(w, r, ActionResponse{Applied: true})
}

// release идемпотентен: повторный вызов - 200 с applied=false.
func (a *API) release(w http.ResponseWriter, r *http.Request) {
	id, tenant := target(r)
	applied, err := a.d.Rental.Release(r.Context(), id, tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.respond(w, r, ActionResponse{Applied: applied})
}

func (a *API) extend(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Minutes int `json:"minutes"`
	}
	if !decode(w, r, &in) {
		return
	}
	id, tenant := target(r)
	total, err := a.d.Rental.ExtendDuration(r.Context(), id, tenant, in.Minutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.respond(w, r, ActionResponse{Applied: true, DurationMinutes: total})
}

func (a *API) start(w http.ResponseWriter, r *http.Request) {
	id, tenant := target(r)
	applied, err := a.d.Rental.StartClock(r.Context(), id, tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !applied {
		conflict(w, "not_awaiting_start", "account is not rented or its clock already started")
		return
	}
	a.respond(w, r, ActionResponse{Applied: true})
}

func (a *API) freeze(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Revoke bool `json:"revoke"`
	}
	if !decode(w, r, &in) {
		return
	}
	id, tenant := target(r)
	res, err := a.d.Rental.Freeze(r.Context(), id, tenant, rental.FreezeOptions{RevokeCredentials: in.Revoke})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Applied {
		conflict(w, "not_running", "only a rented account with a started clock can be frozen")
		return
	}
	a.respond(w, r, ActionResponse{
		Applied:       true,
		AlreadyFrozen: res.AlreadyFrozen,
		Revoke:        string(res.Revoke.Status),
		Warning:       warningOf("credential revocation", res.Revoke),
	})
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	id, tenant := target(r)
	res, err := a.d.Rental.Resume(r.Context(), id, tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Applied {
		conflict(w, "not_rented", "account is not rented")
		return
	}
	a.respond(w, r, ActionResponse{Applied: true, AlreadyRunning: res.AlreadyRunning})
}

func (a *API) replace(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Owner    string `json:"owner"`
		MaxDelta int    `json:"max_delta"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.MaxDelta < 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "max_delta must not be negative", nil)
		return
	}
	id, tenant := target(r)
	res, err := a.d.Rental.Replace(r.Context(), id, tenant, in.Owner, in.MaxDelta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Replaced {
		conflict(w, res.Reason, "account was not replaced")
		return
	}
	now := a.d.Rental.Now()
	old, repl := viewOf(res.Old, now), viewOf(res.New, now)
	models.WriteJSON(w, http.StatusOK, ActionResponse{
		Applied:     true,
		Account:     &old,
		Replacement: &repl,
		Revoke:      string(res.Revoke.Status),
		Warning:     warningOf("credential revocation", res.Revoke),
	})
}

func (a *API) reclaim(w http.ResponseWriter, r *http.Request) {
	if a.d.Reclaimer == nil {
		models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "reclaimer is not configured", nil)
		return
	}
	id, tenant := target(r)
	res, err := a.d.Reclaimer.ReclaimAccount(r.Context(), id, tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.respond(w, r, ActionResponse{
		Applied: res.Reclaimed,
		Status:  res.Status,
		Revoke:  string(res.Revoke.Status),
		Warning: warningOf("credential revocation", res.Revoke),
	})
}

func (a *API) workers(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.ClaimsFrom(r).TenantID
	out := make([]controller.WorkerStatus, 0, 1)
	if a.d.Workers != nil {
		for _, s := range a.d.Workers.States() {
			if s.TenantID == tenant {
				out = append(out, s)
			}
		}
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) audit(w http.ResponseWriter, r *http.Request) {
	if a.d.Audit == nil {
		models.WriteJSON(w, http.StatusOK, map[string]any{"items": []models.AuditEntry{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := a.d.Audit.List(r.Context(), middleware.ClaimsFrom(r).TenantID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (a *API) ws(w http.ResponseWriter, r *http.Request) {
	if a.d.Hub == nil {
		models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "realtime is disabled", nil)
		return
	}
	c := middleware.ClaimsFrom(r)
	realtime.ServeWS(a.d.Hub, w, r, c.TenantID, c.ScopeID)
}

// ---- helpers ----

// respond отдаёт результат вместе со свежим состоянием аккаунта.
func (a *API) respond(w http.ResponseWriter, r *http.Request, out ActionResponse) {
	id, tenant := target(r)
	if acc, err := a.d.Rental.Get(r.Context(), id, tenant); err == nil {
		v := viewOf(acc, a.d.Rental.Now())
		out.Account = &v
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (a *API) load(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	id, tenant := target(r)
	acc, err := a.d.Rental.Get(r.Context(), id, tenant)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return acc, true
}

func target(r *http.Request) (uint, string) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id), middleware.ClaimsFrom(r).TenantID
}

// decode - пустое тело допустимо.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func conflict(w http.ResponseWriter, reason, detail string) {
	models.WriteProblem(w, http.StatusConflict, "Conflict", detail, map[string]any{"reason": reason})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rental.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "account not found", nil)
	case errors.Is(err, rental.ErrInvalidArgument):
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", strings.TrimSuffix(err.Error(), ": "+rental.ErrInvalidArgument.Error()), nil)
	case errors.Is(err, rental.ErrContention):
		conflict(w, "contention", err.Error())
	default:
		reqid := middleware.GetRequestID(r)
		logs.Logger.WithError(err).WithField("reqid", reqid).Error("api: storage failure")
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "storage failure (see logs by reqid)", map[string]any{"reqid": reqid})
	}
}
