package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"

	"github.com/diwise/fleet-mgmt/internal/pkg/application/alerts"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/commands"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/fleet-mgmt/internal/pkg/application/signaling"
	"github.com/diwise/fleet-mgmt/pkg/types"
)

var tracer = otel.Tracer("fleet-mgmt/api")

func RegisterHandlers(ctx context.Context, router *chi.Mux, devices devicemanagement.DeviceManagement, registry commands.CommandRegistry, alertSvc alerts.AlertService, engine *signaling.Engine) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	sessions := &sessionStore{sessions: map[string]*signaling.Session{}}

	router.Route("/api/v0", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", queryDevicesHandler(log, devices))
			r.Post("/", createDeviceHandler(log, devices))
			r.Get("/{deviceID}", getDeviceDetailsHandler(log, devices))
			r.Patch("/{deviceID}", renameDeviceHandler(log, devices))
			r.Delete("/{deviceID}", deleteDeviceHandler(log, devices))

			r.Get("/{deviceID}/commands", commandHistoryHandler(log, registry))
			r.Post("/{deviceID}/commands", enqueueCommandHandler(log, registry))

			r.Post("/{deviceID}/camera", startCameraSessionHandler(log, engine, sessions))
		})

		r.Delete("/camera/{sessionToken}", stopCameraSessionHandler(log, sessions))

		r.Get("/commands/presets", presetsHandler(registry))
		r.Delete("/commands", purgeCommandsHandler(log, registry))

		r.Get("/alerts", queryAlertsHandler(log, alertSvc))
		r.Post("/alerts", createAlertHandler(log, alertSvc))
		r.Delete("/alerts", purgeAlertsHandler(log, alertSvc))

		r.Get("/overview", overviewHandler(log, devices, registry, alertSvc))
	})

	return router, nil
}

// principal resolves the caller's identity. Authentication happens at the
// edge; the headers carry the already verified tenant and role.
func principal(r *http.Request) types.Principal {
	tenant := r.Header.Get("X-Tenant")
	if tenant == "" {
		tenant = "default"
	}

	return types.Principal{
		Tenant: tenant,
		Admin:  strings.EqualFold(r.Header.Get("X-Admin"), "true"),
	}
}

func writeJson(w http.ResponseWriter, statusCode int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(b)
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, devicemanagement.ErrDeviceNotFound),
		errors.Is(err, commands.ErrDeviceNotFound),
		errors.Is(err, commands.ErrCommandNotFound):
		return http.StatusNotFound
	case errors.Is(err, devicemanagement.ErrDeviceAlreadyExist),
		errors.Is(err, commands.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, devicemanagement.ErrNotAllowed),
		errors.Is(err, commands.ErrNotAllowed),
		errors.Is(err, alerts.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, commands.ErrInvalidPayload),
		errors.Is(err, commands.ErrPurgeFilterRequired),
		errors.Is(err, alerts.ErrPurgeFilterRequired):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func queryDevicesHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		result, err := svc.Query(ctx, principal(r).Tenant, offset, limit)
		if err != nil {
			requestLogger.Error("unable to query devices", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, result)
	}
}

func getDeviceDetailsHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		device, err := svc.GetByDeviceID(ctx, principal(r).Tenant, deviceID)
		if err != nil {
			requestLogger.Error("unable to get device", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, device)
	}
}

func createDeviceHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req struct {
			DeviceID string `json:"deviceID"`
			Name     string `json:"name"`
		}
		err = json.Unmarshal(body, &req)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		device, err := svc.Create(ctx, principal(r), req.DeviceID, req.Name)
		if err != nil {
			requestLogger.Error("unable to create device", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusCreated, device)
	}
}

func renameDeviceHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "rename-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req struct {
			Name string `json:"name"`
		}
		err = json.Unmarshal(body, &req)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = svc.Rename(ctx, principal(r), deviceID, req.Name)
		if err != nil {
			requestLogger.Error("unable to rename device", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteDeviceHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		err = svc.Delete(ctx, principal(r), deviceID)
		if err != nil {
			requestLogger.Error("unable to delete device", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func commandHistoryHandler(log *slog.Logger, registry commands.CommandRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "command-history")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		result, err := registry.History(ctx, principal(r).Tenant, deviceID, limit)
		if err != nil {
			requestLogger.Error("unable to fetch command history", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, result)
	}
}

func enqueueCommandHandler(log *slog.Logger, registry commands.CommandRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "enqueue-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req struct {
			Type   string          `json:"type"`
			Params json.RawMessage `json:"params,omitempty"`
		}
		err = json.Unmarshal(body, &req)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		command, err := registry.Enqueue(ctx, principal(r), deviceID, req.Type, req.Params)
		if err != nil {
			requestLogger.Error("unable to enqueue command", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusCreated, command)
	}
}

func presetsHandler(registry commands.CommandRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, registry.Presets())
	}
}

func purgeCommandsHandler(log *slog.Logger, registry commands.CommandRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "purge-commands")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		q := r.URL.Query()
		filter := commands.PurgeFilter{
			DeviceID: q.Get("deviceID"),
			Status:   q.Get("status"),
			All:      q.Get("all") == "true",
		}
		if t := q.Get("type"); t != "" {
			filter.Types = strings.Split(t, ",")
		}
		if before := q.Get("before"); before != "" {
			ts, err := time.Parse(time.RFC3339, before)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			filter.CreatedBefore = ts
		}

		n, err := registry.Purge(ctx, principal(r), filter)
		if err != nil {
			requestLogger.Error("unable to purge commands", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

func queryAlertsHandler(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		filter, err := alertFilterFromQuery(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		result, err := svc.Query(ctx, principal(r).Tenant, filter, offset, limit)
		if err != nil {
			requestLogger.Error("unable to query alerts", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, result)
	}
}

func createAlertHandler(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var alert types.Alert
		err = json.Unmarshal(body, &alert)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		alert.Tenant = principal(r).Tenant

		created, err := svc.Add(ctx, alert)
		if err != nil {
			requestLogger.Error("unable to create alert", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusCreated, created)
	}
}

func purgeAlertsHandler(log *slog.Logger, svc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "purge-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		filter, err := alertFilterFromQuery(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		n, err := svc.Purge(ctx, principal(r), filter, r.URL.Query().Get("all") == "true")
		if err != nil {
			requestLogger.Error("unable to purge alerts", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

func alertFilterFromQuery(r *http.Request) (alerts.Filter, error) {
	q := r.URL.Query()

	filter := alerts.Filter{
		DeviceID: q.Get("deviceID"),
	}
	if t := q.Get("type"); t != "" {
		filter.Types = strings.Split(t, ",")
	}
	if after := q.Get("after"); after != "" {
		ts, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return alerts.Filter{}, err
		}
		filter.CreatedAfter = ts
	}
	if before := q.Get("before"); before != "" {
		ts, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return alerts.Filter{}, err
		}
		filter.CreatedBefore = ts
	}

	return filter, nil
}

func overviewHandler(log *slog.Logger, devices devicemanagement.DeviceManagement, registry commands.CommandRegistry, alertSvc alerts.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "overview")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		tenant := principal(r).Tenant

		deviceCount, err := devices.Count(ctx, tenant)
		if err != nil {
			requestLogger.Error("unable to count devices", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		queued, err := registry.QueuedCount(ctx, tenant)
		if err != nil {
			requestLogger.Error("unable to count queued commands", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		recentAlerts, err := alertSvc.CountSince(ctx, tenant, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			requestLogger.Error("unable to count alerts", "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		writeJson(w, http.StatusOK, map[string]int64{
			"devices":        deviceCount,
			"queuedCommands": queued,
			"alertsLast24h":  recentAlerts,
		})
	}
}

// sessionStore tracks live camera sessions by their token so they can be
// stopped over the api. Ended sessions are reaped on access.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*signaling.Session
}

func (s *sessionStore) add(session *signaling.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, existing := range s.sessions {
		select {
		case <-existing.Done():
			delete(s.sessions, token)
		default:
		}
	}

	s.sessions[session.Token()] = session
}

func (s *sessionStore) take(token string) (*signaling.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if ok {
		delete(s.sessions, token)
	}
	return session, ok
}

func startCameraSessionHandler(log *slog.Logger, engine *signaling.Engine, sessions *sessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "start-camera-session")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID := chi.URLParam(r, "deviceID")

		// the session outlives this request
		session, err := engine.Start(context.WithoutCancel(ctx), principal(r), deviceID)
		if err != nil {
			requestLogger.Error("unable to start camera session", "device_id", deviceID, "err", err.Error())
			w.WriteHeader(statusFromError(err))
			return
		}

		sessions.add(session)

		writeJson(w, http.StatusCreated, map[string]string{
			"sessionToken": session.Token(),
			"deviceID":     session.DeviceID(),
			"state":        string(session.State()),
		})
	}
}

func stopCameraSessionHandler(log *slog.Logger, sessions *sessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "stop-camera-session")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		token := chi.URLParam(r, "sessionToken")

		session, ok := sessions.take(token)
		if !ok {
			requestLogger.Warn("no such camera session", "session", token)
			w.WriteHeader(http.StatusNotFound)
			return
		}

		session.End(ctx)

		w.WriteHeader(http.StatusNoContent)
	}
}
