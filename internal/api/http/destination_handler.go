// internal/api/http/destination_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"cdc-dispatch/internal/domain"
	"cdc-dispatch/internal/metrics"
	"cdc-dispatch/internal/routing"
	"cdc-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntryPublisher appends change entries to a destination's stream.
type EntryPublisher interface {
	Publish(destination string, entries ...domain.Entry)
}

// DestinationHandler 负责处理与 Destination 相关的 HTTP 请求。
type DestinationHandler struct {
	service   *usecase.DestinationService
	nodes     domain.NodeRegistry
	publisher EntryPublisher
	logger    *slog.Logger
	validate  *validator.Validate
	tracer    trace.Tracer
}

// NewDestinationHandler 创建一个新的 DestinationHandler，并初始化 validator。
// nodes may be nil on a single node deployment.
func NewDestinationHandler(service *usecase.DestinationService, nodes domain.NodeRegistry, logger *slog.Logger) *DestinationHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("topic_rules", func(fl validator.FieldLevel) bool {
		_, err := routing.NewRouter(domain.MQConfig{DynamicTopic: fl.Field().String()})
		return err == nil
	})

	_ = validate.RegisterValidation("hash_rules", func(fl validator.FieldLevel) bool {
		_, err := routing.NewRouter(domain.MQConfig{PartitionHash: fl.Field().String()})
		return err == nil
	})

	return &DestinationHandler{
		service:  service,
		nodes:    nodes,
		logger:   logger.With("component", "destination-handler"),
		validate: validate,
		tracer:   otel.Tracer("cdc-dispatch-api"),
	}
}

// WithPublisher enables POST /destinations/{name}/entries, which feeds the
// embedded source.
func (h *DestinationHandler) WithPublisher(p EntryPublisher) *DestinationHandler {
	h.publisher = p
	return h
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers destination and node routes to the http.ServeMux.
func (h *DestinationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/destinations", h.instrument("/destinations", http.HandlerFunc(h.handleDestinations)))
	mux.Handle("/destinations/", h.instrument("/destinations", http.HandlerFunc(h.handleDestinations)))
	mux.Handle("/nodes", h.instrument("/nodes", http.HandlerFunc(h.handleListNodes)))
}

func (h *DestinationHandler) instrument(base string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := base
		if name := strings.Trim(strings.TrimPrefix(r.URL.Path, base), "/"); name != "" {
			path = base + "/{name}"
			if strings.Contains(name, "/") {
				path += "/{action}"
			}
		}

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleDestinations is a general dispatcher for the /destinations path
func (h *DestinationHandler) handleDestinations(w http.ResponseWriter, r *http.Request) {
	// e.g. /destinations/orders/start -> ["destinations", "orders", "start"]
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	if len(pathParts) < 1 || pathParts[0] != "destinations" || len(pathParts) > 3 {
		http.NotFound(w, r)
		return
	}

	var name, action string
	if len(pathParts) > 1 {
		name = pathParts[1]
	}
	if len(pathParts) > 2 {
		action = pathParts[2]
	}

	switch {
	case r.Method == http.MethodGet && name == "":
		h.handleListDestinations(w, r)
	case r.Method == http.MethodGet && action == "":
		h.handleGetDestination(w, r, name)
	case r.Method == http.MethodPut && name != "" && action == "":
		h.handleSaveDestination(w, r, name)
	case r.Method == http.MethodDelete && name != "" && action == "":
		h.handleDeleteDestination(w, r, name)
	case r.Method == http.MethodPost && name != "" && (action == "start" || action == "stop"):
		h.handleControlDestination(w, r, name, action)
	case r.Method == http.MethodPost && name != "" && action == "entries":
		h.handlePublishEntries(w, r, name)
	case name == "" || action == "" || action == "start" || action == "stop" || action == "entries":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *DestinationHandler) handleSaveDestination(w http.ResponseWriter, r *http.Request, name string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SaveDestination")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	var req SaveDestinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = name
	}
	if req.Name != name {
		http.Error(w, "Destination name in body does not match the path", http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, err := range verrs {
				validationErrors = append(validationErrors,
					"Field '"+err.Field()+"' failed on the '"+err.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	dest := req.ToDomainDestination()
	if err := h.service.Save(ctx, dest); err != nil {
		span.SetStatus(codes.Error, "Failed to save destination in service")
		span.RecordError(err)
		h.logger.Error("error saving destination", "destination", name, "error", err)
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DestinationResponse{Destination: dest, Running: h.service.Running(dest.Name)})
}

func (h *DestinationHandler) handleDeleteDestination(w http.ResponseWriter, r *http.Request, name string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteDestination")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	if err := h.service.Delete(ctx, name); err != nil {
		span.SetStatus(codes.Error, "Failed to delete destination in service")
		span.RecordError(err)
		h.logger.Warn("error deleting destination", "destination", name, "error", err)
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DestinationHandler) handleGetDestination(w http.ResponseWriter, r *http.Request, name string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetDestination")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	dest, err := h.service.Get(ctx, name)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to get destination from service")
		span.RecordError(err)
		h.logger.Warn("error getting destination", "destination", name, "error", err)
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DestinationResponse{Destination: dest, Running: h.service.Running(name)})
}

func (h *DestinationHandler) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListDestinations")
	defer span.End()

	dests, err := h.service.List(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list destinations from service")
		span.RecordError(err)
		h.logger.Error("error listing destinations", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := make([]DestinationResponse, 0, len(dests))
	for _, d := range dests {
		resp = append(resp, DestinationResponse{Destination: d, Running: h.service.Running(d.Name)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *DestinationHandler) handleControlDestination(w http.ResponseWriter, r *http.Request, name, action string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ControlDestination")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name), attribute.String("action", action))

	var err error
	if action == "start" {
		err = h.service.Start(ctx, name)
	} else {
		err = h.service.Stop(ctx, name)
	}
	if err != nil {
		span.SetStatus(codes.Error, "Failed to "+action+" destination")
		span.RecordError(err)
		h.logger.Warn("error controlling destination", "destination", name, "action", action, "error", err)
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *DestinationHandler) handlePublishEntries(w http.ResponseWriter, r *http.Request, name string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.PublishEntries")
	defer span.End()
	span.SetAttributes(attribute.String("destination.name", name))

	if h.publisher == nil {
		http.Error(w, "Publishing is not enabled on this node", http.StatusNotImplemented)
		return
	}
	if _, err := h.service.Get(ctx, name); err != nil {
		h.writeServiceError(w, err)
		return
	}

	var entries []domain.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for i, e := range entries {
		if e.Schema == "" || e.Table == "" || e.Type == "" {
			http.Error(w, "Entry "+strconv.Itoa(i)+" needs schema, table and type", http.StatusBadRequest)
			return
		}
	}

	h.publisher.Publish(name, entries...)
	span.SetAttributes(attribute.Int("entry.count", len(entries)))
	writeJSON(w, http.StatusAccepted, map[string]int{"published": len(entries)})
}

func (h *DestinationHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListNodes")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.nodes == nil {
		writeJSON(w, http.StatusOK, []domain.Node{})
		return
	}
	nodes, err := h.nodes.List(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list nodes")
		span.RecordError(err)
		h.logger.Error("error listing nodes", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *DestinationHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDestinationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, usecase.ErrStaticDestination):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
