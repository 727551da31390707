package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/application"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/export"
)

type renderFunc func(w io.Writer, format export.Format, tree application.TreeView, name string) error

type Handler struct {
	service *application.Service
	logger  *zap.Logger
	render  renderFunc
}

func NewRouter(service *application.Service, logger *zap.Logger) http.Handler {
	return newRouter(service, logger, export.Write)
}

func newRouter(service *application.Service, logger *zap.Logger, render renderFunc) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{service: service, logger: logger, render: render}
	r := chi.NewRouter()
	r.Use(RequestLogger(logger), Recoverer(logger))

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", h.handleHealth)
		api.Get("/structures", h.handleListStructures)
		api.Post("/structures", h.handleCreateStructure)

		api.Route("/structures/{sid}", func(st chi.Router) {
			st.Get("/", h.handleGetStructure)
			st.Get("/tree", h.handleTree)
			st.Get("/items", h.handleItems)
			st.Post("/items", h.handleCreateItem)
			st.Post("/items/rename", h.handleRenameItem)
			st.Post("/items/move", h.handleMoveItem)
			st.Delete("/items/{itemID}", h.handleDeleteItem)
			st.Get("/history", h.handleHistory)
			st.Post("/history/{entryID}/undo", h.handleUndo)
			st.Get("/status", h.handleStatus)
			st.Post("/refresh", h.handleRefresh)
			st.Get("/export", h.handleExport)
		})
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleListStructures(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	items, err := h.service.ListStructures(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type createStructureRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (h *Handler) handleCreateStructure(w http.ResponseWriter, r *http.Request) {
	var req createStructureRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.service.CreateStructure(r.Context(), req.Key, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) handleGetStructure(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	st, err := h.service.GetStructure(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	tree, err := h.service.Tree(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (h *Handler) handleItems(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	items, err := h.service.Items(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	var req application.CreateItemInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.service.CreateItem(r.Context(), sid, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type renameRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func (h *Handler) handleRenameItem(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.service.RenameItem(r.Context(), sid, req.Key, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type moveRequest struct {
	MovedID  uint              `json:"moved_id"`
	TargetID uint              `json:"target_id"`
	Intent   domain.DropIntent `json:"intent"`
}

func (h *Handler) handleMoveItem(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	var req moveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.service.MoveItem(r.Context(), sid, req.MovedID, req.TargetID, req.Intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	res, err := h.service.DeleteItem(r.Context(), sid, itemID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	limit := parseLimit(q.Get("limit"), 0, 0)
	entries, err := h.service.History(r.Context(), sid, limit, all)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	entryID, ok := pathID(w, r, "entryID")
	if !ok {
		return
	}
	res, err := h.service.Undo(r.Context(), sid, entryID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	st, err := h.service.Status(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	tree, err := h.service.Refresh(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sid, ok := pathID(w, r, "sid")
	if !ok {
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	st, err := h.service.GetStructure(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tree, err := h.service.Tree(r.Context(), sid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := h.render(&buf, format, tree, st.Name); err != nil {
		h.writeError(w, r, fmt.Errorf("export structure %d as %s: %w", sid, format, err))
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+st.Key+"."+string(format)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("export write failed", zap.Uint("structure_id", sid), zap.Error(err))
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInvariant:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindUndoConflict:
		return http.StatusConflict
	case domain.KindBusy:
		return http.StatusLocked
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	body := map[string]any{"error": err.Error()}
	if kind := domain.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// parseLimit returns fallback for an empty or bad value and clamps to max
// when max is positive.
func parseLimit(raw string, fallback, max int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return fallback
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
