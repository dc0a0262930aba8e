package project

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"portfolio-serverless/internal/observability"
)

var allowedURLChars = regexp.MustCompile(`^[A-Za-z0-9\-._~:/?#\[\]@!$&'()*+,;=%]+$`)
var allowedHost = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)

const (
	maxJSONBodyBytes = 1 << 20
	maxTags          = 20
	maxTagLength     = 40
	maxReorderIDs    = 500
)

type Store interface {
	ListPublished(ctx context.Context) ([]Project, error)
	ListAll(ctx context.Context) ([]Project, error)
	Create(ctx context.Context, input ProjectInput) (Project, error)
	Update(ctx context.Context, id string, input ProjectInput) (Project, error)
	SetPublished(ctx context.Context, id string, published bool) (Project, error)
	Reorder(ctx context.Context, ids []string) error
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	store  Store
	logger *observability.Logger
}

func NewHandler(store Store, logger *observability.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) ListPublished(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListPublished(r.Context())
	if err != nil {
		h.fail(w, "failed to list projects", err)
		return
	}

	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListAll(r.Context())
	if err != nil {
		h.fail(w, "failed to list projects", err)
		return
	}

	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	p, err := h.store.Create(r.Context(), input)
	if err != nil {
		h.fail(w, "failed to create project", err)
		return
	}

	h.logger.Info("project_created", map[string]any{"id": p.ID})
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	p, err := h.store.Update(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.fail(w, "failed to update project", err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) SetPublished(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var input publishInput
	if err := decodeJSON(w, r, &input); err != nil || input.Published == nil {
		writeError(w, http.StatusBadRequest, "published is required")
		return
	}

	p, err := h.store.SetPublished(r.Context(), id, *input.Published)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.fail(w, "failed to update project", err)
		return
	}

	h.logger.Info("project_publish_changed", map[string]any{"id": p.ID, "published": p.Published})
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	var input orderInput
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(input.IDs) == 0 || len(input.IDs) > maxReorderIDs {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}

	seen := make(map[string]struct{}, len(input.IDs))
	for _, id := range input.IDs {
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid project id")
			return
		}
		if _, dup := seen[id]; dup {
			writeError(w, http.StatusBadRequest, "duplicate project id")
			return
		}
		seen[id] = struct{}{}
	}

	if err := h.store.Reorder(r.Context(), input.IDs); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.fail(w, "failed to reorder projects", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.fail(w, "failed to delete project", err)
		return
	}

	h.logger.Info("project_deleted", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	h.logger.Error("project_store_failed", map[string]any{"message": message, "error": err.Error()})
	observability.CaptureError(err)
	writeError(w, http.StatusInternalServerError, message)
}

func projectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return "", false
	}
	return id, true
}

func parseInput(w http.ResponseWriter, r *http.Request) (ProjectInput, bool) {
	var input ProjectInput
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return ProjectInput{}, false
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Summary = strings.TrimSpace(input.Summary)
	input.Description = strings.TrimSpace(input.Description)
	input.URL = strings.TrimSpace(input.URL)
	input.RepoURL = strings.TrimSpace(input.RepoURL)
	input.ImageURL = strings.TrimSpace(input.ImageURL)

	if input.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return ProjectInput{}, false
	}
	if !utf8.ValidString(input.Title) || len(input.Title) > 150 {
		writeError(w, http.StatusBadRequest, "title is invalid")
		return ProjectInput{}, false
	}
	if !utf8.ValidString(input.Summary) || len(input.Summary) > 300 {
		writeError(w, http.StatusBadRequest, "summary is invalid")
		return ProjectInput{}, false
	}
	if !utf8.ValidString(input.Description) || len(input.Description) > 5000 {
		writeError(w, http.StatusBadRequest, "description is invalid")
		return ProjectInput{}, false
	}

	for field, value := range map[string]string{"url": input.URL, "repoUrl": input.RepoURL, "imageUrl": input.ImageURL} {
		if value == "" {
			continue
		}
		if msg := validateLink(field, value); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return ProjectInput{}, false
		}
	}

	tags, msg := normalizeTags(input.Tags)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return ProjectInput{}, false
	}
	input.Tags = tags

	return input, true
}

func validateLink(field, value string) string {
	if len(value) > 500 || !isASCII(value) || !allowedURLChars.MatchString(value) {
		return field + " contains invalid characters"
	}
	parsed, err := url.ParseRequestURI(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return field + " must be a valid link"
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return field + " must start with http or https"
	}
	if parsed.User != nil || !allowedHost.MatchString(parsed.Hostname()) {
		return field + " host is invalid"
	}
	return ""
}

// normalizeTags trims, lowercases and de-duplicates tags, keeping their order.
func normalizeTags(raw []string) ([]string, string) {
	if len(raw) > maxTags {
		return nil, "too many tags"
	}

	tags := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if !utf8.ValidString(tag) || len(tag) > maxTagLength {
			return nil, "tag is invalid"
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags, ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func isASCII(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < 32 || value[i] > 126 {
			return false
		}
	}
	return true
}
