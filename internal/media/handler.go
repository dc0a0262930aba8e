package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"portfolio-serverless/internal/observability"
)

const maxUploadSizeBytes = 5 << 20

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

type ImageUploader interface {
	UploadImage(ctx context.Context, image []byte, contentType string) (string, error)
}

// UploadHandler accepts one image as multipart field "file" and replies with
// the hosted URL, ready to be stored as a project's imageUrl.
type UploadHandler struct {
	uploader ImageUploader
	logger   *observability.Logger
}

func NewUploadHandler(uploader ImageUploader, logger *observability.Logger) *UploadHandler {
	return &UploadHandler{uploader: uploader, logger: logger}
}

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSizeBytes+(64<<10))
	if err := r.ParseMultipartForm(maxUploadSizeBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	if len(data) > maxUploadSizeBytes {
		writeError(w, http.StatusBadRequest, "file is too large")
		return
	}

	// The declared part type is ignored; only the sniffed one counts.
	contentType := http.DetectContentType(data)
	if !allowedImageTypes[contentType] {
		writeError(w, http.StatusBadRequest, "file must be a png, jpeg, gif or webp image")
		return
	}

	imageURL, err := h.uploader.UploadImage(r.Context(), data, contentType)
	if err != nil {
		h.logger.Error("image_upload_failed", map[string]any{"error": err.Error()})
		observability.CaptureError(err)
		writeError(w, http.StatusBadGateway, "failed to upload image")
		return
	}

	h.logger.Info("image_uploaded", map[string]any{"bytes": len(data), "content_type": contentType})
	writeJSON(w, http.StatusCreated, map[string]string{"imageUrl": imageURL})
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
