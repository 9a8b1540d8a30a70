package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Jaini604/Simple-Video-Uploader/internal/media"
	"github.com/Jaini604/Simple-Video-Uploader/internal/services"
	"github.com/Jaini604/Simple-Video-Uploader/internal/upload"
	"github.com/Jaini604/Simple-Video-Uploader/internal/util"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// intFormValue reads the first non-empty field among keys. ok is false when
// every key is missing or the value is not an integer.
func intFormValue(r *http.Request, keys ...string) (int, bool) {
	for _, k := range keys {
		v := strings.TrimSpace(r.FormValue(k))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// respondError maps upload failures onto status codes. Every body carries
// an "error" string.
func respondError(w http.ResponseWriter, err error) {
	var ce *media.ConversionError

	switch {
	case errors.Is(err, upload.ErrValidation), errors.Is(err, upload.ErrIndexOutOfRange):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, upload.ErrProtocolInconsistency):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, upload.ErrUploadNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Upload not found or expired"})
	case errors.Is(err, services.ErrArtifactNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "File not found after upload"})
	case errors.Is(err, upload.ErrStorage):
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to save chunk. Disk may be full or permissions issue.",
			"details": err.Error(),
		})
	case errors.Is(err, upload.ErrMerge):
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Error merging chunks",
			"details": err.Error(),
		})
	case errors.As(err, &ce):
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Error converting file",
			"details": util.ToUserError(ce.Details()),
		})
	default:
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
}
