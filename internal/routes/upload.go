package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Jaini604/Simple-Video-Uploader/internal/config"
	"github.com/Jaini604/Simple-Video-Uploader/internal/services"
)

type Uploads struct {
	svc           *services.UploadService
	maxChunkBytes int64
	log           zerolog.Logger
}

func NewUploads(svc *services.UploadService, maxChunkBytes int64, log zerolog.Logger) *Uploads {
	return &Uploads{svc: svc, maxChunkBytes: maxChunkBytes, log: log}
}

func UploadRoutes(r chi.Router, u *Uploads) {
	r.Post("/api/upload/init", u.handleInit)
	r.Post("/api/upload/chunk", u.handleChunk)
	r.Post("/api/upload/complete", u.handleComplete)
	r.Get("/api/upload/status/{uploadId}", u.handleStatus)
}

func (u *Uploads) handleInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileName    string `json:"fileName"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, 400, map[string]string{"error": "Invalid request body"})
		return
	}

	id, err := u.svc.Init(body.FileName, body.TotalChunks)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{"uploadId": id})
}

func (u *Uploads) handleChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, u.maxChunkBytes+1024*1024)
	if err := r.ParseMultipartForm(config.MultipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondJSON(w, 413, map[string]string{
				"error": fmt.Sprintf("Chunk too large. Maximum size is %dMB", u.maxChunkBytes/(1024*1024)),
			})
			return
		}
		respondJSON(w, 400, map[string]string{"error": "Failed to parse chunk"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		respondJSON(w, 400, map[string]string{"error": "No chunk data"})
		return
	}
	defer chunk.Close()

	index, ok := intFormValue(r, "chunkNumber", "chunkIndex")
	if !ok {
		respondJSON(w, 400, map[string]string{"error": "Invalid chunk number"})
		return
	}
	total, ok := intFormValue(r, "totalChunks")
	if !ok {
		respondJSON(w, 400, map[string]string{"error": "Invalid totalChunks"})
		return
	}

	out, err := u.svc.HandleChunk(r.Context(), services.ChunkRequest{
		UploadID: r.FormValue("uploadId"),
		FileName: r.FormValue("fileName"),
		Index:    index,
		Total:    total,
		Data:     chunk,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if out.Complete {
		respondJSON(w, 200, map[string]string{"filePath": out.FilePath})
		return
	}
	resp := map[string]interface{}{
		"message":  out.Message(),
		"received": out.Received,
		"total":    out.Total,
	}
	if out.Duplicate {
		resp["duplicate"] = true
	}
	respondJSON(w, 200, resp)
}

func (u *Uploads) handleComplete(w http.ResponseWriter, r *http.Request) {
	var fileName string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			FileName string `json:"fileName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondJSON(w, 400, map[string]string{"error": "Invalid request body"})
			return
		}
		fileName = body.FileName
	} else {
		fileName = r.FormValue("fileName")
	}

	path, err := u.svc.Finalize(fileName)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, 200, map[string]string{
		"message":  "Upload completed",
		"filePath": path,
	})
}

func (u *Uploads) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := u.svc.Status(chi.URLParam(r, "uploadId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, 200, st)
}
