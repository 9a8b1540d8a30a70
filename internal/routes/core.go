package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Jaini604/Simple-Video-Uploader/internal/config"
	"github.com/Jaini604/Simple-Video-Uploader/internal/media"
	"github.com/Jaini604/Simple-Video-Uploader/internal/util"
)

type Core struct {
	Config      *config.Config
	Sessions    interface{ ActiveSessions() int }
	Converter   interface{ BreakerState() media.BreakerState }
	Transcoding bool
}

func CoreRoutes(r chi.Router, c *Core) {
	r.Get("/health", c.handleHealth)
	r.Get("/api/limits", c.handleLimits)
}

func (c *Core) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":        "ok",
		"version":       config.Version,
		"activeUploads": c.Sessions.ActiveSessions(),
		"transcoding":   c.Transcoding,
	}
	if c.Converter != nil {
		resp["converter"] = c.Converter.BreakerState()
	}
	if ds, err := util.GetDiskSpace(c.Config.PublicDir); err == nil {
		resp["disk"] = map[string]interface{}{
			"availGB": ds.AvailGB,
			"totalGB": ds.TotalGB,
			"low":     ds.Low(config.DiskSpaceMinGB),
		}
	}
	respondJSON(w, 200, resp)
}

func (c *Core) handleLimits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]interface{}{
		"maxChunkSize":        c.Config.ChunkSizeLimit,
		"maxChunks":           c.Config.MaxChunks,
		"chunkTimeoutSeconds": int(c.Config.ChunkTimeout.Seconds()),
		"transcode":           c.Config.TranscodeMap,
	})
}
