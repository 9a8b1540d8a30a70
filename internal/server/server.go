package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Jaini604/Simple-Video-Uploader/internal/config"
	"github.com/Jaini604/Simple-Video-Uploader/internal/middleware"
	"github.com/Jaini604/Simple-Video-Uploader/internal/routes"
	"github.com/Jaini604/Simple-Video-Uploader/internal/util"
)

type Deps struct {
	Config  *config.Config
	Uploads *routes.Uploads
	Core    *routes.Core
	Metrics http.Handler
	Log     zerolog.Logger
}

func New(d Deps) *http.Server {
	return &http.Server{
		Addr:              ":" + d.Config.Port,
		Handler:           Handler(d),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}

func Handler(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.LoadCORS(d.Config.CORSFile, d.Log))

	routes.CoreRoutes(r, d.Core)
	routes.UploadRoutes(r, d.Uploads)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Get(config.ServedPrefix+"*", artifactHandler(d.Config.PublicDir))

	staticDir, err := filepath.Abs(d.Config.StaticDir)
	if err == nil {
		if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
			r.Get("/*", staticHandler(staticDir))
		}
	}

	return r
}

// artifactHandler serves finished uploads. Hidden files are in-progress
// merges or conversions and are never served.
func artifactHandler(publicDir string) http.HandlerFunc {
	fileServer := http.StripPrefix(config.ServedPrefix, http.FileServer(http.Dir(publicDir)))
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, config.ServedPrefix)
		if name == "" || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	}
}

func staticHandler(staticDir string) http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(staticDir))
	return func(w http.ResponseWriter, r *http.Request) {
		cleaned := filepath.Clean(filepath.Join(staticDir, strings.TrimPrefix(r.URL.Path, "/")))
		if !strings.HasPrefix(cleaned, staticDir) {
			http.NotFound(w, r)
			return
		}
		if _, err := os.Stat(cleaned); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	}
}

// PrepareDirs creates the working directories and drops anything a previous
// run left half-finished.
func PrepareDirs(cfg *config.Config, log zerolog.Logger) error {
	for _, dir := range []string{cfg.ChunkDir(), cfg.PublicDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	n, err := util.ClearDir(cfg.ChunkDir())
	if err != nil {
		return err
	}
	log.Info().Int("removed", n).Str("dir", cfg.ChunkDir()).Msg("Cleared chunk directory")

	stale, err := util.RemoveStale(cfg.PublicDir, ".*partial*", 0)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		log.Warn().Strs("files", stale).Msg("Removed unfinished merge output")
	}
	return nil
}

func PrintBanner() {
	fmt.Printf(`
  ┌──────────────────────────────────┐
  │    simple-video-uploader %s│
  │   chunked upload + mp4 server    │
  └──────────────────────────────────┘
`, padVersion(config.Version))
}

func padVersion(v string) string {
	for len(v) < 8 {
		v += " "
	}
	return v
}
