package middleware

import (
	"bufio"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// LoadCORS builds the CORS handler from an origins file, one origin per
// line. Without the file every origin is allowed and credentials are off.
func LoadCORS(path string, log zerolog.Logger) func(http.Handler) http.Handler {
	origins := loadCORSOrigins(path)
	methods := []string{"GET", "POST", "OPTIONS"}

	if len(origins) > 0 {
		log.Info().Int("origins", len(origins)).Str("file", path).Msg("Loaded CORS origins")
		return cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   methods,
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           86400,
		})
	}

	log.Warn().Str("file", path).Msg("No CORS origins file, allowing all origins (credentials disabled)")
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   methods,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
}

func loadCORSOrigins(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins
}
