package util

import (
	"os/exec"

	"github.com/rs/zerolog"
)

type Dependencies struct {
	FFmpeg  bool
	FFprobe bool
}

func (d Dependencies) Transcoding() bool {
	return d.FFmpeg && d.FFprobe
}

// CheckDependencies looks up the external binaries used for post-processing.
// Neither is required to accept uploads.
func CheckDependencies(log zerolog.Logger, ffmpegPath, ffprobePath string) Dependencies {
	deps := []struct {
		name  string
		found *bool
	}{
		{ffmpegPath, new(bool)},
		{ffprobePath, new(bool)},
	}

	for _, dep := range deps {
		path, err := exec.LookPath(dep.name)
		if err != nil {
			log.Warn().Str("binary", dep.name).Msg("Not found, conversions disabled")
			continue
		}
		*dep.found = true
		log.Info().Str("binary", dep.name).Str("path", path).Msg("Found")
	}

	return Dependencies{FFmpeg: *deps[0].found, FFprobe: *deps[1].found}
}
