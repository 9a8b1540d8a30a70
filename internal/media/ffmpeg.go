package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var codecCompat = map[string][]string{
	"mp4":  {"h264", "avc", "hevc", "h265"},
	"webm": {"vp8", "vp9", "av1"},
	"mkv":  {"*"},
	"mov":  {"h264", "hevc", "prores"},
}

// FFmpeg converts between containers by shelling out to ffmpeg. Streams are
// copied when the source codec fits the target container and re-encoded
// otherwise.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	CRF         int
	log         zerolog.Logger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, log zerolog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, CRF: 23, log: log}
}

// ExecError is returned when ffmpeg exits non-zero. Stderr holds the tail of
// its output.
type ExecError struct {
	Code   int
	Stderr string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("encoding failed (code %d)", e.Code)
}

func (f *FFmpeg) Convert(ctx context.Context, inputPath, outputPath string) error {
	container := strings.TrimPrefix(strings.ToLower(filepath.Ext(outputPath)), ".")

	args := []string{"-y", "-i", inputPath}
	codec := f.ProbeVideoCodec(ctx, inputPath)
	if codecCompatible(container, codec) {
		f.log.Debug().Str("codec", codec).Str("container", container).Msg("Codec compatible, copying streams")
		args = append(args, "-codec", "copy")
	} else {
		f.log.Debug().Str("codec", codec).Str("container", container).Msg("Re-encoding")
		args = append(args, videoCodecArgs(container, f.CRF)...)
	}
	if container == "mp4" || container == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, outputPath)

	cmd := exec.CommandContext(ctx, f.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cmd.ProcessState == nil {
			return fmt.Errorf("failed to start ffmpeg: %w", err)
		}
		code := cmd.ProcessState.ExitCode()
		tail := stderr.String()
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		f.log.Error().Int("code", code).Str("stderr", tail).Msg("FFmpeg failed")
		return &ExecError{Code: code, Stderr: tail}
	}
	return nil
}

// ProbeVideoCodec returns the lower-cased codec name of the first video
// stream, or "" when it cannot be determined.
func (f *FFmpeg) ProbeVideoCodec(ctx context.Context, path string) string {
	cmd := exec.CommandContext(ctx, f.FFprobePath, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_name", "-of", "csv=p=0", path)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(out)))
}

func codecCompatible(container, codec string) bool {
	compat := codecCompat[container]
	for _, c := range compat {
		if c == "*" {
			return true
		}
		if codec != "" && strings.Contains(codec, c) {
			return true
		}
	}
	return false
}

func videoCodecArgs(container string, crf int) []string {
	switch container {
	case "webm":
		return []string{"-c:v", "libvpx-vp9", "-crf", strconv.Itoa(crf), "-b:v", "0",
			"-pix_fmt", "yuv420p", "-c:a", "libopus", "-b:a", "128k"}
	default:
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", strconv.Itoa(crf),
			"-pix_fmt", "yuv420p", "-c:a", "aac", "-b:a", "128k"}
	}
}
