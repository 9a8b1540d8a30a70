package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrConversion = errors.New("conversion failed")

// ConversionError wraps a converter failure. The merged input is left in
// place when this is returned.
type ConversionError struct {
	Input string
	Err   error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("%v for %s: %v", ErrConversion, filepath.Base(e.Input), e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func (e *ConversionError) Is(target error) bool {
	return target == ErrConversion
}

// Details is the client-facing explanation of the failure.
func (e *ConversionError) Details() string {
	var execErr *ExecError
	if errors.As(e.Err, &execErr) && execErr.Stderr != "" {
		return strings.TrimSpace(execErr.Stderr)
	}
	return e.Err.Error()
}

type Processed struct {
	Path       string
	Transcoded bool
	Duration   time.Duration
}

type ProcessorConfig struct {
	// Mapping is keyed by lower-cased source extension (".mov") and holds
	// the target extension (".mp4").
	Mapping          map[string]string
	MaxConcurrent    int
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

type PostProcessor struct {
	mapping map[string]string
	conv    Converter
	sem     *semaphore.Weighted
	breaker *Breaker
	timeout time.Duration
	log     zerolog.Logger
}

func NewPostProcessor(conv Converter, cfg ProcessorConfig, log zerolog.Logger) *PostProcessor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	mapping := make(map[string]string, len(cfg.Mapping))
	for from, to := range cfg.Mapping {
		mapping[strings.ToLower(from)] = strings.ToLower(to)
	}
	return &PostProcessor{
		mapping: mapping,
		conv:    conv,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		breaker: NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
		timeout: cfg.Timeout,
		log:     log,
	}
}

// Target returns the extension fileName would be converted to, if any.
func (p *PostProcessor) Target(fileName string) (string, bool) {
	to, ok := p.mapping[strings.ToLower(filepath.Ext(fileName))]
	return to, ok
}

// DerivedPath substitutes the extension of path according to the mapping.
// It returns path unchanged when no conversion applies.
func (p *PostProcessor) DerivedPath(path string) string {
	to, ok := p.Target(path)
	if !ok {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + to
}

func (p *PostProcessor) BreakerState() BreakerState {
	return p.breaker.State()
}

// Process converts artifactPath when originalName's extension is in the
// mapping. On success the derived file replaces the merged one.
func (p *PostProcessor) Process(ctx context.Context, artifactPath, originalName string) (*Processed, error) {
	to, ok := p.Target(originalName)
	if !ok {
		return &Processed{Path: artifactPath}, nil
	}

	start := time.Now()
	derived := strings.TrimSuffix(artifactPath, filepath.Ext(artifactPath)) + to

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, &ConversionError{Input: artifactPath, Err: err}
	}
	defer p.sem.Release(1)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	tmp, err := os.CreateTemp(filepath.Dir(derived), "."+strings.TrimSuffix(filepath.Base(derived), to)+"-*.partial"+to)
	if err != nil {
		return nil, &ConversionError{Input: artifactPath, Err: err}
	}
	partial := tmp.Name()
	tmp.Close()

	p.log.Info().Str("input", filepath.Base(artifactPath)).Str("output", filepath.Base(derived)).Msg("Converting")

	err = p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.conv.Convert(ctx, artifactPath, partial)
	})
	if err == nil {
		err = os.Rename(partial, derived)
	}
	if err != nil {
		os.Remove(partial)
		return nil, &ConversionError{Input: artifactPath, Err: err}
	}

	if err := os.Remove(artifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn().Err(err).Str("path", artifactPath).Msg("Failed to remove converted source")
	}

	took := time.Since(start)
	p.log.Info().Str("output", filepath.Base(derived)).Dur("took", took).Msg("Conversion complete")
	return &Processed{Path: derived, Transcoded: true, Duration: took}, nil
}
