package media

import "context"

//go:generate mockgen -destination=mocks/converter_mock.go -package=mocks -source=converter.go

// Converter turns the file at inputPath into outputPath. The output
// container is taken from outputPath's extension.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}
