// Package processor writes feature layers to files, writers and gists.
package processor

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/woozymasta/layer2geojson/internal/geo"

	"github.com/rs/zerolog/log"
)

// Write streams the layer to w, one chunk per line.
func Write(ctx context.Context, w io.Writer, src geo.Source, opts geo.Options) error {
	bw := bufio.NewWriter(w)
	for chunk, err := range geo.Stream(ctx, src, opts) {
		if err != nil {
			return err
		}
		if _, err := bw.WriteString(chunk); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile streams the layer into path, replacing any existing file.
// A failed export removes the partial file.
func WriteFile(ctx context.Context, src geo.Source, path string, opts geo.Options) (err error) {
	log.Info().
		Str("layer", src.Name()).
		Str("path", path).
		Msg("Writing features to file")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	// We care about write errors on close
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Error().Err(closeErr).Str("path", path).Msg("Failed to close file")
			if err == nil {
				err = closeErr
			}
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	return Write(ctx, f, src, opts)
}

// String materializes the whole document. Chunks are joined without separators.
func String(ctx context.Context, src geo.Source, opts geo.Options) (string, error) {
	var sb strings.Builder
	for chunk, err := range geo.Stream(ctx, src, opts) {
		if err != nil {
			return "", err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}
