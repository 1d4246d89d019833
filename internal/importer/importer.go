// Package importer hands retrieved series directories to the image index.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ImportOptions selects which files of a directory are imported.
type ImportOptions struct {
	Recursive          bool
	RequireOriginal    bool
	ExcludeLocalizer   bool
	ExcludePreContrast bool
}

// Importer is called once per series directory after a retrieve completes.
type Importer interface {
	ImportDirectory(ctx context.Context, dir string, opts ImportOptions) (int, error)
}

// Header is the part of an imported file the filters look at.
type Header struct {
	Path              string
	SOPInstanceUID    string
	SeriesInstanceUID string
	ImageType         []string
	ContrastAgent     string
}

// DicomImporter reads the header of every DICOM file in a directory and
// counts the ones that pass the filters.
type DicomImporter struct {
	// OnImport, when set, receives every file that passed the filters.
	OnImport func(Header)
}

// NewDicomImporter creates an importer.
func NewDicomImporter() *DicomImporter {
	return &DicomImporter{}
}

// ImportDirectory imports the DICOM files in dir. Hidden files, including
// the directory marker and partially written objects, are ignored. Files
// that cannot be parsed are skipped with a warning.
func (i *DicomImporter) ImportDirectory(ctx context.Context, dir string, opts ImportOptions) (int, error) {
	start := time.Now()
	paths, err := listFiles(dir, opts.Recursive)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	imported := 0
	skipped := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		header, err := ReadHeader(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable file")
			skipped++
			continue
		}
		if !opts.accepts(header) {
			skipped++
			continue
		}
		imported++
		if i.OnImport != nil {
			i.OnImport(header)
		}
	}

	log.Info().
		Str("directory", dir).
		Int("imported", imported).
		Int("skipped", skipped).
		Dur("duration", time.Since(start)).
		Msg("Directory imported")
	return imported, nil
}

func (o ImportOptions) accepts(h Header) bool {
	if o.RequireOriginal && (len(h.ImageType) == 0 || !strings.EqualFold(strings.TrimSpace(h.ImageType[0]), "ORIGINAL")) {
		return false
	}
	if o.ExcludeLocalizer {
		for _, v := range h.ImageType {
			if strings.EqualFold(strings.TrimSpace(v), "LOCALIZER") {
				return false
			}
		}
	}
	if o.ExcludePreContrast && strings.TrimSpace(h.ContrastAgent) == "" {
		return false
	}
	return true
}

// ReadHeader parses path without its pixel data.
func ReadHeader(path string) (Header, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return Header{
		Path:              path,
		SOPInstanceUID:    firstString(ds, tag.SOPInstanceUID),
		SeriesInstanceUID: firstString(ds, tag.SeriesInstanceUID),
		ImageType:         stringValues(ds, tag.ImageType),
		ContrastAgent:     firstString(ds, tag.ContrastBolusAgent),
	}, nil
}

func stringValues(ds dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok {
		return nil
	}
	return values
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	values := stringValues(ds, t)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimRight(values[0], " \x00")
}

func listFiles(dir string, recursive bool) ([]string, error) {
	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		var paths []string
		for _, entry := range entries {
			if entry.Type().IsRegular() && !hidden(entry.Name()) {
				paths = append(paths, filepath.Join(dir, entry.Name()))
			}
		}
		return paths, nil
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
				return nil
			}
			return err
		}
		if path != dir && hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
