package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/cache"
)

// MarkerFile holds the UID a directory was created for.
const MarkerFile = ".uid"

const maxUIDLength = 64

var uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// Layout maps study and series UIDs onto directories below a root:
// <root>/<study>/<series>/<SOPInstanceUID>.dcm. A directory is claimed by
// the UID in its marker file, so two UIDs that map to the same name get
// distinct directories.
type Layout struct {
	root  string
	cache cache.Cache
	ttl   time.Duration

	mu sync.Mutex
}

// NewLayout creates a layout rooted at root. Resolved directories are
// remembered in c.
func NewLayout(root string, c cache.Cache) *Layout {
	return &Layout{root: root, cache: c, ttl: 24 * time.Hour}
}

// Root returns the storage root.
func (l *Layout) Root() string {
	return l.root
}

// DirectoryName returns the preferred directory name for uid: the UID itself
// when it is well formed, otherwise a hash of it.
func DirectoryName(uid string) string {
	if ValidUID(uid) {
		return uid
	}
	sum := sha256.Sum256([]byte(uid))
	return "h" + hex.EncodeToString(sum[:])[:16]
}

// ValidUID reports whether uid is usable verbatim as a path element.
func ValidUID(uid string) bool {
	return len(uid) <= maxUIDLength && uidPattern.MatchString(uid)
}

// FileName returns the file name for an instance.
func (l *Layout) FileName(sopInstanceUID string) string {
	if ValidUID(sopInstanceUID) {
		return sopInstanceUID + ".dcm"
	}
	return uuid.New().String() + ".dcm"
}

// SeriesDirectory returns the directory for a series, creating it and its
// study directory when needed.
func (l *Layout) SeriesDirectory(ctx context.Context, studyUID, seriesUID string) (string, error) {
	if studyUID == "" || seriesUID == "" {
		return "", errors.New("study and series instance UIDs are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	studyDir, err := l.resolve(ctx, l.root, studyUID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve study directory: %w", err)
	}
	seriesDir, err := l.resolve(ctx, studyDir, seriesUID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve series directory: %w", err)
	}
	return seriesDir, nil
}

func (l *Layout) resolve(ctx context.Context, parent, uid string) (string, error) {
	key := cache.CacheKey("layout", parent, uid)
	if cached, err := l.cache.Get(ctx, key); err == nil {
		dir := string(cached)
		if owner, err := readMarker(dir); err == nil && owner == uid {
			return dir, nil
		}
		_ = l.cache.Delete(ctx, key)
	}

	base := DirectoryName(uid)
	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		dir := filepath.Join(parent, name)

		owner, err := readMarker(dir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(uid), 0o644); err != nil {
				return "", err
			}
		case err != nil:
			return "", err
		case owner != uid:
			log.Debug().
				Str("uid", uid).
				Str("directory", dir).
				Str("owner", owner).
				Msg("Directory name collision")
			continue
		}

		if err := l.cache.Set(ctx, key, []byte(dir), l.ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to cache directory mapping")
		}
		return dir, nil
	}
}

func readMarker(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}
