package ingest

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

// MaxFileSize is the largest DICOM the pipeline will read. Larger files are
// counted and skipped.
const MaxFileSize = 100 << 20

// File is one discovered DICOM with its identity parsed from the MIMIC-CXR
// directory layout.
type File struct {
	SubjectID string
	StudyID   string
	ImageID   string
	Path      string
}

// Discover walks root for .dcm files, skipping anything over MaxFileSize.
// It returns at most limit files when limit > 0, in walk order, plus the
// count of oversized files it passed over.
func Discover(root string, limit int) ([]File, int, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, 0, errs.Inputf("source path not found: %s", root)
	}

	var files []File
	skippedLarge := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".dcm") {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() > MaxFileSize {
			skippedLarge++
			return nil
		}

		subject, study := identityFromPath(path)
		files = append(files, File{
			SubjectID: subject,
			StudyID:   study,
			ImageID:   strings.TrimSuffix(d.Name(), ".dcm"),
			Path:      path,
		})
		if limit > 0 && len(files) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, skippedLarge, nil
}

// identityFromPath pulls the subject and study from the canonical layout
// .../pXX/pXXXXXXXX/sXXXXXXXX/{image_id}.dcm. Either falls back to
// "unknown" when the layout does not match.
func identityFromPath(path string) (subject, study string) {
	subject, study = "unknown", "unknown"
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if len(part) == 9 && part[0] == 'p' && allDigits(part[1:]) {
			subject = part
			if i+1 < len(parts)-1 && len(parts[i+1]) == 9 && parts[i+1][0] == 's' && allDigits(parts[i+1][1:]) {
				study = parts[i+1]
			}
			break
		}
	}
	return subject, study
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
