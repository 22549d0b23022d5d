package ingest

import (
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

// Metadata is the header subset the pipeline needs from one DICOM file.
// StudyDate is in DICOM DA form (YYYYMMDD). Missing tags stay empty.
type Metadata struct {
	ViewPosition string
	Modality     string
	StudyDate    string
}

// MetadataReader extracts Metadata from a DICOM file on disk.
type MetadataReader interface {
	Read(path string) (Metadata, error)
}

// DICOMReader parses headers with the dicom library, skipping pixel data so
// even large studies read quickly.
type DICOMReader struct{}

func (DICOMReader) Read(path string) (Metadata, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Metadata{}, errs.Dataf(err, "parse dicom %s", filepath.Base(path))
	}
	return Metadata{
		ViewPosition: stringTag(&ds, tag.ViewPosition),
		Modality:     stringTag(&ds, tag.Modality),
		StudyDate:    stringTag(&ds, tag.StudyDate),
	}, nil
}

func stringTag(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

var _ MetadataReader = DICOMReader{}
