package imaging

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

const modeSemantic = "semantic"

// Embedder is the slice of the embedding client this service needs. Image
// queries embed in the image vector space, not the text one.
type Embedder interface {
	EmbedImageQuery(ctx context.Context, text string) ([]float32, error)
	MockMode() bool
}

// FHIRClient is the slice of the FHIR adapter this service needs.
type FHIRClient interface {
	DemoMode() bool
	ImagingStudy(ctx context.Context, id string) (*fhirmodels.ImagingStudy, error)
	ImagingStudiesByPatient(ctx context.Context, patientID string) ([]fhirmodels.ImagingStudy, error)
	ImagingStudiesByEncounter(ctx context.Context, encounterID string) ([]fhirmodels.ImagingStudy, error)
	RadiologyReports(ctx context.Context, patientID string, limit int) ([]fhirmodels.DiagnosticReport, error)
}

type Service struct {
	repo     Repository
	embedder Embedder
	fhir     FHIRClient
	logger   zerolog.Logger
}

func NewService(repo Repository, embedder Embedder, fhir FHIRClient, logger zerolog.Logger) *Service {
	return &Service{repo: repo, embedder: embedder, fhir: fhir, logger: logger}
}

// SearchImages ranks images against a natural-language query by cosine
// similarity in the image embedding space. There is no lexical fallback for
// pixels; a degraded embedder is reported on the response instead.
func (s *Service) SearchImages(ctx context.Context, query string, topK int, f Filters) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Inputf("query must not be empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := s.embedder.EmbedImageQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := s.repo.SemanticSearch(ctx, vec, f, topK)
	if err != nil {
		return nil, err
	}

	resp := &Response{Images: hits, SearchMode: modeSemantic}
	if s.embedder.MockMode() {
		resp.FallbackReason = "embedding service degraded to mock mode"
	}
	return resp, nil
}

// PatientStudies lists the imaging studies of one patient, merging FHIR
// ImagingStudy metadata into the store rows when the server is reachable.
// FHIR failures degrade to store-only results.
func (s *Service) PatientStudies(ctx context.Context, patientID string) ([]Study, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, errs.Inputf("patient id must not be empty")
	}

	studies, err := s.repo.StudiesByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	if s.fhir == nil || s.fhir.DemoMode() {
		return studies, nil
	}
	fhirStudies, err := s.fhir.ImagingStudiesByPatient(ctx, patientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("fhir study lookup failed, returning store rows only")
		return studies, nil
	}
	return mergeStudies(studies, fhirStudies), nil
}

// StudyDetails returns one study with its image rows, enriched from FHIR
// when the study was materialized there.
func (s *Service) StudyDetails(ctx context.Context, studyID string) (*StudyDetails, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil, errs.Inputf("study id must not be empty")
	}

	details, err := s.repo.StudyByID(ctx, studyID)
	if err != nil {
		return nil, err
	}
	if details == nil {
		return s.studyFromFHIR(ctx, studyID)
	}

	if s.fhir != nil && !s.fhir.DemoMode() && details.FHIRResourceID != "" {
		if study, err := s.fhir.ImagingStudy(ctx, details.FHIRResourceID); err == nil {
			details.Description = study.Description
			details.Status = study.Status
		}
	}
	return details, nil
}

// studyFromFHIR covers studies that exist in FHIR but were never ingested
// into the vector store.
func (s *Service) studyFromFHIR(ctx context.Context, studyID string) (*StudyDetails, error) {
	if s.fhir == nil || s.fhir.DemoMode() {
		return nil, errs.Inputf("imaging study %s not found", studyID)
	}
	study, err := s.fhir.ImagingStudy(ctx, studyID)
	if err != nil {
		return nil, errs.Inputf("imaging study %s not found", studyID)
	}
	return &StudyDetails{Study: studyFromResource(*study)}, nil
}

// PatientsWithImaging lists subjects holding images, most images first.
func (s *Service) PatientsWithImaging(ctx context.Context, limit int) ([]PatientImaging, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.PatientsWithImaging(ctx, limit)
}

// EncounterImaging resolves the imaging performed during one encounter. The
// encounter-to-study link lives only in FHIR.
func (s *Service) EncounterImaging(ctx context.Context, encounterID string) (*EncounterImaging, error) {
	encounterID = strings.TrimSpace(encounterID)
	if encounterID == "" {
		return nil, errs.Inputf("encounter id must not be empty")
	}
	if s.fhir == nil || s.fhir.DemoMode() {
		return nil, errs.Unavailable("fhir server", nil)
	}

	fhirStudies, err := s.fhir.ImagingStudiesByEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}

	result := &EncounterImaging{EncounterID: encounterID, Studies: []Study{}, Images: []Image{}}
	ids := make([]string, 0, len(fhirStudies))
	for _, study := range fhirStudies {
		result.Studies = append(result.Studies, studyFromResource(study))
		ids = append(ids, study.ID)
	}

	images, err := s.repo.ImagesByFHIRResourceIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	result.Images = images
	return result, nil
}

// Reports lists the patient's radiology reports from FHIR.
func (s *Service) Reports(ctx context.Context, patientID string, limit int) ([]Report, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, errs.Inputf("patient id must not be empty")
	}
	if s.fhir == nil || s.fhir.DemoMode() {
		return nil, errs.Unavailable("fhir server", nil)
	}

	reports, err := s.fhir.RadiologyReports(ctx, patientID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]Report, 0, len(reports))
	for _, rpt := range reports {
		r := Report{
			ReportID:   rpt.ID,
			Status:     rpt.Status,
			Effective:  rpt.EffectiveDateTime,
			Conclusion: rpt.Conclusion,
		}
		if len(rpt.ImagingStudy) > 0 {
			r.StudyID = strings.TrimPrefix(rpt.ImagingStudy[0].Reference, "ImagingStudy/")
		}
		out = append(out, r)
	}
	return out, nil
}

// mergeStudies enriches store studies with FHIR metadata and appends studies
// known only to FHIR. Store rows win on conflicts.
func mergeStudies(stored []Study, fhirStudies []fhirmodels.ImagingStudy) []Study {
	byID := map[string]int{}
	for i, study := range stored {
		byID[study.StudyID] = i
		if study.FHIRResourceID != "" {
			byID[study.FHIRResourceID] = i
		}
	}

	out := stored
	for _, fs := range fhirStudies {
		if i, ok := byID[fs.ID]; ok {
			if out[i].Description == "" {
				out[i].Description = fs.Description
			}
			if out[i].Status == "" {
				out[i].Status = fs.Status
			}
			continue
		}
		out = append(out, studyFromResource(fs))
	}
	return out
}

func studyFromResource(fs fhirmodels.ImagingStudy) Study {
	study := Study{
		StudyID:        fs.ID,
		FHIRResourceID: fs.ID,
		Description:    fs.Description,
		Status:         fs.Status,
		ImageCount:     fs.NumberOfInstances,
	}
	if len(fs.Modality) > 0 {
		study.Modality = fs.Modality[0].Code
	}
	for _, ident := range fs.Identifier {
		if ident.System == fhirmodels.SystemMIMICSubject {
			study.SubjectID = ident.Value
			break
		}
	}
	if fs.Started != "" {
		if t, err := fhirmodels.ParseTime(fs.Started); err == nil {
			study.StudyDate = t.Format("20060102")
		}
	}
	return study
}
