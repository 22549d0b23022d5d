package imaging

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

type fakeImagingRepo struct {
	hits        []Hit
	searchErr   error
	lastFilters Filters
	lastTopK    int

	studies  map[string][]Study
	details  map[string]*StudyDetails
	patients []PatientImaging
	byFHIR   map[string]Image

	images   map[string]Image
	vectors  map[string][]float32
	mappings map[string]Mapping
}

func newFakeImagingRepo() *fakeImagingRepo {
	return &fakeImagingRepo{
		studies:  map[string][]Study{},
		details:  map[string]*StudyDetails{},
		byFHIR:   map[string]Image{},
		images:   map[string]Image{},
		vectors:  map[string][]float32{},
		mappings: map[string]Mapping{},
	}
}

func (f *fakeImagingRepo) SemanticSearch(ctx context.Context, vec []float32, filters Filters, topK int) ([]Hit, error) {
	f.lastFilters = filters
	f.lastTopK = topK
	return f.hits, f.searchErr
}

func (f *fakeImagingRepo) StudiesByPatient(ctx context.Context, patientID string) ([]Study, error) {
	return f.studies[patientID], nil
}

func (f *fakeImagingRepo) StudyByID(ctx context.Context, studyID string) (*StudyDetails, error) {
	return f.details[studyID], nil
}

func (f *fakeImagingRepo) PatientsWithImaging(ctx context.Context, limit int) ([]PatientImaging, error) {
	if len(f.patients) > limit {
		return f.patients[:limit], nil
	}
	return f.patients, nil
}

func (f *fakeImagingRepo) ImagesByFHIRResourceIDs(ctx context.Context, ids []string) ([]Image, error) {
	var out []Image
	for _, id := range ids {
		if img, ok := f.byFHIR[id]; ok {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeImagingRepo) ExistingImageIDs(ctx context.Context) (map[string]bool, error) {
	ids := map[string]bool{}
	for id := range f.images {
		ids[id] = true
	}
	return ids, nil
}

func (f *fakeImagingRepo) UpsertImage(ctx context.Context, img *Image, vec []float32) error {
	f.images[img.ImageID] = *img
	f.vectors[img.ImageID] = vec
	return nil
}

func (f *fakeImagingRepo) SetFHIRResource(ctx context.Context, imageID, fhirResourceID string) error {
	img := f.images[imageID]
	img.FHIRResourceID = fhirResourceID
	f.images[imageID] = img
	return nil
}

func (f *fakeImagingRepo) CountImages(ctx context.Context) (int64, error) {
	return int64(len(f.images)), nil
}

func (f *fakeImagingRepo) GetMapping(ctx context.Context, subjectID string) (*Mapping, error) {
	if m, ok := f.mappings[subjectID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (f *fakeImagingRepo) UpsertMapping(ctx context.Context, m *Mapping) error {
	f.mappings[m.SubjectID] = *m
	return nil
}

type fakeImageEmbedder struct {
	vec  []float32
	err  error
	mock bool
}

func (f *fakeImageEmbedder) EmbedImageQuery(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func (f *fakeImageEmbedder) MockMode() bool { return f.mock }

type fakeImagingFHIR struct {
	demo        bool
	studies     map[string]*fhirmodels.ImagingStudy
	byPatient   map[string][]fhirmodels.ImagingStudy
	byEncounter map[string][]fhirmodels.ImagingStudy
	reports     map[string][]fhirmodels.DiagnosticReport
	patientErr  error
}

func (f *fakeImagingFHIR) DemoMode() bool { return f.demo }

func (f *fakeImagingFHIR) ImagingStudy(ctx context.Context, id string) (*fhirmodels.ImagingStudy, error) {
	if study, ok := f.studies[id]; ok {
		return study, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeImagingFHIR) ImagingStudiesByPatient(ctx context.Context, patientID string) ([]fhirmodels.ImagingStudy, error) {
	if f.patientErr != nil {
		return nil, f.patientErr
	}
	return f.byPatient[patientID], nil
}

func (f *fakeImagingFHIR) ImagingStudiesByEncounter(ctx context.Context, encounterID string) ([]fhirmodels.ImagingStudy, error) {
	return f.byEncounter[encounterID], nil
}

func (f *fakeImagingFHIR) RadiologyReports(ctx context.Context, patientID string, limit int) ([]fhirmodels.DiagnosticReport, error) {
	return f.reports[patientID], nil
}

func TestSearchImages_EmptyQuery(t *testing.T) {
	svc := NewService(newFakeImagingRepo(), &fakeImageEmbedder{}, nil, zerolog.Nop())
	if _, err := svc.SearchImages(context.Background(), " ", 5, Filters{}); !errs.IsInput(err) {
		t.Fatalf("expected InputError, got %v", err)
	}
}

func TestSearchImages_FiltersAndDefaultTopK(t *testing.T) {
	repo := newFakeImagingRepo()
	repo.hits = []Hit{{Image: Image{ImageID: "img-1", SubjectID: "p10002428"}, Score: 0.88, PatientName: "James Wilson"}}
	svc := NewService(repo, &fakeImageEmbedder{vec: make([]float32, 1024)}, nil, zerolog.Nop())

	resp, err := svc.SearchImages(context.Background(), "pleural effusion", 0, Filters{PatientID: "p10002428", ViewPosition: "PA"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if repo.lastTopK != DefaultTopK {
		t.Errorf("topK = %d, want default %d", repo.lastTopK, DefaultTopK)
	}
	if repo.lastFilters.PatientID != "p10002428" || repo.lastFilters.ViewPosition != "PA" {
		t.Errorf("filters not forwarded: %+v", repo.lastFilters)
	}
	if resp.SearchMode != "semantic" || resp.FallbackReason != "" {
		t.Errorf("got mode=%q reason=%q", resp.SearchMode, resp.FallbackReason)
	}
	if len(resp.Images) != 1 || resp.Images[0].PatientName != "James Wilson" {
		t.Errorf("results = %+v", resp.Images)
	}
}

func TestSearchImages_MockModeNoted(t *testing.T) {
	repo := newFakeImagingRepo()
	svc := NewService(repo, &fakeImageEmbedder{vec: make([]float32, 1024), mock: true}, nil, zerolog.Nop())

	resp, err := svc.SearchImages(context.Background(), "chest x-ray", 3, Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.FallbackReason == "" {
		t.Error("expected degraded-mode note on the response")
	}
}

func TestSearchImages_EmbedderFailure(t *testing.T) {
	svc := NewService(newFakeImagingRepo(),
		&fakeImageEmbedder{err: errs.Unavailable("embedding service", errors.New("connection refused"))},
		nil, zerolog.Nop())

	_, err := svc.SearchImages(context.Background(), "chest x-ray", 3, Filters{})
	if !errs.IsUnavailable(err) {
		t.Fatalf("expected DependencyUnavailable, got %v", err)
	}
}

func TestPatientStudies_MergesFHIRMetadata(t *testing.T) {
	repo := newFakeImagingRepo()
	repo.studies["p10002428"] = []Study{
		{StudyID: "s50414267", SubjectID: "p10002428", FHIRResourceID: "s50414267", ImageCount: 2},
	}
	fhirc := &fakeImagingFHIR{byPatient: map[string][]fhirmodels.ImagingStudy{
		"p10002428": {
			{ID: "s50414267", Status: "available", Description: "Chest X-ray (PA)"},
			{ID: "s99999999", Status: "available", Description: "Chest X-ray (LATERAL)",
				Identifier: []fhirmodels.Identifier{{System: fhirmodels.SystemMIMICSubject, Value: "p10002428"}}},
		},
	}}
	svc := NewService(repo, &fakeImageEmbedder{}, fhirc, zerolog.Nop())

	studies, err := svc.PatientStudies(context.Background(), "p10002428")
	if err != nil {
		t.Fatalf("patient studies: %v", err)
	}
	if len(studies) != 2 {
		t.Fatalf("got %d studies, want 2 after merge", len(studies))
	}
	if studies[0].Description != "Chest X-ray (PA)" || studies[0].ImageCount != 2 {
		t.Errorf("store study not enriched: %+v", studies[0])
	}
	if studies[1].StudyID != "s99999999" || studies[1].SubjectID != "p10002428" {
		t.Errorf("fhir-only study not appended: %+v", studies[1])
	}
}

func TestPatientStudies_FHIRFailureDegrades(t *testing.T) {
	repo := newFakeImagingRepo()
	repo.studies["p10002428"] = []Study{{StudyID: "s1", SubjectID: "p10002428"}}
	fhirc := &fakeImagingFHIR{patientErr: errors.New("gateway timeout")}
	svc := NewService(repo, &fakeImageEmbedder{}, fhirc, zerolog.Nop())

	studies, err := svc.PatientStudies(context.Background(), "p10002428")
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if len(studies) != 1 {
		t.Errorf("got %d studies, want the store row", len(studies))
	}
}

func TestStudyDetails(t *testing.T) {
	repo := newFakeImagingRepo()
	repo.details["s50414267"] = &StudyDetails{
		Study:  Study{StudyID: "s50414267", SubjectID: "p10002428", FHIRResourceID: "s50414267", ImageCount: 1},
		Images: []Image{{ImageID: "img-1", SubjectID: "p10002428", StudyID: "s50414267"}},
	}
	fhirc := &fakeImagingFHIR{studies: map[string]*fhirmodels.ImagingStudy{
		"s50414267": {ID: "s50414267", Status: "available", Description: "Chest X-ray (PA)"},
	}}
	svc := NewService(repo, &fakeImageEmbedder{}, fhirc, zerolog.Nop())

	details, err := svc.StudyDetails(context.Background(), "s50414267")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.Description != "Chest X-ray (PA)" || details.Status != "available" {
		t.Errorf("not enriched from FHIR: %+v", details.Study)
	}
	if len(details.Images) != 1 {
		t.Errorf("images = %+v", details.Images)
	}

	if _, err := svc.StudyDetails(context.Background(), "s00000000"); !errs.IsInput(err) {
		t.Errorf("missing study error = %v, want InputError", err)
	}
}

func TestEncounterImaging(t *testing.T) {
	repo := newFakeImagingRepo()
	repo.byFHIR["s50414267"] = Image{ImageID: "img-1", StudyID: "s50414267", FHIRResourceID: "s50414267"}
	fhirc := &fakeImagingFHIR{byEncounter: map[string][]fhirmodels.ImagingStudy{
		"enc-1001": {{ID: "s50414267", Status: "available", Description: "Chest X-ray (PA)"}},
	}}
	svc := NewService(repo, &fakeImageEmbedder{}, fhirc, zerolog.Nop())

	result, err := svc.EncounterImaging(context.Background(), "enc-1001")
	if err != nil {
		t.Fatalf("encounter imaging: %v", err)
	}
	if len(result.Studies) != 1 || len(result.Images) != 1 {
		t.Errorf("got %d studies and %d images", len(result.Studies), len(result.Images))
	}

	demoSvc := NewService(repo, &fakeImageEmbedder{}, &fakeImagingFHIR{demo: true}, zerolog.Nop())
	if _, err := demoSvc.EncounterImaging(context.Background(), "enc-1001"); !errs.IsUnavailable(err) {
		t.Errorf("demo mode error = %v, want DependencyUnavailable", err)
	}
}

func TestReports(t *testing.T) {
	fhirc := &fakeImagingFHIR{reports: map[string][]fhirmodels.DiagnosticReport{
		"patient-1": {{
			ID:                "rpt-1",
			Status:            "final",
			EffectiveDateTime: "2023-06-01T10:00:00Z",
			Conclusion:        "No acute cardiopulmonary findings",
			ImagingStudy:      []fhirmodels.Reference{{Reference: "ImagingStudy/s50414267"}},
		}},
	}}
	svc := NewService(newFakeImagingRepo(), &fakeImageEmbedder{}, fhirc, zerolog.Nop())

	reports, err := svc.Reports(context.Background(), "patient-1", 5)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports", len(reports))
	}
	if reports[0].StudyID != "s50414267" || reports[0].Conclusion == "" {
		t.Errorf("report = %+v", reports[0])
	}
}

func TestQueries_CategoryFilter(t *testing.T) {
	all := Queries("all")
	if len(all) < 4 {
		t.Errorf("catalog has %d categories", len(all))
	}
	studies := Queries("studies")
	if len(studies) != 1 || len(studies["studies"]) == 0 {
		t.Errorf("studies filter = %+v", studies)
	}
	unknown := Queries("nonsense")
	if len(unknown) != len(all) {
		t.Errorf("unknown category should return the full catalog")
	}
}
