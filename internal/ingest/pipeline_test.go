package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/platform/embedding"
	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/internal/platform/fhir"
	"github.com/clinrag/clinrag/internal/platform/retry"
	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

type fakeStore struct {
	existing  map[string]bool
	upsertErr error

	images        map[string]*imaging.Image
	vecs          map[string][]float32
	fhirIDs       map[string]string
	upsertCalls   int
	existingCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: map[string]bool{},
		images:   map[string]*imaging.Image{},
		vecs:     map[string][]float32{},
		fhirIDs:  map[string]string{},
	}
}

func (f *fakeStore) ExistingImageIDs(ctx context.Context) (map[string]bool, error) {
	f.existingCalls++
	return f.existing, nil
}

func (f *fakeStore) UpsertImage(ctx context.Context, img *imaging.Image, vec []float32) error {
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.images[img.ImageID] = img
	f.vecs[img.ImageID] = vec
	return nil
}

func (f *fakeStore) SetFHIRResource(ctx context.Context, imageID, fhirResourceID string) error {
	f.fhirIDs[imageID] = fhirResourceID
	return nil
}

// stubEmbedder returns full-size vectors except for prompts listed in
// shortFor, which get a 3-dim vector.
type stubEmbedder struct {
	batches  [][]string
	shortFor map[string]bool
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.batches = append(s.batches, texts)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if s.shortFor[text] {
			out[i] = make([]float32, 3)
			continue
		}
		out[i] = make([]float32, embedding.ImageDim)
	}
	return out, nil
}

// fixtureReader serves canned headers keyed by image id.
type fixtureReader struct {
	metas  map[string]Metadata
	errFor map[string]bool
}

func (r fixtureReader) Read(path string) (Metadata, error) {
	id := strings.TrimSuffix(filepath.Base(path), ".dcm")
	if r.errFor[id] {
		return Metadata{}, errs.Dataf(nil, "unreadable header %s", id)
	}
	return r.metas[id], nil
}

type fakeFHIR struct {
	patients  map[string]string
	studies   map[string]bool
	encounter string

	puts       []*fhirmodels.ImagingStudy
	matchCalls []time.Time
}

func newFakeFHIR() *fakeFHIR {
	return &fakeFHIR{patients: map[string]string{}, studies: map[string]bool{}}
}

func (f *fakeFHIR) PatientIDByMIMICSubject(ctx context.Context, subjectID string) (string, error) {
	id, ok := f.patients[subjectID]
	if !ok {
		return "", fhir.ErrNotFound
	}
	return id, nil
}

func (f *fakeFHIR) ImagingStudyExists(ctx context.Context, id string) (bool, error) {
	return f.studies[id], nil
}

func (f *fakeFHIR) PutImagingStudy(ctx context.Context, study *fhirmodels.ImagingStudy) (string, error) {
	f.puts = append(f.puts, study)
	f.studies[study.ID] = true
	return study.ID, nil
}

func (f *fakeFHIR) MatchEncounter(ctx context.Context, patientID string, studyTime time.Time, window time.Duration) (string, error) {
	f.matchCalls = append(f.matchCalls, studyTime)
	return f.encounter, nil
}

func cxrTree(t *testing.T) (string, fixtureReader) {
	t.Helper()
	root := t.TempDir()
	writeDICOM(t, root, "files/p10/p10000032/s50000001/img_a.dcm")
	writeDICOM(t, root, "files/p10/p10000032/s50000001/img_b.dcm")
	writeDICOM(t, root, "files/p11/p11000100/s50000099/img_c.dcm")
	reader := fixtureReader{metas: map[string]Metadata{
		"img_a": {ViewPosition: "PA", Modality: "CR", StudyDate: "20240115"},
		"img_b": {ViewPosition: "LATERAL", Modality: "CR", StudyDate: "20240115"},
		"img_c": {ViewPosition: "AP", Modality: "CR", StudyDate: "20240302"},
	}}
	return root, reader
}

func testPipeline(store Store, emb Embedder, reader MetadataReader, fhirc FHIRLinker) *Pipeline {
	p := New(Deps{Store: store, Embedder: emb, Reader: reader, FHIR: fhirc, Logger: zerolog.Nop()})
	p.dbRetry = retry.Policy{MaxAttempts: 1}
	return p
}

func TestRun_IngestsTreeAndResumes(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	emb := &stubEmbedder{}
	p := testPipeline(store, emb, reader, nil)

	res, err := p.Run(context.Background(), Options{Source: root, BatchSize: 2, SkipExisting: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Discovered != 3 || res.Inserted != 3 || res.Errors != 0 || res.Processed != 3 {
		t.Errorf("result = %+v", res)
	}

	a := store.images["img_a"]
	if a == nil || a.SubjectID != "p10000032" || a.StudyID != "s50000001" || a.ViewPosition != "PA" {
		t.Errorf("img_a = %+v", a)
	}
	c := store.images["img_c"]
	if c == nil || c.SubjectID != "p11000100" || c.StudyID != "s50000099" {
		t.Errorf("img_c = %+v", c)
	}
	if len(store.vecs["img_a"]) != embedding.ImageDim {
		t.Errorf("vector dim = %d", len(store.vecs["img_a"]))
	}

	if len(emb.batches) != 2 {
		t.Fatalf("embedding batches = %v", emb.batches)
	}
	wantFirst := []string{"Chest X-ray PA view", "Chest X-ray LATERAL view"}
	for i, prompt := range wantFirst {
		if emb.batches[0][i] != prompt {
			t.Errorf("batch[0][%d] = %q, want %q", i, emb.batches[0][i], prompt)
		}
	}
	if emb.batches[1][0] != "Chest X-ray AP view" {
		t.Errorf("batch[1] = %v", emb.batches[1])
	}

	cp, err := LoadCheckpoint(root)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	for _, id := range []string{"img_a", "img_b", "img_c"} {
		if !cp.Has(id) {
			t.Errorf("checkpoint missing %s", id)
		}
	}

	// the second run finds everything checkpointed and inserts nothing
	again, err := p.Run(context.Background(), Options{Source: root, BatchSize: 2, SkipExisting: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if again.Inserted != 0 || again.Skipped != 3 {
		t.Errorf("second run = %+v", again)
	}
}

func TestRun_SkipExistingUnionsDatabase(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	store.existing["img_a"] = true
	p := testPipeline(store, &stubEmbedder{}, reader, nil)

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := store.images["img_a"]; ok {
		t.Error("img_a should have been skipped")
	}
}

func TestRun_NoSkipExistingReprocessesDatabaseRows(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	store.existing["img_a"] = true
	p := testPipeline(store, &stubEmbedder{}, reader, nil)

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: false})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Inserted != 3 {
		t.Errorf("inserted = %d, want 3", res.Inserted)
	}
	if store.existingCalls != 0 {
		t.Errorf("database scanned %d times with skip_existing off", store.existingCalls)
	}
}

func TestRun_DryRunLeavesNoTrace(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	emb := &stubEmbedder{}
	p := testPipeline(store, emb, reader, nil)

	res, err := p.Run(context.Background(), Options{Source: root, DryRun: true, SkipExisting: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Inserted != 3 {
		t.Errorf("dry run should count would-insert rows, got %d", res.Inserted)
	}
	if len(store.images) != 0 || store.upsertCalls != 0 {
		t.Errorf("dry run wrote %d rows", len(store.images))
	}
	if len(emb.batches) != 0 {
		t.Error("dry run should not call the embedding service")
	}
	if _, err := os.Stat(filepath.Join(root, checkpointFile)); !os.IsNotExist(err) {
		t.Error("dry run wrote a checkpoint")
	}
}

func TestRun_DimensionMismatchDropsRowOnly(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	emb := &stubEmbedder{shortFor: map[string]bool{"Chest X-ray LATERAL view": true}}
	p := testPipeline(store, emb, reader, nil)

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Inserted != 2 || res.Errors != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, ok := store.images["img_b"]; ok {
		t.Error("img_b should have been dropped")
	}

	// the dropped row still counts as processed, so the checkpoint keeps
	// a superset of everything inserted
	cp, _ := LoadCheckpoint(root)
	if !cp.Has("img_b") || !cp.Has("img_a") || !cp.Has("img_c") {
		t.Errorf("checkpoint incomplete: %d ids", cp.Len())
	}
}

func TestRun_DatabaseFailureIsHard(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	store.upsertErr = errors.New("connection refused")
	p := testPipeline(store, &stubEmbedder{}, reader, nil)
	p.dbRetry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: true})
	if !errs.IsUnavailable(err) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if res == nil || res.Inserted != 0 {
		t.Errorf("result = %+v", res)
	}
	if store.upsertCalls != 2 {
		t.Errorf("upsert attempted %d times, want one retry", store.upsertCalls)
	}
	if _, err := os.Stat(filepath.Join(root, checkpointFile)); !os.IsNotExist(err) {
		t.Error("failed run wrote a checkpoint")
	}
}

func TestRun_UnreadableHeaderStillIngests(t *testing.T) {
	root, reader := cxrTree(t)
	reader.errFor = map[string]bool{"img_b": true}
	store := newFakeStore()
	emb := &stubEmbedder{}
	p := testPipeline(store, emb, reader, nil)

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Inserted != 3 {
		t.Errorf("inserted = %d", res.Inserted)
	}
	b := store.images["img_b"]
	if b == nil || b.ViewPosition != "" {
		t.Errorf("img_b = %+v, want empty view", b)
	}
	if emb.batches[0][1] != "Chest X-ray view" {
		t.Errorf("prompt for missing view = %q", emb.batches[0][1])
	}
}

func TestRun_FHIRMaterialization(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	fhirc := newFakeFHIR()
	fhirc.patients["p10000032"] = "patient-1"
	fhirc.encounter = "enc-1"
	p := testPipeline(store, &stubEmbedder{}, reader, fhirc)

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: true, CreateFHIR: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FHIRCreated != 2 || res.FHIRSkipped != 1 || res.FHIRErrors != 0 {
		t.Errorf("result = %+v", res)
	}

	// img_a and img_b share a study: one PUT, both rows back-filled
	if len(fhirc.puts) != 1 {
		t.Fatalf("put %d studies, want 1", len(fhirc.puts))
	}
	study := fhirc.puts[0]
	if study.ID != "s50000001" {
		t.Errorf("study id = %s", study.ID)
	}
	if study.Subject == nil || study.Subject.Reference != "Patient/patient-1" {
		t.Errorf("subject = %+v", study.Subject)
	}
	if study.Encounter == nil || study.Encounter.Reference != "Encounter/enc-1" {
		t.Errorf("encounter = %+v", study.Encounter)
	}
	if study.Started != "2024-01-15T00:00:00Z" {
		t.Errorf("started = %s", study.Started)
	}
	if study.Description != "MIMIC-CXR Chest X-ray - PA view" {
		t.Errorf("description = %s", study.Description)
	}

	if store.fhirIDs["img_a"] != "s50000001" || store.fhirIDs["img_b"] != "s50000001" {
		t.Errorf("fhir ids = %v", store.fhirIDs)
	}
	if _, linked := store.fhirIDs["img_c"]; linked {
		t.Error("img_c has no patient and must stay unlinked")
	}
}

func TestRun_CreateFHIRWithoutClient(t *testing.T) {
	root, reader := cxrTree(t)
	p := testPipeline(newFakeStore(), &stubEmbedder{}, reader, nil)

	_, err := p.Run(context.Background(), Options{Source: root, CreateFHIR: true})
	if err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestRun_MapperResolvesUnregisteredSubjects(t *testing.T) {
	root, reader := cxrTree(t)
	store := newFakeStore()
	fhirc := newFakeFHIR()

	mapStore := &fakeMappingStore{mappings: map[string]*imaging.Mapping{}}
	registry := &fakeRegistry{}
	p := New(Deps{
		Store:    store,
		Embedder: &stubEmbedder{},
		Reader:   reader,
		FHIR:     fhirc,
		Mapper:   NewMapper(mapStore, registry, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	})
	p.dbRetry = retry.Policy{MaxAttempts: 1}

	res, err := p.Run(context.Background(), Options{Source: root, SkipExisting: true, CreateFHIR: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FHIRCreated != 3 || res.FHIRSkipped != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(mapStore.mappings) != 2 {
		t.Errorf("recorded %d mappings, want one per subject", len(mapStore.mappings))
	}
	for _, study := range fhirc.puts {
		if study.Subject == nil || !strings.HasPrefix(study.Subject.Reference, "Patient/synthea-") {
			t.Errorf("study subject = %+v", study.Subject)
		}
	}
}

func TestRun_EmptySourceRejected(t *testing.T) {
	p := testPipeline(newFakeStore(), &stubEmbedder{}, fixtureReader{}, nil)
	_, err := p.Run(context.Background(), Options{Source: "  "})
	if !errs.IsInput(err) {
		t.Fatalf("expected input error, got %v", err)
	}
}
