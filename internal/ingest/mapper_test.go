package ingest

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

type fakeMappingStore struct {
	mappings map[string]*imaging.Mapping
}

func (f *fakeMappingStore) GetMapping(ctx context.Context, subjectID string) (*imaging.Mapping, error) {
	return f.mappings[subjectID], nil
}

func (f *fakeMappingStore) UpsertMapping(ctx context.Context, m *imaging.Mapping) error {
	f.mappings[m.SubjectID] = m
	return nil
}

type putCall struct {
	resourceType string
	id           string
	resource     any
}

type fakeRegistry struct {
	patients []fhirmodels.Patient
	puts     []putCall
}

func (f *fakeRegistry) Patients(ctx context.Context, count int) ([]fhirmodels.Patient, error) {
	return f.patients, nil
}

func (f *fakeRegistry) Put(ctx context.Context, resourceType, id string, resource any) (string, error) {
	f.puts = append(f.puts, putCall{resourceType: resourceType, id: id, resource: resource})
	return id, nil
}

func newTestMapper(store *fakeMappingStore, registry *fakeRegistry) *Mapper {
	return NewMapper(store, registry, zerolog.Nop())
}

func TestEnsureSubjectMapping_ReusesRecordedMapping(t *testing.T) {
	store := &fakeMappingStore{mappings: map[string]*imaging.Mapping{
		"p10000032": {SubjectID: "p10000032", PatientID: "patient-1", Confidence: 0.85, MatchType: imaging.MatchRandomAssignment},
	}}
	registry := &fakeRegistry{}
	m := newTestMapper(store, registry)

	got, err := m.EnsureSubjectMapping(context.Background(), "p10000032")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.PatientID != "patient-1" {
		t.Errorf("patient = %s", got.PatientID)
	}
	if len(registry.puts) != 0 {
		t.Errorf("recorded mapping triggered %d puts", len(registry.puts))
	}
}

func TestEnsureSubjectMapping_AssignsFreePatients(t *testing.T) {
	store := &fakeMappingStore{mappings: map[string]*imaging.Mapping{}}
	registry := &fakeRegistry{patients: []fhirmodels.Patient{
		{ResourceType: "Patient", ID: "patient-1", Name: []fhirmodels.HumanName{{Text: "Ada Park"}}},
		{ResourceType: "Patient", ID: "patient-2", Name: []fhirmodels.HumanName{{Text: "Ben Ruiz"}}},
	}}
	m := newTestMapper(store, registry)

	first, err := m.EnsureSubjectMapping(context.Background(), "p10000032")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.PatientID != "patient-1" || first.PatientName != "Ada Park" {
		t.Errorf("first = %+v", first)
	}
	if first.Confidence != 0.85 || first.MatchType != imaging.MatchRandomAssignment {
		t.Errorf("first match = %v %s", first.Confidence, first.MatchType)
	}

	second, err := m.EnsureSubjectMapping(context.Background(), "p11000100")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.PatientID != "patient-2" {
		t.Errorf("second reused %s", second.PatientID)
	}

	// the pool is exhausted; the third subject gets a synthetic patient
	third, err := m.EnsureSubjectMapping(context.Background(), "p12000200")
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.PatientID != "synthea-12000200" || third.MatchType != imaging.MatchSyntheaGenerated {
		t.Errorf("third = %+v", third)
	}
}

func TestEnsureSubjectMapping_GeneratesDeterministicSynthetic(t *testing.T) {
	store := &fakeMappingStore{mappings: map[string]*imaging.Mapping{}}
	registry := &fakeRegistry{}
	m := newTestMapper(store, registry)

	got, err := m.EnsureSubjectMapping(context.Background(), "p10000032")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.PatientID != "synthea-10000032" {
		t.Errorf("patient id = %s", got.PatientID)
	}
	if got.Confidence != 1.0 || got.MatchType != imaging.MatchSyntheaGenerated {
		t.Errorf("match = %v %s", got.Confidence, got.MatchType)
	}

	if len(registry.puts) != 1 {
		t.Fatalf("puts = %d", len(registry.puts))
	}
	put := registry.puts[0]
	if put.resourceType != "Patient" || put.id != "synthea-10000032" {
		t.Errorf("put = %+v", put)
	}
	patient, ok := put.resource.(*fhirmodels.Patient)
	if !ok {
		t.Fatalf("resource type %T", put.resource)
	}
	if patient.Gender != fhirmodels.GenderUnknown {
		t.Errorf("gender = %s", patient.Gender)
	}
	if !regexp.MustCompile(`^19[4-9]\d-01-01$`).MatchString(patient.BirthDate) {
		t.Errorf("birth date = %s", patient.BirthDate)
	}
	systems := map[string]string{}
	for _, ident := range patient.Identifier {
		systems[ident.System] = ident.Value
	}
	if systems[fhirmodels.SystemMIMICSubject] != "p10000032" {
		t.Errorf("mimic identifier = %v", systems)
	}
	if systems[fhirmodels.SystemSyntheaPatient] != "synthea-10000032" {
		t.Errorf("synthea identifier = %v", systems)
	}

	// a fresh mapper derives the identical patient for the same subject
	other := newTestMapper(&fakeMappingStore{mappings: map[string]*imaging.Mapping{}}, &fakeRegistry{})
	again, err := other.EnsureSubjectMapping(context.Background(), "p10000032")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again.PatientName != got.PatientName || again.PatientID != got.PatientID {
		t.Errorf("generation not deterministic: %+v vs %+v", again, got)
	}
}

func TestEnsureSubjectMapping_SyntheticPatientsNotReassigned(t *testing.T) {
	store := &fakeMappingStore{mappings: map[string]*imaging.Mapping{}}
	registry := &fakeRegistry{patients: []fhirmodels.Patient{
		{ResourceType: "Patient", ID: "synthea-99000001"},
	}}
	m := newTestMapper(store, registry)

	got, err := m.EnsureSubjectMapping(context.Background(), "p10000032")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.PatientID == "synthea-99000001" {
		t.Error("synthetic patient reassigned to another subject")
	}
	if got.PatientID != "synthea-10000032" {
		t.Errorf("patient = %s", got.PatientID)
	}
}

func TestEnsureSubjectMapping_EmptySubject(t *testing.T) {
	m := newTestMapper(&fakeMappingStore{mappings: map[string]*imaging.Mapping{}}, &fakeRegistry{})
	if _, err := m.EnsureSubjectMapping(context.Background(), "  "); !errs.IsInput(err) {
		t.Fatalf("expected input error, got %v", err)
	}
}
