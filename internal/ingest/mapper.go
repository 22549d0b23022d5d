package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

// mapperPoolSize bounds how many existing FHIR patients are considered for
// assignment before synthetic generation takes over.
const mapperPoolSize = 100

// syntheaNames seeds synthetic patients. The table is fixed so a subject
// always hashes to the same name.
var syntheaNames = [...]struct{ Given, Family string }{
	{"James", "Wilson"}, {"Sarah", "Connor"}, {"Michael", "Chen"},
	{"Emily", "Johnson"}, {"David", "Brown"}, {"Jessica", "Martinez"},
	{"Robert", "Garcia"}, {"Lisa", "Anderson"}, {"William", "Taylor"},
	{"Jennifer", "Thomas"}, {"Christopher", "Jackson"}, {"Amanda", "White"},
	{"Daniel", "Harris"}, {"Michelle", "Martin"}, {"Matthew", "Thompson"},
	{"Ashley", "Robinson"}, {"Andrew", "Clark"}, {"Stephanie", "Lewis"},
	{"Joshua", "Lee"}, {"Nicole", "Walker"},
}

// MappingStore is the mapping slice of the image repository.
type MappingStore interface {
	GetMapping(ctx context.Context, subjectID string) (*imaging.Mapping, error)
	UpsertMapping(ctx context.Context, m *imaging.Mapping) error
}

// PatientRegistry is the slice of the FHIR client the mapper needs.
type PatientRegistry interface {
	Patients(ctx context.Context, count int) ([]fhirmodels.Patient, error)
	Put(ctx context.Context, resourceType, id string, resource any) (string, error)
}

// Mapper assigns a FHIR patient to each MIMIC subject: first a recorded
// mapping, then a free patient from the server's pool, and finally a
// generated synthetic patient. Assignments within one run never reuse a
// patient.
type Mapper struct {
	store    MappingStore
	registry PatientRegistry
	logger   zerolog.Logger

	pool []fhirmodels.Patient
	used map[string]bool
}

func NewMapper(store MappingStore, registry PatientRegistry, logger zerolog.Logger) *Mapper {
	return &Mapper{store: store, registry: registry, logger: logger, used: map[string]bool{}}
}

// EnsureSubjectMapping resolves or creates the mapping row for subjectID.
func (m *Mapper) EnsureSubjectMapping(ctx context.Context, subjectID string) (*imaging.Mapping, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errs.Inputf("subject id must not be empty")
	}

	existing, err := m.store.GetMapping(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		m.used[existing.PatientID] = true
		return existing, nil
	}

	mapping, err := m.assign(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpsertMapping(ctx, mapping); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("subject", subjectID).
		Str("patient", mapping.PatientID).
		Str("match_type", mapping.MatchType).
		Msg("subject mapped")
	return mapping, nil
}

func (m *Mapper) assign(ctx context.Context, subjectID string) (*imaging.Mapping, error) {
	if p := m.nextFree(ctx); p != nil {
		m.used[p.ID] = true
		return &imaging.Mapping{
			SubjectID:   subjectID,
			PatientID:   p.ID,
			PatientName: p.DisplayName(),
			Confidence:  0.85,
			MatchType:   imaging.MatchRandomAssignment,
		}, nil
	}
	return m.generate(ctx, subjectID)
}

// nextFree returns the first unassigned patient from the server pool.
// Synthetic patients are excluded; they stay bound to their own subject.
func (m *Mapper) nextFree(ctx context.Context) *fhirmodels.Patient {
	if m.pool == nil {
		pool, err := m.registry.Patients(ctx, mapperPoolSize)
		if err != nil {
			m.logger.Warn().Err(err).Msg("patient pool unavailable, generating synthetic patients only")
			pool = []fhirmodels.Patient{}
		}
		m.pool = pool
	}
	for i := range m.pool {
		p := &m.pool[i]
		if p.ID == "" || m.used[p.ID] || strings.HasPrefix(p.ID, "synthea-") {
			continue
		}
		return p
	}
	return nil
}

func (m *Mapper) generate(ctx context.Context, subjectID string) (*imaging.Mapping, error) {
	h := subjectHash(subjectID)
	name := syntheaNames[h%uint32(len(syntheaNames))]
	patientID := "synthea-" + strings.TrimPrefix(subjectID, "p")
	fullName := name.Given + " " + name.Family

	patient := &fhirmodels.Patient{
		ResourceType: "Patient",
		ID:           patientID,
		Identifier: []fhirmodels.Identifier{
			{System: fhirmodels.SystemMIMICSubject, Value: subjectID},
			{System: fhirmodels.SystemSyntheaPatient, Value: patientID},
		},
		Name: []fhirmodels.HumanName{{
			Use:    "official",
			Family: name.Family,
			Given:  []string{name.Given},
			Text:   fullName,
		}},
		Gender:    fhirmodels.GenderUnknown,
		BirthDate: fmt.Sprintf("%d-01-01", 1940+int(h%60)),
	}
	if _, err := m.registry.Put(ctx, "Patient", patientID, patient); err != nil {
		return nil, err
	}

	m.used[patientID] = true
	return &imaging.Mapping{
		SubjectID:   subjectID,
		PatientID:   patientID,
		PatientName: fullName,
		Confidence:  1.0,
		MatchType:   imaging.MatchSyntheaGenerated,
	}, nil
}

// subjectHash is FNV-1a so the generated name and birth year are stable
// across runs and hosts.
func subjectHash(subjectID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(subjectID))
	return h.Sum32()
}

var _ SubjectMapper = (*Mapper)(nil)
