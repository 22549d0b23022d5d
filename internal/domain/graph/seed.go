package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Seeding confidences. Conditions are authored facts; everything else takes
// the schema defaults.
const (
	conditionConfidence    = 0.95
	entityConfidence       = 0.8
	relationshipConfidence = 0.7
)

// seededThreshold is the entity count above which the graph is considered
// already populated.
const seededThreshold = 100

type conditionSeed struct {
	condition   string
	medications []string
	symptoms    []string
	anatomy     []string
	procedures  []string
}

// conditionSeeds is the starter knowledge graph: ten common inpatient
// conditions with their medications, symptoms, affected anatomy, and
// diagnostic procedures.
var conditionSeeds = []conditionSeed{
	{
		condition:   "diabetes mellitus type 2",
		medications: []string{"metformin", "insulin glargine", "glipizide", "sitagliptin"},
		symptoms:    []string{"hyperglycemia", "polyuria", "polydipsia", "fatigue", "blurred vision", "neuropathy"},
		anatomy:     []string{"pancreas", "liver", "kidney"},
		procedures:  []string{"glucose monitoring", "HbA1c test", "foot examination"},
	},
	{
		condition:   "hypertension",
		medications: []string{"lisinopril", "amlodipine", "hydrochlorothiazide", "metoprolol", "losartan"},
		symptoms:    []string{"elevated blood pressure", "headache", "dizziness", "chest pain"},
		anatomy:     []string{"heart", "blood vessels", "kidney"},
		procedures:  []string{"blood pressure monitoring", "echocardiogram", "renal function test"},
	},
	{
		condition:   "congestive heart failure",
		medications: []string{"furosemide", "carvedilol", "lisinopril", "spironolactone", "digoxin"},
		symptoms:    []string{"shortness of breath", "dyspnea", "edema", "fatigue", "orthopnea", "jugular venous distension"},
		anatomy:     []string{"heart", "lungs", "lower extremities"},
		procedures:  []string{"echocardiogram", "BNP test", "chest x-ray", "cardiac catheterization"},
	},
	{
		condition:   "pneumonia",
		medications: []string{"amoxicillin", "azithromycin", "levofloxacin", "ceftriaxone"},
		symptoms:    []string{"cough", "fever", "dyspnea", "chest pain", "productive sputum", "chills"},
		anatomy:     []string{"lungs", "bronchi", "pleura"},
		procedures:  []string{"chest x-ray", "sputum culture", "blood culture", "CT scan chest"},
	},
	{
		condition:   "chronic obstructive pulmonary disease",
		medications: []string{"tiotropium", "fluticasone", "albuterol", "salmeterol", "prednisone"},
		symptoms:    []string{"dyspnea", "chronic cough", "wheezing", "exercise intolerance", "barrel chest"},
		anatomy:     []string{"lungs", "bronchi", "diaphragm"},
		procedures:  []string{"pulmonary function test", "spirometry", "chest x-ray", "ABG analysis"},
	},
	{
		condition:   "acute myocardial infarction",
		medications: []string{"aspirin", "heparin", "nitroglycerin", "morphine", "clopidogrel", "atorvastatin"},
		symptoms:    []string{"chest pain", "diaphoresis", "nausea", "shortness of breath", "arm pain", "jaw pain"},
		anatomy:     []string{"heart", "coronary arteries", "left ventricle"},
		procedures:  []string{"ECG", "cardiac catheterization", "troponin test", "coronary angiography", "PCI"},
	},
	{
		condition:   "atrial fibrillation",
		medications: []string{"warfarin", "apixaban", "rivaroxaban", "metoprolol", "diltiazem", "amiodarone"},
		symptoms:    []string{"palpitations", "irregular heartbeat", "fatigue", "dizziness", "syncope"},
		anatomy:     []string{"heart", "atria", "AV node"},
		procedures:  []string{"ECG", "Holter monitor", "echocardiogram", "cardioversion", "ablation"},
	},
	{
		condition:   "chronic kidney disease",
		medications: []string{"epoetin alfa", "sevelamer", "calcitriol", "sodium bicarbonate"},
		symptoms:    []string{"fatigue", "edema", "anemia", "nausea", "decreased urine output", "pruritus"},
		anatomy:     []string{"kidney", "ureter", "bladder"},
		procedures:  []string{"GFR test", "creatinine test", "renal ultrasound", "kidney biopsy", "dialysis"},
	},
	{
		condition:   "sepsis",
		medications: []string{"vancomycin", "piperacillin-tazobactam", "norepinephrine", "hydrocortisone"},
		symptoms:    []string{"fever", "tachycardia", "hypotension", "altered mental status", "tachypnea"},
		anatomy:     []string{"blood", "multiple organ systems"},
		procedures:  []string{"blood culture", "lactate test", "procalcitonin", "central line placement"},
	},
	{
		condition:   "stroke",
		medications: []string{"alteplase", "aspirin", "clopidogrel", "atorvastatin", "heparin"},
		symptoms:    []string{"hemiparesis", "aphasia", "facial droop", "dysarthria", "visual disturbance", "ataxia"},
		anatomy:     []string{"brain", "cerebral arteries", "carotid artery"},
		procedures:  []string{"CT head", "MRI brain", "carotid ultrasound", "thrombectomy", "tPA administration"},
	},
}

// comorbiditySeeds links conditions to each other.
var comorbiditySeeds = []struct {
	source, target, relType string
}{
	{"diabetes mellitus type 2", "hypertension", "comorbid_with"},
	{"diabetes mellitus type 2", "chronic kidney disease", "leads_to"},
	{"hypertension", "stroke", "risk_factor_for"},
	{"hypertension", "congestive heart failure", "contributes_to"},
	{"atrial fibrillation", "stroke", "risk_factor_for"},
	{"congestive heart failure", "chronic kidney disease", "associated_with"},
	{"acute myocardial infarction", "congestive heart failure", "can_cause"},
	{"sepsis", "acute myocardial infarction", "can_trigger"},
}

// Seeder populates the starter knowledge graph. Safe to run repeatedly:
// entities dedupe on (text, type), relationships on (source, target, type).
type Seeder struct {
	repo   Repository
	logger zerolog.Logger
}

func NewSeeder(repo Repository, logger zerolog.Logger) *Seeder {
	return &Seeder{repo: repo, logger: logger}
}

// SeedResult counts the rows a seed run actually created.
type SeedResult struct {
	EntitiesCreated      int  `json:"entities_created"`
	RelationshipsCreated int  `json:"relationships_created"`
	Skipped              bool `json:"skipped,omitempty"`
}

// SeedIfNeeded seeds unless the graph already holds enough entities to have
// been populated before.
func (s *Seeder) SeedIfNeeded(ctx context.Context) (*SeedResult, error) {
	n, err := s.repo.CountEntities(ctx)
	if err != nil {
		return nil, err
	}
	if n >= seededThreshold {
		s.logger.Debug().Int64("entities", n).Msg("knowledge graph already populated")
		return &SeedResult{Skipped: true}, nil
	}
	return s.Seed(ctx)
}

func (s *Seeder) Seed(ctx context.Context) (*SeedResult, error) {
	res := &SeedResult{}
	ids := map[string]int64{}

	for _, c := range conditionSeeds {
		resourceID := seedResourceID(c.condition)

		condID, created, err := s.repo.EnsureEntity(ctx, &Entity{
			Text:       c.condition,
			Type:       TypeCondition,
			Confidence: conditionConfidence,
			ResourceID: resourceID,
		})
		if err != nil {
			return nil, fmt.Errorf("seed condition %q: %w", c.condition, err)
		}
		if created {
			res.EntitiesCreated++
		}
		ids[c.condition] = condID

		groups := []struct {
			texts      []string
			entityType string
			relType    string
		}{
			{c.medications, TypeMedication, RelTreatedBy},
			{c.symptoms, TypeSymptom, RelPresentsWith},
			{c.anatomy, TypeAnatomy, RelAffects},
			{c.procedures, TypeProcedure, RelDiagnosedBy},
		}
		for _, g := range groups {
			if err := s.seedGroup(ctx, res, ids, condID, resourceID, g.texts, g.entityType, g.relType); err != nil {
				return nil, err
			}
		}
	}

	for _, cm := range comorbiditySeeds {
		srcID, srcOK := ids[cm.source]
		tgtID, tgtOK := ids[cm.target]
		if !srcOK || !tgtOK {
			continue
		}
		created, err := s.repo.EnsureRelationship(ctx, &Relationship{
			SourceID:   srcID,
			TargetID:   tgtID,
			Type:       cm.relType,
			Confidence: relationshipConfidence,
		})
		if err != nil {
			return nil, fmt.Errorf("seed comorbidity %s -> %s: %w", cm.source, cm.target, err)
		}
		if created {
			res.RelationshipsCreated++
		}
	}

	s.logger.Info().
		Int("entities_created", res.EntitiesCreated).
		Int("relationships_created", res.RelationshipsCreated).
		Msg("knowledge graph seeded")
	return res, nil
}

func (s *Seeder) seedGroup(ctx context.Context, res *SeedResult, ids map[string]int64,
	condID int64, resourceID string, texts []string, entityType, relType string) error {

	for _, text := range texts {
		id, created, err := s.repo.EnsureEntity(ctx, &Entity{
			Text:       text,
			Type:       entityType,
			Confidence: entityConfidence,
			ResourceID: resourceID,
		})
		if err != nil {
			return fmt.Errorf("seed %s %q: %w", strings.ToLower(entityType), text, err)
		}
		if created {
			res.EntitiesCreated++
		}
		ids[text] = id

		relCreated, err := s.repo.EnsureRelationship(ctx, &Relationship{
			SourceID:   condID,
			TargetID:   id,
			Type:       relType,
			Confidence: relationshipConfidence,
			ResourceID: resourceID,
		})
		if err != nil {
			return fmt.Errorf("seed %s edge for %q: %w", relType, text, err)
		}
		if relCreated {
			res.RelationshipsCreated++
		}
	}
	return nil
}

// seedResourceID names the synthetic source document of a seeded condition.
// The dashed condition name is capped at 20 characters.
func seedResourceID(condition string) string {
	name := strings.ReplaceAll(condition, " ", "-")
	if len(name) > 20 {
		name = name[:20]
	}
	return "doc-" + name
}
