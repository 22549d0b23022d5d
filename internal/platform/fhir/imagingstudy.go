package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

// ImagingStudyData carries everything needed to assemble a minimal
// ImagingStudy resource from one ingested MIMIC-CXR study.
type ImagingStudyData struct {
	StudyID      string
	SubjectID    string
	PatientID    string
	EncounterID  string
	Modality     string
	Description  string
	Started      time.Time
	NumSeries    int
	NumInstances int
}

// BuildImagingStudy assembles an ImagingStudy referencing the Patient and,
// when known, the Encounter. The study id doubles as the resource id so
// repeated PUTs replace rather than duplicate.
func BuildImagingStudy(d ImagingStudyData) *fhirmodels.ImagingStudy {
	modality := d.Modality
	if modality == "" {
		modality = fhirmodels.ModalityCR
	}
	numSeries := d.NumSeries
	if numSeries == 0 {
		numSeries = 1
	}
	numInstances := d.NumInstances
	if numInstances == 0 {
		numInstances = 1
	}

	study := &fhirmodels.ImagingStudy{
		ResourceType: "ImagingStudy",
		ID:           d.StudyID,
		Status:       fhirmodels.ImagingStudyAvailable,
		Identifier: []fhirmodels.Identifier{
			{System: fhirmodels.SystemMIMICSubject, Value: d.SubjectID},
		},
		Modality: []fhirmodels.Coding{
			{System: "http://dicom.nema.org/resources/ontology/DCM", Code: modality},
		},
		Subject:           &fhirmodels.Reference{Reference: "Patient/" + d.PatientID},
		NumberOfSeries:    numSeries,
		NumberOfInstances: numInstances,
		Description:       d.Description,
	}
	if d.EncounterID != "" {
		study.Encounter = &fhirmodels.Reference{Reference: "Encounter/" + d.EncounterID}
	}
	if !d.Started.IsZero() {
		study.Started = d.Started.Format(time.RFC3339)
	}
	return study
}

// ImagingStudyExists reports whether ImagingStudy/{id} is already present.
// Demo mode reports false so ingestion keeps moving.
func (c *Client) ImagingStudyExists(ctx context.Context, id string) (bool, error) {
	_, err := c.Get(ctx, "ImagingStudy", id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ImagingStudy reads one ImagingStudy resource by id.
func (c *Client) ImagingStudy(ctx context.Context, id string) (*fhirmodels.ImagingStudy, error) {
	raw, err := c.Get(ctx, "ImagingStudy", id)
	if err != nil {
		return nil, err
	}
	study := &fhirmodels.ImagingStudy{}
	if err := json.Unmarshal(raw, study); err != nil {
		return nil, fmt.Errorf("decode ImagingStudy/%s: %w", id, err)
	}
	return study, nil
}

// PutImagingStudy writes the study under its own id (create-or-replace).
func (c *Client) PutImagingStudy(ctx context.Context, study *fhirmodels.ImagingStudy) (string, error) {
	return c.Put(ctx, "ImagingStudy", study.ID, study)
}

// ImagingStudiesByPatient lists the patient's ImagingStudy resources.
func (c *Client) ImagingStudiesByPatient(ctx context.Context, patientID string) ([]fhirmodels.ImagingStudy, error) {
	params := url.Values{}
	params.Set("subject", "Patient/"+patientID)
	params.Set("_count", "100")
	return c.searchImagingStudies(ctx, params)
}

// ImagingStudiesByEncounter lists the ImagingStudy resources referencing the
// encounter.
func (c *Client) ImagingStudiesByEncounter(ctx context.Context, encounterID string) ([]fhirmodels.ImagingStudy, error) {
	params := url.Values{}
	params.Set("encounter", "Encounter/"+encounterID)
	params.Set("_count", "100")
	return c.searchImagingStudies(ctx, params)
}

func (c *Client) searchImagingStudies(ctx context.Context, params url.Values) ([]fhirmodels.ImagingStudy, error) {
	bundle, err := c.Search(ctx, "ImagingStudy", params)
	if err != nil {
		return nil, err
	}
	out := make([]fhirmodels.ImagingStudy, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var study fhirmodels.ImagingStudy
		if json.Unmarshal(entry.Resource, &study) != nil || study.ID == "" {
			continue
		}
		out = append(out, study)
	}
	return out, nil
}
