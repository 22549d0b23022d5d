package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

// Patient reads one Patient resource by id.
func (c *Client) Patient(ctx context.Context, id string) (*fhirmodels.Patient, error) {
	raw, err := c.Get(ctx, "Patient", id)
	if err != nil {
		return nil, err
	}
	p := &fhirmodels.Patient{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode Patient/%s: %w", id, err)
	}
	return p, nil
}

// Patients lists up to count Patient resources.
func (c *Client) Patients(ctx context.Context, count int) ([]fhirmodels.Patient, error) {
	params := url.Values{}
	params.Set("_count", fmt.Sprintf("%d", count))
	bundle, err := c.Search(ctx, "Patient", params)
	if err != nil {
		return nil, err
	}

	out := make([]fhirmodels.Patient, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var p fhirmodels.Patient
		if err := json.Unmarshal(entry.Resource, &p); err != nil {
			continue
		}
		if p.ID != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// PatientIDByMIMICSubject resolves the FHIR Patient id for a MIMIC-CXR
// subject. It searches by the urn:mimic-cxr:subject identifier first and
// falls back to reading Patient/{subjectID} directly, matching how linked
// patients were originally registered. Returns ErrNotFound when neither
// path resolves.
func (c *Client) PatientIDByMIMICSubject(ctx context.Context, subjectID string) (string, error) {
	bundle, err := c.SearchByIdentifier(ctx, "Patient", fhirmodels.SystemMIMICSubject, subjectID)
	if err == nil {
		for _, entry := range bundle.Entry {
			var p fhirmodels.Patient
			if json.Unmarshal(entry.Resource, &p) == nil && p.ID != "" {
				return p.ID, nil
			}
		}
	}

	p, err := c.Patient(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p.ID, nil
}
