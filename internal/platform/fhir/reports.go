package fhir

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

// RadiologyReports lists DiagnosticReport resources for a patient,
// restricted to the radiology service category.
func (c *Client) RadiologyReports(ctx context.Context, patientID string, limit int) ([]fhirmodels.DiagnosticReport, error) {
	if limit <= 0 {
		limit = 20
	}

	params := url.Values{}
	params.Set("subject", "Patient/"+patientID)
	params.Set("category", fhirmodels.DiagnosticServiceRadiology)
	params.Set("_count", strconv.Itoa(limit))
	bundle, err := c.Search(ctx, "DiagnosticReport", params)
	if err != nil {
		return nil, err
	}

	out := make([]fhirmodels.DiagnosticReport, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		var rpt fhirmodels.DiagnosticReport
		if json.Unmarshal(entry.Resource, &rpt) != nil || rpt.ID == "" {
			continue
		}
		out = append(out, rpt)
	}
	return out, nil
}
