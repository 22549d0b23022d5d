package fhir

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

// DefaultEncounterWindow bounds how far an encounter may sit from a study
// time and still be linked to it.
const DefaultEncounterWindow = 24 * time.Hour

// MatchEncounter finds the encounter of a patient whose period intersects
// [studyTime - window, studyTime + window]. Among candidates the one whose
// period midpoint is closest to studyTime wins; remaining ties go to the
// lowest lexicographic id. Returns "" when no encounter qualifies.
//
// An encounter without a period start is ignored; a missing end is treated
// as a point interval at the start.
func (c *Client) MatchEncounter(ctx context.Context, patientID string, studyTime time.Time, window time.Duration) (string, error) {
	if window <= 0 {
		window = DefaultEncounterWindow
	}

	params := url.Values{}
	params.Set("subject", "Patient/"+patientID)
	params.Set("_count", "100")
	bundle, err := c.Search(ctx, "Encounter", params)
	if err != nil {
		return "", err
	}

	windowStart := studyTime.Add(-window)
	windowEnd := studyTime.Add(window)

	bestID := ""
	var bestDist time.Duration
	for _, entry := range bundle.Entry {
		var enc fhirmodels.Encounter
		if json.Unmarshal(entry.Resource, &enc) != nil || enc.ID == "" || enc.Period == nil {
			continue
		}

		start, err := fhirmodels.ParseTime(enc.Period.Start)
		if err != nil {
			continue
		}
		end := start
		if enc.Period.End != "" {
			if e, err := fhirmodels.ParseTime(enc.Period.End); err == nil && e.After(start) {
				end = e
			}
		}

		if start.After(windowEnd) || end.Before(windowStart) {
			continue
		}

		mid := start.Add(end.Sub(start) / 2)
		dist := mid.Sub(studyTime)
		if dist < 0 {
			dist = -dist
		}

		switch {
		case bestID == "", dist < bestDist:
			bestID, bestDist = enc.ID, dist
		case dist == bestDist && enc.ID < bestID:
			bestID = enc.ID
		}
	}
	return bestID, nil
}
