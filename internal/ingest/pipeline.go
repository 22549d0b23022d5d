// Package ingest implements the MIMIC-CXR ingestion pipeline: DICOM
// discovery, batched embedding, idempotent upsert into the image vector
// table, checkpointed recovery, and optional FHIR ImagingStudy
// materialization.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinrag/clinrag/internal/domain/imaging"
	"github.com/clinrag/clinrag/internal/platform/db"
	"github.com/clinrag/clinrag/internal/platform/embedding"
	"github.com/clinrag/clinrag/internal/platform/errs"
	"github.com/clinrag/clinrag/internal/platform/fhir"
	"github.com/clinrag/clinrag/internal/platform/retry"
	"github.com/clinrag/clinrag/pkg/fhirmodels"
)

// DefaultBatchSize is how many images go into one embedding request and one
// database transaction.
const DefaultBatchSize = 32

// Store is the slice of the image repository the pipeline writes to.
type Store interface {
	ExistingImageIDs(ctx context.Context) (map[string]bool, error)
	UpsertImage(ctx context.Context, img *imaging.Image, vec []float32) error
	SetFHIRResource(ctx context.Context, imageID, fhirResourceID string) error
}

// Embedder is the slice of the embedding client the pipeline uses.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// FHIRLinker materializes ImagingStudy resources for ingested images.
type FHIRLinker interface {
	PatientIDByMIMICSubject(ctx context.Context, subjectID string) (string, error)
	ImagingStudyExists(ctx context.Context, id string) (bool, error)
	PutImagingStudy(ctx context.Context, study *fhirmodels.ImagingStudy) (string, error)
	MatchEncounter(ctx context.Context, patientID string, studyTime time.Time, window time.Duration) (string, error)
}

// SubjectMapper resolves the FHIR patient for a MIMIC subject, creating one
// when none exists.
type SubjectMapper interface {
	EnsureSubjectMapping(ctx context.Context, subjectID string) (*imaging.Mapping, error)
}

// Options controls one ingestion run.
type Options struct {
	Source       string
	BatchSize    int
	Limit        int
	SkipExisting bool
	DryRun       bool
	CreateFHIR   bool
}

// Result tallies one run. Skipped counts files excluded by the checkpoint
// or the database; Errors counts rows dropped from otherwise-committed
// batches.
type Result struct {
	Discovered   int
	SkippedLarge int
	Skipped      int
	Processed    int
	Inserted     int
	Errors       int
	FHIRCreated  int
	FHIRSkipped  int
	FHIRErrors   int
	Elapsed      time.Duration
}

// Deps wires the pipeline's collaborators. FHIR, Mapper, and Pool may be
// nil: no FHIR disables materialization, no Mapper limits patient lookup to
// subjects already registered, and no Pool runs batches without a
// transaction.
type Deps struct {
	Store    Store
	Embedder Embedder
	Reader   MetadataReader
	FHIR     FHIRLinker
	Mapper   SubjectMapper
	Pool     *pgxpool.Pool
	Logger   zerolog.Logger
}

// Pipeline runs MIMIC-CXR ingestion end to end. It is single-threaded;
// batches run synchronously in discovery order.
type Pipeline struct {
	deps    Deps
	dbRetry retry.Policy
	now     func() time.Time
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		deps:    d,
		dbRetry: retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		now:     time.Now,
	}
}

// Run executes the pipeline over opts.Source. It returns a partial Result
// alongside the error when a batch fails hard after exhausting database
// retries.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.Source) == "" {
		return nil, errs.Inputf("source directory must not be empty")
	}
	if opts.CreateFHIR && p.deps.FHIR == nil {
		return nil, errs.Configf("create_fhir requires a FHIR client")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	start := p.now()
	res := &Result{}

	files, skippedLarge, err := Discover(opts.Source, opts.Limit)
	if err != nil {
		return nil, err
	}
	res.Discovered = len(files)
	res.SkippedLarge = skippedLarge

	checkpoint, err := LoadCheckpoint(opts.Source)
	if err != nil {
		p.deps.Logger.Warn().Err(err).Msg("checkpoint unreadable, starting from an empty set")
	}

	existing := map[string]bool{}
	if opts.SkipExisting {
		err := p.dbRetry.Do(ctx, func() error {
			ids, err := p.deps.Store.ExistingImageIDs(ctx)
			if err != nil {
				return err
			}
			existing = ids
			return nil
		})
		if err != nil {
			return res, errs.Unavailable("database", err)
		}
	}

	var pending []File
	for _, f := range files {
		if checkpoint.Has(f.ImageID) || existing[f.ImageID] {
			res.Skipped++
			continue
		}
		pending = append(pending, f)
	}

	p.deps.Logger.Info().
		Int("discovered", res.Discovered).
		Int("skipped_large", res.SkippedLarge).
		Int("already_processed", res.Skipped).
		Int("pending", len(pending)).
		Bool("dry_run", opts.DryRun).
		Msg("ingest starting")

	for batchStart := 0; batchStart < len(pending); batchStart += batchSize {
		end := batchStart + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[batchStart:end]

		if err := p.runBatch(ctx, batch, opts, res); err != nil {
			res.Elapsed = p.now().Sub(start)
			return res, err
		}

		for _, f := range batch {
			checkpoint.Add(f.ImageID)
		}
		res.Processed = end

		// A dry run must leave no trace; a later real run still has
		// everything to do.
		if !opts.DryRun && end%CheckpointInterval == 0 {
			if err := checkpoint.Save(); err != nil {
				p.deps.Logger.Warn().Err(err).Msg("checkpoint save failed")
			}
		}
		p.report(res, len(pending), start)
	}

	if !opts.DryRun && len(pending) > 0 {
		if err := checkpoint.Save(); err != nil {
			p.deps.Logger.Warn().Err(err).Msg("checkpoint save failed")
		}
	}

	res.Elapsed = p.now().Sub(start)
	p.deps.Logger.Info().
		Int("inserted", res.Inserted).
		Int("errors", res.Errors).
		Int("fhir_created", res.FHIRCreated).
		Int("fhir_skipped", res.FHIRSkipped).
		Dur("elapsed", res.Elapsed).
		Msg("ingest complete")
	return res, nil
}

// runBatch reads headers, embeds prompts, and commits one transaction for
// the batch. Rows with malformed vectors are dropped from the batch and
// counted as errors; database failures roll the whole batch back and
// surface after retries.
func (p *Pipeline) runBatch(ctx context.Context, batch []File, opts Options, res *Result) error {
	rows := make([]*imaging.Image, len(batch))
	prompts := make([]string, len(batch))
	for i, f := range batch {
		meta, err := p.deps.Reader.Read(f.Path)
		if err != nil {
			p.deps.Logger.Warn().Err(err).Str("image", f.ImageID).Msg("unreadable dicom header")
		}
		rows[i] = &imaging.Image{
			ImageID:      f.ImageID,
			SubjectID:    f.SubjectID,
			StudyID:      f.StudyID,
			ImagePath:    f.Path,
			ViewPosition: meta.ViewPosition,
			Modality:     meta.Modality,
			StudyDate:    meta.StudyDate,
		}
		prompts[i] = prompt(meta.ViewPosition)
	}

	if opts.DryRun {
		for _, row := range rows {
			p.deps.Logger.Info().
				Str("image", row.ImageID).
				Str("view", row.ViewPosition).
				Msg("dry run: would insert")
		}
		res.Inserted += len(rows)
		return nil
	}

	var vecs [][]float32
	err := p.dbRetry.Do(ctx, func() error {
		var embedErr error
		vecs, embedErr = p.deps.Embedder.EmbedBatch(ctx, prompts)
		return embedErr
	})
	if err != nil {
		return errs.Unavailable("embedding service", err)
	}
	if len(vecs) != len(rows) {
		return errs.Dataf(nil, "embedding batch returned %d vectors for %d prompts", len(vecs), len(rows))
	}

	var inserted, rowErrors int
	err = p.dbRetry.Do(ctx, func() error {
		inserted, rowErrors = 0, 0
		return p.withBatchTx(ctx, func(txCtx context.Context) error {
			for i, row := range rows {
				if len(vecs[i]) != embedding.ImageDim {
					rowErrors++
					p.deps.Logger.Error().
						Str("image", row.ImageID).
						Int("dim", len(vecs[i])).
						Msg("vector dimension mismatch, row dropped")
					continue
				}
				if err := p.deps.Store.UpsertImage(txCtx, row, vecs[i]); err != nil {
					return fmt.Errorf("insert %s: %w", row.ImageID, err)
				}
				inserted++
			}
			return nil
		})
	})
	if err != nil {
		return errs.Unavailable("database", err)
	}
	res.Inserted += inserted
	res.Errors += rowErrors

	if opts.CreateFHIR {
		p.linkFHIR(ctx, rows, res)
	}
	return nil
}

func (p *Pipeline) withBatchTx(ctx context.Context, fn func(context.Context) error) error {
	if p.deps.Pool == nil {
		return fn(ctx)
	}
	txCtx, tx, err := db.WithTx(ctx, p.deps.Pool)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// linkFHIR materializes an ImagingStudy per inserted image and back-fills
// fhir_resource_id. Failures are counted, never fatal.
func (p *Pipeline) linkFHIR(ctx context.Context, rows []*imaging.Image, res *Result) {
	for _, row := range rows {
		resourceID, err := p.linkOne(ctx, row)
		switch {
		case err != nil:
			res.FHIRErrors++
			p.deps.Logger.Warn().Err(err).
				Str("image", row.ImageID).
				Str("study", row.StudyID).
				Msg("fhir materialization failed")
		case resourceID == "":
			res.FHIRSkipped++
		default:
			res.FHIRCreated++
		}
	}
}

// linkOne returns the ImagingStudy id linked to row, or "" when the subject
// has no FHIR patient. Studies already on the server are reused, so
// repeated ingestion never duplicates them.
func (p *Pipeline) linkOne(ctx context.Context, row *imaging.Image) (string, error) {
	patientID, err := p.lookupPatient(ctx, row.SubjectID)
	if err != nil {
		return "", err
	}
	if patientID == "" {
		return "", nil
	}

	exists, err := p.deps.FHIR.ImagingStudyExists(ctx, row.StudyID)
	if err != nil {
		return "", err
	}
	resourceID := row.StudyID
	if !exists {
		data := fhir.ImagingStudyData{
			StudyID:     row.StudyID,
			SubjectID:   row.SubjectID,
			PatientID:   patientID,
			Modality:    row.Modality,
			Description: studyDescription(row.ViewPosition),
		}
		if started, err := time.Parse("20060102", row.StudyDate); err == nil {
			data.Started = started
			if encounterID, err := p.deps.FHIR.MatchEncounter(ctx, patientID, started, 0); err == nil {
				data.EncounterID = encounterID
			} else {
				p.deps.Logger.Debug().Err(err).Str("study", row.StudyID).Msg("encounter match failed")
			}
		}
		resourceID, err = p.deps.FHIR.PutImagingStudy(ctx, fhir.BuildImagingStudy(data))
		if err != nil {
			return "", err
		}
	}

	if err := p.deps.Store.SetFHIRResource(ctx, row.ImageID, resourceID); err != nil {
		return "", err
	}
	return resourceID, nil
}

func (p *Pipeline) lookupPatient(ctx context.Context, subjectID string) (string, error) {
	if p.deps.Mapper != nil {
		m, err := p.deps.Mapper.EnsureSubjectMapping(ctx, subjectID)
		if err != nil {
			return "", err
		}
		return m.PatientID, nil
	}

	patientID, err := p.deps.FHIR.PatientIDByMIMICSubject(ctx, subjectID)
	if errors.Is(err, fhir.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return patientID, nil
}

func (p *Pipeline) report(res *Result, total int, start time.Time) {
	elapsed := p.now().Sub(start)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(res.Processed) / elapsed.Seconds()
	}
	var eta time.Duration
	if rate > 0 {
		eta = time.Duration(float64(total-res.Processed) / rate * float64(time.Second))
	}
	p.deps.Logger.Info().
		Int("processed", res.Processed).
		Int("total", total).
		Int("inserted", res.Inserted).
		Int("errors", res.Errors).
		Float64("rate_per_sec", rate).
		Dur("eta", eta).
		Msg("ingest progress")
}

// prompt is the text embedded in place of pixel data. The image model is
// multimodal, so a view-position phrase lands near the stored image vectors.
func prompt(view string) string {
	if view == "" {
		return "Chest X-ray view"
	}
	return "Chest X-ray " + view + " view"
}

func studyDescription(view string) string {
	if view == "" {
		return "MIMIC-CXR Chest X-ray"
	}
	return "MIMIC-CXR Chest X-ray - " + view + " view"
}
