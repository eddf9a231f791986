// Package processing orchestrates the dataset lifecycle: upload, background
// or in-process ingestion, publication, dashboards and export packages.
//
// The Service owns every state transition of datasets and versions and the
// audit trail that goes with them. Ingestion failures never escape
// ProcessVersion: they become the ERRO state of the version, with the error
// message as its log.
package processing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"paineis/internal/cache"
	"paineis/internal/ingest"
	"paineis/internal/model"
	"paineis/internal/queue"
	"paineis/internal/storage"
)

// User-facing errors. Messages are shown verbatim in the UI.
var (
	ErrVersionNotFound    = errors.New("Versão do dataset não encontrada para processamento.")
	ErrNoConcludedVersion = errors.New("Não há versão válida para publicação.")
	ErrSensitivePublish   = errors.New("Publicação bloqueada: dataset possui colunas sensíveis.")
	ErrNoTreatedData      = errors.New("Dataset sem versão tratada disponível.")
	ErrNoPackageVersion   = errors.New("Não há versão concluída para download.")
	ErrInvalidDataset     = errors.New("dataset inválido")
)

const (
	auditModule = "PAINEIS"

	logPending    = "Aguardando processamento."
	logStarted    = "Processamento iniciado."
	logDone       = "Processamento concluído."
	auditErrorMax = 400

	prefixOriginals = "paineis/originais"
	prefixTreated   = "paineis/tratados"
	prefixExports   = "paineis/exports"
)

// SubmitMode tells how a version was handed to processing.
type SubmitMode string

const (
	// SubmitQueued: a worker will process the version.
	SubmitQueued SubmitMode = "queued"
	// SubmitLocal: no queue is configured; processed in-process.
	SubmitLocal SubmitMode = "local"
	// SubmitLocalFallback: enqueue failed; processed in-process.
	SubmitLocalFallback SubmitMode = "local_fallback"
)

// Enqueuer hands a version to background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, versionID int64, sheetURL string, actorID *int64) (queue.Job, error)
}

// Options wires a Service. Repo and Blobs are required.
type Options struct {
	Repo  storage.Repository
	Blobs storage.BlobStore
	// Queue may be nil: versions are then processed in-process.
	Queue Enqueuer
	// Cache may be nil: dashboards are then always computed.
	Cache *cache.Payloads
	// HTTPClient downloads Google Sheets; defaults to ingest.DefaultSheetTimeout.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Service implements the dataset workflows.
type Service struct {
	repo       storage.Repository
	blobs      storage.BlobStore
	queue      Enqueuer
	cache      *cache.Payloads
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// New builds a Service from opts.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: ingest.DefaultSheetTimeout}
	}
	return &Service{
		repo:       opts.Repo,
		blobs:      opts.Blobs,
		queue:      opts.Queue,
		cache:      opts.Cache,
		httpClient: hc,
		logger:     logger.Named("processing"),
		now:        time.Now,
	}
}

// CreateDataset validates and stores a new dataset in RASCUNHO.
func (s *Service) CreateDataset(ctx context.Context, d *model.Dataset) error {
	d.Nome = strings.TrimSpace(d.Nome)
	d.Fonte = model.ParseSource(string(d.Fonte))
	switch {
	case d.Nome == "":
		return fmt.Errorf("%w: nome obrigatório", ErrInvalidDataset)
	case d.MunicipioID <= 0:
		return fmt.Errorf("%w: município obrigatório", ErrInvalidDataset)
	case !knownSource(d.Fonte):
		return fmt.Errorf("%w: fonte %q", ErrInvalidDataset, d.Fonte)
	}
	if d.Visibilidade == "" {
		d.Visibilidade = model.VisibilityInternal
	}
	d.Status = model.DatasetDraft

	if err := s.repo.CreateDataset(ctx, d); err != nil {
		return err
	}
	s.logger.Info("dataset created", zap.Int64("dataset_id", d.ID), zap.String("fonte", string(d.Fonte)))
	return nil
}

func knownSource(src model.Source) bool {
	switch src {
	case model.SourceCSV, model.SourceXLSX, model.SourceGoogleSheets, model.SourcePDF, model.SourceDOCX:
		return true
	}
	return false
}

// Upload is one new version submitted for a dataset.
type Upload struct {
	DatasetID      int64
	Filename       string
	Raw            []byte
	GoogleSheetURL string
	ActorID        *int64
}

// UploadResult reports the version after submission and how it was run.
type UploadResult struct {
	Version *model.Version
	Mode    SubmitMode
	// QueueError is the enqueue failure behind SubmitLocalFallback.
	QueueError string
}

// UploadVersion creates the next PENDENTE version of a dataset, stores the
// uploaded file and submits the version for processing.
//
// Version numbers are max(numero)+1 per dataset; two concurrent uploads can
// race and the loser fails on the unique (dataset, numero) constraint.
//
// The returned version reflects the state after submission: CONCLUIDO or ERRO
// for in-process runs, PENDENTE (or further) when queued.
func (s *Service) UploadVersion(ctx context.Context, up Upload) (*UploadResult, error) {
	d, err := s.repo.GetDataset(ctx, up.DatasetID)
	if err != nil {
		return nil, err
	}

	v := &model.Version{
		DatasetID: d.ID,
		Fonte:     d.Fonte,
		Status:    model.VersionPending,
		Log:       logPending,
		CriadoPor: up.ActorID,
	}
	if err := s.repo.CreateVersion(ctx, v); err != nil {
		return nil, err
	}

	if len(up.Raw) > 0 {
		key, err := s.blobs.Put(ctx, prefixOriginals, up.Filename, up.Raw)
		if err != nil {
			return nil, fmt.Errorf("store original of version %d: %w", v.ID, err)
		}
		v.OriginalKey, v.OriginalName = key, up.Filename
		if err := s.repo.SaveVersion(ctx, v); err != nil {
			return nil, err
		}
	}

	mode, qerr := s.Submit(ctx, v.ID, up.GoogleSheetURL, up.ActorID)
	res := &UploadResult{Mode: mode}
	if qerr != nil {
		res.QueueError = qerr.Error()
	}

	res.Version, err = s.repo.GetVersion(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Submit enqueues processing of a version, or runs it in-process when no
// queue is configured or enqueueing fails. The enqueue error, if any, is
// returned next to SubmitLocalFallback; it is informational only.
func (s *Service) Submit(ctx context.Context, versionID int64, sheetURL string, actorID *int64) (SubmitMode, error) {
	if s.queue == nil {
		s.runLocal(ctx, versionID, sheetURL, actorID)
		return SubmitLocal, nil
	}

	job, err := s.queue.Enqueue(ctx, versionID, sheetURL, actorID)
	if err == nil {
		s.logger.Info("version queued", zap.Int64("version_id", versionID), zap.String("job_id", job.ID))
		return SubmitQueued, nil
	}

	s.logger.Warn("queue unavailable, processing locally", zap.Int64("version_id", versionID), zap.Error(err))
	s.runLocal(ctx, versionID, sheetURL, actorID)
	return SubmitLocalFallback, err
}

func (s *Service) runLocal(ctx context.Context, versionID int64, sheetURL string, actorID *int64) {
	if _, err := s.ProcessVersion(ctx, versionID, sheetURL, actorID); err != nil {
		s.logger.Error("local processing failed", zap.Int64("version_id", versionID), zap.Error(err))
	}
}

// HandleJob adapts ProcessVersion to queue.Handler.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	_, err := s.ProcessVersion(ctx, job.VersionID, job.GoogleSheetURL, job.ActorID)
	return err
}
