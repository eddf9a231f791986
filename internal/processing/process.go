package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"paineis/internal/dashboard"
	"paineis/internal/ingest"
	"paineis/internal/metrics"
	"paineis/internal/model"
	"paineis/internal/pii"
	"paineis/internal/storage"
)

const columnSampleMax = 140

// schemaDoc is the persisted shape of a version schema.
type schemaDoc struct {
	Columns ingest.Schema `json:"columns"`
}

// ProcessVersion ingests one version and records the outcome.
//
// Flow:
//   - PENDENTE -> PROCESSANDO, log "Processamento iniciado."
//   - read the original, run ingest.Ingest
//   - store the treated CSV, schema, profile and masked preview;
//     CONCLUIDO with the warnings (or "Processamento concluído.") as log
//   - replace the column rows, ensure the default dashboard, recompute the
//     dataset status, audit DATASET_INGESTAO_OK
//
// Any failure in that flow, including a panic, turns the version into ERRO
// with the message as log and is audited as DATASET_INGESTAO_ERRO; it is not
// returned. The dataset status is left as is on failure.
//
// Errors:
//   - ErrVersionNotFound for an unknown version.
//   - A version already in a terminal state.
//   - Storage errors while recording the outcome.
//
// actorID falls back to the version creator.
func (s *Service) ProcessVersion(ctx context.Context, versionID int64, sheetURL string, actorID *int64) (*model.Version, error) {
	v, err := s.repo.GetVersion(ctx, versionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	d, err := s.repo.GetDataset(ctx, v.DatasetID)
	if err != nil {
		return nil, err
	}
	if actorID == nil {
		actorID = v.CriadoPor
	}

	if err := v.Transition(model.VersionProcessing); err != nil {
		return nil, err
	}
	v.Log = logStarted
	if err := s.repo.SaveVersion(ctx, v); err != nil {
		return nil, err
	}

	log := s.logger.With(zap.Int64("dataset_id", d.ID), zap.Int64("version_id", v.ID), zap.Int("numero", v.Numero))
	log.Info("processing started")
	start := s.now()

	res, runErr := s.guard(func() (*ingest.Result, error) {
		return s.ingestAndStore(ctx, d, v, sheetURL, actorID)
	})
	elapsed := s.now().Sub(start)

	if runErr != nil {
		metrics.RecordIngest("error", elapsed, 0, 0)
		log.Warn("processing failed", zap.Error(runErr), zap.Duration("elapsed", elapsed))
		return v, s.recordFailure(ctx, d, v, actorID, runErr)
	}

	metrics.RecordIngest("ok", elapsed, res.Profile.RowCount, res.Profile.ColumnCount)
	log.Info("processing done",
		zap.Int("rows", res.Profile.RowCount),
		zap.Int("columns", res.Profile.ColumnCount),
		zap.Int("warnings", len(res.Warnings)),
		zap.Duration("elapsed", elapsed),
	)
	return v, nil
}

// guard runs fn and converts a panic into an error.
func (s *Service) guard(fn func() (*ingest.Result, error)) (res *ingest.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during processing", zap.Any("panic", r), zap.Stack("stack"))
			res, err = nil, fmt.Errorf("erro interno no processamento: %v", r)
		}
	}()
	return fn()
}

func (s *Service) ingestAndStore(ctx context.Context, d *model.Dataset, v *model.Version, sheetURL string, actorID *int64) (*ingest.Result, error) {
	var raw []byte
	if v.OriginalKey != "" {
		var err error
		if raw, err = s.blobs.Get(ctx, v.OriginalKey); err != nil {
			return nil, fmt.Errorf("ler arquivo original: %w", err)
		}
	}

	res, err := ingest.Ingest(ctx, ingest.Input{
		Raw:            raw,
		Source:         string(d.Fonte),
		Filename:       v.OriginalName,
		GoogleSheetURL: sheetURL,
		HTTPClient:     s.httpClient,
	})
	if err != nil {
		return nil, err
	}

	key, err := s.blobs.Put(ctx, prefixTreated, dashboard.TreatedFileName(d.Nome, v.Numero), res.ProcessedCSV)
	if err != nil {
		return nil, fmt.Errorf("gravar arquivo tratado: %w", err)
	}
	schemaJSON, err := json.Marshal(schemaDoc{Columns: res.Schema})
	if err != nil {
		return nil, err
	}
	profileJSON, err := json.Marshal(res.Profile)
	if err != nil {
		return nil, err
	}
	previewJSON, err := json.Marshal(maskPreview(res.PreviewRows, res.Schema))
	if err != nil {
		return nil, err
	}

	if err := v.Transition(model.VersionDone); err != nil {
		return nil, err
	}
	now := s.now()
	v.ProcessedKey = key
	v.Schema, v.Profile, v.Preview = schemaJSON, profileJSON, previewJSON
	v.Log = strings.Join(res.Warnings, "\n")
	if v.Log == "" {
		v.Log = logDone
	}
	v.ProcessadoEm = &now
	if err := s.repo.SaveVersion(ctx, v); err != nil {
		return nil, err
	}

	cols := columnsFromSchema(res.Schema)
	if err := s.repo.ReplaceColumns(ctx, v.ID, cols); err != nil {
		return nil, err
	}
	if _, err := s.EnsureDefaultDashboard(ctx, d, res.Schema, actorID); err != nil {
		return nil, err
	}

	d.Status = model.DatasetValidated
	if d.BlockedBySensitivity(cols) {
		d.Status = model.DatasetDraft
	}
	if err := s.repo.UpdateDatasetStatus(ctx, d.ID, d.Status); err != nil {
		return nil, err
	}

	s.audit(ctx, d, "DATASET_INGESTAO_OK", "DatasetVersion", v.ID, actorID, map[string]any{
		"dataset": d.Nome,
		"versao":  v.Numero,
		"linhas":  res.Profile.RowCount,
		"colunas": res.Profile.ColumnCount,
		"status":  d.Status,
	})
	return res, nil
}

// recordFailure moves v to ERRO. The version may already be CONCLUIDO when a
// later step failed, so the state is forced rather than transitioned. The
// write ignores cancellation of ctx so a shutdown mid-ingest still leaves the
// version in ERRO.
func (s *Service) recordFailure(ctx context.Context, d *model.Dataset, v *model.Version, actorID *int64, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	now := s.now()
	v.Status = model.VersionFailed
	v.Log = msg
	v.ProcessadoEm = &now
	if err := s.repo.SaveVersion(ctx, v); err != nil {
		return fmt.Errorf("record failure of version %d: %w", v.ID, err)
	}

	s.audit(ctx, d, "DATASET_INGESTAO_ERRO", "DatasetVersion", v.ID, actorID, map[string]any{
		"erro": truncateRunes(msg, auditErrorMax),
	})
	return nil
}

func columnsFromSchema(schema ingest.Schema) []model.Column {
	cols := make([]model.Column, 0, len(schema))
	for i, c := range schema {
		tipo, papel := c.Type, c.Role
		if tipo == "" {
			tipo = model.TypeText
		}
		if papel == "" {
			papel = model.RoleDimension
		}
		cols = append(cols, model.Column{
			Nome:      c.Name,
			Tipo:      tipo,
			Papel:     papel,
			Sensitive: c.Sensitive,
			Amostra:   truncateRunes(c.Sample, columnSampleMax),
			Ordem:     i + 1,
		})
	}
	return cols
}

// maskPreview copies rows with sensitive values hidden through
// pii.MaskSensitive.
func maskPreview(rows []ingest.Row, schema ingest.Schema) []ingest.Row {
	var sensitive []string
	for _, c := range schema {
		if c.Sensitive {
			sensitive = append(sensitive, c.Name)
		}
	}

	out := make([]ingest.Row, len(rows))
	for i, r := range rows {
		cp := make(ingest.Row, len(r))
		for k, val := range r {
			cp[k] = val
		}
		for _, name := range sensitive {
			cp[name] = pii.MaskSensitive(name, cp[name])
		}
		out[i] = cp
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
