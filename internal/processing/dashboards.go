package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"paineis/internal/dashboard"
	"paineis/internal/ingest"
	"paineis/internal/model"
	"paineis/internal/storage"
)

// DefaultDashboardSlug identifies the dashboard generated on ingestion.
const DefaultDashboardSlug = "painel-padrao"

// TableRows is how many filtered rows a dashboard view renders.
const TableRows = 120

const defaultLayout = `{"grid":[` +
	`{"id":"kpis","x":0,"y":0,"w":12,"h":2},` +
	`{"id":"line","x":0,"y":2,"w":8,"h":4},` +
	`{"id":"ranking","x":8,"y":2,"w":4,"h":4},` +
	`{"id":"table","x":0,"y":6,"w":12,"h":5}]}`

// EnsureDefaultDashboard returns the dataset's default dashboard, creating it
// with its four charts (KPI, line, ranking, table) on first use. Charts are
// wired to the first DATA and NUMERO columns of schema.
func (s *Service) EnsureDefaultDashboard(ctx context.Context, d *model.Dataset, schema ingest.Schema, actorID *int64) (*model.Dashboard, error) {
	existing, err := s.repo.DashboardBySlug(ctx, d.ID, DefaultDashboardSlug)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	valueCol := schema.FirstOfType(model.TypeNumber)
	dateCol := schema.FirstOfType(model.TypeDate)

	dash := &model.Dashboard{
		DatasetID: d.ID,
		Nome:      "Painel padrão",
		Slug:      DefaultDashboardSlug,
		Descricao: "Dashboard automático gerado na ingestão.",
		Tema:      "institucional",
		Layout:    json.RawMessage(defaultLayout),
		Ativo:     true,
		CriadoPor: actorID,
	}
	charts := []model.Chart{
		{Tipo: model.ChartKPI, Titulo: "KPIs", Ordem: 1, Config: mustJSON(map[string]string{"metric": valueCol})},
		{Tipo: model.ChartLine, Titulo: "Série temporal", Ordem: 2, Config: mustJSON(map[string]string{"x": dateCol, "y": valueCol})},
		{Tipo: model.ChartBar, Titulo: "Ranking", Ordem: 3, Config: mustJSON(map[string]string{"y": valueCol})},
		{Tipo: model.ChartTable, Titulo: "Tabela filtrada", Ordem: 4, Config: json.RawMessage(`{}`)},
	}
	if err := s.repo.CreateDashboard(ctx, dash, charts); err != nil {
		return nil, err
	}
	s.logger.Info("default dashboard created", zap.Int64("dataset_id", d.ID), zap.Int64("dashboard_id", dash.ID))
	return dash, nil
}

func mustJSON(v map[string]string) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// Publish moves a dataset to PUBLICADO.
//
// Errors:
//   - ErrNoConcludedVersion when the latest version is not CONCLUIDO.
//   - ErrSensitivePublish for a PUBLICO dataset with a sensitive column; the
//     dataset is sent back to RASCUNHO.
func (s *Service) Publish(ctx context.Context, datasetID int64, actorID *int64) (*model.Dataset, error) {
	d, err := s.repo.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	v, err := s.repo.LatestVersion(ctx, d.ID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && v.Status != model.VersionDone) {
		return nil, ErrNoConcludedVersion
	}
	if err != nil {
		return nil, err
	}

	cols, err := s.repo.ListColumns(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if d.BlockedBySensitivity(cols) {
		if d.Status != model.DatasetDraft {
			if err := s.repo.UpdateDatasetStatus(ctx, d.ID, model.DatasetDraft); err != nil {
				return nil, err
			}
			d.Status = model.DatasetDraft
		}
		s.logger.Warn("publish blocked by sensitive columns", zap.Int64("dataset_id", d.ID))
		return nil, ErrSensitivePublish
	}

	if err := s.repo.UpdateDatasetStatus(ctx, d.ID, model.DatasetPublished); err != nil {
		return nil, err
	}
	d.Status = model.DatasetPublished
	s.audit(ctx, d, "DATASET_PUBLICADO", "Dataset", d.ID, actorID, map[string]any{"status": d.Status})
	return d, nil
}

// View is a rendered dashboard of one dataset version.
type View struct {
	Dataset *model.Dataset
	Version *model.Version
	Payload *dashboard.Payload
	// Table holds the first TableRows filtered rows in header order.
	Table [][]string
	// Cached is true when the payload came from the cache.
	Cached bool
}

// Dashboard builds the dashboard of the latest concluded version for f.
// Payloads are cached per (dataset, version, filter).
//
// Errors:
//   - ErrNoTreatedData when no concluded version has a treated file.
func (s *Service) Dashboard(ctx context.Context, datasetID int64, f dashboard.Filter) (*View, error) {
	d, err := s.repo.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	v, err := s.repo.LatestConcludedVersion(ctx, d.ID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && v.ProcessedKey == "") {
		return nil, ErrNoTreatedData
	}
	if err != nil {
		return nil, err
	}

	view := &View{Dataset: d, Version: v}
	if p, ok := s.cache.Get(ctx, d.ID, v.ID, f); ok {
		view.Payload, view.Cached = p, true
		view.Table = p.Table(TableRows)
		return view, nil
	}

	raw, err := s.blobs.Get(ctx, v.ProcessedKey)
	if err != nil {
		return nil, fmt.Errorf("read treated file of version %d: %w", v.ID, err)
	}
	headers, rows, err := dashboard.LoadRowsFromCSV(raw)
	if err != nil {
		return nil, err
	}
	schema := versionSchema(v)
	if len(schema) == 0 {
		schema = dashboard.FallbackSchema(headers)
	}

	p := dashboard.Build(rows, schema, f)
	s.cache.Set(ctx, d.ID, v.ID, f, &p)

	view.Payload = &p
	view.Table = p.Table(TableRows)
	return view, nil
}

// DashboardCSV renders the filtered rows of the dashboard as CSV and returns
// the download file name "dataset_<id>_filtrado.csv".
func (s *Service) DashboardCSV(ctx context.Context, datasetID int64, f dashboard.Filter) (string, []byte, error) {
	view, err := s.Dashboard(ctx, datasetID, f)
	if err != nil {
		return "", nil, err
	}
	data, err := dashboard.FilteredCSV(*view.Payload)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("dataset_%d_filtrado.csv", datasetID), data, nil
}

// PackageResult is a generated dataset package.
type PackageResult struct {
	Job      *model.ExportJob
	FileName string
	Data     []byte
}

// Package builds the ZIP of the latest concluded version (original file,
// treated CSV, data dictionary, profile), stores it and records a CONCLUIDO
// export job.
//
// Errors:
//   - ErrNoPackageVersion when the dataset has no concluded version.
func (s *Service) Package(ctx context.Context, datasetID int64, actorID *int64) (*PackageResult, error) {
	d, err := s.repo.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	v, err := s.repo.LatestConcludedVersion(ctx, d.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoPackageVersion
	}
	if err != nil {
		return nil, err
	}

	in := dashboard.PackageInput{
		DatasetName:   d.Nome,
		VersionNumber: v.Numero,
		OriginalName:  v.OriginalName,
		Schema:        versionSchema(v),
	}
	if len(v.Profile) > 0 {
		if err := json.Unmarshal(v.Profile, &in.Profile); err != nil {
			return nil, fmt.Errorf("decode profile of version %d: %w", v.ID, err)
		}
	}
	if v.OriginalKey != "" {
		if in.Original, err = s.blobs.Get(ctx, v.OriginalKey); err != nil {
			return nil, fmt.Errorf("read original of version %d: %w", v.ID, err)
		}
	}
	if v.ProcessedKey != "" {
		if in.Treated, err = s.blobs.Get(ctx, v.ProcessedKey); err != nil {
			return nil, fmt.Errorf("read treated file of version %d: %w", v.ID, err)
		}
	}

	data, err := dashboard.BuildPackage(in)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("dataset_%d_pacote.zip", d.ID)
	key, err := s.blobs.Put(ctx, prefixExports, name, data)
	if err != nil {
		return nil, fmt.Errorf("store package: %w", err)
	}

	now := s.now()
	job := &model.ExportJob{
		DatasetID:   d.ID,
		Formato:     model.ExportZIP,
		Status:      model.ExportDone,
		Filtros:     json.RawMessage(`{}`),
		ArquivoKey:  key,
		CriadoPor:   actorID,
		ConcluidoEm: &now,
	}
	if err := s.repo.CreateExportJob(ctx, job); err != nil {
		return nil, err
	}

	s.audit(ctx, d, "DATASET_PACOTE_DOWNLOAD", "ExportJob", job.ID, actorID, map[string]any{
		"dataset": d.Nome,
		"formato": string(model.ExportZIP),
	})
	return &PackageResult{Job: job, FileName: name, Data: data}, nil
}

// versionSchema decodes the stored {"columns": [...]} document. A missing or
// malformed document yields nil.
func versionSchema(v *model.Version) ingest.Schema {
	if len(v.Schema) == 0 {
		return nil
	}
	var doc schemaDoc
	if err := json.Unmarshal(v.Schema, &doc); err != nil {
		return nil
	}
	return doc.Columns
}
