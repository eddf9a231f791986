package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"paineis/internal/ingest"
	"paineis/internal/model"
	"paineis/internal/storage"
)

// DatasetSummary is one line of a dataset listing.
type DatasetSummary struct {
	Dataset model.Dataset
	// Latest is the most recent version, nil when nothing was uploaded.
	Latest *model.Version
}

// ListDatasets lists a municipality's datasets by id with their latest
// version. municipioID 0 lists every municipality.
func (s *Service) ListDatasets(ctx context.Context, municipioID int64) ([]DatasetSummary, error) {
	ds, err := s.repo.ListDatasets(ctx, municipioID)
	if err != nil {
		return nil, err
	}
	out := make([]DatasetSummary, 0, len(ds))
	for _, d := range ds {
		v, err := s.repo.LatestVersion(ctx, d.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			v = nil
		case err != nil:
			return nil, err
		}
		out = append(out, DatasetSummary{Dataset: d, Latest: v})
	}
	return out, nil
}

// Detail is a dataset with the documents of its latest version.
type Detail struct {
	Dataset *model.Dataset
	// Version is the latest version; nil, with every field below empty,
	// when nothing was uploaded.
	Version *model.Version
	Schema  ingest.Schema
	Profile *ingest.Profile
	// Preview holds the first rows with sensitive values already masked.
	Preview []ingest.Row
	Columns []model.Column
}

// Detail loads a dataset and its latest version whatever its status, so a
// failed upload shows its log. Schema, profile and preview are only present
// once the version is CONCLUIDO.
//
// Errors:
//   - storage.ErrNotFound for an unknown dataset.
//   - Malformed stored profile or preview documents.
func (s *Service) Detail(ctx context.Context, datasetID int64) (*Detail, error) {
	d, err := s.repo.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	out := &Detail{Dataset: d}

	v, err := s.repo.LatestVersion(ctx, d.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Version = v
	out.Schema = versionSchema(v)

	if len(v.Profile) > 0 {
		var p ingest.Profile
		if err := json.Unmarshal(v.Profile, &p); err != nil {
			return nil, fmt.Errorf("decode profile of version %d: %w", v.ID, err)
		}
		out.Profile = &p
	}
	if len(v.Preview) > 0 {
		if err := json.Unmarshal(v.Preview, &out.Preview); err != nil {
			return nil, fmt.Errorf("decode preview of version %d: %w", v.ID, err)
		}
	}

	if out.Columns, err = s.repo.ListColumns(ctx, v.ID); err != nil {
		return nil, err
	}
	return out, nil
}
