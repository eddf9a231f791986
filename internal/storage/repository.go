package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"paineis/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("storage: not found")

// Config is the minimal configuration needed to open a repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Repository persists datasets, versions, columns, dashboards, export jobs and
// audit events.
//
// Each backend implements these semantics on its own driver; the SQL shape is
// shared through the sqlstore package.
type Repository interface {
	// Close releases any backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates the tables if they do not exist yet. It is
	// idempotent and safe to run on every start.
	EnsureSchema(ctx context.Context) error

	CreateDataset(ctx context.Context, d *model.Dataset) error
	GetDataset(ctx context.Context, id int64) (*model.Dataset, error)
	ListDatasets(ctx context.Context, municipioID int64) ([]model.Dataset, error)
	UpdateDatasetStatus(ctx context.Context, id int64, status model.DatasetStatus) error

	// CreateVersion assigns v.Numero = max(numero)+1 for the dataset and
	// inserts the row. Two concurrent uploads to the same dataset can race on
	// the number; the unique (dataset_id, numero) constraint rejects the loser.
	CreateVersion(ctx context.Context, v *model.Version) error
	GetVersion(ctx context.Context, id int64) (*model.Version, error)
	LatestVersion(ctx context.Context, datasetID int64) (*model.Version, error)
	LatestConcludedVersion(ctx context.Context, datasetID int64) (*model.Version, error)
	SaveVersion(ctx context.Context, v *model.Version) error

	// ReplaceColumns deletes every column of the version and inserts cols.
	ReplaceColumns(ctx context.Context, versionID int64, cols []model.Column) error
	ListColumns(ctx context.Context, versionID int64) ([]model.Column, error)

	DashboardBySlug(ctx context.Context, datasetID int64, slug string) (*model.Dashboard, error)
	// CreateDashboard inserts the dashboard and its charts atomically.
	CreateDashboard(ctx context.Context, d *model.Dashboard, charts []model.Chart) error
	ListCharts(ctx context.Context, dashboardID int64) ([]model.Chart, error)

	CreateExportJob(ctx context.Context, j *model.ExportJob) error

	RecordAudit(ctx context.Context, e *model.AuditEvent) error
	ListAudit(ctx context.Context, entidade, entidadeID string) ([]model.AuditEvent, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
