// Package model holds the persistent entities of the dataset pipeline:
// datasets, their uploaded versions, inferred columns, dashboards, charts,
// export jobs and audit events.
//
// The package has no behavior beyond small state checks. Storage backends
// map these structs to tables; the processing service drives their state.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source is the declared origin of a dataset's data.
type Source string

const (
	SourceCSV          Source = "CSV"
	SourceXLSX         Source = "XLSX"
	SourceGoogleSheets Source = "GOOGLE_SHEETS"
	SourcePDF          Source = "PDF"
	SourceDOCX         Source = "DOCX"
)

// ParseSource normalizes a free-form source label ("csv", " xlsx ").
// Unknown labels are returned upper-cased so callers can reject them.
func ParseSource(s string) Source {
	return Source(strings.ToUpper(strings.TrimSpace(s)))
}

// DatasetStatus is the editorial lifecycle of a dataset.
type DatasetStatus string

const (
	DatasetDraft     DatasetStatus = "RASCUNHO"
	DatasetValidated DatasetStatus = "VALIDADO"
	DatasetPublished DatasetStatus = "PUBLICADO"
	DatasetArchived  DatasetStatus = "ARQUIVADO"
)

// Visibility controls whether a dataset may be exposed to the public portal.
type Visibility string

const (
	VisibilityInternal Visibility = "INTERNO"
	VisibilityPublic   Visibility = "PUBLICO"
)

// VersionStatus is the processing state of one uploaded version.
type VersionStatus string

const (
	VersionPending    VersionStatus = "PENDENTE"
	VersionProcessing VersionStatus = "PROCESSANDO"
	VersionDone       VersionStatus = "CONCLUIDO"
	VersionFailed     VersionStatus = "ERRO"
)

// Terminal reports whether no further processing transition is allowed.
func (s VersionStatus) Terminal() bool {
	return s == VersionDone || s == VersionFailed
}

// ColumnType is the inferred semantic type of a column.
type ColumnType string

const (
	TypeText    ColumnType = "TEXTO"
	TypeNumber  ColumnType = "NUMERO"
	TypeDate    ColumnType = "DATA"
	TypeBoolean ColumnType = "BOOLEANO"
)

// ColumnRole classifies a column for BI use.
type ColumnRole string

const (
	RoleDimension ColumnRole = "DIMENSAO"
	RoleMeasure   ColumnRole = "MEDIDA"
)

// ChartKind is the visual kind of a dashboard chart.
type ChartKind string

const (
	ChartKPI   ChartKind = "KPI"
	ChartLine  ChartKind = "LINHA"
	ChartBar   ChartKind = "BARRA"
	ChartPie   ChartKind = "PIZZA"
	ChartTable ChartKind = "TABELA"
)

// ExportFormat is the artifact format of an export job.
type ExportFormat string

const (
	ExportPDF ExportFormat = "PDF"
	ExportPNG ExportFormat = "PNG"
	ExportCSV ExportFormat = "CSV"
	ExportZIP ExportFormat = "ZIP"
)

// ExportStatus is the state of an export job.
type ExportStatus string

const (
	ExportPending    ExportStatus = "PENDENTE"
	ExportProcessing ExportStatus = "PROCESSANDO"
	ExportDone       ExportStatus = "CONCLUIDO"
	ExportFailed     ExportStatus = "ERRO"
)

// Dataset is the logical data product owned by a municipality.
type Dataset struct {
	ID           int64
	MunicipioID  int64
	SecretariaID *int64
	UnidadeID    *int64
	SetorID      *int64
	Nome         string
	Descricao    string
	Categoria    string
	Fonte        Source
	Visibilidade Visibility
	Status       DatasetStatus
	Tags         string
	Metadata     json.RawMessage
	CriadoPor    *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsPublic reports whether the dataset targets the public portal.
func (d *Dataset) IsPublic() bool { return d.Visibilidade == VisibilityPublic }

// BlockedBySensitivity reports whether the dataset cannot leave draft: public
// datasets must not carry a column flagged as personal data.
func (d *Dataset) BlockedBySensitivity(cols []Column) bool {
	if !d.IsPublic() {
		return false
	}
	for _, c := range cols {
		if c.Sensitive {
			return true
		}
	}
	return false
}

// Version is one uploaded snapshot of a dataset's data.
type Version struct {
	ID           int64
	DatasetID    int64
	Numero       int
	Fonte        Source
	Status       VersionStatus
	OriginalKey  string
	OriginalName string
	ProcessedKey string
	Schema       json.RawMessage
	Profile      json.RawMessage
	Preview      json.RawMessage
	Log          string
	CriadoPor    *int64
	CreatedAt    time.Time
	ProcessadoEm *time.Time
}

// Transition moves the version to the next processing state. Terminal states
// are final, and PENDENTE can only be left through PROCESSANDO or ERRO.
func (v *Version) Transition(to VersionStatus) error {
	from := v.Status
	switch {
	case from.Terminal():
		return fmt.Errorf("version %d: cannot move from %s to %s", v.ID, from, to)
	case from == VersionPending && (to == VersionProcessing || to == VersionFailed):
	case from == VersionProcessing && to.Terminal():
	default:
		return fmt.Errorf("version %d: illegal transition %s -> %s", v.ID, from, to)
	}
	v.Status = to
	return nil
}

// Column is the persisted description of one column of a processed version.
type Column struct {
	ID        int64
	VersionID int64
	Nome      string
	Tipo      ColumnType
	Papel     ColumnRole
	Sensitive bool
	Amostra   string
	Ordem     int
}

// Dashboard groups charts over one dataset.
type Dashboard struct {
	ID        int64
	DatasetID int64
	Nome      string
	Slug      string
	Descricao string
	Tema      string
	Layout    json.RawMessage
	Ativo     bool
	CriadoPor *int64
	CreatedAt time.Time
}

// Chart is one visual element of a dashboard.
type Chart struct {
	ID          int64
	DashboardID int64
	Titulo      string
	Tipo        ChartKind
	Config      json.RawMessage
	Ordem       int
}

// ExportJob records an export artifact generated for a dashboard or dataset.
type ExportJob struct {
	ID          int64
	DatasetID   int64
	DashboardID *int64
	Formato     ExportFormat
	Status      ExportStatus
	Filtros     json.RawMessage
	ArquivoKey  string
	Log         string
	CriadoPor   *int64
	CreatedAt   time.Time
	ConcluidoEm *time.Time
}

// AuditEvent is an append-only record of a state change.
type AuditEvent struct {
	ID          int64
	MunicipioID int64
	Modulo      string
	Evento      string
	Entidade    string
	EntidadeID  string
	UsuarioID   *int64
	Antes       json.RawMessage
	Depois      json.RawMessage
	Observacao  string
	CreatedAt   time.Time
}
