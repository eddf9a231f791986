// Package sqlstore implements storage.Repository once, over a small driver
// seam (DB/Tx/Rows) and a Dialect. The sqlite, postgres and mssql backends
// only open their driver and pick a dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paineis/internal/model"
	"paineis/internal/storage"
)

// Store is the SQL implementation of storage.Repository.
type Store struct {
	db  DB
	d   Dialect
	now func() time.Time
}

// New wraps an open pool. The caller keeps no other reference to db; Close
// on the Store closes it.
func New(db DB, d Dialect) *Store {
	return &Store{db: db, d: d, now: time.Now}
}

var _ storage.Repository = (*Store)(nil)

func (s *Store) Close() { s.db.Close() }

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect { return s.d }

func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, t := range storage.Tables {
		ddl, err := s.d.CreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("%s: create table %s: %w", s.d.Name, t.Name, err)
		}
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, q Querier, table string, cols []string, args ...any) (int64, error) {
	var id int64
	if err := q.QueryRow(ctx, s.d.InsertSQL(table, cols), args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) stamp() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

// scanner is satisfied by both Row and Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, storage.ErrNotFound)
	}
	return err
}

// ---- datasets ----

const datasetCols = "id, municipio_id, secretaria_id, unidade_id, setor_id, nome, descricao, categoria, " +
	"fonte, visibilidade, status, tags, metadata, criado_por, created_at, updated_at"

func (s *Store) CreateDataset(ctx context.Context, d *model.Dataset) error {
	now := s.stamp()
	if d.Status == "" {
		d.Status = model.DatasetDraft
	}
	if d.Visibilidade == "" {
		d.Visibilidade = model.VisibilityInternal
	}
	id, err := s.insert(ctx, s.db, storage.TableDatasets,
		[]string{"municipio_id", "secretaria_id", "unidade_id", "setor_id", "nome", "descricao", "categoria",
			"fonte", "visibilidade", "status", "tags", "metadata", "criado_por", "created_at", "updated_at"},
		d.MunicipioID, nullInt(d.SecretariaID), nullInt(d.UnidadeID), nullInt(d.SetorID), d.Nome, d.Descricao,
		d.Categoria, string(d.Fonte), string(d.Visibilidade), string(d.Status), d.Tags, nullJSON(d.Metadata),
		nullInt(d.CriadoPor), s.d.timeArg(now), s.d.timeArg(now),
	)
	if err != nil {
		return err
	}
	d.ID, d.CreatedAt, d.UpdatedAt = id, now, now
	return nil
}

func scanDataset(sc scanner) (*model.Dataset, error) {
	var (
		d                      model.Dataset
		sec, uni, set, criador sql.NullInt64
		fonte, vis, status     string
		meta                   sql.NullString
		created, updated       nullTime
	)
	err := sc.Scan(&d.ID, &d.MunicipioID, &sec, &uni, &set, &d.Nome, &d.Descricao, &d.Categoria,
		&fonte, &vis, &status, &d.Tags, &meta, &criador, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.SecretariaID, d.UnidadeID, d.SetorID, d.CriadoPor = int64Ptr(sec), int64Ptr(uni), int64Ptr(set), int64Ptr(criador)
	d.Fonte, d.Visibilidade, d.Status = model.Source(fonte), model.Visibility(vis), model.DatasetStatus(status)
	d.Metadata = rawJSON(meta)
	d.CreatedAt, d.UpdatedAt = created.Time, updated.Time
	return &d, nil
}

func (s *Store) GetDataset(ctx context.Context, id int64) (*model.Dataset, error) {
	q := s.d.Rebind("SELECT " + datasetCols + " FROM " + storage.TableDatasets + " WHERE id = ?")
	d, err := scanDataset(s.db.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "dataset", id)
	}
	return d, nil
}

// ListDatasets lists a municipality's datasets by id; municipioID 0 lists all.
func (s *Store) ListDatasets(ctx context.Context, municipioID int64) ([]model.Dataset, error) {
	q := "SELECT " + datasetCols + " FROM " + storage.TableDatasets
	var args []any
	if municipioID != 0 {
		q += " WHERE municipio_id = ?"
		args = append(args, municipioID)
	}
	rows, err := s.db.Query(ctx, s.d.Rebind(q+" ORDER BY id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDatasetStatus(ctx context.Context, id int64, status model.DatasetStatus) error {
	q := s.d.Rebind("UPDATE " + storage.TableDatasets + " SET status = ?, updated_at = ? WHERE id = ?")
	n, err := s.db.Exec(ctx, q, string(status), s.d.timeArg(s.stamp()), id)
	if err != nil {
		return fmt.Errorf("update dataset %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("dataset %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ---- versions ----

const versionCols = "id, dataset_id, numero, fonte, status, arquivo_original, nome_original, arquivo_tratado, " +
	"schema_json, perfil_json, preview_json, log, criado_por, created_at, processado_em"

// CreateVersion numbers the version max(numero)+1 inside a transaction. The
// read and the insert are not serialized against other writers; the unique
// (dataset_id, numero) constraint turns a lost race into an insert error.
func (s *Store) CreateVersion(ctx context.Context, v *model.Version) error {
	now := s.stamp()
	if v.Status == "" {
		v.Status = model.VersionPending
	}
	return s.inTx(ctx, func(q Querier) error {
		next := s.d.Rebind("SELECT COALESCE(MAX(numero), 0) + 1 FROM " + storage.TableVersions + " WHERE dataset_id = ?")
		var numero int64
		if err := q.QueryRow(ctx, next, v.DatasetID).Scan(&numero); err != nil {
			return fmt.Errorf("next version number: %w", err)
		}

		id, err := s.insert(ctx, q, storage.TableVersions,
			[]string{"dataset_id", "numero", "fonte", "status", "arquivo_original", "nome_original", "arquivo_tratado",
				"schema_json", "perfil_json", "preview_json", "log", "criado_por", "created_at", "processado_em"},
			v.DatasetID, numero, string(v.Fonte), string(v.Status), v.OriginalKey, v.OriginalName, v.ProcessedKey,
			nullJSON(v.Schema), nullJSON(v.Profile), nullJSON(v.Preview), v.Log, nullInt(v.CriadoPor),
			s.d.timeArg(now), s.d.nullTimeArg(v.ProcessadoEm),
		)
		if err != nil {
			return err
		}
		v.ID, v.Numero, v.CreatedAt = id, int(numero), now
		return nil
	})
}

func scanVersion(sc scanner) (*model.Version, error) {
	var (
		v                     model.Version
		fonte, status         string
		schema, prof, preview sql.NullString
		criador               sql.NullInt64
		created, processado   nullTime
	)
	err := sc.Scan(&v.ID, &v.DatasetID, &v.Numero, &fonte, &status, &v.OriginalKey, &v.OriginalName,
		&v.ProcessedKey, &schema, &prof, &preview, &v.Log, &criador, &created, &processado)
	if err != nil {
		return nil, err
	}
	v.Fonte, v.Status = model.Source(fonte), model.VersionStatus(status)
	v.Schema, v.Profile, v.Preview = rawJSON(schema), rawJSON(prof), rawJSON(preview)
	v.CriadoPor = int64Ptr(criador)
	v.CreatedAt, v.ProcessadoEm = created.Time, processado.ptr()
	return &v, nil
}

func (s *Store) GetVersion(ctx context.Context, id int64) (*model.Version, error) {
	q := s.d.Rebind("SELECT " + versionCols + " FROM " + storage.TableVersions + " WHERE id = ?")
	v, err := scanVersion(s.db.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "version", id)
	}
	return v, nil
}

func (s *Store) LatestVersion(ctx context.Context, datasetID int64) (*model.Version, error) {
	q := s.d.SelectFirst(versionCols, "FROM "+storage.TableVersions+" WHERE dataset_id = ? ORDER BY numero DESC")
	v, err := scanVersion(s.db.QueryRow(ctx, q, datasetID))
	if err != nil {
		return nil, notFound(err, "latest version of dataset", datasetID)
	}
	return v, nil
}

func (s *Store) LatestConcludedVersion(ctx context.Context, datasetID int64) (*model.Version, error) {
	q := s.d.SelectFirst(versionCols,
		"FROM "+storage.TableVersions+" WHERE dataset_id = ? AND status = ? ORDER BY numero DESC")
	v, err := scanVersion(s.db.QueryRow(ctx, q, datasetID, string(model.VersionDone)))
	if err != nil {
		return nil, notFound(err, "concluded version of dataset", datasetID)
	}
	return v, nil
}

// SaveVersion writes every mutable field of v.
func (s *Store) SaveVersion(ctx context.Context, v *model.Version) error {
	q := s.d.Rebind("UPDATE " + storage.TableVersions + " SET status = ?, arquivo_original = ?, nome_original = ?, " +
		"arquivo_tratado = ?, schema_json = ?, perfil_json = ?, preview_json = ?, log = ?, processado_em = ? WHERE id = ?")
	n, err := s.db.Exec(ctx, q, string(v.Status), v.OriginalKey, v.OriginalName, v.ProcessedKey,
		nullJSON(v.Schema), nullJSON(v.Profile), nullJSON(v.Preview), v.Log, s.d.nullTimeArg(v.ProcessadoEm), v.ID)
	if err != nil {
		return fmt.Errorf("save version %d: %w", v.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("version %d: %w", v.ID, storage.ErrNotFound)
	}
	return nil
}

// ---- columns ----

func (s *Store) ReplaceColumns(ctx context.Context, versionID int64, cols []model.Column) error {
	return s.inTx(ctx, func(q Querier) error {
		del := s.d.Rebind("DELETE FROM " + storage.TableColumns + " WHERE versao_id = ?")
		if _, err := q.Exec(ctx, del, versionID); err != nil {
			return fmt.Errorf("delete columns of version %d: %w", versionID, err)
		}
		for i := range cols {
			c := &cols[i]
			c.VersionID = versionID
			id, err := s.insert(ctx, q, storage.TableColumns,
				[]string{"versao_id", "nome", "tipo", "papel", "sensivel", "amostra", "ordem"},
				versionID, c.Nome, string(c.Tipo), string(c.Papel), c.Sensitive, c.Amostra, c.Ordem,
			)
			if err != nil {
				return err
			}
			c.ID = id
		}
		return nil
	})
}

func (s *Store) ListColumns(ctx context.Context, versionID int64) ([]model.Column, error) {
	q := s.d.Rebind("SELECT id, versao_id, nome, tipo, papel, sensivel, amostra, ordem FROM " +
		storage.TableColumns + " WHERE versao_id = ? ORDER BY ordem, id")
	rows, err := s.db.Query(ctx, q, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Column
	for rows.Next() {
		var (
			c           model.Column
			tipo, papel string
		)
		if err := rows.Scan(&c.ID, &c.VersionID, &c.Nome, &tipo, &papel, &c.Sensitive, &c.Amostra, &c.Ordem); err != nil {
			return nil, err
		}
		c.Tipo, c.Papel = model.ColumnType(tipo), model.ColumnRole(papel)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- dashboards ----

func (s *Store) DashboardBySlug(ctx context.Context, datasetID int64, slug string) (*model.Dashboard, error) {
	q := s.d.Rebind("SELECT id, dataset_id, nome, slug, descricao, tema, layout, ativo, criado_por, created_at FROM " +
		storage.TableDashboards + " WHERE dataset_id = ? AND slug = ?")
	var (
		d       model.Dashboard
		layout  sql.NullString
		criador sql.NullInt64
		created nullTime
	)
	err := s.db.QueryRow(ctx, q, datasetID, slug).Scan(&d.ID, &d.DatasetID, &d.Nome, &d.Slug, &d.Descricao,
		&d.Tema, &layout, &d.Ativo, &criador, &created)
	if err != nil {
		return nil, notFound(err, "dashboard", slug)
	}
	d.Layout, d.CriadoPor, d.CreatedAt = rawJSON(layout), int64Ptr(criador), created.Time
	return &d, nil
}

func (s *Store) CreateDashboard(ctx context.Context, d *model.Dashboard, charts []model.Chart) error {
	now := s.stamp()
	return s.inTx(ctx, func(q Querier) error {
		id, err := s.insert(ctx, q, storage.TableDashboards,
			[]string{"dataset_id", "nome", "slug", "descricao", "tema", "layout", "ativo", "criado_por", "created_at"},
			d.DatasetID, d.Nome, d.Slug, d.Descricao, d.Tema, nullJSON(d.Layout), d.Ativo, nullInt(d.CriadoPor),
			s.d.timeArg(now),
		)
		if err != nil {
			return err
		}
		d.ID, d.CreatedAt = id, now

		for i := range charts {
			c := &charts[i]
			c.DashboardID = id
			cid, err := s.insert(ctx, q, storage.TableCharts,
				[]string{"dashboard_id", "titulo", "tipo", "config", "ordem"},
				id, c.Titulo, string(c.Tipo), nullJSON(c.Config), c.Ordem,
			)
			if err != nil {
				return err
			}
			c.ID = cid
		}
		return nil
	})
}

func (s *Store) ListCharts(ctx context.Context, dashboardID int64) ([]model.Chart, error) {
	q := s.d.Rebind("SELECT id, dashboard_id, titulo, tipo, config, ordem FROM " + storage.TableCharts +
		" WHERE dashboard_id = ? ORDER BY ordem, id")
	rows, err := s.db.Query(ctx, q, dashboardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Chart
	for rows.Next() {
		var (
			c    model.Chart
			tipo string
			cfg  sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.DashboardID, &c.Titulo, &tipo, &cfg, &c.Ordem); err != nil {
			return nil, err
		}
		c.Tipo, c.Config = model.ChartKind(tipo), rawJSON(cfg)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- export jobs and audit ----

func (s *Store) CreateExportJob(ctx context.Context, j *model.ExportJob) error {
	now := s.stamp()
	id, err := s.insert(ctx, s.db, storage.TableExportJobs,
		[]string{"dataset_id", "dashboard_id", "formato", "status", "filtros", "arquivo", "log", "criado_por",
			"created_at", "concluido_em"},
		j.DatasetID, nullInt(j.DashboardID), string(j.Formato), string(j.Status), nullJSON(j.Filtros),
		j.ArquivoKey, j.Log, nullInt(j.CriadoPor), s.d.timeArg(now), s.d.nullTimeArg(j.ConcluidoEm),
	)
	if err != nil {
		return err
	}
	j.ID, j.CreatedAt = id, now
	return nil
}

func (s *Store) RecordAudit(ctx context.Context, e *model.AuditEvent) error {
	now := s.stamp()
	id, err := s.insert(ctx, s.db, storage.TableAudit,
		[]string{"municipio_id", "modulo", "evento", "entidade", "entidade_id", "usuario_id", "antes", "depois",
			"observacao", "created_at"},
		e.MunicipioID, e.Modulo, e.Evento, e.Entidade, e.EntidadeID, nullInt(e.UsuarioID), nullJSON(e.Antes),
		nullJSON(e.Depois), e.Observacao, s.d.timeArg(now),
	)
	if err != nil {
		return err
	}
	e.ID, e.CreatedAt = id, now
	return nil
}

// ListAudit returns the events recorded for one entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entidade, entidadeID string) ([]model.AuditEvent, error) {
	q := s.d.Rebind("SELECT id, municipio_id, modulo, evento, entidade, entidade_id, usuario_id, antes, depois, " +
		"observacao, created_at FROM " + storage.TableAudit + " WHERE entidade = ? AND entidade_id = ? ORDER BY id")
	rows, err := s.db.Query(ctx, q, entidade, entidadeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			e             model.AuditEvent
			usuario       sql.NullInt64
			antes, depois sql.NullString
			created       nullTime
		)
		if err := rows.Scan(&e.ID, &e.MunicipioID, &e.Modulo, &e.Evento, &e.Entidade, &e.EntidadeID, &usuario,
			&antes, &depois, &e.Observacao, &created); err != nil {
			return nil, err
		}
		e.UsuarioID, e.Antes, e.Depois, e.CreatedAt = int64Ptr(usuario), rawJSON(antes), rawJSON(depois), created.Time
		out = append(out, e)
	}
	return out, rows.Err()
}
