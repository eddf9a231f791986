package processing

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"paineis/internal/cache"
	"paineis/internal/dashboard"
	"paineis/internal/ingest"
	"paineis/internal/model"
	"paineis/internal/queue"
	"paineis/internal/storage"
	_ "paineis/internal/storage/sqlite"
)

const atendimentosCSV = "data;secretaria;cpf;valor\n" +
	"05/01/2026;Saude;123.456.789-01;10,50\n" +
	"20/01/2026;Educacao;;5\n" +
	"03/02/2026;Saude;98765432100;7\n"

type env struct {
	svc   *Service
	repo  storage.Repository
	blobs storage.BlobStore
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	ctx := context.Background()

	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "paineis.db")})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.EnsureSchema(ctx))

	if opts.Blobs == nil {
		opts.Blobs = storage.NewLocalBlobStore(t.TempDir())
	}
	opts.Repo = repo
	opts.Logger = zaptest.NewLogger(t)
	return &env{svc: New(opts), repo: repo, blobs: opts.Blobs}
}

func int64p(v int64) *int64 { return &v }

func (e *env) dataset(t *testing.T, vis model.Visibility, fonte model.Source) *model.Dataset {
	t.Helper()
	d := &model.Dataset{
		MunicipioID:  7,
		Nome:         "Atendimentos",
		Fonte:        fonte,
		Visibilidade: vis,
		CriadoPor:    int64p(11),
	}
	require.NoError(t, e.svc.CreateDataset(context.Background(), d))
	return d
}

func (e *env) upload(t *testing.T, d *model.Dataset, raw string) *UploadResult {
	t.Helper()
	res, err := e.svc.UploadVersion(context.Background(), Upload{
		DatasetID: d.ID,
		Filename:  "atendimentos.csv",
		Raw:       []byte(raw),
		ActorID:   int64p(11),
	})
	require.NoError(t, err)
	return res
}

func (e *env) auditEvents(t *testing.T, entidade string, id int64) []model.AuditEvent {
	t.Helper()
	events, err := e.repo.ListAudit(context.Background(), entidade, strconv.FormatInt(id, 10))
	require.NoError(t, err)
	return events
}

func TestCreateDataset_Validation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		d    model.Dataset
	}{
		{"no_name", model.Dataset{MunicipioID: 1, Fonte: model.SourceCSV}},
		{"no_municipio", model.Dataset{Nome: "x", Fonte: model.SourceCSV}},
		{"bad_source", model.Dataset{MunicipioID: 1, Nome: "x", Fonte: "PARQUET"}},
	}
	for _, tt := range tests {
		d := tt.d
		assert.ErrorIs(t, e.svc.CreateDataset(ctx, &d), ErrInvalidDataset, tt.name)
	}

	d := &model.Dataset{MunicipioID: 1, Nome: "  Receitas ", Fonte: " xlsx "}
	require.NoError(t, e.svc.CreateDataset(ctx, d))
	assert.Equal(t, "Receitas", d.Nome)
	assert.Equal(t, model.SourceXLSX, d.Fonte)
	assert.Equal(t, model.DatasetDraft, d.Status)
	assert.Equal(t, model.VisibilityInternal, d.Visibilidade)
}

func TestUploadVersion_LocalSuccess(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	ctx := context.Background()
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	res := e.upload(t, d, atendimentosCSV)
	v := res.Version

	assert.Equal(t, SubmitLocal, res.Mode)
	assert.Empty(t, res.QueueError)
	assert.Equal(t, 1, v.Numero)
	assert.Equal(t, model.VersionDone, v.Status)
	assert.Equal(t, "Processamento concluído.", v.Log)
	assert.NotNil(t, v.ProcessadoEm)
	assert.Equal(t, "atendimentos.csv", v.OriginalName)
	assert.True(t, strings.HasPrefix(v.ProcessedKey, "paineis/tratados/"), v.ProcessedKey)
	assert.True(t, strings.HasSuffix(v.ProcessedKey, "_atendimentos_v1.csv"), v.ProcessedKey)

	var doc struct {
		Columns []ingest.ColumnInfo `json:"columns"`
	}
	require.NoError(t, json.Unmarshal(v.Schema, &doc))
	require.Len(t, doc.Columns, 4)
	assert.Equal(t, model.TypeDate, doc.Columns[0].Type)
	assert.Equal(t, model.TypeNumber, doc.Columns[3].Type)

	var preview []map[string]string
	require.NoError(t, json.Unmarshal(v.Preview, &preview))
	require.Len(t, preview, 3)
	assert.Equal(t, "***.***.***-01", preview[0]["cpf"])
	assert.Equal(t, "", preview[1]["cpf"])
	assert.Equal(t, "***.***.***-00", preview[2]["cpf"])
	assert.Equal(t, "Saude", preview[0]["secretaria"])

	cols, err := e.repo.ListColumns(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, cols, 4)
	for i, c := range cols {
		assert.Equal(t, i+1, c.Ordem)
	}
	assert.True(t, cols[2].Sensitive)
	assert.Equal(t, model.RoleMeasure, cols[3].Papel)

	got, err := e.repo.GetDataset(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DatasetValidated, got.Status)

	dash, err := e.repo.DashboardBySlug(ctx, d.ID, DefaultDashboardSlug)
	require.NoError(t, err)
	assert.Equal(t, "Painel padrão", dash.Nome)
	assert.Equal(t, "institucional", dash.Tema)
	charts, err := e.repo.ListCharts(ctx, dash.ID)
	require.NoError(t, err)
	require.Len(t, charts, 4)
	assert.Equal(t, []model.ChartKind{model.ChartKPI, model.ChartLine, model.ChartBar, model.ChartTable},
		[]model.ChartKind{charts[0].Tipo, charts[1].Tipo, charts[2].Tipo, charts[3].Tipo})
	assert.JSONEq(t, `{"x":"data","y":"valor"}`, string(charts[1].Config))
	assert.JSONEq(t, `{"metric":"valor"}`, string(charts[0].Config))

	events := e.auditEvents(t, "DatasetVersion", v.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "DATASET_INGESTAO_OK", events[0].Evento)
	assert.Equal(t, "PAINEIS", events[0].Modulo)
	assert.JSONEq(t, `{"dataset":"Atendimentos","versao":1,"linhas":3,"colunas":4,"status":"VALIDADO"}`, string(events[0].Depois))

	// A second upload gets the next number and reuses the default dashboard.
	res2 := e.upload(t, d, atendimentosCSV)
	assert.Equal(t, 2, res2.Version.Numero)
	dash2, err := e.repo.DashboardBySlug(ctx, d.ID, DefaultDashboardSlug)
	require.NoError(t, err)
	assert.Equal(t, dash.ID, dash2.ID)
}

func TestUploadVersion_DuplicateWarningsBecomeLog(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	res := e.upload(t, d, "a;b\n1;x\n1;x\n")
	assert.Equal(t, model.VersionDone, res.Version.Status)
	assert.Equal(t, "Foram detectadas 1 linhas duplicadas na amostra.", res.Version.Log)
}

func TestProcess_PublicSensitiveStaysDraftAndCannotPublish(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	ctx := context.Background()
	d := e.dataset(t, model.VisibilityPublic, model.SourceCSV)

	e.upload(t, d, atendimentosCSV)
	got, err := e.repo.GetDataset(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DatasetDraft, got.Status)

	_, err = e.svc.Publish(ctx, d.ID, int64p(11))
	assert.ErrorIs(t, err, ErrSensitivePublish)
	got, _ = e.repo.GetDataset(ctx, d.ID)
	assert.Equal(t, model.DatasetDraft, got.Status)
	assert.Empty(t, e.auditEvents(t, "Dataset", d.ID))
}

func TestPublish(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	ctx := context.Background()

	empty := e.dataset(t, model.VisibilityInternal, model.SourceCSV)
	_, err := e.svc.Publish(ctx, empty.ID, nil)
	assert.ErrorIs(t, err, ErrNoConcludedVersion)

	failed := e.dataset(t, model.VisibilityInternal, model.SourceCSV)
	e.upload(t, failed, "")
	_, err = e.svc.Publish(ctx, failed.ID, nil)
	assert.ErrorIs(t, err, ErrNoConcludedVersion)

	// Public without sensitive columns publishes.
	d := e.dataset(t, model.VisibilityPublic, model.SourceCSV)
	e.upload(t, d, "data;valor\n05/01/2026;10\n")
	pub, err := e.svc.Publish(ctx, d.ID, int64p(11))
	require.NoError(t, err)
	assert.Equal(t, model.DatasetPublished, pub.Status)

	events := e.auditEvents(t, "Dataset", d.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "DATASET_PUBLICADO", events[0].Evento)
	assert.JSONEq(t, `{"status":"PUBLICADO"}`, string(events[0].Depois))
	require.NotNil(t, events[0].UsuarioID)
	assert.EqualValues(t, 11, *events[0].UsuarioID)
}

func TestProcess_FailuresBecomeErrorState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fonte   model.Source
		raw     string
		wantLog string
	}{
		{"pdf_unsupported", model.SourcePDF, "%PDF-1.4", ingest.ErrUnsupportedSource.Error()},
		{"empty_csv", model.SourceCSV, "", ingest.ErrEmptyCSV.Error()},
		{"blank_lines_only", model.SourceCSV, "\n \n", ingest.ErrEmptyCSV.Error()},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, Options{})
			ctx := context.Background()
			d := e.dataset(t, model.VisibilityInternal, tt.fonte)

			v := e.upload(t, d, tt.raw).Version
			assert.Equal(t, model.VersionFailed, v.Status)
			assert.Equal(t, tt.wantLog, v.Log)
			assert.NotNil(t, v.ProcessadoEm)
			assert.Empty(t, v.ProcessedKey)

			got, err := e.repo.GetDataset(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, model.DatasetDraft, got.Status, "dataset untouched on failure")

			events := e.auditEvents(t, "DatasetVersion", v.ID)
			require.Len(t, events, 1)
			assert.Equal(t, "DATASET_INGESTAO_ERRO", events[0].Evento)
			var depois map[string]string
			require.NoError(t, json.Unmarshal(events[0].Depois, &depois))
			assert.Equal(t, tt.wantLog, depois["erro"])
		})
	}
}

// panickyBlobs panics when reading originals back.
type panickyBlobs struct{ storage.BlobStore }

func (panickyBlobs) Get(context.Context, string) ([]byte, error) { panic("disk on fire") }

func TestProcess_PanicIsRecovered(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{Blobs: panickyBlobs{storage.NewLocalBlobStore(t.TempDir())}})
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	v := e.upload(t, d, atendimentosCSV).Version
	assert.Equal(t, model.VersionFailed, v.Status)
	assert.Contains(t, v.Log, "disk on fire")
}

// cancellingBlobs cancels the processing context when the original is read,
// like a worker receiving SIGTERM mid-ingest.
type cancellingBlobs struct {
	storage.BlobStore
	cancel context.CancelFunc
}

func (b cancellingBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.cancel()
	return nil, ctx.Err()
}

func TestProcess_CancelledContextStillRecordsError(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEnv(t, Options{
		Queue: &fakeQueue{},
		Blobs: cancellingBlobs{BlobStore: storage.NewLocalBlobStore(t.TempDir()), cancel: cancel},
	})
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)
	v := e.upload(t, d, atendimentosCSV).Version
	require.Equal(t, model.VersionPending, v.Status)

	_, err := e.svc.ProcessVersion(ctx, v.ID, "", nil)
	require.NoError(t, err)

	got, err := e.repo.GetVersion(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionFailed, got.Status)
	assert.Contains(t, got.Log, context.Canceled.Error())

	events := e.auditEvents(t, "DatasetVersion", v.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, "DATASET_INGESTAO_ERRO", events[len(events)-1].Evento)
}

func TestProcessVersion_Errors(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	ctx := context.Background()

	_, err := e.svc.ProcessVersion(ctx, 999, "", nil)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)
	v := e.upload(t, d, atendimentosCSV).Version
	_, err = e.svc.ProcessVersion(ctx, v.ID, "", nil)
	assert.Error(t, err, "terminal versions are not reprocessed")
}

type fakeQueue struct {
	mu   sync.Mutex
	err  error
	jobs []queue.Job
}

func (f *fakeQueue) Enqueue(ctx context.Context, versionID int64, sheetURL string, actorID *int64) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Job{}, f.err
	}
	job := queue.Job{ID: "job-" + strconv.FormatInt(versionID, 10), VersionID: versionID, GoogleSheetURL: sheetURL, ActorID: actorID}
	f.jobs = append(f.jobs, job)
	return job, nil
}

func TestSubmit_QueuedThenWorker(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{}
	e := newEnv(t, Options{Queue: fq})
	ctx := context.Background()
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	res := e.upload(t, d, atendimentosCSV)
	assert.Equal(t, SubmitQueued, res.Mode)
	assert.Equal(t, model.VersionPending, res.Version.Status)
	assert.Equal(t, "Aguardando processamento.", res.Version.Log)
	require.Len(t, fq.jobs, 1)
	assert.EqualValues(t, 11, *fq.jobs[0].ActorID)

	require.NoError(t, e.svc.HandleJob(ctx, fq.jobs[0]))
	v, err := e.repo.GetVersion(ctx, res.Version.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionDone, v.Status)
}

func TestSubmit_FallbackWhenQueueFails(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{err: errors.New("dial tcp: connection refused")}
	e := newEnv(t, Options{Queue: fq})
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	res := e.upload(t, d, atendimentosCSV)
	assert.Equal(t, SubmitLocalFallback, res.Mode)
	assert.Contains(t, res.QueueError, "connection refused")
	assert.Equal(t, model.VersionDone, res.Version.Status)
}

type memRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func TestDashboard(t *testing.T) {
	t.Parallel()
	mr := &memRedis{data: map[string]string{}}
	e := newEnv(t, Options{Cache: cache.New(mr, "paineis:dashboard", time.Minute, nil)})
	ctx := context.Background()
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	_, err := e.svc.Dashboard(ctx, d.ID, dashboard.Filter{})
	assert.ErrorIs(t, err, ErrNoTreatedData)

	e.upload(t, d, atendimentosCSV)

	f := dashboard.Filter{Secretaria: "Saude"}
	view, err := e.svc.Dashboard(ctx, d.ID, f)
	require.NoError(t, err)
	assert.False(t, view.Cached)
	p := view.Payload
	assert.Equal(t, 2, p.KPIs.LinhasFiltradas)
	assert.Equal(t, 3, p.KPIs.LinhasTotal)
	assert.Equal(t, "17.50", p.KPIs.SomaPrincipal)
	assert.Equal(t, "data", p.DateCol)
	assert.Equal(t, "valor", p.ValueCol)
	assert.Equal(t, "secretaria", p.CategoryCol)
	assert.Equal(t, []string{"2026-01", "2026-02"}, p.Line.Labels)
	assert.Equal(t, []float64{10.5, 7}, p.Line.Values)
	assert.Len(t, view.Table, 2)
	assert.Len(t, mr.data, 1)

	again, err := e.svc.Dashboard(ctx, d.ID, f)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, p.KPIs, again.Payload.KPIs)

	name, data, err := e.svc.DashboardCSV(ctx, d.ID, f)
	require.NoError(t, err)
	assert.Equal(t, "dataset_"+strconv.FormatInt(d.ID, 10)+"_filtrado.csv", name)
	headers, rows, err := dashboard.LoadRowsFromCSV(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "secretaria", "cpf", "valor"}, headers)
	assert.Len(t, rows, 2)
}

func TestPackage(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Options{})
	ctx := context.Background()
	d := e.dataset(t, model.VisibilityInternal, model.SourceCSV)

	_, err := e.svc.Package(ctx, d.ID, nil)
	assert.ErrorIs(t, err, ErrNoPackageVersion)

	e.upload(t, d, atendimentosCSV)
	pkg, err := e.svc.Package(ctx, d.ID, int64p(11))
	require.NoError(t, err)

	assert.Equal(t, "dataset_"+strconv.FormatInt(d.ID, 10)+"_pacote.zip", pkg.FileName)
	assert.Equal(t, model.ExportZIP, pkg.Job.Formato)
	assert.Equal(t, model.ExportDone, pkg.Job.Status)
	assert.JSONEq(t, `{}`, string(pkg.Job.Filtros))
	assert.NotNil(t, pkg.Job.ConcluidoEm)

	stored, err := e.blobs.Get(ctx, pkg.Job.ArquivoKey)
	require.NoError(t, err)
	assert.Equal(t, pkg.Data, stored)

	zr, err := zip.NewReader(bytes.NewReader(pkg.Data), int64(len(pkg.Data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{
		"01_original/atendimentos.csv",
		"02_tratado/atendimentos_v1.csv",
		"03_dicionario/dicionario_dados.csv",
		"03_dicionario/perfil.json",
	}, names)

	events := e.auditEvents(t, "ExportJob", pkg.Job.ID)
	require.Len(t, events, 1)
	assert.Equal(t, "DATASET_PACOTE_DOWNLOAD", events[0].Evento)
	assert.JSONEq(t, `{"dataset":"Atendimentos","formato":"ZIP"}`, string(events[0].Depois))
}

func TestMaskPreview(t *testing.T) {
	t.Parallel()

	schema := ingest.Schema{
		{Name: "nome", Type: model.TypeText},
		{Name: "cpf", Sensitive: true},
		{Name: "telefone", Sensitive: true},
		{Name: "celular", Sensitive: true},
	}
	rows := []ingest.Row{
		{"nome": "Ana", "cpf": "111.222.333-44", "telefone": "(84) 99999-0000", "celular": "84999990000"},
		{"nome": "Bia", "cpf": "55566677788", "telefone": "", "celular": "3322-1100"},
	}

	got := maskPreview(rows, schema)
	assert.Equal(t, ingest.Row{"nome": "Ana", "cpf": "***.***.***-44", "telefone": "***", "celular": "***"}, got[0])
	assert.Equal(t, ingest.Row{"nome": "Bia", "cpf": "***.***.***-88", "telefone": "", "celular": "***"}, got[1])
	assert.Equal(t, "111.222.333-44", rows[0]["cpf"], "input not mutated")
}

func TestColumnsFromSchema_TruncatesSample(t *testing.T) {
	t.Parallel()

	cols := columnsFromSchema(ingest.Schema{{Name: "obs", Sample: strings.Repeat("á", 200)}})
	require.Len(t, cols, 1)
	assert.Equal(t, 140, len([]rune(cols[0].Amostra)))
	assert.Equal(t, model.TypeText, cols[0].Tipo)
	assert.Equal(t, model.RoleDimension, cols[0].Papel)
	assert.Equal(t, 1, cols[0].Ordem)
}
