// Table specs live here so both the sqlstore core and the backend packages
// can use them without import cycles.
package storage

// TableSpec describes one table with backend-neutral column types.
type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

// Logical column types. Each dialect maps them to its own SQL type.
const (
	TypeID        = "id" // auto-generated primary key
	TypeBigInt    = "bigint"
	TypeInt       = "int"
	TypeString    = "string" // short, indexable text
	TypeText      = "text"   // unbounded text and JSON documents
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
)

type ColumnSpec struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	References string `json:"references,omitempty"` // "table(column)"
	Nullable   bool   `json:"nullable,omitempty"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// Table names.
const (
	TableDatasets   = "paineis_datasets"
	TableVersions   = "paineis_dataset_versions"
	TableColumns    = "paineis_dataset_columns"
	TableDashboards = "paineis_dashboards"
	TableCharts     = "paineis_charts"
	TableExportJobs = "paineis_export_jobs"
	TableAudit      = "paineis_audit_events"
)

func col(name, typ string) ColumnSpec      { return ColumnSpec{Name: name, Type: typ} }
func nullable(name, typ string) ColumnSpec { return ColumnSpec{Name: name, Type: typ, Nullable: true} }
func ref(name, table string) ColumnSpec {
	return ColumnSpec{Name: name, Type: TypeBigInt, References: table + "(id)"}
}

// Tables is the full schema, in creation order.
var Tables = []TableSpec{
	{
		Name: TableDatasets,
		Columns: []ColumnSpec{
			col("id", TypeID),
			col("municipio_id", TypeBigInt),
			nullable("secretaria_id", TypeBigInt),
			nullable("unidade_id", TypeBigInt),
			nullable("setor_id", TypeBigInt),
			col("nome", TypeString),
			col("descricao", TypeText),
			col("categoria", TypeString),
			col("fonte", TypeString),
			col("visibilidade", TypeString),
			col("status", TypeString),
			col("tags", TypeText),
			nullable("metadata", TypeText),
			nullable("criado_por", TypeBigInt),
			col("created_at", TypeTimestamp),
			col("updated_at", TypeTimestamp),
		},
	},
	{
		Name: TableVersions,
		Columns: []ColumnSpec{
			col("id", TypeID),
			ref("dataset_id", TableDatasets),
			col("numero", TypeInt),
			col("fonte", TypeString),
			col("status", TypeString),
			col("arquivo_original", TypeText),
			col("nome_original", TypeText),
			col("arquivo_tratado", TypeText),
			nullable("schema_json", TypeText),
			nullable("perfil_json", TypeText),
			nullable("preview_json", TypeText),
			col("log", TypeText),
			nullable("criado_por", TypeBigInt),
			col("created_at", TypeTimestamp),
			nullable("processado_em", TypeTimestamp),
		},
		Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"dataset_id", "numero"}}},
	},
	{
		Name: TableColumns,
		Columns: []ColumnSpec{
			col("id", TypeID),
			ref("versao_id", TableVersions),
			col("nome", TypeString),
			col("tipo", TypeString),
			col("papel", TypeString),
			col("sensivel", TypeBool),
			col("amostra", TypeText),
			col("ordem", TypeInt),
		},
	},
	{
		Name: TableDashboards,
		Columns: []ColumnSpec{
			col("id", TypeID),
			ref("dataset_id", TableDatasets),
			col("nome", TypeString),
			col("slug", TypeString),
			col("descricao", TypeText),
			col("tema", TypeString),
			nullable("layout", TypeText),
			col("ativo", TypeBool),
			nullable("criado_por", TypeBigInt),
			col("created_at", TypeTimestamp),
		},
		Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"dataset_id", "slug"}}},
	},
	{
		Name: TableCharts,
		Columns: []ColumnSpec{
			col("id", TypeID),
			ref("dashboard_id", TableDashboards),
			col("titulo", TypeString),
			col("tipo", TypeString),
			nullable("config", TypeText),
			col("ordem", TypeInt),
		},
	},
	{
		Name: TableExportJobs,
		Columns: []ColumnSpec{
			col("id", TypeID),
			ref("dataset_id", TableDatasets),
			nullable("dashboard_id", TypeBigInt),
			col("formato", TypeString),
			col("status", TypeString),
			nullable("filtros", TypeText),
			col("arquivo", TypeText),
			col("log", TypeText),
			nullable("criado_por", TypeBigInt),
			col("created_at", TypeTimestamp),
			nullable("concluido_em", TypeTimestamp),
		},
	},
	{
		Name: TableAudit,
		Columns: []ColumnSpec{
			col("id", TypeID),
			col("municipio_id", TypeBigInt),
			col("modulo", TypeString),
			col("evento", TypeString),
			col("entidade", TypeString),
			col("entidade_id", TypeString),
			nullable("usuario_id", TypeBigInt),
			nullable("antes", TypeText),
			nullable("depois", TypeText),
			col("observacao", TypeText),
			col("created_at", TypeTimestamp),
		},
	},
}
