// Package dashboard builds the data behind a dataset dashboard: filtered
// rows, a monthly time series, a category ranking, KPIs and filter options,
// plus the export artifacts (filtered CSV, dataset ZIP package).
//
// Everything here is pure computation over rows already loaded in memory.
package dashboard

import (
	"sort"

	"github.com/shopspring/decimal"

	"paineis/internal/ingest"
	"paineis/internal/model"
)

const (
	rankingTop      = 12
	maxFilterValues = 100
	noCategoryLabel = "(sem informação)"
)

// categoryPreference is the name-based pick order for the ranking column.
var categoryPreference = []string{"secretaria", "unidade", "categoria", "setor"}

// filterFields are the categorical fields a dashboard can be filtered by.
var filterFields = []string{"secretaria", "unidade", "categoria"}

// Filter is the user-supplied dashboard filter set. Empty fields are ignored.
type Filter struct {
	DateStart  string `json:"date_start"`
	DateEnd    string `json:"date_end"`
	Secretaria string `json:"secretaria"`
	Unidade    string `json:"unidade"`
	Categoria  string `json:"categoria"`
}

// IsZero reports whether no filter is set.
func (f Filter) IsZero() bool { return f == Filter{} }

// Series is a labels/values pair ready for charting.
type Series struct {
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// KPIs are the headline numbers of a dashboard.
type KPIs struct {
	LinhasFiltradas int    `json:"linhas_filtradas"`
	LinhasTotal     int    `json:"linhas_total"`
	Colunas         int    `json:"colunas"`
	SomaPrincipal   string `json:"soma_principal"`
	ColunaValor     string `json:"coluna_valor"`
}

// Payload is the complete dashboard data for one filter set.
type Payload struct {
	Rows          []ingest.Row        `json:"rows"`
	Headers       []string            `json:"headers"`
	KPIs          KPIs                `json:"kpis"`
	Line          Series              `json:"line"`
	Ranking       Series              `json:"ranking"`
	DateCol       string              `json:"date_col"`
	ValueCol      string              `json:"value_col"`
	CategoryCol   string              `json:"category_col"`
	FilterOptions map[string][]string `json:"filter_options"`
}

// Build filters rows and aggregates them into a dashboard payload.
//
// Column picks:
//   - date column: first DATA column
//   - value column: first NUMERO column
//   - category column: first existing of secretaria/unidade/categoria/setor,
//     else first TEXTO column
//
// Aggregations sum the value column, or count rows when the dataset has no
// numeric column. Filter options are computed over all rows, not only the
// filtered ones, so pickers keep every choice available.
func Build(rows []ingest.Row, schema ingest.Schema, f Filter) Payload {
	dateCol := schema.FirstOfType(model.TypeDate)
	valueCol := schema.FirstOfType(model.TypeNumber)
	categoryCol := pickCategoryColumn(schema)

	filtered := FilterRows(rows, dateCol, f)

	kpis := KPIs{
		LinhasFiltradas: len(filtered),
		LinhasTotal:     len(rows),
		Colunas:         len(schema),
		SomaPrincipal:   "-",
		ColunaValor:     "-",
	}
	if valueCol != "" {
		kpis.SomaPrincipal = sumColumn(filtered, valueCol).StringFixedBank(2)
		kpis.ColunaValor = valueCol
	}

	return Payload{
		Rows:          filtered,
		Headers:       schema.Names(),
		KPIs:          kpis,
		Line:          lineSeries(filtered, dateCol, valueCol),
		Ranking:       ranking(filtered, categoryCol, valueCol),
		DateCol:       dateCol,
		ValueCol:      valueCol,
		CategoryCol:   categoryCol,
		FilterOptions: filterOptions(rows),
	}
}

// FilterRows keeps rows matching every supplied filter.
//
// Categorical filters compare the row's secretaria/unidade/categoria cell by
// exact equality. Date bounds are inclusive and only apply when the dataset
// has a date column; a row whose date cannot be parsed fails any supplied
// bound. A bound that itself cannot be parsed is ignored.
func FilterRows(rows []ingest.Row, dateCol string, f Filter) []ingest.Row {
	start, hasStart := ingest.ParseDate(f.DateStart)
	end, hasEnd := ingest.ParseDate(f.DateEnd)

	out := make([]ingest.Row, 0, len(rows))
	for _, r := range rows {
		if f.Secretaria != "" && r["secretaria"] != f.Secretaria {
			continue
		}
		if f.Unidade != "" && r["unidade"] != f.Unidade {
			continue
		}
		if f.Categoria != "" && r["categoria"] != f.Categoria {
			continue
		}
		if dateCol != "" && (hasStart || hasEnd) {
			d, ok := ingest.ParseDate(r[dateCol])
			if hasStart && (!ok || d.Before(start)) {
				continue
			}
			if hasEnd && (!ok || d.After(end)) {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func pickCategoryColumn(schema ingest.Schema) string {
	for _, name := range categoryPreference {
		if _, ok := schema.Column(name); ok {
			return name
		}
	}
	return schema.FirstOfType(model.TypeText)
}

// amount is what one row contributes to an aggregate: its value, or 1 when
// counting. Unparsable values contribute zero.
func amount(r ingest.Row, valueCol string) decimal.Decimal {
	if valueCol == "" {
		return decimal.NewFromInt(1)
	}
	if d, ok := ingest.ParseNumber(r[valueCol]); ok {
		return d
	}
	return decimal.Zero
}

func lineSeries(rows []ingest.Row, dateCol, valueCol string) Series {
	s := Series{Labels: []string{}, Values: []float64{}}
	if len(rows) == 0 || dateCol == "" {
		return s
	}

	grouped := map[string]decimal.Decimal{}
	for _, r := range rows {
		d, ok := ingest.ParseDate(r[dateCol])
		if !ok {
			continue
		}
		key := d.Format("2006-01")
		grouped[key] = grouped[key].Add(amount(r, valueCol))
	}

	for k := range grouped {
		s.Labels = append(s.Labels, k)
	}
	sort.Strings(s.Labels)
	for _, k := range s.Labels {
		s.Values = append(s.Values, grouped[k].InexactFloat64())
	}
	return s
}

// ranking groups by category, sorts descending and keeps the top entries.
// Ties keep first-seen order.
func ranking(rows []ingest.Row, categoryCol, valueCol string) Series {
	s := Series{Labels: []string{}, Values: []float64{}}
	if len(rows) == 0 || categoryCol == "" {
		return s
	}

	type bucket struct {
		key   string
		total decimal.Decimal
	}
	var order []*bucket
	byKey := map[string]*bucket{}
	for _, r := range rows {
		key := r[categoryCol]
		if key == "" {
			key = noCategoryLabel
		}
		b, ok := byKey[key]
		if !ok {
			b = &bucket{key: key}
			byKey[key] = b
			order = append(order, b)
		}
		b.total = b.total.Add(amount(r, valueCol))
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].total.GreaterThan(order[j].total)
	})
	for _, b := range order[:min(len(order), rankingTop)] {
		s.Labels = append(s.Labels, b.key)
		s.Values = append(s.Values, b.total.InexactFloat64())
	}
	return s
}

func sumColumn(rows []ingest.Row, valueCol string) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		if d, ok := ingest.ParseNumber(r[valueCol]); ok {
			total = total.Add(d)
		}
	}
	return total
}

func filterOptions(rows []ingest.Row) map[string][]string {
	out := make(map[string][]string, len(filterFields))
	for _, field := range filterFields {
		set := map[string]struct{}{}
		for _, r := range rows {
			if v := r[field]; v != "" {
				set[v] = struct{}{}
			}
		}
		vals := make([]string, 0, len(set))
		for v := range set {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		out[field] = vals[:min(len(vals), maxFilterValues)]
	}
	return out
}

// Table returns up to limit filtered rows as cell slices in header order.
// A limit <= 0 returns every row.
func (p Payload) Table(limit int) [][]string {
	n := len(p.Rows)
	if limit > 0 {
		n = min(n, limit)
	}
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		out[i] = p.Rows[i].Values(p.Headers)
	}
	return out
}
