package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
)

// newListCmd prints the datasets of a municipality with their latest
// version. -municipio 0 lists every municipality.
func newListCmd(fs *flag.FlagSet) *command {
	municipio := fs.Int64("municipio", 0, "municipio id; 0 lists all")
	return &command{
		fs: fs,
		check: func([]string) error {
			if *municipio < 0 {
				return usagef("list needs -municipio >= 0")
			}
			return nil
		},
		run: func(ctx context.Context, env runEnv) error {
			list, err := env.svc.ListDatasets(ctx, *municipio)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMUNICIPIO\tNOME\tFONTE\tVISIBILIDADE\tSTATUS\tVERSAO")
			for _, s := range list {
				version := "-"
				if s.Latest != nil {
					version = fmt.Sprintf("v%d %s", s.Latest.Numero, s.Latest.Status)
				}
				d := s.Dataset
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.MunicipioID, d.Nome, d.Fonte, d.Visibilidade, d.Status, version)
			}
			return tw.Flush()
		},
	}
}

// newShowCmd prints one dataset with the schema, profile and masked preview
// of its latest version.
func newShowCmd(fs *flag.FlagSet) *command {
	datasetID := fs.Int64("dataset", 0, "dataset id (required)")
	return &command{
		fs:    fs,
		check: requireDataset(datasetID, "show"),
		run: func(ctx context.Context, env runEnv) error {
			det, err := env.svc.Detail(ctx, *datasetID)
			if err != nil {
				return err
			}
			d := det.Dataset
			fmt.Fprintf(env.stdout, "dataset %d %q municipio=%d fonte=%s visibilidade=%s status=%s\n",
				d.ID, d.Nome, d.MunicipioID, d.Fonte, d.Visibilidade, d.Status)
			if det.Version == nil {
				_, err := fmt.Fprintln(env.stdout, "sem versoes")
				return err
			}
			printVersion(env.stdout, det.Version)

			if p := det.Profile; p != nil {
				fmt.Fprintf(env.stdout, "rows=%d columns=%d duplicates=%d\n", p.RowCount, p.ColumnCount, p.DuplicateRowsSample)
			}
			if len(det.Schema) > 0 {
				tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "COLUNA\tTIPO\tPAPEL\tSENSIVEL\tNULOS")
				for _, c := range det.Schema {
					nulls := 0
					if det.Profile != nil {
						nulls = det.Profile.NullsByColumn[c.Name]
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", c.Name, c.Type, c.Role, c.Sensitive, nulls)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if det.Profile != nil {
				for _, w := range det.Profile.Warnings {
					fmt.Fprintf(env.stdout, "aviso: %s\n", w)
				}
			}

			if len(det.Preview) > 0 && len(det.Schema) > 0 {
				tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
				names := make([]string, len(det.Schema))
				for i, c := range det.Schema {
					names[i] = c.Name
				}
				fmt.Fprintln(tw, strings.Join(names, "\t"))
				for _, r := range det.Preview {
					fmt.Fprintln(tw, strings.Join(r.Values(names), "\t"))
				}
				return tw.Flush()
			}
			return nil
		},
	}
}
