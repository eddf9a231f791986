package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"paineis/internal/ingest"
	"paineis/internal/model"
	"paineis/internal/pii"
)

// newPreviewCmd ingests a file or sheet without storing anything and prints
// the inferred schema and quality warnings. Sensitive samples are masked.
func newPreviewCmd(fs *flag.FlagSet) *command {
	var (
		file  = fs.String("file", "", "file to inspect")
		sheet = fs.String("sheet", "", "Google Sheets URL")
		fonte = fs.String("fonte", "", "source; guessed from the file extension when empty")
	)
	return &command{
		fs:    fs,
		local: true,
		check: func([]string) error {
			if (*file == "") == (*sheet == "") {
				return usagef("preview needs exactly one of -file or -sheet")
			}
			return nil
		},
		run: func(ctx context.Context, env runEnv) error {
			in := ingest.Input{
				Source:         *fonte,
				GoogleSheetURL: *sheet,
				HTTPClient:     &http.Client{Timeout: env.cfg.Ingest.SheetsTimeout},
			}
			if *file != "" {
				raw, err := env.deps.readFile(*file)
				if err != nil {
					return fmt.Errorf("read %s: %w", *file, err)
				}
				in.Raw, in.Filename = raw, filepath.Base(*file)
			}
			if in.Source == "" {
				in.Source = string(guessSource(*file, *sheet))
			}

			res, err := ingest.Ingest(ctx, in)
			if err != nil {
				return err
			}

			fmt.Fprintf(env.stdout, "source=%s rows=%d columns=%d\n", res.Source, res.Profile.RowCount, res.Profile.ColumnCount)
			tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "COLUNA\tTIPO\tPAPEL\tSENSIVEL\tAMOSTRA")
			for _, c := range res.Schema {
				sample := c.Sample
				if c.Sensitive {
					sample = pii.MaskSensitive(c.Name, sample)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", c.Name, c.Type, c.Role, c.Sensitive, sample)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(env.stdout, "aviso: %s\n", w)
			}
			return nil
		},
	}
}

func guessSource(file, sheet string) model.Source {
	if sheet != "" {
		return model.SourceGoogleSheets
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".xlsx", ".xlsm":
		return model.SourceXLSX
	case ".pdf":
		return model.SourcePDF
	case ".docx":
		return model.SourceDOCX
	}
	return model.SourceCSV
}
