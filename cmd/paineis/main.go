// Command paineis manages BI datasets from the command line: create a
// dataset, upload versions, process, publish, render dashboards and build
// export packages.
//
// Usage:
//
//	paineis [-config config.yaml] <command> [flags]
//
// Commands: config, preview, list, show, create, upload, process, publish,
// dashboard, package, cpf.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"paineis/internal/app"
	"paineis/internal/config"
	"paineis/internal/dashboard"
	"paineis/internal/model"
	"paineis/internal/pii"
	"paineis/internal/processing"

	// register all backends with the storage factory.
	_ "paineis/internal/storage/all"
)

const usageLine = "usage: paineis [-config path] <config|preview|list|show|create|upload|process|publish|dashboard|package|cpf> [flags]"

// service is the part of processing.Service the commands drive.
type service interface {
	CreateDataset(ctx context.Context, d *model.Dataset) error
	UploadVersion(ctx context.Context, up processing.Upload) (*processing.UploadResult, error)
	ProcessVersion(ctx context.Context, versionID int64, sheetURL string, actorID *int64) (*model.Version, error)
	Publish(ctx context.Context, datasetID int64, actorID *int64) (*model.Dataset, error)
	Dashboard(ctx context.Context, datasetID int64, f dashboard.Filter) (*processing.View, error)
	DashboardCSV(ctx context.Context, datasetID int64, f dashboard.Filter) (string, []byte, error)
	Package(ctx context.Context, datasetID int64, actorID *int64) (*processing.PackageResult, error)
	ListDatasets(ctx context.Context, municipioID int64) ([]processing.DatasetSummary, error)
	Detail(ctx context.Context, datasetID int64) (*processing.Detail, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (*config.Config, error)
	newLogger   func(cfg config.LogConfig) (*zap.Logger, error)
	initMetrics func(ctx context.Context, cfg config.MetricsConfig, logger *zap.Logger) (func(), error)
	openService func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service, func(), error)
	readFile    func(path string) ([]byte, error)
	writeFile   func(path string, data []byte) error
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newLogger:   config.LogConfig.NewLogger,
		initMetrics: app.InitMetrics,
		openService: func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (service, func(), error) {
			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return a.Service, a.Close, nil
		},
		readFile: os.ReadFile,
		writeFile: func(path string, data []byte) error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, data, 0o644)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// errUsage marks a command line problem; runMain exits 2 on it.
var errUsage = errors.New("usage")

func usagef(format string, a ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, a...))
}

// runEnv is what a command sees once config (and, if needed, the service)
// are ready.
type runEnv struct {
	cfg    *config.Config
	svc    service
	stdout io.Writer
	deps   appDeps
}

type command struct {
	fs *flag.FlagSet
	// check validates flags before anything is loaded.
	check func(args []string) error
	// local commands run on config alone.
	local bool
	run   func(ctx context.Context, env runEnv) error
}

// runMain parses args and runs one command.
//
// Exit codes:
//   - 0 on success
//   - 1 on config, metrics, open or command failures
//   - 2 on usage errors, before any side effect
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	global := flag.NewFlagSet("paineis", flag.ContinueOnError)
	global.SetOutput(stderr)
	cfgPath := global.String("config", "", "config YAML path (default config.yaml when present, else env only)")
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		fmt.Fprintln(stderr, usageLine)
		return 2
	}

	name := global.Arg(0)
	cmd := newCommand(name, stderr)
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", name, usageLine)
		return 2
	}
	if err := cmd.fs.Parse(global.Args()[1:]); err != nil {
		return 2
	}
	if cmd.check != nil {
		if err := cmd.check(cmd.fs.Args()); err != nil {
			fmt.Fprintf(stderr, "%v\n%s\n", err, usageLine)
			return 2
		}
	}

	cfg, err := deps.loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	env := runEnv{cfg: cfg, stdout: stdout, deps: deps}

	if !cmd.local {
		logger, err := deps.newLogger(cfg.Log)
		if err != nil {
			fmt.Fprintf(stderr, "init logger: %v\n", err)
			return 1
		}
		defer func() { _ = logger.Sync() }()

		cleanup, err := deps.initMetrics(ctx, cfg.Metrics, logger)
		if err != nil {
			fmt.Fprintf(stderr, "init metrics: %v\n", err)
			return 1
		}
		defer cleanup()

		svc, closeSvc, err := deps.openService(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintf(stderr, "open: %v\n", err)
			return 1
		}
		defer closeSvc()
		env.svc = svc
	}

	if err := cmd.run(ctx, env); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%v\n%s\n", err, usageLine)
			return 2
		}
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

func newCommand(name string, stderr io.Writer) *command {
	fs := flag.NewFlagSet("paineis "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch name {
	case "config":
		return &command{fs: fs, local: true, run: func(_ context.Context, env runEnv) error {
			out, err := env.cfg.Dump()
			if err != nil {
				return err
			}
			_, err = env.stdout.Write(out)
			return err
		}}
	case "create":
		return newCreateCmd(fs)
	case "upload":
		return newUploadCmd(fs)
	case "process":
		return newProcessCmd(fs)
	case "publish":
		return newPublishCmd(fs)
	case "dashboard":
		return newDashboardCmd(fs)
	case "package":
		return newPackageCmd(fs)
	case "cpf":
		return newCPFCmd(fs)
	case "preview":
		return newPreviewCmd(fs)
	case "list":
		return newListCmd(fs)
	case "show":
		return newShowCmd(fs)
	}
	return nil
}

func newCreateCmd(fs *flag.FlagSet) *command {
	var (
		municipio    = fs.Int64("municipio", 0, "municipio id (required)")
		nome         = fs.String("nome", "", "dataset name (required)")
		fonte        = fs.String("fonte", "CSV", "source: CSV, XLSX, GOOGLE_SHEETS, PDF, DOCX")
		visibilidade = fs.String("visibilidade", string(model.VisibilityInternal), "INTERNO or PUBLICO")
		categoria    = fs.String("categoria", "", "category")
		descricao    = fs.String("descricao", "", "description")
		tags         = fs.String("tags", "", "comma-separated tags")
		actor        = fs.Int64("actor", 0, "acting user id")
	)
	return &command{
		fs: fs,
		check: func([]string) error {
			if *municipio <= 0 || strings.TrimSpace(*nome) == "" {
				return usagef("create needs -municipio and -nome")
			}
			return nil
		},
		run: func(ctx context.Context, env runEnv) error {
			d := &model.Dataset{
				MunicipioID:  *municipio,
				Nome:         *nome,
				Fonte:        model.Source(*fonte),
				Visibilidade: model.Visibility(strings.ToUpper(*visibilidade)),
				Categoria:    *categoria,
				Descricao:    *descricao,
				Tags:         *tags,
				CriadoPor:    actorPtr(*actor),
			}
			if err := env.svc.CreateDataset(ctx, d); err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "dataset %d status=%s\n", d.ID, d.Status)
			return nil
		},
	}
}

func newUploadCmd(fs *flag.FlagSet) *command {
	var (
		datasetID = fs.Int64("dataset", 0, "dataset id (required)")
		file      = fs.String("file", "", "file to upload")
		sheet     = fs.String("sheet", "", "Google Sheets URL")
		actor     = fs.Int64("actor", 0, "acting user id")
	)
	return &command{
		fs: fs,
		check: func([]string) error {
			if *datasetID <= 0 {
				return usagef("upload needs -dataset")
			}
			if *file == "" && *sheet == "" {
				return usagef("upload needs -file or -sheet")
			}
			return nil
		},
		run: func(ctx context.Context, env runEnv) error {
			up := processing.Upload{DatasetID: *datasetID, GoogleSheetURL: *sheet, ActorID: actorPtr(*actor)}
			if *file != "" {
				raw, err := env.deps.readFile(*file)
				if err != nil {
					return fmt.Errorf("read %s: %w", *file, err)
				}
				up.Filename, up.Raw = filepath.Base(*file), raw
			}
			res, err := env.svc.UploadVersion(ctx, up)
			if err != nil {
				return err
			}
			printVersion(env.stdout, res.Version)
			fmt.Fprintf(env.stdout, "mode=%s\n", res.Mode)
			if res.QueueError != "" {
				fmt.Fprintf(env.stdout, "queue_error=%s\n", res.QueueError)
			}
			return nil
		},
	}
}

func newProcessCmd(fs *flag.FlagSet) *command {
	var (
		versionID = fs.Int64("version", 0, "version id (required)")
		sheet     = fs.String("sheet", "", "Google Sheets URL for GOOGLE_SHEETS datasets")
		actor     = fs.Int64("actor", 0, "acting user id")
	)
	return &command{
		fs: fs,
		check: func([]string) error {
			if *versionID <= 0 {
				return usagef("process needs -version")
			}
			return nil
		},
		run: func(ctx context.Context, env runEnv) error {
			v, err := env.svc.ProcessVersion(ctx, *versionID, *sheet, actorPtr(*actor))
			if err != nil {
				return err
			}
			printVersion(env.stdout, v)
			return nil
		},
	}
}

func newPublishCmd(fs *flag.FlagSet) *command {
	var (
		datasetID = fs.Int64("dataset", 0, "dataset id (required)")
		actor     = fs.Int64("actor", 0, "acting user id")
	)
	return &command{
		fs:    fs,
		check: requireDataset(datasetID, "publish"),
		run: func(ctx context.Context, env runEnv) error {
			d, err := env.svc.Publish(ctx, *datasetID, actorPtr(*actor))
			if err != nil {
				return err
			}
			fmt.Fprintf(env.stdout, "dataset %d status=%s\n", d.ID, d.Status)
			return nil
		},
	}
}

func newDashboardCmd(fs *flag.FlagSet) *command {
	var (
		datasetID = fs.Int64("dataset", 0, "dataset id (required)")
		f         dashboard.Filter
		asCSV     = fs.Bool("csv", false, "write the filtered rows as CSV into -out")
		outDir    = fs.String("out", ".", "output directory for -csv")
	)
	fs.StringVar(&f.DateStart, "date-start", "", "first date, YYYY-MM-DD")
	fs.StringVar(&f.DateEnd, "date-end", "", "last date, YYYY-MM-DD")
	fs.StringVar(&f.Secretaria, "secretaria", "", "secretaria filter (exact match)")
	fs.StringVar(&f.Unidade, "unidade", "", "unidade filter (exact match)")
	fs.StringVar(&f.Categoria, "categoria", "", "categoria filter (exact match)")

	return &command{
		fs:    fs,
		check: requireDataset(datasetID, "dashboard"),
		run: func(ctx context.Context, env runEnv) error {
			if *asCSV {
				name, data, err := env.svc.DashboardCSV(ctx, *datasetID, f)
				if err != nil {
					return err
				}
				return writeOut(env, filepath.Join(*outDir, name), data)
			}

			view, err := env.svc.Dashboard(ctx, *datasetID, f)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(struct {
				DatasetID int64              `json:"dataset_id"`
				VersionID int64              `json:"version_id"`
				Cached    bool               `json:"cached"`
				Payload   *dashboard.Payload `json:"payload"`
			}{view.Dataset.ID, view.Version.ID, view.Cached, view.Payload}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(env.stdout, "%s\n", out)
			return err
		},
	}
}

func newPackageCmd(fs *flag.FlagSet) *command {
	var (
		datasetID = fs.Int64("dataset", 0, "dataset id (required)")
		outDir    = fs.String("out", ".", "output directory")
		actor     = fs.Int64("actor", 0, "acting user id")
	)
	return &command{
		fs:    fs,
		check: requireDataset(datasetID, "package"),
		run: func(ctx context.Context, env runEnv) error {
			res, err := env.svc.Package(ctx, *datasetID, actorPtr(*actor))
			if err != nil {
				return err
			}
			return writeOut(env, filepath.Join(*outDir, res.FileName), res.Data)
		},
	}
}

// newCPFCmd runs one CPF helper on a value: cpf <mask|hash|encrypt|decrypt> VALUE.
// hash and the cipher modes read their keys from config.
func newCPFCmd(fs *flag.FlagSet) *command {
	return &command{
		fs:    fs,
		local: true,
		check: func(args []string) error {
			if len(args) != 2 {
				return usagef("cpf needs a mode and a value")
			}
			switch args[0] {
			case "mask", "hash", "encrypt", "decrypt":
				return nil
			}
			return usagef("unknown cpf mode %q", args[0])
		},
		run: func(_ context.Context, env runEnv) error {
			mode, value := fs.Arg(0), fs.Arg(1)
			var (
				out string
				err error
			)
			switch mode {
			case "mask":
				out = pii.MaskCPF(value)
			case "hash":
				out, err = pii.HashCPF(value, env.cfg.PII.HashKey)
			default:
				var enc *pii.Encryptor
				if enc, err = pii.NewEncryptor(env.cfg.PII.EncryptionKey); err != nil {
					break
				}
				if mode == "encrypt" {
					out, err = enc.EncryptCPF(value)
				} else {
					out, err = enc.DecryptCPF(value)
				}
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(env.stdout, out)
			return err
		},
	}
}

func requireDataset(id *int64, name string) func([]string) error {
	return func([]string) error {
		if *id <= 0 {
			return usagef("%s needs -dataset", name)
		}
		return nil
	}
}

func writeOut(env runEnv, path string, data []byte) error {
	if err := env.deps.writeFile(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err := fmt.Fprintf(env.stdout, "wrote %s (%d bytes)\n", path, len(data))
	return err
}

func printVersion(w io.Writer, v *model.Version) {
	fmt.Fprintf(w, "version %d numero=%d status=%s\n", v.ID, v.Numero, v.Status)
	if v.Log != "" {
		fmt.Fprintf(w, "log: %s\n", strings.ReplaceAll(v.Log, "\n", "; "))
	}
}

func actorPtr(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}
