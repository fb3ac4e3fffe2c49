// Command rsai computes repeat-sales house price indices per CBSA from
// pre-built repeat-sale pairs or raw transactions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/banshee-data/hpi.report/internal/config"
	"github.com/banshee-data/hpi.report/internal/db"
	"github.com/banshee-data/hpi.report/internal/export"
	"github.com/banshee-data/hpi.report/internal/fsutil"
	"github.com/banshee-data/hpi.report/internal/ingest"
	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/pipeline"
	"github.com/banshee-data/hpi.report/internal/report"
	"github.com/banshee-data/hpi.report/internal/timeutil"
	"github.com/banshee-data/hpi.report/internal/version"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

type options struct {
	configPath   string
	transactions string
	pairs        string
	centroids    string
	basis        string
	outDir       string
	dbPath       string
	wide         bool
	byCBSA       bool
	summary      bool
	charts       bool
	showVersion  bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("rsai", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Run configuration (.json, .yaml or .yml); defaults apply when empty")
	fs.StringVar(&o.transactions, "transactions", "", "Transactions file (.csv or .xlsx) to build repeat-sale pairs from")
	fs.StringVar(&o.pairs, "pairs", "", "Repeat-sale pairs file (.csv or .xlsx)")
	fs.StringVar(&o.centroids, "centroids", "", "Tract centroids file (.csv or .xlsx)")
	fs.StringVar(&o.basis, "basis", "", "Tract weighting basis file (.csv or .xlsx)")
	fs.StringVar(&o.outDir, "out", "out", "Output directory")
	fs.StringVar(&o.dbPath, "db", "", "SQLite database to record the run in")
	fs.BoolVar(&o.wide, "wide", false, "Also write a wide table with one column per CBSA and scheme")
	fs.BoolVar(&o.byCBSA, "by-cbsa", false, "Also write one file per CBSA")
	fs.BoolVar(&o.summary, "summary", false, "Also write per-series summary statistics")
	fs.BoolVar(&o.charts, "charts", false, "Also render an HTML page and PNG plots of the series")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.showVersion {
		return o, nil
	}
	if (o.transactions == "") == (o.pairs == "") {
		return nil, errors.New("exactly one of -transactions or -pairs is required")
	}
	if o.centroids == "" {
		return nil, errors.New("-centroids is required")
	}
	if o.basis == "" {
		return nil, errors.New("-basis is required")
	}
	return o, nil
}

func loadConfig(path string) (*config.RunConfig, error) {
	if path != "" {
		return config.LoadRunConfig(path)
	}
	cfg := config.DefaultRunConfig()
	if err := cfg.ApplyEnv(config.EnvPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadInputs(o *options) (pipeline.Inputs, error) {
	var in pipeline.Inputs
	var err error
	if o.pairs != "" {
		if in.Pairs, _, err = ingest.LoadPairs(o.pairs); err != nil {
			return in, err
		}
	} else {
		txs, _, err := ingest.LoadTransactions(o.transactions)
		if err != nil {
			return in, err
		}
		var st ingest.FilterStats
		in.Pairs, st = ingest.BuildPairs(txs, ingest.DefaultFilters())
		log.Printf("kept %d of %d candidate pairs (same-period=%d growth=%d ratio=%d)",
			st.Kept, st.Candidates, st.SamePeriod, st.Growth, st.Ratio)
	}
	if in.Centroids, _, err = ingest.LoadCentroids(o.centroids); err != nil {
		return in, err
	}
	if in.Basis, _, err = ingest.LoadBasis(o.basis); err != nil {
		return in, err
	}
	return in, nil
}

func writeOutputs(fs fsutil.FileSystem, o *options, res *pipeline.Result) error {
	if err := fs.MkdirAll(o.outDir, 0o755); err != nil {
		return err
	}
	write := func(name string, f func(io.Writer) error) error {
		path := filepath.Join(o.outDir, name)
		w, err := fs.Create(path)
		if err != nil {
			return err
		}
		if err := f(w); err != nil {
			w.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
		return w.Close()
	}

	if err := write("hpi_long.csv", func(w io.Writer) error { return export.WriteLong(w, res.Records) }); err != nil {
		return err
	}
	if err := write("conditions.json", func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Conditions)
	}); err != nil {
		return err
	}
	if o.wide {
		if err := write("hpi_wide.csv", func(w io.Writer) error { return export.WriteWide(w, res.Records) }); err != nil {
			return err
		}
	}
	if o.summary {
		if err := write("summary.csv", func(w io.Writer) error {
			return export.WriteSummary(w, export.Summarise(res.Records))
		}); err != nil {
			return err
		}
	}
	if o.byCBSA {
		if _, err := export.WriteByCBSA(fs, filepath.Join(o.outDir, "by_cbsa"), res.Records); err != nil {
			return err
		}
	}
	if o.charts {
		if err := write("index.html", func(w io.Writer) error { return report.RenderHTML(w, res.Series) }); err != nil {
			return err
		}
		if _, err := report.PlotSeries(fs, filepath.Join(o.outDir, "charts"), res.Series); err != nil {
			return err
		}
	}
	return nil
}

func saveRun(ctx context.Context, path string, cfg *config.RunConfig, res *pipeline.Result) (string, error) {
	d, err := db.Open(path)
	if err != nil {
		return "", err
	}
	defer d.Close()
	if err := d.MigrateUp(); err != nil {
		return "", err
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return db.NewStore(d, timeutil.RealClock{}).SaveRun(ctx, cfgJSON, res)
}

func printConditions(w io.Writer, conds []monitoring.Condition) {
	counts := make(map[monitoring.ConditionKind]int)
	for _, c := range conds {
		counts[c.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "%-30s %d\n", k, counts[monitoring.ConditionKind(k)])
	}
}

func run(ctx context.Context, args []string, fs fsutil.FileSystem, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitUsage
	}

	in, err := loadInputs(o)
	if err != nil {
		fmt.Fprintf(stderr, "input: %v\n", err)
		return exitFailed
	}

	res, err := pipeline.NewRunner(cfg, nil).Run(ctx, in)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(stderr, "config: %v\n", err)
			return exitUsage
		}
		fmt.Fprintf(stderr, "run: %v\n", err)
		return exitFailed
	}

	if err := writeOutputs(fs, o, res); err != nil {
		fmt.Fprintf(stderr, "output: %v\n", err)
		return exitFailed
	}
	if o.dbPath != "" {
		runID, err := saveRun(ctx, o.dbPath, cfg, res)
		if err != nil {
			fmt.Fprintf(stderr, "db: %v\n", err)
			return exitFailed
		}
		log.Printf("recorded run %s in %s", runID, o.dbPath)
	}

	fmt.Fprintf(stdout, "%d index values for %d series written to %s\n", len(res.Records), len(res.Series), o.outDir)
	printConditions(stdout, res.Conditions)
	return exitOK
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	code := run(ctx, os.Args[1:], fsutil.OSFileSystem{}, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
