package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/HatiCode/foresight/cmd/studio/config"
	"github.com/HatiCode/foresight/cmd/studio/logger"
	"github.com/HatiCode/foresight/pkg/adapters"
	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
	"github.com/HatiCode/foresight/pkg/timeseries"
)

// batchOptions are the flags of the run command.
type batchOptions struct {
	Source          string
	SourceConfig    map[string]string
	TimestampColumn string
	ValueColumn     string
	ModelConfig     string
	HorizonDays     int
	Validate        bool
	RollingWindow   int
	Tune            bool
	Output          string
}

var batch batchOptions

type step struct {
	name string
	run  func() error
}

var runCmd = &cobra.Command{
	Use:   "run [csv-file]",
	Short: "Run the pipeline once and write the forecast as CSV",
	Long: `Run load, prepare, configure, fit and predict once over a single input
and write the export CSV (ds,yhat_lower,yhat,yhat_upper).

The input is a CSV file given as argument, or any source selected with
--source and --source-config. With --tune the default hyperparameter grid
is searched and the best candidate is refitted before predicting. With
--validate cross-validation metrics are logged.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := batch
		if len(args) == 1 {
			opts.Source = adapters.KindCSV
			opts.SourceConfig = map[string]string{"path": args[0]}
			if d := batch.SourceConfig["delimiter"]; d != "" {
				opts.SourceConfig["delimiter"] = d
			}
		}

		out := cmd.OutOrStdout()
		if opts.Output != "" && opts.Output != "-" {
			f, err := os.Create(opts.Output)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		return runBatch(cmd.Context(), cfg, opts, out, logger.New(cfg))
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&batch.Source, "source", adapters.KindCSV, "Input source: csv, prometheus, victoriametrics, or http")
	f.StringToStringVar(&batch.SourceConfig, "source-config", nil, "Source settings as key=value pairs (e.g. path=, query=, url=, window_days=)")
	f.StringVar(&batch.TimestampColumn, "timestamp-column", timeseries.ColumnTime, "Timestamp column name")
	f.StringVar(&batch.ValueColumn, "value-column", timeseries.ColumnValue, "Value column name")
	f.StringVar(&batch.ModelConfig, "model-config", "", "YAML or JSON file with model options (default: stock options)")
	f.IntVar(&batch.HorizonDays, "horizon", 30, "Forecast horizon in days")
	f.BoolVar(&batch.Validate, "validate", false, "Cross-validate and log the metrics")
	f.IntVar(&batch.RollingWindow, "rolling-window", 1, "Horizons pooled per metric row")
	f.BoolVar(&batch.Tune, "tune", false, "Grid-search prior scales and refit with the best candidate")
	f.StringVarP(&batch.Output, "output", "o", "-", "Output file (- for stdout)")
}

func runBatch(ctx context.Context, cfg *config.Config, opts batchOptions, out io.Writer, log *slog.Logger) error {
	source, err := adapters.New(opts.Source, opts.SourceConfig)
	if err != nil {
		return err
	}
	modelOpts, err := loadModelOptions(opts.ModelConfig)
	if err != nil {
		return err
	}
	runner, err := newRunner(cfg, log, nil)
	if err != nil {
		return err
	}

	table, err := source.Load(ctx)
	if err != nil {
		return err
	}
	log.Info("input loaded", "source", source.Name(), "rows", table.Len(), "columns", table.Columns())

	s := pipeline.NewSession(runner)
	steps := []step{
		{"load", func() error { return s.Load(ctx, table) }},
		{"prepare", func() error { return s.Prepare(ctx, opts.TimestampColumn, opts.ValueColumn) }},
		{"configure", func() error { return s.Configure(ctx, modelOpts) }},
		{"fit", func() error { return s.Fit(ctx) }},
		{"predict", func() error { return s.Predict(ctx, opts.HorizonDays) }},
	}
	if opts.Tune {
		// Applying the best candidate re-enters configuration, so the
		// model is fitted and predicted again.
		steps = append(steps,
			step{"tune", func() error { return s.Tune(ctx, pipeline.DefaultGrid(), cfg.CVSettings()) }},
			step{"apply", func() error {
				best, err := s.ApplyBest(ctx)
				if err == nil {
					log.Info("applied best candidate", "index", best.Index, "params", best.Params, "rmse", best.RMSE)
				}
				return err
			}},
			step{"refit", func() error { return s.Fit(ctx) }},
			step{"predict", func() error { return s.Predict(ctx, opts.HorizonDays) }},
		)
	}
	if opts.Validate {
		steps = append(steps, step{"validate", func() error {
			return s.Validate(ctx, cfg.CVSettings(), opts.RollingWindow)
		}})
	}

	for _, st := range steps {
		if err := st.run(); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}

	for _, m := range s.Metrics() {
		log.Info("cross-validation",
			"horizon_days", m.Horizon.Hours()/24,
			"rmse", m.RMSE,
			"mae", m.MAE,
			"mape", m.MAPE,
			"mdape", m.MDAPE,
			"smape", m.SMAPE,
			"coverage", m.Coverage,
		)
	}

	records, err := s.Export(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return pipeline.WriteCSV(out, records)
}

// loadModelOptions reads model options from a YAML or JSON file on top of
// the stock options. An empty path returns the stock options.
func loadModelOptions(path string) (models.Options, error) {
	opts := models.DefaultOptions()
	if path == "" {
		return opts, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return opts, fmt.Errorf("read model config: %w", err)
	}
	if err := v.Unmarshal(&opts); err != nil {
		return opts, fmt.Errorf("decode model config: %w", err)
	}
	if len(v.AllKeys()) == 0 {
		return opts, errors.New("model config is empty")
	}
	return opts, nil
}
