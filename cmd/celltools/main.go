// Command celltools coordinates the coin-cell assembly robot: it imports
// input workbooks, balances electrodes, assigns cells to presses, plans
// electrolyte mixing and exports finished runs.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aurorabench/celltools/internal/config"
	"github.com/aurorabench/celltools/internal/electrolyte"
	"github.com/aurorabench/celltools/internal/engine"
	"github.com/aurorabench/celltools/internal/export"
	"github.com/aurorabench/celltools/internal/importer"
	"github.com/aurorabench/celltools/internal/model"
	"github.com/aurorabench/celltools/internal/store"
)

var (
	flagConfig  string
	flagDB      string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "celltools",
		Short:         "Coordination tools for the coin-cell assembly robot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultConfigPath(), "path to the config file")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "override the database path from the config")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		importCmd(),
		balanceCmd(),
		assignCmd(),
		electrolyteCmd(),
		outputCSVCmd(),
		outputJSONCmd(),
		labelsCmd(),
		backupCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (model.AppConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return model.AppConfig{}, fmt.Errorf("loading config: %w", err)
	}
	if flagDB != "" {
		cfg.DatabasePath = flagDB
	}
	return cfg, nil
}

func openStore(cfg model.AppConfig) (*store.Store, error) {
	s, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.DatabasePath, err)
	}
	return s, nil
}

// runID reads the run identifier for exports, falling back to the base
// sample ID of the imported workbook.
func runID(ctx context.Context, s *store.Store) (string, error) {
	id, err := s.Setting(ctx, "Base Sample ID")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("no run in database, import a workbook first")
	}
	return id, nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <workbook.xlsx>",
		Short: "Import an input workbook and initialize the run database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			result := importer.ImportWorkbook(args[0])
			for _, w := range result.Warnings {
				slog.Warn(w)
			}
			if len(result.Errors) > 0 {
				for _, e := range result.Errors {
					slog.Error(e)
				}
				return fmt.Errorf("workbook has %d problem(s), database not updated", len(result.Errors))
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if err := s.SaveCells(ctx, result.Cells); err != nil {
				return err
			}
			if err := s.SavePresses(ctx, result.Presses); err != nil {
				return err
			}
			if err := s.SaveElectrolytes(ctx, result.Electrolytes); err != nil {
				return err
			}
			for key, value := range result.Settings {
				if err := s.SetSetting(ctx, key, value); err != nil {
					return err
				}
			}
			slog.Info("imported workbook",
				"cells", len(result.Cells),
				"electrolytes", len(result.Electrolytes),
				"run_id", result.Settings["Base Sample ID"])
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	var modeName string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Match anodes to cathodes and assign cell numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mode, err := engine.ParseMatchMode(modeName)
			if err != nil {
				return err
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			cells, err := s.Cells(ctx)
			if err != nil {
				return err
			}

			opts := engine.MatchOptions{
				RejectionCostFactor: cfg.RejectionCostFactor,
				ExactTimeout:        time.Duration(cfg.ExactTimeoutSeconds) * time.Second,
			}
			balanced, report, err := engine.Balance(ctx, cells, mode, opts)
			if err != nil {
				return err
			}

			for _, b := range report.Batches {
				logger := slog.With("batch", b.BatchNumber, "rows", b.Rows)
				switch {
				case b.TooSmall:
					logger.Warn("batch too small to match, kept as-is")
				case b.FellBack:
					logger.Warn("exact matching timed out, used greedy result", "mode", b.Mode)
				default:
					logger.Info("matched batch", "mode", b.Mode)
				}
			}
			slog.Info("balancing finished",
				"accepted", report.Accepted,
				"rejected", report.Rejected,
				"avg_deviation", report.AverageDeviation)

			return s.SaveCells(ctx, balanced)
		},
	}
	cmd.Flags().StringVar(&modeName, "mode", engine.ModeAuto.String(),
		"matching mode: keep, identity, sort, 2d, greedy3d, exact3d or auto")
	return cmd
}

func assignCmd() *cobra.Command {
	var (
		link             bool
		electrolyteLimit int
		yes              bool
	)
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign numbered cells to hydraulic presses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			cells, err := s.Cells(ctx)
			if err != nil {
				return err
			}
			presses, err := s.Presses(ctx)
			if err != nil {
				return err
			}

			opts := engine.AssignOptions{
				LinkRackToPress:  link,
				ElectrolyteLimit: electrolyteLimit,
				RackToPress:      cfg.RackToPress,
				ReturnStep:       cfg.ReturnStep,
			}
			newCells, newPresses, plan, err := engine.Assign(cells, presses, opts)
			if err != nil {
				return err
			}

			for _, e := range plan.AlreadyLoaded {
				slog.Info("press already loaded", "press", e.Press, "cell", e.CellNumber, "rack", e.RackPosition)
			}
			for _, e := range plan.Faulted {
				slog.Warn("press faulted, rack class flagged", "press", e.Press)
			}
			for _, e := range plan.Planned {
				slog.Info("planned load", "press", e.Press, "cell", e.CellNumber, "rack", e.RackPosition)
			}

			// A press that is mid-cycle means the robot stopped partway.
			// Make the operator confirm before re-planning around it.
			if len(plan.AlreadyLoaded) > 0 && len(plan.Planned) > 0 && !yes {
				fmt.Fprintf(os.Stderr, "Presses %v still hold cells. Continue loading the remaining presses? [y/N] ",
					loadedPresses(plan.AlreadyLoaded))
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
					return fmt.Errorf("aborted by operator, database not updated")
				}
			}

			if err := s.SaveCells(ctx, newCells); err != nil {
				return err
			}
			if err := s.SavePresses(ctx, newPresses); err != nil {
				return err
			}
			slog.Info("assignment saved", "planned", len(plan.Planned), "faulted", len(plan.Faulted))
			return nil
		},
	}
	cmd.Flags().BoolVar(&link, "link", true, "restrict each press to its rack-position class")
	cmd.Flags().IntVar(&electrolyteLimit, "electrolyte-limit", 0,
		"max distinct electrolyte positions in play, 0 for no limit")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func loadedPresses(entries []engine.LoadEntry) []int {
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Press)
	}
	return out
}

func electrolyteCmd() *cobra.Command {
	var safetyFactor float64
	cmd := &cobra.Command{
		Use:   "electrolyte",
		Short: "Calculate electrolyte volumes and mixing steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("safety-factor") {
				safetyFactor = cfg.ElectrolyteSafetyFactor
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			cells, err := s.Cells(ctx)
			if err != nil {
				return err
			}
			electrolytes, err := s.Electrolytes(ctx)
			if err != nil {
				return err
			}

			updated, steps, err := electrolyte.Plan(cells, electrolytes, safetyFactor)
			if err != nil {
				return err
			}
			for _, e := range updated {
				if e.CumulativeVolumeRequiredUL > 0 {
					slog.Info("electrolyte required",
						"position", e.Position, "name", e.Name,
						"volume_ul", fmt.Sprintf("%.1f", e.VolumeRequiredUL),
						"cumulative_ul", fmt.Sprintf("%.1f", e.CumulativeVolumeRequiredUL))
				}
			}
			for _, step := range steps {
				slog.Info("mixing step",
					"from", step.SourcePosition, "to", step.TargetPosition,
					"volume_ul", fmt.Sprintf("%.1f", step.VolumeUL))
			}

			if err := s.SaveElectrolytes(ctx, updated); err != nil {
				return err
			}
			return s.SaveMixingSteps(ctx, steps)
		},
	}
	cmd.Flags().Float64Var(&safetyFactor, "safety-factor", 1.1,
		"volume multiplier covering dispensing losses")
	return cmd
}

// outputPath resolves an export destination: the --out flag when given,
// otherwise <output dir>/<run id><ext>.
func outputPath(cfg model.AppConfig, out, id, ext string) (string, error) {
	if out == "" {
		out = filepath.Join(cfg.OutputDir, id+ext)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	return out, nil
}

func outputCSVCmd() *cobra.Command {
	var (
		out    string
		cycler bool
	)
	cmd := &cobra.Command{
		Use:   "output-csv",
		Short: "Export finished cells to a semicolon-separated CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			id, err := runID(ctx, s)
			if err != nil {
				return err
			}
			cells, err := s.Cells(ctx)
			if err != nil {
				return err
			}
			stamps, err := s.Timestamps(ctx)
			if err != nil {
				return err
			}

			path, err := outputPath(cfg, out, id, ".csv")
			if err != nil {
				return err
			}
			if err := export.ExportCSV(path, cells, stamps, id, cycler); err != nil {
				return err
			}
			slog.Info("wrote CSV", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file path")
	cmd.Flags().BoolVar(&cycler, "cycler", false, "use the cycler database column names")
	return cmd
}

func outputJSONCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "output-json",
		Short: "Export finished cells with assembly history to JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			id, err := runID(ctx, s)
			if err != nil {
				return err
			}
			cells, err := s.Cells(ctx)
			if err != nil {
				return err
			}
			stamps, err := s.Timestamps(ctx)
			if err != nil {
				return err
			}

			path, err := outputPath(cfg, out, id, ".json")
			if err != nil {
				return err
			}
			if err := export.ExportJSON(path, cells, stamps, id); err != nil {
				return err
			}
			slog.Info("wrote JSON", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file path")
	return cmd
}

func labelsCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Generate a QR-coded sample label sheet PDF",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			id, err := runID(ctx, s)
			if err != nil {
				return err
			}
			cells, err := s.Cells(ctx)
			if err != nil {
				return err
			}

			path, err := outputPath(cfg, out, id+"_labels", ".pdf")
			if err != nil {
				return err
			}
			if err := export.ExportLabels(path, cells, id); err != nil {
				return err
			}
			slog.Info("wrote labels", "path", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file path")
	return cmd
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copy the database into the backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			path, err := s.Backup(cfg.BackupDir)
			if err != nil {
				return err
			}
			slog.Info("backup written", "path", path)
			return nil
		},
	}
}
