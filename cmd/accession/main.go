package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accessioning/adapters/postgres"
	"accessioning/domain/core"
	"accessioning/internal/api"
	"accessioning/internal/config"
	"accessioning/internal/container"
	"accessioning/internal/errors"
	"accessioning/internal/ingest"
	"accessioning/internal/logging"
	"accessioning/internal/migration"
	"accessioning/internal/recovery"
	"accessioning/internal/testkit"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	memory bool
}

func main() {
	// Load environment variables from .env file
	envErr := godotenv.Load()

	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "accession",
		Short:         "Variant accessioning service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
			if envErr != nil {
				a.log.Debug("no .env file found, using system environment variables")
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().BoolVar(&a.memory, "memory", false, "use in-process storage instead of Postgres")

	rootCmd.AddCommand(
		a.newServeCmd(),
		a.newIngestCmd(),
		a.newRecoverCmd(),
		a.newDeclusterCmd(),
		a.newQCCmd(),
		a.newMigrateCmd(),
		a.newSeedCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(errors.ExitCode(err))
	}
}

// openContainer builds the container over Postgres, or over memory when
// --memory is set
func (a *app) openContainer(ctx context.Context) (*container.Container, error) {
	if a.memory {
		return container.NewInMemory(a.cfg, a.log)
	}
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	db, err := postgres.Open(ctx, a.cfg.Database.URL, a.cfg.Database.MaxOpenConns, a.cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	c, err := container.New(a.cfg, a.log)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := c.InitWithDatabase(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize container")
	}
	return c, nil
}

// withContainer runs fn and then releases held blocks and connections
func (a *app) withContainer(ctx context.Context, fn func(*container.Container) error) error {
	c, err := a.openContainer(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Error("shutdown failed")
		}
	}()
	return fn(c)
}

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the accession HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withContainer(cmd.Context(), func(c *container.Container) error {
				return api.NewServer(c).Start(cmd.Context(), ":"+a.cfg.Server.Port)
			})
		},
	}
}

func (a *app) newIngestCmd() *cobra.Command {
	var batchSize int
	var out string
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl|->",
		Short: "Accession and cluster submissions read as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			w, err := openOutput(out)
			if err != nil {
				return err
			}
			defer w.Close()

			return a.withContainer(cmd.Context(), func(c *container.Container) error {
				p := ingest.NewPipeline(c.Renormalizer, c.SubmittedVariants, c.Linker, batchSize, c.Log)
				summary, err := p.Run(cmd.Context(), in, w)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStderr(), summary)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "submissions accessioned per batch")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "where to write per-line results")
	return cmd
}

func (a *app) newRecoverCmd() *cobra.Command {
	var category string
	var cutoff time.Duration
	cmd := &cobra.Command{
		Use:   "recover-blocks",
		Short: "Recover accessions left uncommitted by crashed instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cutoff == 0 {
				cutoff = a.cfg.Recovery.Cutoff
			}
			return a.withContainer(cmd.Context(), func(c *container.Container) error {
				agents := c.RecoveryAgents()
				if category != "" {
					agent, ok := agents[category]
					if !ok {
						return errors.InvalidInput(fmt.Sprintf("unknown category %q", category))
					}
					agents = map[string]*recovery.Agent{category: agent}
				}
				for cat, agent := range agents {
					result, err := agent.Run(cmd.Context(), cat, cutoff)
					if err != nil {
						return errors.Wrapf(err, "recovery of %s failed", cat)
					}
					if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{"category": cat, "result": result}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only recover this accession space")
	cmd.Flags().DurationVar(&cutoff, "cutoff", 0, "minimum age of a block before it is recovered")
	return cmd
}

func (a *app) newDeclusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decluster <accession>...",
		Short: "Re-check cluster links of submitted variants and sever mismatches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accessions, err := parseAccessions(args)
			if err != nil {
				return err
			}
			return a.withContainer(cmd.Context(), func(c *container.Container) error {
				summary, err := c.Decluster.DeclusterAll(cmd.Context(), accessions)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
}

func (a *app) newQCCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "qc-duplicates [cluster-accession]...",
		Short: "Report clusters whose submitted variants sit at unconnected loci",
		RunE: func(cmd *cobra.Command, args []string) error {
			clusters, err := parseAccessions(args)
			if err != nil {
				return err
			}
			w, err := openOutput(out)
			if err != nil {
				return err
			}
			defer w.Close()

			return a.withContainer(cmd.Context(), func(c *container.Container) error {
				report, err := c.Detector.Run(cmd.Context(), clusters)
				if err != nil {
					return err
				}
				return report.WriteJSONLines(w)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "where to write the report")
	return cmd
}

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireDatabase(); err != nil {
				return err
			}
			db, err := postgres.Open(cmd.Context(), a.cfg.Database.URL, a.cfg.Database.MaxOpenConns, a.cfg.Database.MaxIdleConns)
			if err != nil {
				return err
			}
			defer db.Close()
			return migration.NewRunner(a.log).Run(cmd.Context(), db)
		},
	}
}

func (a *app) newSeedCmd() *cobra.Command {
	gen := testkit.DefaultSubmissionConfig()
	var out string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write synthetic submissions in the ingest format",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := openOutput(out)
			if err != nil {
				return err
			}
			defer w.Close()

			submissions := testkit.NewSubmissionGenerator(gen).Generate()
			a.log.WithField("count", len(submissions)).Info("generated synthetic submissions")
			return testkit.WriteJSONLines(w, submissions)
		},
	}
	cmd.Flags().IntVar(&gen.Count, "count", gen.Count, "number of submissions")
	cmd.Flags().Int64Var(&gen.Seed, "seed", gen.Seed, "random seed")
	cmd.Flags().Float64Var(&gen.RepeatRate, "repeat-rate", gen.RepeatRate, "share of resubmitted variants")
	cmd.Flags().Float64Var(&gen.IndelRate, "indel-rate", gen.IndelRate, "share of insertions and deletions")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "where to write the submissions")
	return cmd
}

func parseAccessions(args []string) ([]core.Accession, error) {
	accessions := make([]core.Accession, 0, len(args))
	for _, arg := range args {
		acc, err := core.ParseAccession(arg)
		if err != nil {
			return nil, errors.InvalidInput(err.Error())
		}
		accessions = append(accessions, acc)
	}
	return accessions, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.InvalidInput(err.Error())
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.InvalidInput(err.Error())
	}
	return f, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
