// audit-anchor audits smart contract source with a local model and anchors
// every report: the canonical report is pinned to IPFS and its Keccak-256
// digest is registered on chain together with the CID.
//
//	audit-anchor serve                      run the HTTP service
//	audit-anchor anchor report.json         anchor an existing report
//	audit-anchor fetch <cid>                print a published report
//	audit-anchor status <tx-hash>           registration transaction status
//	audit-anchor registrations              list registrations
//	audit-anchor total                      registry size
//	audit-anchor verify                     re-check registrations against IPFS
//	audit-anchor journal                    recent local anchor outcomes
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/exploopio/audit-anchor/pkg/canonical"
	"github.com/exploopio/audit-anchor/pkg/digest"
	"github.com/exploopio/audit-anchor/pkg/ledger"
	"github.com/exploopio/audit-anchor/pkg/model"
	"github.com/exploopio/audit-anchor/pkg/report"
	grpctransport "github.com/exploopio/audit-anchor/pkg/transport/grpc"
)

const appName = "audit-anchor"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Audit smart contracts and anchor the reports on chain",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAnchorCmd(&configPath),
		newFetchCmd(&configPath),
		newStatusCmd(&configPath),
		newRegistrationsCmd(&configPath),
		newTotalCmd(&configPath),
		newVerifyCmd(&configPath),
		newJournalCmd(&configPath),
		newVersionCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// withApp loads configuration, wires the components and runs fn.
func withApp(cmd *cobra.Command, configPath string, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			if cfg.Log.Mode == "production" || cfg.Log.Mode == "prod" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{ledger: true, journal: true})
			if err != nil {
				return err
			}
			defer a.Close()

			gen := model.New(&cfg.Model, a.logger)
			h := a.healthHandler(gen)
			srv := a.server(gen, h)

			if a.journal != nil && cfg.Journal.RetentionHours > 0 {
				go a.cleanupJournal(ctx, time.Duration(cfg.Journal.RetentionHours)*time.Hour)
			}

			a.logger.Info("%s %s starting, anchoring enabled: %v, model %s at %s",
				appName, version, a.pipeline.Enabled(), gen.Model(), cfg.Model.BaseURL)
			a.trail.ServiceStart(version, a.pipeline.Enabled())
			defer a.trail.ServiceStop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if cfg.GRPC.Address != "" {
				gs, err := grpctransport.NewServer(&cfg.GRPC, h, a.logger)
				if err != nil {
					return err
				}
				g.Go(func() error { return gs.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_addr)")
	return cmd
}

func (a *app) cleanupJournal(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := a.journal.Cleanup(ctx, maxAge)
		if err != nil {
			a.logger.Warn("Journal cleanup failed: %v", err)
		} else if n > 0 {
			a.logger.Info("Journal cleanup removed %d entries", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newAnchorCmd(configPath *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "anchor <report.json>",
		Short: "Publish and register an existing report (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}
			rep, err := report.Parse(data)
			if err != nil {
				return err
			}

			if dryRun {
				canon, err := canonical.Marshal(rep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", canon)
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"digest":  digest.Sum(canon),
					"summary": rep.Summarize(),
				})
			}

			return withApp(cmd, *configPath, appOptions{journal: true}, func(ctx context.Context, a *app) error {
				res, err := a.pipeline.Anchor(ctx, rep)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Failure != "" {
					return fmt.Errorf("%s", res.Failure)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the canonical form and digest only")
	return cmd
}

func newFetchCmd(configPath *string) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "fetch <cid>",
		Short: "Print a published report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, appOptions{}, func(ctx context.Context, a *app) error {
				if raw {
					data, err := a.gateway.FetchRaw(ctx, args[0])
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				rep, err := a.gateway.Fetch(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the stored bytes unchanged")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <tx-hash>",
		Short: "Show a registration transaction's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := hexutil.Decode(args[0])
			if err != nil || len(b) != common.HashLength {
				return fmt.Errorf("invalid transaction hash %q", args[0])
			}
			opts := appOptions{ledger: true, requireLedger: true, journal: true}
			return withApp(cmd, *configPath, opts, func(ctx context.Context, a *app) error {
				conf, err := a.ledger.Status(ctx, common.BytesToHash(b))
				if err != nil {
					return err
				}
				if a.journal != nil && (conf.Status == ledger.TxConfirmed || conf.Status == ledger.TxReverted) {
					if _, err := a.journal.UpdateStatus(ctx, conf.TxHash.Hex(), string(conf.Status)); err != nil {
						a.logger.Warn("Journal status update failed: %v", err)
					}
				}
				return printJSON(cmd.OutOrStdout(), conf)
			})
		},
	}
}

func newRegistrationsCmd(configPath *string) *cobra.Command {
	var fromBlock uint64

	cmd := &cobra.Command{
		Use:   "registrations",
		Short: "List report registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions{ledger: true, requireLedger: true}
			return withApp(cmd, *configPath, opts, func(ctx context.Context, a *app) error {
				records, err := a.ledger.Registrations(ctx, fromBlock)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "first block to scan")
	return cmd
}

func newTotalCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "total",
		Short: "Print the number of registered reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions{ledger: true, requireLedger: true}
			return withApp(cmd, *configPath, opts, func(ctx context.Context, a *app) error {
				n, err := a.ledger.TotalReports(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newVerifyCmd(configPath *string) *cobra.Command {
	var fromBlock uint64

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every registration against its published content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions{ledger: true, requireLedger: true}
			return withApp(cmd, *configPath, opts, func(ctx context.Context, a *app) error {
				rep, err := a.verifier().Verify(ctx, fromBlock)
				if err != nil {
					return err
				}
				a.trail.Verify(rep)
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%d registrations: %d verified, %d mismatched, %d unavailable, %d undecodable\n",
					rep.Total, rep.Verified, rep.Mismatched, rep.Unavailable, rep.Undecodable)
				if !rep.OK() {
					return fmt.Errorf("%d of %d registrations did not verify", rep.Total-rep.Verified, rep.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "first block to scan")
	return cmd
}

func newJournalCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent anchor outcomes from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, appOptions{journal: true}, func(ctx context.Context, a *app) error {
				if a.journal == nil {
					return fmt.Errorf("journal is disabled")
				}
				entries, err := a.journal.List(ctx, limit)
				if err != nil {
					return err
				}
				stats, err := a.journal.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"stats": stats, "entries": entries})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}
