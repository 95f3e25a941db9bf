package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/proxy-suite/internal/controller"
	"github.com/ChuLiYu/proxy-suite/internal/export"
	"github.com/ChuLiYu/proxy-suite/internal/query"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ============================================================================
// scrape / check
// ============================================================================

func (a *app) buildScrapeCommand() *cobra.Command {
	var profileName string

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape the enabled sources once",
		Long:  "Download every enabled source (or the sources of --profile) and merge the candidates into the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(func(ctrl *controller.Controller) error {
				var profile *types.ScrapeProfile
				if profileName != "" {
					p, err := ctrl.ScrapeProfile(profileName)
					if err != nil {
						return err
					}
					profile = &p
				}
				return runBatch(cmd, ctrl, func(ctx context.Context) error {
					return ctrl.StartScrape(ctx, profile)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "scrape profile name")
	return cmd
}

func (a *app) buildCheckCommand() *cobra.Command {
	var (
		modeName    string
		targets     []string
		profileName string
		ids         []string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the collection once",
		Long: `Check every candidate (or the ones given with --id) in one of the modes:
  INTENSIVE, STANDARD, LIGHTNING  liveness, latency, anonymity and geo
  GOOGLE, SECURITY                enrichment of VALID candidates only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := types.ParseCheckMode(modeName)
			if err != nil {
				return err
			}
			return a.withController(func(ctrl *controller.Controller) error {
				if profileName != "" {
					p, err := ctrl.CheckProfile(profileName)
					if err != nil {
						return err
					}
					if !cmd.Flags().Changed("mode") {
						mode = p.Mode
					}
					if len(targets) == 0 {
						targets = p.Targets
					}
				}

				var list []types.Candidate
				for _, id := range ids {
					cand, ok := ctrl.Store().Get(id)
					if !ok {
						return fmt.Errorf("candidate %q not found", id)
					}
					list = append(list, cand)
				}
				return runBatch(cmd, ctrl, func(ctx context.Context) error {
					return ctrl.StartCheck(ctx, mode, targets, list)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&modeName, "mode", "m", string(types.ModeStandard), "check mode")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target URL (repeatable)")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "check profile name")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "only check these candidates (repeatable)")
	return cmd
}

func printOutcome(w io.Writer, o types.BatchOutcome) {
	state := "completed"
	if o.Cancelled {
		state = "cancelled"
	}
	fmt.Fprintf(w, "%s %s: %d processed, %d errors in %s\n",
		strings.ToUpper(string(o.Kind)), state, o.Processed, o.Errors, o.Duration.Round(time.Millisecond))
}

// ============================================================================
// list / export
// ============================================================================

// addQueryFlags 將查詢條件綁定到命令旗標
func addQueryFlags(cmd *cobra.Command, p *query.Params) {
	f := cmd.Flags()
	f.StringVar(&p.Status, "status", "", "status filter: valid, invalid, untested")
	f.StringVar(&p.Protocol, "protocol", "", "protocol filter: http, https, socks4, socks5")
	f.StringVar(&p.Anonymity, "anonymity", "", "anonymity filter: elite, anonymous, transparent, unknown")
	f.StringVar(&p.Search, "search", "", "substring match on id, isp, country and tags")
	f.IntVar(&p.MinScore, "min-score", 0, "minimum quality score")
	f.Int64Var(&p.MaxLatency, "max-latency", 0, "maximum latency in ms")
	f.StringArrayVarP(&p.Where, "where", "w", nil, `extra constraint "field=value" or "field^=value" (repeatable)`)
	f.StringVar(&p.Sort, "sort", "", "sort key: id, latency, country, anonymity, qualityScore, uptimeRatio, provider, lastChecked")
	f.StringVar(&p.Direction, "dir", "", "sort direction: asc, desc")
}

func runQuery(ctrl *controller.Controller, p query.Params) ([]types.Candidate, error) {
	filters, order, err := p.Parse()
	if err != nil {
		return nil, err
	}
	return query.Apply(ctrl.Store().List(), filters, order), nil
}

func (a *app) buildListCommand() *cobra.Command {
	var (
		params query.Params
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List candidates with filters and sorting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(func(ctrl *controller.Controller) error {
				list, err := runQuery(ctrl, params)
				if err != nil {
					return err
				}
				total := len(list)
				if limit > 0 && len(list) > limit {
					list = list[:limit]
				}
				printCandidates(cmd.OutOrStdout(), list)
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d candidates\n", len(list), total)
				return nil
			})
		},
	}
	addQueryFlags(cmd, &params)
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows, 0 for all")
	return cmd
}

func printCandidates(w io.Writer, list []types.Candidate) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROTOCOL\tSTATUS\tLATENCY\tSCORE\tANONYMITY\tCOUNTRY\tUPTIME\tTAGS")
	for _, c := range list {
		latency, score, country, uptime := "-", "-", "-", "N/A"
		if c.LatencyMs != nil {
			latency = fmt.Sprintf("%dms", *c.LatencyMs)
		}
		if c.QualityScore != nil {
			score = fmt.Sprint(*c.QualityScore)
		}
		if c.Country != nil {
			country = *c.Country
		}
		if c.Uptime.Checks > 0 {
			uptime = fmt.Sprintf("%.0f%%", c.Uptime.Ratio()*100)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Protocol, c.Status, latency, score, c.Anonymity, country, uptime, strings.Join(c.Tags, ","))
	}
	tw.Flush()
}

func (a *app) buildExportCommand() *cobra.Command {
	var (
		params   query.Params
		format   string
		template string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export candidates as csv, txt or json",
		Long: `Export the filtered collection.
  csv   every matching candidate with a fixed header
  txt   one line per VALID candidate from --template ({ip} {port} {protocol} {country} {score})
  json  the candidate records`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			return a.withController(func(ctrl *controller.Controller) error {
				list, err := runQuery(ctrl, params)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					file, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", output, err)
					}
					defer file.Close()
					w = file
				}
				if err := export.Write(w, f, list, template); err != nil {
					return fmt.Errorf("export failed: %w", err)
				}
				if output != "" && output != "-" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d candidates to %s\n", len(list), output)
				}
				return nil
			})
		},
	}
	addQueryFlags(cmd, &params)
	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatCSV), "csv, txt or json")
	cmd.Flags().StringVar(&template, "template", export.DefaultTemplate, "line template for txt")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// ============================================================================
// status / history
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show collection status and source health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(func(ctrl *controller.Controller) error {
				a.printStatus(cmd.OutOrStdout(), ctrl)
				return nil
			})
		},
	}
}

func (a *app) printStatus(w io.Writer, ctrl *controller.Controller) {
	info := ctrl.Info()
	s := info.Summary

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:   %s\n", a.configFile)
	fmt.Fprintf(w, "  ├─ Snapshot:      %s\n", a.cfg.Storage.SnapshotPath)
	fmt.Fprintf(w, "  ├─ Workers:       %d\n", info.Settings.Workers)
	fmt.Fprintf(w, "  └─ Timeout:       %s\n", info.Settings.Timeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Collection:")
	fmt.Fprintf(w, "  ├─ Unique:        %d\n", s.Unique)
	fmt.Fprintf(w, "  ├─ Valid:         %d\n", s.Valid)
	fmt.Fprintf(w, "  ├─ Invalid:       %d\n", s.Invalid)
	fmt.Fprintf(w, "  ├─ Elite:         %d\n", s.Elite)
	fmt.Fprintf(w, "  ├─ Top Score:     %d\n", s.TopScore)
	fmt.Fprintf(w, "  └─ Avg Latency:   %.0fms\n", s.AverageLatency)
	protocols := make([]string, 0, len(s.ByProtocol))
	for p, n := range s.ByProtocol {
		protocols = append(protocols, fmt.Sprintf("%s=%d", p, n))
	}
	sort.Strings(protocols)
	if len(protocols) > 0 {
		fmt.Fprintf(w, "     Protocols:     %s\n", strings.Join(protocols, " "))
	}
	fmt.Fprintln(w)

	if last := info.LastOutcome; last != nil {
		fmt.Fprint(w, "⏱  Last batch:     ")
		printOutcome(w, *last)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "🌐 Sources:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  URL\tENABLED\tHEALTH\tFOUND\tVALID\tERRORS")
	for _, st := range ctrl.Sources().Stats() {
		fmt.Fprintf(tw, "  %s\t%t\t%s\t%d\t%d\t%d\n", st.URL, st.Enabled, st.Health, st.Found, st.Valid, st.Errors)
	}
	tw.Flush()
}

func (a *app) buildHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the batch history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(func(ctrl *controller.Controller) error {
				entries, err := ctrl.History(limit)
				if err != nil {
					return err
				}
				printHistory(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries, 0 for all")
	return cmd
}

func printHistory(w io.Writer, entries []types.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTYPE\tDURATION\tDETAILS")
	for _, e := range entries {
		kind := string(e.Kind)
		if e.Cancelled {
			kind += " (cancelled)"
		}
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make([]string, 0, len(keys))
		for _, k := range keys {
			details = append(details, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1fs\t%s\n",
			e.Date.Local().Format(time.DateTime), kind, e.DurationSeconds, strings.Join(details, " "))
	}
	tw.Flush()
}

// ============================================================================
// backup / restore
// ============================================================================

func (a *app) buildBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write the full state to a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(func(ctrl *controller.Controller) error {
				if err := ctrl.Backup(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%d candidates)\n", args[0], ctrl.Store().Len())
				return nil
			})
		},
	}
}

func (a *app) buildRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the state with a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withController(func(ctrl *controller.Controller) error {
				if err := ctrl.Restore(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %d candidates from %s\n", ctrl.Store().Len(), args[0])
				return nil
			})
		},
	}
}

// ============================================================================
// demo
// ============================================================================

// demoSources 沒有設定來源時 demo 使用的來源（模擬執行器不會連線）
var demoSources = []types.Source{
	{URL: "https://demo.invalid/http.txt", Protocol: types.ProtocolHTTP, Format: types.FormatText},
	{URL: "https://demo.invalid/https.json", Protocol: types.ProtocolHTTPS, Format: types.FormatJSON, JSONPath: "data"},
	{URL: "https://demo.invalid/socks4.txt", Protocol: types.ProtocolSOCKS4, Format: types.FormatText},
	{URL: "https://demo.invalid/socks5.html", Protocol: types.ProtocolSOCKS5, Format: types.FormatHTML, Selector: "td.ip"},
}

func (a *app) buildDemoCommand() *cobra.Command {
	var (
		dir  string
		mode string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scrape and a check with simulated executors",
		Long:  "Scrape and check with simulated sources and probes in a scratch directory; nothing touches the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := types.ParseCheckMode(mode)
			if err != nil {
				return err
			}
			if dir == "" {
				if dir, err = os.MkdirTemp("", "proxysuite-demo-"); err != nil {
					return err
				}
				defer os.RemoveAll(dir)
			}
			return a.runDemo(cmd, dir, m)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "state directory (default: a temporary directory)")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(types.ModeStandard), "check mode")
	return cmd
}

func (a *app) runDemo(cmd *cobra.Command, dir string, mode types.CheckMode) error {
	out := cmd.OutOrStdout()

	cfg := *a.cfg
	cfg.Storage.SnapshotPath = filepath.Join(dir, "state.json")
	cfg.Storage.JournalPath = filepath.Join(dir, "history.jsonl")
	cfg.Revalidation.Enabled = false
	if len(cfg.Sources) == 0 {
		cfg.Sources = demoSources
	}
	demo := &app{configFile: a.configFile, simulate: true, cfg: &cfg, level: a.level}

	return demo.withController(func(ctrl *controller.Controller) error {
		fmt.Fprintf(out, "✓ Controller started (state: %s)\n\n", dir)

		if err := runBatch(cmd, ctrl, func(ctx context.Context) error {
			return ctrl.StartScrape(ctx, nil)
		}); err != nil {
			return err
		}
		if err := runBatch(cmd, ctrl, func(ctx context.Context) error {
			return ctrl.StartCheck(ctx, mode, nil, nil)
		}); err != nil {
			return err
		}
		fmt.Fprintln(out)

		top := query.Apply(ctrl.Store().List(),
			query.Filters{Status: types.StatusValid},
			query.Sort{Key: query.SortScore, Direction: query.Desc})
		if len(top) > 10 {
			top = top[:10]
		}
		fmt.Fprintln(out, "🏆 Top candidates:")
		printCandidates(out, top)
		fmt.Fprintln(out)

		fmt.Fprintln(out, "🧮 Busiest subnets:")
		for _, sn := range query.Subnets(ctrl.Store().List(), 5) {
			fmt.Fprintf(out, "  %-18s total=%d valid=%d avgScore=%.1f\n", sn.Prefix, sn.Total, sn.Valid, sn.AvgScore)
		}
		fmt.Fprintln(out)

		demo.printStatus(out, ctrl)
		return nil
	})
}
