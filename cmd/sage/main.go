package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sage/internal/app"
	"sage/internal/config"
	"sage/internal/db"
	"sage/internal/domain"
	"sage/internal/engine"
	"sage/internal/logging"
	"sage/internal/observability"
	"sage/internal/repo"
	"sage/internal/scheduler"
	"sage/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage adaptive coaching policy engine",
	Long: `Sage picks a coaching action per user from a learned linear policy, records
every decision as an experience, and learns from outcomes in a nightly batch.
- Decisions: score actions for a context vector; reviewable actions open a proposal.
- Proposals: approve applies the proposed settings, reject closes them, undo restores.
- Learning: the batch job rewards matured experiences and updates policy weights.
- Consent: nothing is learned without ai_profiling and policy_learning.
- Event log: every transition and weight change, view with 'sage log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/sage.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-mode", "", "logging mode dev|prod (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-mode"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(learnCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(consentCmd())
	rootCmd.AddCommand(telemetryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in <workspace>/sage.yml: learning rates and norms, job windows and schedule, reward weights, proposal TTL, locker, logging and tracing.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default sage.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the learning scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("SAGE_JWT_SECRET is required for bearer auth")
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, e engine.Engine, log *logging.Logger) error {
				shutdownTracing, err := observability.Setup(ctx, cfg.Tracing, version, log)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdownTracing(sctx)
				}()

				sched, err := scheduler.New(cfg.Job, e, e.Governor, log)
				if err != nil {
					return err
				}
				if !noScheduler {
					sched.Start()
				}
				defer sched.Stop()

				authCfg.Logger = log
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Jobs: sched, Version: version})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				log.Info("serving sage api", "addr", addr, "base_path", basePath, "scheduler", !noScheduler)
				fmt.Printf("Serving Sage API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without scheduled runs")
	_ = viper.BindEnv("jwt-secret", "SAGE_JWT_SECRET")
	return cmd
}

func learnCmd() *cobra.Command {
	learn := &cobra.Command{Use: "learn", Short: "Run or inspect the learning job"}
	learn.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one learning pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.RunLearning(ctx, scheduler.TriggerManual)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	})
	var limit int
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recent learning runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Job.Runs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Trigger", "Started", "Processed", "Skipped", "Errors", "Deferred", "Avg reward", "ms", "OK"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Trigger, s.StartedAt.Format(time.RFC3339), s.Processed, s.Skipped, s.Errors, s.Deferred,
						fmt.Sprintf("%.3f", s.AvgReward), s.DurationMS, s.Success})
				}
				tw.Render()
				return nil
			})
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "number of runs")
	learn.AddCommand(runs)
	return learn
}

func decideCmd() *cobra.Command {
	var userID, vector string
	var metrics []string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Score actions for a context vector and record the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseVector(vector)
			if err != nil {
				return err
			}
			before, err := parseMetrics(metrics)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Decide(ctx, engine.DecideInput{
					UserID:        userID,
					Context:       vec,
					MetricsBefore: before,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&vector, "context", "", "comma separated context vector, e.g. 0.2,0.5")
	cmd.Flags().StringArrayVar(&metrics, "metric", nil, "metrics_before entry name=value (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposal", Short: "Review proposals"}

	var userID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Governor.List(ctx, repo.ProposalFilters{UserID: userID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "User", "Type", "Status", "Priority", "Confidence", "Expires", "Run"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.UserID, p.Type, p.Status, p.Priority,
						fmt.Sprintf("%.2f", p.ConfidenceScore), p.ExpiresAt.Format(time.RFC3339), p.RunID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&userID, "user", "", "user filter")
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "limit", 50, "max proposals")
	prop.AddCommand(list)

	prop.AddCommand(&cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApproveProposal(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})

	var reason string
	reject := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RejectProposal(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")
	prop.AddCommand(reject)

	prop.AddCommand(&cobra.Command{
		Use:   "undo <action-id>",
		Short: "Undo an applied action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UndoAction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})

	prop.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Expire overdue pending proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Governor.ExpireStale(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"expired": n})
			})
		},
	})
	return prop
}

func profileCmd() *cobra.Command {
	prof := &cobra.Command{Use: "profile", Short: "Behavioral profiles"}
	var userID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Generate the behavioral profile for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GenerateProfile(ctx, userID)
				if err != nil {
					return err
				}
				if p == nil && !viper.GetBool("json") {
					fmt.Println("no profile: ai_profiling consent not granted")
					return nil
				}
				return printJSONOrTable(p)
			})
		},
	}
	show.Flags().StringVar(&userID, "user", "", "user id")
	_ = show.MarkFlagRequired("user")
	prof.AddCommand(show)
	return prof
}

func consentCmd() *cobra.Command {
	con := &cobra.Command{Use: "consent", Short: "Manage consent purposes"}

	var userID, purpose string
	var granted bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Grant or revoke one purpose",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.SetConsent(ctx, userID, domain.Purpose(purpose), granted, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printConsents(userID, snap)
			})
		},
	}
	set.Flags().StringVar(&userID, "user", "", "user id")
	set.Flags().StringVar(&purpose, "purpose", "", "ai_profiling|policy_learning|behavioral_tracking|data_export")
	set.Flags().BoolVar(&granted, "granted", true, "grant (true) or revoke (false)")
	_ = set.MarkFlagRequired("user")
	_ = set.MarkFlagRequired("purpose")
	con.AddCommand(set)

	var showUser string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the consent snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printConsents(showUser, e.Consent.Snapshot(ctx, showUser))
			})
		},
	}
	show.Flags().StringVar(&showUser, "user", "", "user id")
	_ = show.MarkFlagRequired("user")
	con.AddCommand(show)
	return con
}

func telemetryCmd() *cobra.Command {
	tel := &cobra.Command{Use: "telemetry", Short: "Behaviour telemetry"}
	var userID, kind, ts string
	var value float64
	logc := &cobra.Command{
		Use:   "log",
		Short: "Record a behaviour log entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := domain.BehaviorLog{UserID: userID, Kind: kind, Value: value}
			if ts != "" {
				parsed, err := time.Parse(time.RFC3339, ts)
				if err != nil {
					return fmt.Errorf("invalid --ts: %w", err)
				}
				l.TS = parsed.UTC()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stored, ok, err := e.LogBehavior(ctx, l)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"log": stored, "stored": ok})
			})
		},
	}
	logc.Flags().StringVar(&userID, "user", "", "user id")
	logc.Flags().StringVar(&kind, "kind", "", "habit|task|journal|score")
	logc.Flags().Float64Var(&value, "value", 0, "value")
	logc.Flags().StringVar(&ts, "ts", "", "RFC3339 timestamp (default now)")
	_ = logc.MarkFlagRequired("user")
	_ = logc.MarkFlagRequired("kind")
	tel.AddCommand(logc)
	return tel
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "User", "Action", "Entity", "Entity ID", "Actor", "Run"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS.Format(time.RFC3339), ev.UserID, ev.Action, ev.Entity, ev.EntityID, ev.ActorID, ev.RunID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 50, "number of entries")
	tail.Flags().Int64Var(&f.AfterID, "after", 0, "only entries after this id")
	tail.Flags().StringVar(&f.UserID, "user", "", "user filter")
	tail.Flags().StringVar(&f.Entity, "entity", "", "entity filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	tail.Flags().StringVar(&f.RunID, "run-id", "", "run id filter")
	lg.AddCommand(tail)
	return lg
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with SAGE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actor, roles, nil, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (default --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"user"}, "roles: user, coach, operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = viper.BindEnv("jwt-secret", "SAGE_JWT_SECRET")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	mode := viper.GetString("log-mode")
	if mode == "" {
		mode = cfg.Logging.Mode
	}
	return logging.New(mode)
}

func withRuntime(ctx context.Context, cfg *config.Config, fn func(context.Context, engine.Engine, *logging.Logger) error) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine, log)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withRuntime(ctx, cfg, func(ctx context.Context, e engine.Engine, _ *logging.Logger) error {
		return fn(ctx, e)
	})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printConsents(userID string, snap domain.ConsentSnapshot) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"user_id": userID, "consents": snap.AsMap(), "learning_enabled": snap.LearningEnabled()})
	}
	tw := newTable(table.Row{"Purpose", "Granted"})
	for _, p := range domain.Purposes {
		tw.AppendRow(table.Row{p, snap.AsMap()[string(p)]})
	}
	tw.AppendFooter(table.Row{"learning enabled", snap.LearningEnabled()})
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseVector(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid context value %q", p)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--context is empty")
	}
	return out, nil
}

func parseMetrics(entries []string) (map[string]float64, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		name, raw, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --metric %q, want name=value", e)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --metric %q: %w", e, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
