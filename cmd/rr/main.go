package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"riskroute/internal/app"
	"riskroute/internal/config"
	"riskroute/internal/db"
	"riskroute/internal/domain"
	"riskroute/internal/engine"
	"riskroute/internal/mcptools"
	"riskroute/internal/migrate"
	"riskroute/internal/repo"
	"riskroute/internal/server"
	riskroutesdk "riskroute/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rr",
	Short: "riskroute CLI",
	Long: `riskroute scores incoming code-change tasks for risk and routes them to AI workers by tier.
Core concepts:
- Risk score: a weighted sum of change features in [0,1]; thresholds map it to tier 1 (low), 2 (medium) or 3 (high).
- Workers: automated agents grouped by tier, each with a capability per domain, a concurrency limit and a cost.
- Escalation: failures move a task up a tier; tier 3 work always needs a human sign-off.
- Budget: every task has a spending cap and every worker a token bucket; breakers trip on repeated failures.
- Workspace: the .riskroute directory holding the database; riskroute.yml holds weights, workers and thresholds.
- Mutating commands talk to a running 'rr serve'; read-only commands read the workspace database.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RISKROUTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/riskroute.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("server", "http://127.0.0.1:8080/v1", "API base URL for mutating commands")
	flags.String("token", "", "bearer token for the API")
	for _, name := range []string{"workspace", "config", "json", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func appOptions(restore bool) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		Restore:    restore,
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the routing engine and HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			secret := os.Getenv("RISKROUTE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("RISKROUTE_JWT_SECRET is required for bearer auth")
			}
			a, err := app.Open(ctx, appOptions(true))
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				BasePath:   basePath,
				Version:    version,
				LoadConfig: a.LoadConfig,
				Logger:     a.Logger,
				Auth: server.AuthConfig{
					JWTSecret:        secret,
					DevLogin:         devLogin,
					AllowActorHeader: allowActorHeader,
					Logger:           a.Logger,
				},
			})
			if err != nil {
				return err
			}

			go func() {
				if err := a.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.Logger.Error("sweeper stopped", "err", err)
				}
			}()
			go func() {
				if err := a.Engine.Consume(ctx, a.Bus, a.Subjects); err != nil && !errors.Is(err, context.Canceled) {
					a.Logger.Error("completion consumer stopped", "err", err)
				}
			}()
			server.StartWebhooks(ctx, repo.Repo{DB: a.DB}, a.Config.Webhooks, a.Logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving riskroute API", "addr", addr, "base_path", basePath, "openapi", "/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login for local testing")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only routing tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions(false)
			opts.LogOutput = os.Stderr
			a, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return mcpserver.ServeStdio(mcptools.NewServer(a.Engine, version))
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect riskroute.yml",
		Long:  "Config holds risk weights, tier thresholds, worker definitions, breaker and budget settings. Changes apply to a running server through 'rr config reload'.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configReloadCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default riskroute.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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

func configReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to re-read its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().Reload(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(out)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByState(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_counts": counts})
				}
				states := make([]string, 0, len(counts))
				for s := range counts {
					states = append(states, s)
				}
				sort.Strings(states)
				fmt.Println("Tasks:")
				for _, s := range states {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Submit and drive tasks",
		Long:  "Tasks flow QUEUED -> ROUTED -> RUNNING -> REVIEW -> APPROVED -> MERGED. Failures escalate a tier or block on budget; ESCALATED tasks wait for a human disposition.",
	}
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskAckCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskEvaluateCmd())
	task.AddCommand(taskDecisionCmd("review", "Record a human review decision", (*riskroutesdk.Client).Review))
	task.AddCommand(taskDecisionCmd("dispose", "Resolve an escalated task", (*riskroutesdk.Client).Dispose))
	task.AddCommand(taskMergeCmd())
	task.AddCommand(taskReasonCmd("cancel", "Reject a task", (*riskroutesdk.Client).Cancel))
	task.AddCommand(taskReasonCmd("block", "Block a task", (*riskroutesdk.Client).Block))
	task.AddCommand(taskUnblockCmd())
	return task
}

func taskSubmitCmd() *cobra.Command {
	var s riskroutesdk.Submission
	var features []string
	var deadline time.Duration
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for scoring and routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFeatures(features)
			if err != nil {
				return err
			}
			s.Features = f
			if deadline > 0 {
				d := time.Now().Add(deadline).UTC()
				s.Deadline = &d
			}
			t, err := client().Submit(cmd.Context(), s)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&s.ID, "id", "", "task id (generated if omitted)")
	cmd.Flags().StringVar(&s.Domain, "domain", "", "task domain")
	cmd.Flags().StringVar(&s.Title, "title", "", "title")
	cmd.Flags().StringArrayVarP(&features, "feature", "f", []string{}, "feature as name=value in [0,1] (repeatable)")
	cmd.Flags().Float64Var(&s.BudgetCap, "budget-cap", 0, "budget cap (config default if 0)")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "deadline relative to now")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = strings.ToUpper(f.State)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Domain", "State", "Tier", "Risk", "Worker", "Spent/Cap"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, t.Domain, t.State, t.Tier,
						fmt.Sprintf("%.2f", t.RiskScore),
						t.AssignedWorker,
						fmt.Sprintf("%.2f/%.2f", t.BudgetSpent, t.BudgetCap),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Domain, "domain", "", "domain filter")
	cmd.Flags().IntVar(&f.Tier, "tier", 0, "tier filter")
	cmd.Flags().BoolVar(&f.Active, "active", false, "exclude merged and rejected tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the attempt history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				attempts, err := r.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				if len(attempts) == 0 {
					if _, err := r.GetTask(ctx, args[0]); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(attempts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "From", "To", "Tier", "Worker", "Outcome", "Reason", "At"})
				for _, a := range attempts {
					tw.AppendRow(table.Row{a.Seq, a.From, a.To, a.Tier, a.WorkerID, a.Outcome, a.Reason, a.At.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskAckCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Confirm a worker picked up a routed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().Ack(cmd.Context(), args[0], workerID)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var r riskroutesdk.Result
	var failed bool
	var artifact, kind string
	var partial bool
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Report the result of a worker run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Success = !failed
			if artifact != "" {
				r.Artifact = &riskroutesdk.Artifact{Kind: kind, WorkerID: r.WorkerID, Content: artifact, Partial: partial}
			}
			t, err := client().Complete(cmd.Context(), args[0], r)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&r.WorkerID, "worker", "", "worker id")
	cmd.Flags().BoolVar(&failed, "failed", false, "report a failed run")
	cmd.Flags().StringVar(&r.Error, "error", "", "failure detail")
	cmd.Flags().Float64Var(&r.Confidence, "confidence", 0, "worker self-reported confidence")
	cmd.Flags().Float64Var(&r.Cost, "cost", 0, "actual cost (worker estimate if 0)")
	cmd.Flags().StringVar(&artifact, "artifact", "", "artifact content")
	cmd.Flags().StringVar(&kind, "artifact-kind", "diff", "artifact kind (diff, notes, test_results)")
	cmd.Flags().BoolVar(&partial, "partial", false, "mark the artifact as partial")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func taskEvaluateCmd() *cobra.Command {
	var ev riskroutesdk.Evaluation
	var findings []string
	cmd := &cobra.Command{
		Use:   "evaluate <id>",
		Short: "Submit test, lint and analysis results for a task in REVIEW",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range findings {
				sev, msg, _ := strings.Cut(f, ":")
				ev.Findings = append(ev.Findings, riskroutesdk.Finding{Severity: strings.ToLower(strings.TrimSpace(sev)), Message: strings.TrimSpace(msg)})
			}
			t, err := client().Evaluate(cmd.Context(), args[0], ev)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().BoolVar(&ev.TestsPassed, "tests-passed", false, "tests passed")
	cmd.Flags().BoolVar(&ev.LintClean, "lint-clean", false, "lint is clean")
	cmd.Flags().Float64Var(&ev.CoverageDelta, "coverage-delta", 0, "coverage change")
	cmd.Flags().StringArrayVar(&findings, "finding", []string{}, "finding as severity:message (repeatable)")
	return cmd
}

func taskDecisionCmd(use, short string, call func(*riskroutesdk.Client, context.Context, string, string, string) (riskroutesdk.Task, error)) *cobra.Command {
	var decision, note string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.HumanDecision(strings.ToUpper(decision))
			if !d.Valid() {
				return fmt.Errorf("--decision must be APPROVE, REQUEST_CHANGES or REJECT")
			}
			t, err := call(client(), cmd.Context(), args[0], string(d), note)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE, REQUEST_CHANGES or REJECT")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func taskMergeCmd() *cobra.Command {
	var conflict bool
	var detail string
	cmd := &cobra.Command{
		Use:   "merge <id>",
		Short: "Report the merge outcome of an approved task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().Merge(cmd.Context(), args[0], !conflict, detail)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().BoolVar(&conflict, "conflict", false, "the merge failed")
	cmd.Flags().StringVar(&detail, "detail", "", "merge detail")
	return cmd
}

func taskReasonCmd(use, short string, call func(*riskroutesdk.Client, context.Context, string, string) (riskroutesdk.Task, error)) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := call(client(), cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func taskUnblockCmd() *cobra.Command {
	var budgetCap float64
	cmd := &cobra.Command{
		Use:   "unblock <id>",
		Short: "Requeue a blocked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := client().Unblock(cmd.Context(), args[0], budgetCap)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().Float64Var(&budgetCap, "budget-cap", 0, "raise the task budget cap")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Inspect and toggle workers"}
	w.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers with load and breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, err := client().Workers(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(workers)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Tier", "Load", "Available", "Breaker", "Tokens", "Cost"})
			for _, w := range workers {
				tw.AppendRow(table.Row{
					w.ID, w.Tier,
					fmt.Sprintf("%d/%d", w.Load, w.MaxConcurrent),
					w.Available, w.BreakerState,
					fmt.Sprintf("%.1f", w.BudgetTokens),
					fmt.Sprintf("%.2f", w.CostEstimate),
				})
			}
			tw.Render()
			return nil
		},
	})
	w.AddCommand(workerToggleCmd("disable", "Take a worker out of selection", false))
	w.AddCommand(workerToggleCmd("enable", "Return a worker to selection", true))
	return w
}

func workerToggleCmd(use, short string, available bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := client().SetWorkerAvailable(cmd.Context(), args[0], available)
			if err != nil {
				return err
			}
			return printJSONOrTable(w)
		},
	}
}

func riskCmd() *cobra.Command {
	r := &cobra.Command{Use: "risk", Short: "Risk scoring"}
	var features []string
	score := &cobra.Command{
		Use:   "score",
		Short: "Score a feature vector against the local config",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFeatures(features)
			if err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			e := engine.New(nil, cfg)
			s, tier, err := e.Score(f)
			if err != nil {
				return err
			}
			out := map[string]any{"score": s, "tier": tier, "human_gate": tier == domain.TierHigh}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("score %.3f -> tier %d", s, tier)
			if tier == domain.TierHigh {
				fmt.Print(" (human sign-off required)")
			}
			fmt.Println()
			return nil
		},
	}
	score.Flags().StringArrayVarP(&features, "feature", "f", []string{}, "feature as name=value in [0,1] (repeatable)")
	r.AddCommand(score)
	return r
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with RISKROUTE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("RISKROUTE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("RISKROUTE_JWT_SECRET is required")
			}
			tok, err := server.SignToken(secret, actor, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// --- helpers ---

func client() *riskroutesdk.Client {
	return riskroutesdk.New(viper.GetString("server"), viper.GetString("token"))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseFeatures(pairs []string) (domain.Features, error) {
	f := domain.Features{}
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("feature %q: want name=value", p)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", p, err)
		}
		f[strings.TrimSpace(name)] = v
	}
	return f, nil
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
