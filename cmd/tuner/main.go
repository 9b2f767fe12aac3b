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
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"buildtuner/internal/app"
	"buildtuner/internal/config"
	"buildtuner/internal/db"
	"buildtuner/internal/domain"
	"buildtuner/internal/engine"
	"buildtuner/internal/logging"
	"buildtuner/internal/metrics"
	"buildtuner/internal/policy"
	"buildtuner/internal/server"
	tunersdk "buildtuner/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tuner",
	Short: "Gradle build tuning experiments",
	Long: `tuner runs feedback-driven experiments that search for the fastest Gradle
configuration of a repository.
- Experiment: one search over worker count, Gradle heap and Kotlin daemon heap, bounded by max_iterations.
- Action: a configuration proposed by the policy service; each run of one becomes a variant.
- Variant: the measured outcome of one action, with the reward the policy computed for it.
- Workflow: the GitHub Actions benchmark that runs an action and reports back with 'tuner report'.
- Event log: every issued action, dispatch and feedback, view with 'tuner log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("store.workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	config.Bind(viper.GetViper())
	path := viper.GetString("config")
	if path == "" {
		path = config.Path(viper.GetString("store.workspace"))
	}
	viper.SetConfigFile(path)
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/tuner.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("store.workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer log.Sync()
			env, err := app.Open(cmd.Context(), cfg, app.Options{Memory: memory, Log: log})
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.Dispatcher.CheckCredentials(); err != nil {
				log.Warn("experiment creation will fail until a dispatch token is configured", zap.Error(err))
			}
			if _, err := os.Stat(viper.ConfigFileUsed()); err == nil {
				config.Watch(viper.GetViper(), env.Apply, func(err error) {
					log.Warn("config reload rejected", zap.Error(err))
				})
			}

			metrics.Register()
			handler, err := server.New(server.Config{
				Engine:   env.Engine,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Log:      log,
				Metrics:  metrics.Handler(),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving build tuner API",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.Bool("memory", memory),
				zap.Bool("auth", cfg.Server.JWTSecret != ""))
			fmt.Printf("Serving build tuner API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/api", "API base path")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep experiments in memory instead of the workspace database")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func experimentCmd() *cobra.Command {
	exp := &cobra.Command{
		Use:   "experiment",
		Short: "Manage experiments",
		Long:  "Experiments run on this workspace's database; 'create' dispatches the first benchmark run directly, without a server.",
	}
	exp.AddCommand(experimentCreateCmd())
	exp.AddCommand(experimentListCmd())
	exp.AddCommand(experimentShowCmd())
	exp.AddCommand(experimentFailCmd())
	exp.AddCommand(experimentQTableCmd())
	return exp
}

func experimentCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start an experiment and dispatch its first run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Repository == "" {
				return fmt.Errorf("--repository is required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.CreateExperiment(ctx, opts)
				if err != nil {
					var conflict engine.ConflictError
					if errors.As(err, &conflict) {
						return fmt.Errorf("%w (existing experiment %s is %s)", err, conflict.ExperimentID, conflict.Status)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				fmt.Printf("experiment_id: %s\n", res.ExperimentID)
				if res.Experiment.RLAction != nil {
					fmt.Printf("first action: %s\n", res.Experiment.RLAction.VariantID())
				} else {
					fmt.Println("first action: default configuration (policy unavailable)")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Repository, "repository", "", "target repository (owner/name)")
	cmd.Flags().StringVar(&opts.Task, "task", "", "Gradle task to benchmark")
	cmd.Flags().IntVar(&opts.MaxIterations, "max-iterations", 0, "iteration budget (default 15)")
	return cmd
}

func experimentListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.ListExperiments(ctx)
				if err != nil {
					return err
				}
				if status != "" {
					filtered := items[:0]
					for _, exp := range items {
						if string(exp.Status) == status {
							filtered = append(filtered, exp)
						}
					}
					items = filtered
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repository", "Task", "Status", "Iterations", "Best", "Reward", "Created"})
				for _, exp := range items {
					tw.AppendRow(table.Row{
						exp.ID,
						exp.Repository,
						exp.Task,
						exp.Status,
						fmt.Sprintf("%d/%d", len(exp.Variants), exp.Budget()),
						actionLabel(exp.BestAction),
						rewardLabel(exp.Reward),
						exp.CreatedAt.Local().Format(time.DateTime),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func experimentShowCmd() *cobra.Command {
	var withPolicy bool
	cmd := &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Show an experiment and its variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				exp, err := env.Engine.GetExperiment(ctx, args[0])
				if err != nil {
					return err
				}
				if !withPolicy {
					if viper.GetBool("json") {
						return printJSON(exp)
					}
					printExperiment(exp)
					return nil
				}
				pm, err := env.Policy.Metrics(ctx, exp.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"experiment": exp, "policy": pm})
				}
				printExperiment(exp)
				printPolicyMetrics(pm)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withPolicy, "policy", false, "also show what the policy service recorded for the experiment")
	return cmd
}

func experimentFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <experiment-id>",
		Short: "Mark an unfinished experiment failed",
		Long:  "Retires an experiment that will never report back, such as one whose first dispatch failed, so a new experiment can start.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				exp, err := env.Engine.MarkFailed(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exp)
				}
				fmt.Printf("%s is now %s\n", exp.ID, exp.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason stored as the final message")
	return cmd
}

func experimentQTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qtable <experiment-id>",
		Short: "Show the policy's learned action values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				values, err := env.Policy.QTable(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(values)
				}
				keys := make([]string, 0, len(values))
				for k := range values {
					keys = append(keys, k)
				}
				sort.Slice(keys, func(i, j int) bool { return values[keys[i]] > values[keys[j]] })
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "Value"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k, fmt.Sprintf("%.4f", values[k])})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	var serverURL, token string
	var report tunersdk.FeedbackReport
	var buildTime, gradleGC, kotlinGC, kotlinCompile float64
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Post a workflow status report to a running server",
		Long:  "Used by the benchmark workflow. With --build-time, --gradle-gc-time and --kotlin-gc-time the server records a variant and dispatches the next run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if report.ExperimentID == "" {
				return fmt.Errorf("--experiment is required")
			}
			flags := cmd.Flags()
			if flags.Changed("build-time") {
				report.BuildTime = &buildTime
			}
			if flags.Changed("gradle-gc-time") {
				report.GradleGCTime = &gradleGC
			}
			if flags.Changed("kotlin-gc-time") {
				report.KotlinGCTime = &kotlinGC
			}
			if flags.Changed("kotlin-compile-duration") {
				report.KotlinCompileDuration = &kotlinCompile
			}
			client := tunersdk.New(serverURL)
			client.BearerToken = token
			msg, err := client.ReportFeedback(cmd.Context(), report)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"success": true, "message": msg})
			}
			fmt.Println(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080/api", "API base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("TUNER_API_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&report.ExperimentID, "experiment", "", "experiment id")
	cmd.Flags().StringVar(&report.Status, "status", "", "run status label")
	cmd.Flags().StringVar(&report.WorkflowRunID, "run-id", os.Getenv("GITHUB_RUN_ID"), "workflow run id")
	cmd.Flags().Float64Var(&buildTime, "build-time", 0, "build time in seconds")
	cmd.Flags().Float64Var(&gradleGC, "gradle-gc-time", 0, "Gradle daemon GC time in seconds")
	cmd.Flags().Float64Var(&kotlinGC, "kotlin-gc-time", 0, "Kotlin daemon GC time in seconds")
	cmd.Flags().Float64Var(&kotlinCompile, "kotlin-compile-duration", 0, "Kotlin compile duration in seconds")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every experiment: actions issued, dispatches, feedback and completions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, experimentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				r, ok := env.Repo()
				if !ok {
					return fmt.Errorf("event log requires the workspace database")
				}
				events, err := r.LatestEvents(ctx, n, experimentID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Experiment", "Payload"})
				for _, e := range events {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.ID, e.TS.Local().Format(time.DateTime), e.Type, e.ExperimentID, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&experimentID, "experiment", "", "experiment id filter")
	return cmd
}

func doctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, policy service and dispatch credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				type check struct {
					Name   string `json:"name"`
					OK     bool   `json:"ok"`
					Detail string `json:"detail"`
				}
				var checks []check
				health, err := env.Policy.Health(ctx)
				if err != nil {
					checks = append(checks, check{Name: "policy", Detail: err.Error()})
				} else {
					checks = append(checks, check{Name: "policy", OK: true, Detail: fmt.Sprintf("%s %s (%s)", health.Service, health.Status, health.Environment)})
				}
				if err := env.Dispatcher.CheckCredentials(); err != nil {
					checks = append(checks, check{Name: "dispatch", Detail: err.Error()})
				} else {
					checks = append(checks, check{Name: "dispatch", OK: true, Detail: env.Dispatcher.Endpoint()})
				}
				checks = append(checks, check{Name: "experiments", OK: env.Engine.ExperimentsEnabled(), Detail: fmt.Sprintf("enabled=%t", env.Engine.ExperimentsEnabled())})

				failed := 0
				for _, c := range checks {
					if !c.OK {
						failed++
					}
				}
				if viper.GetBool("json") {
					if err := printJSON(checks); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Check", "OK", "Detail"})
					for _, c := range checks {
						tw.AppendRow(table.Row{c.Name, c.OK, c.Detail})
					}
					tw.Render()
				}
				if failed > 0 {
					return fmt.Errorf("%d check(s) failed", failed)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config comes from tuner.yml in the workspace, TUNER_* environment variables and the deployed function's legacy names (GITHUB_TOKEN, RL_AGENT_URL, ...).",
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
		Short: "Write the default tuner.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.ConfigFileUsed()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			redacted := cfg.Redacted()
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			out, err := redacted.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetViper())
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
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()
	env, err := app.Open(ctx, cfg, app.Options{Log: log})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printExperiment(exp domain.Experiment) {
	fmt.Printf("%s  %s  task=%s  status=%s  iterations=%d/%d\n",
		exp.ID, exp.Repository, exp.Task, exp.Status, len(exp.Variants), exp.Budget())
	fmt.Printf("current action: %s\n", actionLabel(exp.RLAction))
	fmt.Printf("best action:    %s (reward %s)\n", actionLabel(exp.BestAction), rewardLabel(exp.Reward))
	if exp.FinalMessage != "" {
		fmt.Println(exp.FinalMessage)
	}
	if len(exp.Variants) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Variant", "Reward", "Build (s)", "Gradle GC (s)", "Kotlin GC (s)", "Recorded"})
	for i, v := range exp.Variants {
		tw.AppendRow(table.Row{
			i + 1,
			v.VariantID,
			fmt.Sprintf("%.4f", v.Reward),
			floatLabel(v.Metrics.BuildTime),
			floatLabel(v.Metrics.GradleGCTime),
			floatLabel(v.Metrics.KotlinGCTime),
			v.CreatedAt.Local().Format(time.DateTime),
		})
	}
	tw.Render()
}

func printPolicyMetrics(m policy.ExperimentMetrics) {
	fmt.Println()
	if !m.Found {
		fmt.Println("policy: no record of this experiment")
		return
	}
	fmt.Printf("policy: status=%s last action=%s reward=%s\n", m.Status, actionLabel(m.LastAction), rewardLabel(m.CalculatedReward))
	fmt.Printf("policy measurements: build=%s gradle_gc=%s kotlin_gc=%s kotlin_compile=%s\n",
		floatLabel(m.BuildTime), floatLabel(m.GradleGCTime), floatLabel(m.KotlinGCTime), floatLabel(m.KotlinCompileDuration))
}

func actionLabel(a *domain.RLAction) string {
	if a == nil {
		return "-"
	}
	return a.VariantID()
}

func rewardLabel(r *float64) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *r)
}

func floatLabel(v *float64) string {
	if v == nil {
		return "-"
	}
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", *v), "0"), ".")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
