package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"driveline/internal/config"
	"driveline/internal/db"
	"driveline/internal/domain"
	"driveline/internal/engine"
	"driveline/internal/handlers"
	"driveline/internal/migrate"
	"driveline/internal/repo"
	"driveline/internal/scheduler"
	"driveline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dvl",
	Short: "Driveline CLI",
	Long: `Driveline runs tenant-scoped directives and records signals.
Core concepts:
- Directive: a durable "please do X" with an idempotency key; redundant
  deliveries never cause double execution.
- Statuses: requested -> running -> succeeded/failed/canceled; failed and
  canceled can be reopened with rerun.
- Signal: an immutable fact ("X happened") in an append-only log, deduplicated
  per tenant by a dedupe key.
- Tenant: every directive and signal belongs to exactly one.
- Fan-out: configured webhooks receive signals; 'dvl signal replay' pushes a
  past signal to them again without re-running anything.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRIVELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func requireTenant() (string, error) {
	tenant := strings.TrimSpace(viper.GetString("tenant"))
	if tenant == "" {
		return "", fmt.Errorf("tenant not specified; use --tenant or set DRIVELINE_TENANT")
	}
	return tenant, nil
}

func tenantCmd() *cobra.Command {
	tn := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	tn.AddCommand(tenantCreateCmd())
	tn.AddCommand(tenantListCmd())
	return tn
}

func tenantCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("tenant id is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureTenant(ctx, id, name, now); err != nil {
					return err
				}
				t, err := r.GetTenant(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func tenantListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func directiveCmd() *cobra.Command {
	dir := &cobra.Command{
		Use:   "directive",
		Short: "Manage directives",
		Long:  "Directives are durable commands. Request one with an idempotency key, run it with 'dvl directive run', and inspect the outcome with 'dvl directive show'.",
	}
	dir.AddCommand(directiveRequestCmd())
	dir.AddCommand(directiveListCmd())
	dir.AddCommand(directiveShowCmd())
	dir.AddCommand(directiveRunCmd())
	dir.AddCommand(directiveCancelCmd())
	dir.AddCommand(directiveRerunCmd())
	return dir
}

func directiveRequestCmd() *cobra.Command {
	var req engine.DirectiveRequest
	var payloadJSON, scheduledAt, subjectType, subjectID string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			req.Tenant = tenant
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &req.Payload); err != nil {
					return fmt.Errorf("invalid --payload-json: %w", err)
				}
			}
			if scheduledAt != "" {
				req.ScheduledAt = &scheduledAt
			}
			if subjectType != "" || subjectID != "" {
				if subjectType == "" || subjectID == "" {
					return fmt.Errorf("--subject-type and --subject-id go together")
				}
				req.Subject = &domain.Subject{Type: subjectType, ID: subjectID}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, created, err := e.RequestDirective(ctx, req)
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Printf("idempotency key already used; returning existing directive %s\n", d.ID)
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", "", "directive type (dotted, e.g. forum.post.publish)")
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "caller-supplied idempotency key")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON object")
	cmd.Flags().StringVar(&subjectType, "subject-type", "", "subject type override")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "subject id override")
	cmd.Flags().StringVar(&scheduledAt, "scheduled-at", "", "RFC3339 time before which the directive stays snoozed")
	cmd.Flags().IntVar(&req.MaxAttempts, "max-attempts", 0, "retry budget (0 uses config default)")
	cmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "correlation id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("idempotency-key")
	return cmd
}

func directiveListCmd() *cobra.Command {
	var f repo.DirectiveFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			f.Tenant = tenant
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDirectives(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempt", "Subject", "Created"})
				for _, d := range items {
					subject := ""
					if d.Subject != nil {
						subject = d.Subject.Type + "/" + d.Subject.ID
					}
					tw.AppendRow(table.Row{d.ID, d.Type, d.Status, fmt.Sprintf("%d/%d", d.Attempt, d.MaxAttempts), subject, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SubjectType, "subject-type", "", "subject type filter")
	cmd.Flags().StringVar(&f.SubjectID, "subject-id", "", "subject id filter")
	cmd.Flags().StringVar(&f.CorrelationID, "correlation-id", "", "correlation id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDirective(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func directiveRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Deliver one execution attempt",
		Long:  "Runs a single delivery of the directive. Safe to repeat: already-completed or in-flight directives are left alone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ExecuteDirective(ctx, tenant, args[0]); err != nil {
					return err
				}
				d, err := e.Repo.GetDirective(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func directiveCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a requested directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CancelDirective(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func directiveRerunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rerun <id>",
		Short: "Request one more run of a completed directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RequestRerun(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func signalCmd() *cobra.Command {
	sig := &cobra.Command{
		Use:   "signal",
		Short: "Manage signals",
		Long:  "Signals are immutable facts in an append-only log. Emitting with a dedupe key makes repeated emits return the original signal.",
	}
	sig.AddCommand(signalEmitCmd())
	sig.AddCommand(signalListCmd())
	sig.AddCommand(signalShowCmd())
	sig.AddCommand(signalReplayCmd())
	return sig
}

func signalEmitCmd() *cobra.Command {
	var sigType, payloadJSON, dedupeKey, subjectType, subjectID string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Emit a signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureTenant(ctx, tenant, "", now); err != nil {
					return err
				}
				s, err := e.Bus.Emit(ctx, tenant, sigType, domain.Subject{Type: subjectType, ID: subjectID}, payload, dedupeKey)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&sigType, "type", "", "signal type (dotted, e.g. forum.post.created)")
	cmd.Flags().StringVar(&subjectType, "subject-type", "", "subject type")
	cmd.Flags().StringVar(&subjectID, "subject-id", "", "subject id")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON object")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "dedupe key (optional)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("subject-type")
	_ = cmd.MarkFlagRequired("subject-id")
	return cmd
}

func signalListCmd() *cobra.Command {
	var f repo.SignalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			f.Tenant = tenant
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSignals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Type", "Subject", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Seq, s.ID, s.Type, s.Subject.Type + "/" + s.Subject.ID, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.SubjectType, "subject-type", "", "subject type filter")
	cmd.Flags().StringVar(&f.SubjectID, "subject-id", "", "subject id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().Int64Var(&f.CursorSeq, "before-seq", 0, "page before this sequence number")
	return cmd
}

func signalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSignal(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func signalReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-deliver a signal to the configured webhooks",
		Long:  "Pushes a stored signal to every configured webhook again. No new signal is written and no directive is re-executed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hooks := activeWebhooks(e.Config)
				if len(hooks) == 0 {
					return fmt.Errorf("no enabled webhooks in %s", config.Path(viper.GetString("workspace")))
				}
				server.StartWebhookDispatcher(ctx, e, hooks)
				if err := e.Bus.Replay(ctx, args[0]); err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("signal %s replayed to %d webhook(s)\n", args[0], len(hooks))
				}
				return nil
			})
		},
	}
	return cmd
}

func timelineCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Interleaved signals and directives, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sigs, err := r.ListSignals(ctx, repo.SignalFilters{Tenant: tenant, Limit: n})
				if err != nil {
					return err
				}
				dirs, err := r.ListDirectives(ctx, repo.DirectiveFilters{Tenant: tenant, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"signals": sigs, "directives": dirs})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Type", "Detail", "Created"})
				for _, s := range sigs {
					tw.AppendRow(table.Row{"signal", s.Type, s.Subject.Type + "/" + s.Subject.ID, s.CreatedAt})
				}
				for _, d := range dirs {
					tw.AppendRow(table.Row{"directive", d.Type, d.Status, d.CreatedAt})
				}
				tw.SortBy([]table.SortBy{{Name: "Created", Mode: table.Dsc}})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "max entries per kind")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in driveline.yml: payload limits, retry defaults, dispatcher tuning, and webhook fan-out endpoints.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDispatcher bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			reg := engine.NewRegistry()
			e := engine.New(conn, cfg, reg)
			if err := handlers.RegisterBuiltin(reg, e); err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e, activeWebhooks(cfg))
			if !noDispatcher {
				go scheduler.New(e).Run(cmd.Context())
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Driveline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noDispatcher, "no-dispatcher", false, "serve the API without the polling dispatcher")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	reg := engine.NewRegistry()
	e := engine.New(conn, cfg, reg)
	if err := handlers.RegisterBuiltin(reg, e); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func activeWebhooks(cfg *config.Config) []config.WebhookConfig {
	var hooks []config.WebhookConfig
	for _, h := range cfg.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		hooks = append(hooks, h)
	}
	return hooks
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
