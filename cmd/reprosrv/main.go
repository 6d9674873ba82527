package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reproserver/internal/app"
	"reproserver/internal/auth"
	"reproserver/internal/config"
	"reproserver/internal/db"
	"reproserver/internal/domain"
	"reproserver/internal/engine"
	"reproserver/internal/filewatch"
	"reproserver/internal/housekeeping"
	"reproserver/internal/logging"
	"reproserver/internal/migrate"
	"reproserver/internal/repo"
	"reproserver/internal/server"
	"reproserver/internal/shortid"
)

var rootCmd = &cobra.Command{
	Use:   "reprosrv",
	Short: "Reproducibility server",
	Long: `reprosrv stores packed experiments, has them built into images by workers
and runs them again with new parameters and input files.
- Experiment: an archive identified by its SHA-256; its build goes NOBUILD -> QUEUED -> BUILDING -> BUILT or ERROR.
- Upload: one submission of an archive, directly or from a data repository; its token is what users share.
- Run: one execution of a built experiment with parameter values and input files.
- Workers: poll or receive build and run tasks and report back through the /worker API.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REPROSERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "reproserver.yaml", "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("loglevel", "", "log level (debug, info, warn, error, off)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("loglevel"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(workerTokenCmd())
	rootCmd.AddCommand(housekeepingCmd())
}

// envOverrides are the settings usually kept out of the config file.
var envOverrides = []struct {
	key string
	dst func(*config.Config) *string
}{
	{"database.path", func(c *config.Config) *string { return &c.Database.Path }},
	{"database.url", func(c *config.Config) *string { return &c.Database.URL }},
	{"shortids.salt", func(c *config.Config) *string { return &c.ShortIDs.Salt }},
	{"auth.jwt_secret", func(c *config.Config) *string { return &c.Auth.JWTSecret }},
	{"queue.amqp_url", func(c *config.Config) *string { return &c.Queue.AMQPURL }},
	{"queue.webhook_url", func(c *config.Config) *string { return &c.Queue.WebhookURL }},
	{"objects.s3.access_key", func(c *config.Config) *string { return &c.Objects.S3.AccessKey }},
	{"objects.s3.secret_key", func(c *config.Config) *string { return &c.Objects.S3.SecretKey }},
	{"log.level", func(c *config.Config) *string { return &c.Log.Level }},
}

// loadConfig reads the config file and applies REPROSERVER_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	for _, o := range envOverrides {
		if v := strings.TrimSpace(viper.GetString(o.key)); v != "" {
			*o.dst(cfg) = v
		}
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr string
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the housekeeping jobs",
		Long:  "Serve the API. When the config file changes the server drains and starts again with the new settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			for {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if addr != "" {
					cfg.Server.Addr = addr
				}
				ctx, cancel := parent, context.CancelFunc(func() {})
				path := viper.GetString("config")
				if _, statErr := os.Stat(path); statErr == nil && !noWatch {
					if ctx, cancel, err = filewatch.UntilModified(parent, path); err != nil {
						return err
					}
				}
				err = serve(ctx, cfg)
				cancel()
				if err != nil || parent.Err() != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "restarting: %v\n", context.Cause(ctx))
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not restart when the config file changes")
	return cmd
}

// serve runs one server generation until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := app.Open(ctx, cfg, app.Options{Serving: true, Migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := housekeeping.Start(ctx, a.Sweeper())
	if err != nil {
		return err
	}
	defer jobs.Shutdown()

	handler, err := server.New(server.Config{
		Engine:      a.Engine,
		BasePath:    cfg.Server.BasePath,
		Auth:        server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Log: a.Log},
		BehindProxy: cfg.Server.BehindProxy,
		MaxUpload:   cfg.Server.MaxUpload,
		Log:         a.Log,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	a.Log.Infof("serving reproserver API on http://%s%s (OpenAPI at %s/openapi.json)", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, Path: cfg.Database.Path, URL: cfg.Database.URL})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(conn, dialect)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"applied": n}, fmt.Sprintf("applied %d migrations", n))
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and the secrets it needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			if err := c.RequireSecrets(true); err != nil {
				return err
			}
			fmt.Println(color.GreenString("config ok"))
			return nil
		},
	})
	return cfg
}

func uploadCmd() *cobra.Command {
	var submitter string
	cmd := &cobra.Command{
		Use:   "upload <archive>",
		Short: "Store an archive and record an upload for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.SubmitArchive(ctx, f, filepath.Base(args[0]), submitter)
				if err != nil {
					return err
				}
				return printUpload(u)
			})
		},
	}
	cmd.Flags().StringVar(&submitter, "submitter", "cli", "recorded submitter address")
	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <provider> <path>",
		Short: "Fetch an experiment from a data repository (osf.io, figshare.com)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.ResolveProvider(ctx, args[0], args[1], "cli")
				if err != nil {
					return err
				}
				return printUpload(u)
			})
		},
	}
	return cmd
}

func experimentCmd() *cobra.Command {
	exp := &cobra.Command{Use: "experiment", Aliases: []string{"exp"}, Short: "Inspect and manage experiments"}
	exp.AddCommand(experimentListCmd())
	exp.AddCommand(experimentShowCmd())
	exp.AddCommand(experimentLogCmd())
	exp.AddCommand(experimentRequeueCmd())
	exp.AddCommand(experimentPurgeCmd())
	return exp
}

func experimentListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments, most recently accessed first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.ExperimentFilters{Limit: limit}
			if status != "" {
				st, err := domain.ParseStatus(strings.ToUpper(status))
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListExperiments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hash", "Status", "Image", "Last access"})
				for _, e := range items {
					tw.AppendRow(table.Row{shortHash(e.Hash), statusColor(e.Status), e.DockerImage, e.LastAccess})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by build status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of experiments")
	return cmd
}

func experimentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <hash>",
		Short: "Show an experiment with its parameters, paths and runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.ExperimentDetails(ctx, args[0])
				if err != nil {
					return err
				}
				runs, err := a.Engine.ListRuns(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"experiment": view, "runs": runs})
				}
				printExperiment(view)
				if len(runs) > 0 {
					fmt.Println()
					printRuns(runs)
				}
				return nil
			})
		},
	}
}

func experimentLogCmd() *cobra.Command {
	var from int
	cmd := &cobra.Command{
		Use:   "log <hash>",
		Short: "Print the build log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				lines, err := a.Engine.ReadBuildLog(ctx, args[0], from)
				if err != nil {
					return err
				}
				return printLog(lines)
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "first line to print")
	return cmd
}

func experimentRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <hash>",
		Short: "Queue a failed build again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RequeueBuild(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"hash": args[0], "status": domain.StatusQueued},
					fmt.Sprintf("%s %s", shortHash(args[0]), statusColor(domain.StatusQueued)))
			})
		},
	}
}

func experimentPurgeCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "purge <hash>",
		Short: "Delete an experiment with its uploads, runs and archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				exp, err := a.Engine.GetExperiment(ctx, args[0])
				if err != nil {
					return err
				}
				if !force && (exp.Status == domain.StatusQueued || exp.Status == domain.StatusBuilding) {
					return fmt.Errorf("experiment is %s; use --force to purge it anyway", exp.Status)
				}
				if err := a.Engine.PurgeExperiment(ctx, args[0]); err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"purged": args[0]}, "purged "+shortHash(args[0]))
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "purge even while a build is pending")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect runs"}
	run.AddCommand(&cobra.Command{
		Use:   "show <token>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				printRuns([]domain.Run{r})
				for _, p := range r.ParameterValues {
					fmt.Printf("  param %s = %s\n", p.Name, p.Value)
				}
				for _, f := range r.InputFiles {
					fmt.Printf("  input %s %s (%d bytes)\n", f.Name, shortHash(f.Hash), f.Size)
				}
				for _, f := range r.OutputFiles {
					fmt.Printf("  output %s %s (%d bytes)\n", f.Name, shortHash(f.Hash), f.Size)
				}
				return nil
			})
		},
	})
	var from int
	logCmd := &cobra.Command{
		Use:   "log <token>",
		Short: "Print the run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Engine.ResolveRunToken(ctx, args[0])
				if err != nil {
					return err
				}
				lines, err := a.Engine.ReadRunLog(ctx, id, from)
				if err != nil {
					return err
				}
				return printLog(lines)
			})
		},
	}
	logCmd.Flags().IntVar(&from, "from", 0, "first line to print")
	run.AddCommand(logCmd)
	return run
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Encode and decode upload and run tokens"}
	codec := func() (*shortid.Codec, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if err := cfg.RequireSecrets(false); err != nil {
			return nil, err
		}
		return shortid.New(cfg.ShortIDs.Salt)
	}
	tok.AddCommand(&cobra.Command{
		Use:       "encode <upload|run> <id>",
		Short:     "Print the token of a row id",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{shortid.KindUpload, shortid.KindRun},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("id must be an integer: %w", err)
			}
			c, err := codec()
			if err != nil {
				return err
			}
			s, err := c.Encode(args[0], id)
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"kind": args[0], "id": id, "token": s}, s)
		},
	})
	tok.AddCommand(&cobra.Command{
		Use:   "decode <upload|run> <token>",
		Short: "Print the row id behind a token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := codec()
			if err != nil {
				return err
			}
			id, err := c.Decode(args[0], args[1])
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"kind": args[0], "id": id, "token": args[1]}, strconv.FormatInt(id, 10))
		},
	})
	return tok
}

func workerTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "worker-token",
		Short: "Mint a bearer token for a build or run worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := auth.Mint(cfg.Auth.JWTSecret, cfg.Auth.Issuer, subject, []string{auth.RoleWorker}, ttl, time.Now())
			if err != nil {
				if errors.Is(err, auth.ErrNoSecret) {
					return fmt.Errorf("auth.jwt_secret is not set (REPROSERVER_AUTH_JWT_SECRET)")
				}
				return err
			}
			return printJSONOrText(map[string]any{"subject": subject, "token": s}, s)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "worker", "worker name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; 0 never expires")
	return cmd
}

func housekeepingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "housekeeping",
		Short: "Relay pending tasks, sweep orphaned objects and purge stale experiments once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Sweeper().RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("relayed %d tasks\n", rep.Relayed)
				fmt.Printf("swept %d objects (archives %d, inputs %d, outputs %d, staging %d)\n",
					rep.Swept.Total(), rep.Swept.Archives, rep.Swept.Inputs, rep.Swept.Outputs, rep.Swept.Staging)
				fmt.Printf("purged %d experiments\n", len(rep.Purged))
				return nil
			})
		},
	}
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, app.Options{Migrate: true, Log: logging.New("reprosrv", cfg.Log.Level)})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUpload(u domain.Upload) error {
	if viper.GetBool("json") {
		return printJSON(u)
	}
	fmt.Printf("upload %s\n", color.CyanString(u.Token))
	fmt.Printf("  experiment %s\n", u.ExperimentHash)
	fmt.Printf("  filename   %s\n", u.Filename)
	if u.ProviderKey != "" {
		fmt.Printf("  source     %s\n", u.ProviderKey)
	}
	return nil
}

func printExperiment(v engine.ExperimentView) {
	e := v.Experiment
	fmt.Printf("experiment %s %s\n", e.Hash, statusColor(e.Status))
	if e.DockerImage != "" {
		fmt.Printf("  image       %s\n", e.DockerImage)
	}
	fmt.Printf("  created     %s\n", e.CreatedAt)
	fmt.Printf("  last access %s\n", e.LastAccess)
	if len(v.Parameters) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Parameter", "Optional", "Default", "Description"})
		for _, p := range v.Parameters {
			tw.AppendRow(table.Row{p.Name, p.Optional, p.Default, p.Description})
		}
		tw.Render()
	}
	if len(v.Paths) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Path", "Location", "Input", "Output"})
		for _, p := range v.Paths {
			tw.AppendRow(table.Row{p.Name, p.Path, p.IsInput, p.IsOutput})
		}
		tw.Render()
	}
}

func printRuns(runs []domain.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Run", "Status", "Submitted", "Started", "Done"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.Token, runStatusColor(r.Status), r.Submitted, deref(r.Started), deref(r.Done)})
	}
	tw.Render()
}

func printLog(lines []domain.LogLine) error {
	if viper.GetBool("json") {
		return printJSON(lines)
	}
	for _, l := range lines {
		fmt.Printf("%s %s\n", color.HiBlackString("%4d %s", l.Line, l.Timestamp), l.Text)
	}
	return nil
}

func statusColor(s domain.Status) string {
	switch s {
	case domain.StatusBuilt:
		return color.GreenString(string(s))
	case domain.StatusError:
		return color.RedString(string(s))
	case domain.StatusQueued, domain.StatusBuilding:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func runStatusColor(s domain.RunStatus) string {
	switch s {
	case domain.RunDone:
		return color.GreenString(string(s))
	case domain.RunRunning:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
