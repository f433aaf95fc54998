package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "leadline",
	Short: "Leadline CLI",
	Long: `Leadline routes applicant intakes to professionals as time-boxed leads.
- Intake: an applicant's request for a service.
- Lead: one offer of an intake to one professional, open until its window closes.
- Accepting a lead opens a case; the other live offers for that intake are withdrawn.
- Sweep: re-offers intakes whose leads lapsed or were declined, up to max_attempts.
- Event log: every state change, view with 'leadline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLog()
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
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initLog() {
	level := viper.GetString("log-level")
	if level == "" {
		if cfg, err := config.LoadOrDefault(viper.GetString("workspace")); err == nil {
			level = cfg.Log.Level
		}
	}
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(logLevel)
	}

	log.SetOutput(os.Stderr)

	log.SetFormatter(&prefixed.TextFormatter{
		ForceFormatting: true,
		FullTimestamp:   true,
	})
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides leadline.yml)")
	rootCmd.PersistentFlags().String("api-url", "http://127.0.0.1:8080", "Leadline API base URL")
	rootCmd.PersistentFlags().String("api-key", "", "API key for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "api-url", "api-key", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(leadsCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create leadline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Wrote %s and initialized %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing leadline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate leadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func intakeCmd() *cobra.Command {
	c := &cobra.Command{Use: "intake", Short: "Manage applicant intakes"}
	c.AddCommand(intakeSubmitCmd())
	c.AddCommand(intakeShowCmd())
	c.AddCommand(intakeOfferCmd())
	return c
}

func intakeSubmitCmd() *cobra.Command {
	var in engine.IntakeInput
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a new intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				intake, err := e.SubmitIntake(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(intake)
			})
		},
	}
	cmd.Flags().StringVar(&in.ServiceName, "service", "", "service name")
	cmd.Flags().StringVar(&in.ApplicantName, "name", "", "applicant name")
	cmd.Flags().StringVar(&in.ApplicantEmail, "email", "", "applicant email")
	cmd.Flags().StringVar(&in.ApplicantPhone, "phone", "", "applicant phone")
	cmd.Flags().StringVar(&in.ApplicantCountry, "country", "", "applicant country")
	cmd.Flags().StringVar(&in.DestinationCountry, "destination", "", "destination country")
	cmd.Flags().StringVar(&in.Description, "description", "", "free-text description")
	cmd.Flags().StringVar(&in.UrgencyLevel, "urgency", domain.UrgencyStandard, "standard|soon|urgent|emergency")
	for _, f := range []string{"service", "name", "email", "country", "destination"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func intakeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an intake and its offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				intake, err := e.GetIntake(ctx, args[0])
				if err != nil {
					return err
				}
				offers, err := e.Repo.ListAssignments(ctx, nil, repo.AssignmentFilters{IntakeID: intake.ID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"intake": intake, "offers": offers})
				}
				fmt.Printf("%s  %s for %s (%s -> %s), urgency %s\n", intake.ID, intake.ServiceName, intake.ApplicantName,
					intake.ApplicantCountry, intake.DestinationCountry, intake.UrgencyLevel)
				if intake.ConvertedCaseID != nil {
					fmt.Printf("converted to case %s\n", *intake.ConvertedCaseID)
				}
				renderLeads(offers, time.Now())
				return nil
			})
		},
	}
}

func intakeOfferCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "offer <intake-id>",
		Short: "Offer an intake to a professional",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lead, err := e.OfferIntake(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(lead)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "professional id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-offer intakes whose leads lapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Sweep(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("offered %d, exhausted %d\n", len(res.Offered), len(res.Exhausted))
				renderLeads(res.Offered, time.Now())
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return c
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, role := range roles {
					if !e.Auth.KnownRole(role) {
						return fmt.Errorf("unknown role %q", role)
					}
				}
				secret, err := newSecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					Roles:   roles,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": actorID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role granted to the key (repeatable)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ll_" + hex.EncodeToString(b), nil
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, offer sweeper and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					DevLogin:               devLogin,
					AllowLegacyActorHeader: legacyHeaders,
				}
				if authCfg.JWTSecret == "" && !legacyHeaders {
					log.WithField("prefix", "serve").Warn("LEADLINE_JWT_SECRET not set; only API keys will authenticate")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				wait := server.StartBackground(ctx, e, "sweeper")
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.WithField("prefix", "serve").Infof("serving Leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				err = srv.ListenAndServe()
				wait()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (requires LEADLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-actor-headers", false, "trust X-Actor-Id/X-Actor-Roles without credentials (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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
