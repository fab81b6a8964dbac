package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"gigline/internal/app"
	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/engine"
	"gigline/internal/logging"
	"gigline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gigline CLI",
	Long: `Gigline is a marketplace backend for short jobs ("gigs").
- Gigs: posted by a creator, accepted by exactly one worker, then completed or cancelled.
- Homes: shared households with occupants and private or public data entries.
- Chat: one room per gig, served over WebSocket at {base_path}/ws.
- Event log: every state change, view with 'gl log tail' or GET /events.
The workspace directory holds gigline.yml and the .gigline database.`,
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
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	viper.SetEnvPrefix("GIGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/gigline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "user id to act as")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gigCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API and chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr := viper.GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			rl, err := a.NewRelay()
			if err != nil {
				return err
			}
			defer rl.Close()
			handler, err := a.Handler(rl)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rl.Run(gctx) })
			g.Go(func() error { return a.Webhooks().Run(gctx) })
			g.Go(func() error {
				logger.Info("serving gigline api",
					"addr", cfg.Server.Addr,
					"base_path", cfg.Server.BasePath,
					"relay", cfg.Chat.Relay,
					"store", cfg.Store.Driver,
					"instance", a.Instance)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func gigCmd() *cobra.Command {
	gig := &cobra.Command{Use: "gig", Short: "Inspect and manage gigs"}
	gig.AddCommand(gigListCmd())
	gig.AddCommand(gigCreateCmd())
	gig.AddCommand(gigShowCmd())
	gig.AddCommand(gigAcceptCmd())
	gig.AddCommand(gigStatusCmd())
	return gig
}

func gigListCmd() *cobra.Command {
	var opts engine.GigListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gigs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gigs, err := e.ListGigs(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gigs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Price", "Status", "Creator", "Worker", "Created"})
				for _, g := range gigs {
					tw.AppendRow(table.Row{g.ID, g.Title, fmt.Sprintf("%.2f", g.Price), g.Status, g.CreatedBy, g.AcceptedBy, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "field:direction, e.g. price:asc")
	cmd.Flags().IntVar(&opts.Limit, "limit", engine.DefaultGigLimit, "page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")
	return cmd
}

func gigCreateCmd() *cobra.Command {
	var opts engine.GigCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create gig as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatorID = viper.GetString("actor-id")
			if opts.CreatorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGig(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "gig title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "gig description")
	cmd.Flags().Float64Var(&opts.Price, "price", 0, "price")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.EstimatedDuration, "estimated-duration", "", "estimated duration, e.g. 2h")
	return cmd
}

func gigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show gig",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.GetGig(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func gigAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept gig as --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.AcceptGig(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func gigStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set gig status as its creator (--actor-id)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.UpdateGigStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userListCmd())
	user.AddCommand(userRegisterCmd())
	return user
}

func userListCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Email", "Role", "Verified", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Email, u.Role, u.Verified, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func userRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user; the password is read from the terminal or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword()
			if err != nil {
				return err
			}
			opts.Password = password
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Register(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"user":       s.User,
					"token":      s.Token,
					"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339),
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Username, "username", "", "username")
	cmd.Flags().StringVar(&opts.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&opts.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone in E.164 form")
	return cmd
}

func chatCmd() *cobra.Command {
	c := &cobra.Command{Use: "chat", Short: "Gig chat rooms"}
	c.AddCommand(&cobra.Command{
		Use:   "history <gig-id>",
		Short: "Print a gig's chat history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetGig(ctx, args[0]); err != nil {
					return err
				}
				msgs, err := e.Repo.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				for _, m := range msgs {
					fmt.Printf("%s  %s: %s\n", m.Timestamp, m.SenderID, m.Message)
				}
				return nil
			})
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	t.AddCommand(&cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue a bearer token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetUser(ctx, args[0], args[0]); err != nil {
					return err
				}
				token, exp, err := e.Identity.IssueToken(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": token, "expires_at": exp.UTC().Format(time.RFC3339)})
				}
				fmt.Println(token)
				return nil
			})
		},
	})
	return t
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change: gigs, users, homes and payments.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration is read from gigline.yml in the workspace, then overlaid with GIGLINE_* environment variables (a .env file is loaded first).",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Auth.JWTSecret = mask(masked.Auth.JWTSecret)
			masked.Payments.StripeSecretKey = mask(masked.Payments.StripeSecretKey)
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(masked)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config for serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err == nil {
				err = cfg.ValidateServe()
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
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default gigline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
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

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the workspace config; the --workspace flag always names
// the store directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if ws := viper.GetString("workspace"); ws != "" {
		cfg.Store.Workspace = ws
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
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
