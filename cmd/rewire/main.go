package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rewire/internal/checker"
	"rewire/internal/clock"
	"rewire/internal/config"
	"rewire/internal/db"
	"rewire/internal/domain"
	"rewire/internal/events"
	"rewire/internal/invariants"
	"rewire/internal/migrate"
	"rewire/internal/notify"
	"rewire/internal/server"
	"rewire/internal/store"
	"rewire/internal/trial"
)

var rootCmd = &cobra.Command{
	Use:   "rewire",
	Short: "Rewire expectation verifier",
	Long: `Rewire verifies, from external evidence alone, that periodic jobs ran
when expected and that one-way alert paths actually deliver. Jobs POST
observations (start/end/ping) to a per-expectation URL; a background
checker compares the history against declared tolerances and records
violations with the evidence that justifies them.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("REWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "rewire.yml", "config file path")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(newScheduleCmd())
	rootCmd.AddCommand(newAlertPathCmd())
	rootCmd.AddCommand(enableCmd(true))
	rootCmd.AddCommand(enableCmd(false))
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(violationsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(invariantsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and initialize the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: cfg.DBPath})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("wrote %s, database at %s\n", path, cfg.DBPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface and the background checker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(viper.GetString("config"))
			if err != nil {
				fmt.Fprintln(os.Stderr, "rewire: fatal:", err)
				os.Exit(1)
			}
			if err := runServe(cfg); err != nil {
				fmt.Fprintln(os.Stderr, "rewire: fatal:", err)
				os.Exit(1)
			}
			return nil
		},
	}
}

func runServe(cfg *config.Config) error {
	conn, err := db.Open(db.Config{Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}

	clk := clock.System{}
	st := store.Store{DB: conn, Clock: clk}
	evw := events.Writer{DB: conn, Clock: clk}
	trials := trial.Manager{Store: st, Events: evw, BaseURL: cfg.BaseURL}
	notifier := buildNotifier(cfg)

	handler, err := server.New(server.Config{
		Store:  st,
		Trials: trials,
		Events: evw,
		Cfg:    cfg,
	})
	if err != nil {
		return err
	}

	checkEvery := time.Duration(cfg.CheckEveryS) * time.Second
	loop := checker.Loop{
		Reconciler: checker.Reconciler{
			Store:          st,
			Trials:         trials,
			Events:         evw,
			Notifier:       notifier,
			Clock:          clk,
			RenotifyAfterS: int64(cfg.RenotifyAfterS),
			DeliverTimeout: checkEvery / 2,
		},
		Interval: checkEvery,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	fmt.Fprintf(os.Stderr, "rewire listening on %s (OpenAPI at /v1/openapi.json)\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-loopDone
	return nil
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var sinks notify.Fanout
	if cfg.SMTP.Host != "" {
		sinks = append(sinks, notify.Email{Config: notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}})
	} else {
		sinks = append(sinks, notify.Dev{})
	}
	for _, hook := range cfg.Webhooks {
		sinks = append(sinks, notify.Webhook{
			Config: notify.WebhookConfig{
				URL:      hook.URL,
				Kind:     hook.Kind,
				Secret:   hook.Secret,
				TimeoutS: hook.TimeoutS,
			},
			Client: &http.Client{Timeout: time.Duration(hook.TimeoutS) * time.Second},
		})
	}
	return sinks
}

// --- remote admin commands (thin HTTP clients, like instrumented jobs) ---

func adminFlags(cmd *cobra.Command) {
	cmd.Flags().String("base-url", "http://127.0.0.1:8080", "Rewire server URL")
	cmd.Flags().String("admin-token", "", "admin bearer token (or REWIRE_ADMIN_TOKEN)")
}

func adminPost(cmd *cobra.Command, path string, form url.Values) (map[string]any, error) {
	base := strings.TrimRight(mustFlag(cmd, "base-url"), "/")
	tok := mustFlag(cmd, "admin-token")
	if tok == "" {
		tok = viper.GetString("admin-token")
	}
	if tok == "" {
		return nil, fmt.Errorf("admin token required (--admin-token or REWIRE_ADMIN_TOKEN)")
	}
	req, err := http.NewRequest(http.MethodPost, base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+tok)
	client := &http.Client{Timeout: 20 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body)))
	}
	return out, nil
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func newScheduleCmd() *cobra.Command {
	var name, contact string
	var expected, tolerance, maxRuntime, minSpacing int64
	var allowOverlap bool
	cmd := &cobra.Command{
		Use:   "new-schedule",
		Short: "Create a schedule expectation",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(domain.ScheduleParams{
				MaxRuntimeS:  maxRuntime,
				MinSpacingS:  minSpacing,
				AllowOverlap: allowOverlap,
			})
			out, err := adminPost(cmd, "/admin/new", url.Values{
				"type":                {domain.TypeSchedule},
				"name":                {name},
				"contact":             {contact},
				"expected_interval_s": {fmt.Sprintf("%d", expected)},
				"tolerance_s":         {fmt.Sprintf("%d", tolerance)},
				"params_json":         {string(params)},
			})
			if err != nil {
				return err
			}
			printJSON(out)
			if u, ok := out["observe_url"].(string); ok {
				fmt.Println("\nInstrument your job:")
				fmt.Printf("  curl -fsS -X POST '%s' -d kind=start\n", u)
				fmt.Println("  # ... do work ...")
				fmt.Printf("  curl -fsS -X POST '%s' -d kind=end\n", u)
			}
			return nil
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "expectation name")
	cmd.Flags().StringVar(&contact, "contact", "", "owner contact (email address)")
	cmd.Flags().Int64Var(&expected, "expected-interval-s", 0, "expected interval between runs (seconds)")
	cmd.Flags().Int64Var(&tolerance, "tolerance-s", 0, "grace period (seconds)")
	cmd.Flags().Int64Var(&maxRuntime, "max-runtime-s", 0, "max runtime before longrun violation (0=disable)")
	cmd.Flags().Int64Var(&minSpacing, "min-spacing-s", 0, "min gap between runs (0=disable)")
	cmd.Flags().BoolVar(&allowOverlap, "allow-overlap", false, "allow overlapping runs")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("contact")
	_ = cmd.MarkFlagRequired("expected-interval-s")
	return cmd
}

func newAlertPathCmd() *cobra.Command {
	var name, contact string
	var expected, tolerance, testInterval, ackWindow int64
	cmd := &cobra.Command{
		Use:   "new-alertpath",
		Short: "Create an alert-path expectation",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, _ := json.Marshal(domain.AlertPathParams{
				AckWindowS:    ackWindow,
				TestIntervalS: testInterval,
			})
			out, err := adminPost(cmd, "/admin/new", url.Values{
				"type":                {domain.TypeAlertPath},
				"name":                {name},
				"contact":             {contact},
				"expected_interval_s": {fmt.Sprintf("%d", expected)},
				"tolerance_s":         {fmt.Sprintf("%d", tolerance)},
				"params_json":         {string(params)},
			})
			if err != nil {
				return err
			}
			printJSON(out)
			fmt.Println("\nSynthetic tests will be sent to", contact)
			fmt.Println("ACK via the /ack/<trial> link in each message.")
			return nil
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "expectation name")
	cmd.Flags().StringVar(&contact, "contact", "", "owner contact (email address)")
	cmd.Flags().Int64Var(&testInterval, "test-interval-s", 0, "how often to send synthetic tests")
	cmd.Flags().Int64Var(&ackWindow, "ack-window-s", 0, "time allowed to acknowledge")
	cmd.Flags().Int64Var(&expected, "expected-interval-s", 3600, "expected interval (seconds)")
	cmd.Flags().Int64Var(&tolerance, "tolerance-s", 0, "grace period (seconds)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("contact")
	_ = cmd.MarkFlagRequired("test-interval-s")
	_ = cmd.MarkFlagRequired("ack-window-s")
	return cmd
}

func enableCmd(enable bool) *cobra.Command {
	use, short, path := "enable", "Enable an expectation", "/admin/enable"
	if !enable {
		use, short, path = "disable", "Disable an expectation", "/admin/disable"
	}
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminPost(cmd, path, url.Values{"id": {id}})
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringVar(&id, "id", "", "expectation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- local inspection commands (read the database directly) ---

func withStore(fn func(ctx context.Context, st store.Store, evw events.Writer) error) error {
	cfg, err := config.FromFile(viper.GetString("config"))
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	clk := clock.System{}
	return fn(context.Background(),
		store.Store{DB: conn, Clock: clk},
		events.Writer{DB: conn, Clock: clk})
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summary of expectations and open violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store, _ events.Writer) error {
				exps, err := st.ListExpectations(ctx)
				if err != nil {
					return err
				}
				open, err := st.OpenViolationCount(ctx, "")
				if err != nil {
					return err
				}
				enabled := 0
				for _, e := range exps {
					if e.Enabled {
						enabled++
					}
				}
				printJSON(map[string]any{
					"expectations":    len(exps),
					"enabled":         enabled,
					"open_violations": open,
				})
				return nil
			})
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List expectations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store, _ events.Writer) error {
				items, err := st.ListExpectations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Type", "Name", "Interval", "Tolerance", "Enabled"})
				for _, e := range items {
					t.AppendRow(table.Row{e.ID, e.Type, e.Name, e.ExpectedIntervalS, e.ToleranceS, e.Enabled})
				}
				t.Render()
				return nil
			})
		},
	}
}

func showCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one expectation with recent observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store, _ events.Writer) error {
				exp, err := st.GetExpectation(ctx, id)
				if err != nil {
					return err
				}
				obs, err := st.RecentObservations(ctx, id, 10)
				if err != nil {
					return err
				}
				printJSON(map[string]any{"expectation": exp, "recent_observations": obs})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "expectation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func violationsCmd() *cobra.Command {
	var id string
	var openOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store, _ events.Writer) error {
				items, err := st.ListViolations(ctx, store.ViolationFilters{
					ExpectationID: id,
					OpenOnly:      openOnly,
					Limit:         limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					printJSON(items)
					return nil
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Expectation", "Code", "Detected", "Open", "Message"})
				for _, v := range items {
					t.AppendRow(table.Row{v.ID, v.ExpectationID, v.Code, v.DetectedAt, v.IsOpen, v.Message})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "filter by expectation id")
	cmd.Flags().BoolVar(&openOnly, "open", false, "open violations only")
	cmd.Flags().IntVar(&limit, "n", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	var n int
	var evtType, id string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail the audit journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ store.Store, evw events.Writer) error {
				items, err := evw.Latest(ctx, n, id, evtType)
				if err != nil {
					return err
				}
				printJSON(items)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&id, "id", "", "expectation id filter")
	cmd := &cobra.Command{Use: "log", Short: "Audit journal"}
	cmd.AddCommand(tail)
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a single checker tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(viper.GetString("config"))
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: cfg.DBPath})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			clk := clock.System{}
			st := store.Store{DB: conn, Clock: clk}
			evw := events.Writer{DB: conn, Clock: clk}
			loop := checker.Loop{
				Reconciler: checker.Reconciler{
					Store:          st,
					Trials:         trial.Manager{Store: st, Events: evw, BaseURL: cfg.BaseURL},
					Events:         evw,
					Notifier:       buildNotifier(cfg),
					Clock:          clk,
					RenotifyAfterS: int64(cfg.RenotifyAfterS),
					DeliverTimeout: time.Duration(cfg.CheckEveryS) * time.Second / 2,
				},
			}
			loop.Tick(cmd.Context())
			return nil
		},
	}
}

func invariantsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "invariants",
		Short: "Audit the database against the system invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store, _ events.Writer) error {
				chk := invariants.Checker{Store: st, Clock: clock.System{}}
				passed, failed, results, err := chk.CheckAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Invariant check: %d passed, %d failed\n", passed, failed)
				for _, r := range results {
					if !r.Passed || verbose {
						status := "PASS"
						if !r.Passed {
							status = "FAIL"
						}
						fmt.Printf("  [%s] %s: %s\n", status, r.Name, r.Message)
						if r.Details != nil {
							d, _ := json.Marshal(r.Details)
							fmt.Printf("         details: %s\n", d)
						}
					}
				}
				if failed > 0 {
					os.Exit(1)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show all results")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	newTok := &cobra.Command{
		Use:   "new",
		Short: "Issue an admin JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(viper.GetString("config"))
			if err != nil {
				return err
			}
			tok, err := server.IssueAdminJWT(cfg.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	newTok.Flags().StringVar(&subject, "subject", "operator", "token subject")
	newTok.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd := &cobra.Command{Use: "token", Short: "Admin tokens"}
	cmd.AddCommand(newTok)
	return cmd
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
