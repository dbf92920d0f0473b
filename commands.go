package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rideradar/api"
	"rideradar/models"
	"rideradar/scheduler"
	"rideradar/storage"
)

// -- run --

var runFlags struct {
	params   models.SearchParams
	policy   models.Policy
	assist   bool
	jsonOut  bool
	mediaMax time.Duration
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one vendor ingest and print the summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		params := runFlags.params
		params.Vendor = strings.ToLower(strings.TrimSpace(params.Vendor))
		if params.Vendor == "" {
			return eris.New("--vendor is required")
		}
		policy := mergePolicy(cmd, cfg.Vendor(params.Vendor).Policy, runFlags.policy)

		a, err := newApp(ctx, cfg, appOptions{
			needStore: !policy.DryRun,
			assist:    runFlags.assist,
			vendors:   []string{params.Vendor},
		})
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.orchestrator.Run(ctx, params, policy)
		if err != nil {
			return err
		}
		a.drainMedia(ctx, runFlags.mediaMax)
		if a.listings != nil {
			zap.L().Info("listing stats", zap.Any("stats", a.listings.Stats()))
		}
		return printSummary(os.Stdout, run, runFlags.jsonOut)
	},
}

// mergePolicy starts from the vendor file's policy and applies only the
// flags the user actually set.
func mergePolicy(cmd *cobra.Command, base, flags models.Policy) models.Policy {
	p := base
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("require-price", func() { p.RequirePrice = flags.RequirePrice })
	set("require-year", func() { p.RequireYear = flags.RequireYear })
	set("require-state", func() { p.RequireState = flags.RequireState })
	set("strict-prices", func() { p.StrictPrices = flags.StrictPrices })
	set("include-unpriced", func() { p.IncludeUnpriced = flags.IncludeUnpriced })
	set("allow-enquire", func() { p.AllowEnquire = flags.AllowEnquire })
	set("min-price", func() { p.MinPrice = flags.MinPrice })
	set("max-price", func() { p.MaxPrice = flags.MaxPrice })
	set("min-year", func() { p.MinYear = flags.MinYear })
	set("hydrate", func() { p.Hydrate = flags.Hydrate })
	set("hydrate-concurrency", func() { p.HydrateConcurrency = flags.HydrateConcurrency })
	set("dry-run", func() { p.DryRun = flags.DryRun })
	return p
}

func printSummary(w io.Writer, run *models.RunSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", run.ID)
	fmt.Fprintf(tw, "vendor\t%s\n", run.Vendor)
	fmt.Fprintf(tw, "status\t%s\n", run.Status)
	fmt.Fprintf(tw, "duration\t%s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(tw, "pages\t%d\n", run.PagesWalked)
	fmt.Fprintf(tw, "fetched\t%d\n", run.Fetched)
	fmt.Fprintf(tw, "kept\t%d\n", run.Kept)
	fmt.Fprintf(tw, "hydrated\t%d\n", run.Hydrated)
	fmt.Fprintf(tw, "normalized\t%d ok, %d failed\n", run.NormalizedOK, run.NormalizedErr)
	fmt.Fprintf(tw, "upserted\t%d\n", run.Upserted)
	for _, k := range run.Drops.Keys() {
		if run.Drops[k] > 0 {
			fmt.Fprintf(tw, "drop %s\t%d\n", k, run.Drops[k])
		}
	}
	if run.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", run.Error)
	}
	return tw.Flush()
}

// -- serve --

var serveFlags struct {
	addr    string
	catchUp time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled ingests, background workers and the health endpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, appOptions{needStore: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if a.media != nil {
			go a.media.Run(ctx)
		}
		go a.healthWorker.Run(ctx, cfg.Health.FlushInterval)

		sched := scheduler.New(a.orchestrator, a.health)
		sched.SetLastRunLookup(a.ledger)
		sched.SetWorkers(a.healthWorker)
		registered := make(map[string]bool)
		for _, v := range a.orchestrator.Vendors() {
			registered[v] = true
		}
		for key, vc := range cfg.Vendors {
			if vc.Disabled || !registered[key] {
				continue
			}
			for _, s := range vc.Schedules {
				job := scheduler.Job{Cron: s.Cron, Params: s.Params, Policy: vc.Policy, Force: s.Force}
				if err := sched.Add(job); err != nil {
					return err
				}
			}
		}
		sched.Start(ctx)
		if serveFlags.catchUp > 0 {
			go sched.CatchUp(ctx, serveFlags.catchUp)
		}

		addr := serveFlags.addr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           api.NewServer(a.health, a.ledger).Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("serving", zap.String("addr", addr), zap.Int("jobs", len(sched.Jobs())))
		err = srv.ListenAndServe()
		sched.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// -- health --

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the last persisted vendor health snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ledger, err := storage.NewSQLiteLedger(cfg.LedgerPath)
		if err != nil {
			return eris.Wrap(err, "open run ledger")
		}
		defer ledger.Close()

		records, err := ledger.LoadHealth()
		if err != nil {
			return err
		}
		return printHealth(os.Stdout, records, healthJSON)
	},
}

func printHealth(w io.Writer, records map[string]models.VendorHealthRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No vendor health recorded yet.")
		return nil
	}

	vendors := make([]string, 0, len(records))
	for v := range records {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VENDOR\tBREAKER\tLAST SUCCESS\tERRORS\tSTREAK\tLAST ERROR")
	for _, v := range vendors {
		r := records[v]
		last := "-"
		if r.LastSuccess != nil {
			last = r.LastSuccess.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", v, r.Breaker, last, r.TotalErrors, r.ConsecutiveErrors, r.LastError)
	}
	return tw.Flush()
}

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the listings table in Postgres",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.DatabaseURL == "" {
			return errNoDatabase
		}
		ctx := cmd.Context()
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("migrated", zap.String("url", maskConnectionString(cfg.DatabaseURL)))
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.params.Vendor, "vendor", "", "vendor key (pickles, autotrader, gumtree, manheim, ebay)")
	f.StringVar(&runFlags.params.Make, "make", "", "make filter")
	f.StringVar(&runFlags.params.Model, "model", "", "model filter")
	f.StringVar(&runFlags.params.State, "state", "", "state filter, e.g. qld")
	f.StringVar(&runFlags.params.Suburb, "suburb", "", "suburb filter")
	f.StringVar(&runFlags.params.Query, "query", "", "free-text query")
	f.StringVar(&runFlags.params.BuyMethod, "buy-method", "", "buy method facet: any or buy_now")
	f.StringVar(&runFlags.params.Salvage, "salvage", "", "salvage facet: non-salvage, salvage, both")
	f.StringVar(&runFlags.params.WOVR, "wovr", "", "WOVR facet: none, repairable, statutory")
	f.IntVar(&runFlags.params.Limit, "limit", 0, "stop after this many candidates (0 = no limit)")
	f.IntVar(&runFlags.params.MaxPages, "pages", 1, "maximum search pages to walk")

	f.BoolVar(&runFlags.policy.RequirePrice, "require-price", true, "drop tiles without a price")
	f.BoolVar(&runFlags.policy.RequireYear, "require-year", true, "drop tiles without a year")
	f.BoolVar(&runFlags.policy.RequireState, "require-state", true, "drop tiles without a state")
	f.BoolVar(&runFlags.policy.StrictPrices, "strict-prices", false, "require a price regardless of other flags")
	f.BoolVar(&runFlags.policy.IncludeUnpriced, "include-unpriced", false, "keep unpriced tiles")
	f.BoolVar(&runFlags.policy.AllowEnquire, "allow-enquire", false, "keep enquire-only tiles")
	f.IntVar(&runFlags.policy.MinPrice, "min-price", 0, "minimum price")
	f.IntVar(&runFlags.policy.MaxPrice, "max-price", 0, "maximum price")
	f.IntVar(&runFlags.policy.MinYear, "min-year", 0, "minimum year")
	f.BoolVar(&runFlags.policy.Hydrate, "hydrate", false, "enrich tiles from their detail pages")
	f.IntVar(&runFlags.policy.HydrateConcurrency, "hydrate-concurrency", 4, "detail pages fetched in parallel")
	f.BoolVar(&runFlags.policy.DryRun, "dry-run", false, "normalize but do not write")

	f.BoolVar(&runFlags.assist, "assist", false, "open a visible browser and wait for ENTER when blocked")
	f.BoolVar(&runFlags.jsonOut, "json", false, "print the summary as JSON")
	f.DurationVar(&runFlags.mediaMax, "media-timeout", 2*time.Minute, "how long to wait for queued photo uploads")

	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().DurationVar(&serveFlags.catchUp, "catch-up", 0, "on start, run vendors whose last run is older than this")

	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print as JSON")

	rootCmd.AddCommand(runCmd, serveCmd, healthCmd, migrateCmd)
}
