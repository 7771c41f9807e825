// Command eraops-admin runs one-off operations against the snapshot store:
// statistics, metadata backfill, retention passes, seeding and export.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/eraops/internal/config"
	"github.com/rewired-gh/eraops/internal/logger"
	"github.com/rewired-gh/eraops/internal/models"
	"github.com/rewired-gh/eraops/internal/retention"
	"github.com/rewired-gh/eraops/internal/storage"
	"github.com/rewired-gh/eraops/internal/validate"
)

const usage = `usage: eraops-admin [-config path] <command> [flags]

commands:
  stats                      print store statistics and maintenance urgency
  backfill [-batch n]        fill missing season, team count and hash metadata
  maintain [-dry-run]        run a retention pass
  seed -file fixture.json    load snapshots from a JSON fixture
  export [-out file]         write every snapshot as JSON
  vacuum                     reclaim free space
`

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.New(cfg.Storage.Path,
		storage.WithBusyTimeout(cfg.Storage.BusyTimeout),
		storage.WithCacheSize(cfg.Storage.CacheSize),
	)
	if err != nil {
		logger.Fatal("Failed to open storage: %v", err)
	}
	defer store.Close()

	a := &admin{cfg: cfg, store: store, out: os.Stdout}
	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		store.Close()
		logger.Fatal("%s failed: %v", flag.Arg(0), err)
	}
}

type admin struct {
	cfg   *config.Config
	store *storage.Storage
	out   io.Writer
	now   func() time.Time
}

func (a *admin) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

func (a *admin) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "stats":
		return a.stats(ctx)
	case "backfill":
		return a.backfill(ctx, args)
	case "maintain":
		return a.maintain(ctx, args)
	case "seed":
		return a.seed(ctx, args)
	case "export":
		return a.export(ctx, args)
	case "vacuum":
		return a.store.Vacuum(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (a *admin) policy() (retention.Policy, error) {
	return a.cfg.RetentionPolicy()
}

func (a *admin) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *admin) stats(ctx context.Context) error {
	policy, err := a.policy()
	if err != nil {
		return err
	}
	st, err := a.store.Stats(ctx, policy.MinTeamCount)
	if err != nil {
		return err
	}
	return a.writeJSON(struct {
		*models.StoreStats
		Urgency retention.Urgency `json:"urgency"`
	}{st, policy.Assess(st.Total)})
}

func (a *admin) backfill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	batch := fs.Int("batch", a.cfg.Retention.BackfillBatchSize, "rows updated per transaction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := a.store.Backfill(ctx, *batch)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "backfilled %d snapshots\n", n)
	return nil
}

func (a *admin) maintain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("maintain", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report what would be removed without deleting")
	vacuum := fs.Bool("vacuum", a.cfg.Retention.Vacuum, "vacuum after deleting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	policy, err := a.policy()
	if err != nil {
		return err
	}
	engine, err := retention.NewEngine(a.store, policy)
	if err != nil {
		return err
	}
	res, err := engine.Run(ctx, a.clock(), retention.RunOptions{DryRun: *dryRun, Vacuum: *vacuum})
	if err != nil {
		return err
	}
	return a.writeJSON(res)
}

// fixtureSnapshot is one entry of a seed file. Teams go through the validator
// exactly like upstream payloads.
type fixtureSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Season    int           `json:"season,omitempty"`
	Teams     []fixtureTeam `json:"teams"`
}

// fixtureTeam accepts exported records too. Runs marked as estimated are
// dropped so the validator derives them again instead of taking them as real.
type fixtureTeam struct {
	models.RawTeamRecord
	RunsEstimated bool `json:"runs_estimated,omitempty"`
}

func (f fixtureSnapshot) raws() []models.RawTeamRecord {
	raws := make([]models.RawTeamRecord, len(f.Teams))
	for i, t := range f.Teams {
		raws[i] = t.RawTeamRecord
		if t.RunsEstimated {
			raws[i].RunsScored = nil
			raws[i].RunsAllowed = nil
		}
	}
	return raws
}

func (a *admin) seed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	file := fs.String("file", "", "JSON fixture: array of {timestamp, season, teams}")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("-file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read fixture: %w", err)
	}
	var fixtures []fixtureSnapshot
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("failed to decode fixture: %w", err)
	}

	opts := a.cfg.ValidatorOptions()
	created := 0
	for i, f := range fixtures {
		records, rejected := validate.Validate(f.raws(), opts)
		for _, r := range rejected {
			logger.Warn("Fixture %d: %s", i, r.String())
		}
		if len(records) == 0 {
			logger.Warn("Fixture %d has no valid teams, skipping", i)
			continue
		}
		ts := f.Timestamp
		if ts.IsZero() {
			ts = a.clock()
		}
		snap, err := a.store.CreateSnapshotAt(ctx, records, ts, f.Season)
		if err != nil {
			return fmt.Errorf("fixture %d: %w", i, err)
		}
		logger.Debug("Seeded snapshot %d (%d teams) at %s", snap.ID, snap.TeamCount, snap.Timestamp.Format(time.RFC3339))
		created++
	}
	fmt.Fprintf(a.out, "seeded %d of %d snapshots\n", created, len(fixtures))
	return nil
}

func (a *admin) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	outPath := fs.String("out", "", "output file (default stdout)")
	season := fs.Int("season", 0, "only export this season")
	if err := fs.Parse(args); err != nil {
		return err
	}

	metas, err := a.store.ListSnapshots(ctx, *season)
	if err != nil {
		return err
	}
	snapshots := make([]*models.Snapshot, 0, len(metas))
	for i := len(metas) - 1; i >= 0; i-- {
		snap, err := a.store.SnapshotByID(ctx, metas[i].ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		snapshots = append(snapshots, snap)
	}

	w := a.out
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("failed to create export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshots); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	logger.Info("Exported %d snapshots", len(snapshots))
	return nil
}
