package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/common"
	"github.com/joseph-ayodele/replay-fetcher/internal/export"
	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
	repo "github.com/joseph-ayodele/replay-fetcher/internal/repository"
	"github.com/joseph-ayodele/replay-fetcher/internal/resolver"
	"github.com/joseph-ayodele/replay-fetcher/internal/sharecode"
)

const usage = `replayctl: operator tooling for the replay download queue

Usage:
  replayctl <command> [flags]

Commands:
  migrate       create tables and indexes
  enqueue       add a pending job for a user and share code
  requeue       move an errored job back to pending
  reclaim       move jobs stuck in processing back to pending
  list          print jobs
  export        write jobs to an XLSX workbook
  resolve-url   print the replay URL found in a match info JSON file
  poll          run one share-code polling pass

Every command accepts --config/-c.
`

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Print(usage)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, args)
	case "enqueue":
		err = runEnqueue(ctx, args)
	case "requeue":
		err = runRequeue(ctx, args)
	case "reclaim":
		err = runReclaim(ctx, args)
	case "list":
		err = runList(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "resolve-url":
		err = runResolveURL(args)
	case "poll":
		err = runPoll(ctx, args)
	default:
		printError("unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles what every database-backed command needs.
type env struct {
	cfg    *common.Config
	logger *slog.Logger
	drv    *entsql.Driver
	pool   *pgxpool.Pool
}

func (e *env) close() { repo.Close(e.drv, e.pool, e.logger) }

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML config file (default $REPLAYD_CONFIG)")
	return fs, configPath
}

func open(ctx context.Context, configPath string) (*env, error) {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := common.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	drv, pool, err := repo.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx, drv, logger); err != nil {
		repo.Close(drv, pool, logger)
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, drv: drv, pool: pool}, nil
}

func runMigrate(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("migrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()
	fmt.Println("schema up to date")
	return nil
}

func runEnqueue(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("enqueue")
	userID := fs.Int64P("user", "u", 0, "Steam user id (required)")
	shareCode := fs.StringP("share-code", "s", "", "match share code CSGO-xxxxx-... (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == 0 || *shareCode == "" {
		fs.Usage()
		return fmt.Errorf("--user and --share-code are required")
	}

	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	job, err := repo.NewJobRepository(e.drv, e.logger).Enqueue(ctx, *userID, *shareCode)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued job %d for user %d\n", job.ID, job.UserID)
	return nil
}

func runRequeue(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("requeue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: replayctl requeue <job-id>")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", fs.Arg(0), err)
	}

	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	if err := repo.NewJobRepository(e.drv, e.logger).Requeue(ctx, id); err != nil {
		return err
	}
	fmt.Printf("job %d is pending again\n", id)
	return nil
}

func runReclaim(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("reclaim")
	olderThan := fs.Duration("older-than", 30*time.Minute, "only jobs in processing for longer than this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	ids, err := repo.NewJobRepository(e.drv, e.logger).ReclaimStale(ctx, *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("reclaimed %d job(s) %v\n", len(ids), ids)
	return nil
}

func parseFilter(statuses []string, userID int64, limit int) (repo.JobFilter, error) {
	filter := repo.JobFilter{UserID: userID, Limit: limit}
	for _, s := range statuses {
		st, ok := constants.ParseJobStatus(strings.TrimSpace(s))
		if !ok {
			return filter, fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	return filter, nil
}

func runList(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("list")
	statuses := fs.StringSlice("status", nil, "only jobs in these statuses")
	userID := fs.Int64P("user", "u", 0, "only jobs for this user")
	limit := fs.IntP("limit", "n", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := parseFilter(*statuses, *userID, *limit)
	if err != nil {
		return err
	}

	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	jobs, err := repo.NewJobRepository(e.drv, e.logger).List(ctx, filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSTATUS\tSHARE CODE\tFILE\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			j.ID, j.UserID, j.Status, j.ShareCode, j.FilePathOrEmpty(), j.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runExport(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("export")
	out := fs.StringP("out", "o", "jobs.xlsx", "output XLSX file path")
	statuses := fs.StringSlice("status", nil, "only jobs in these statuses")
	userID := fs.Int64P("user", "u", 0, "only jobs for this user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := parseFilter(*statuses, *userID, 0)
	if err != nil {
		return err
	}

	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	data, err := export.NewService(repo.NewJobRepository(e.drv, e.logger), e.logger).ExportJobsXLSX(ctx, filter)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return common.WrapError(err, "write "+*out)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, len(data))
	return nil
}

func runResolveURL(args []string) error {
	fs := pflag.NewFlagSet("resolve-url", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: replayctl resolve-url <matchinfo.json>")
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	v, err := matchinfo.DecodeJSON(raw)
	if err != nil {
		return common.WrapError(err, "decode "+fs.Arg(0))
	}
	res, ok := resolver.Lookup(v)
	if !ok {
		return fmt.Errorf("no replay url found")
	}
	fmt.Printf("%s\t%s\n", res.Strategy, res.URL)
	return nil
}

func runPoll(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("poll")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := open(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := sharecode.NewPoller(e.cfg.ShareCode,
		repo.NewUserRepository(e.drv, e.logger),
		repo.NewJobRepository(e.drv, e.logger),
		e.logger)
	if err != nil {
		return err
	}
	sum, err := p.PollAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("users=%d new_codes=%d enqueued=%d auth_rejected=%d\n",
		sum.Users, sum.NewCodes, sum.Enqueued, sum.AuthRejected)
	return nil
}
