package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/clock"
	"github.com/joseph-ayodele/replay-fetcher/internal/common"
	"github.com/joseph-ayodele/replay-fetcher/internal/download"
	"github.com/joseph-ayodele/replay-fetcher/internal/entity"
	"github.com/joseph-ayodele/replay-fetcher/internal/matchinfo"
	"github.com/joseph-ayodele/replay-fetcher/internal/repository"
	"github.com/joseph-ayodele/replay-fetcher/internal/resolver"
)

// ErrNoReplayURL means the coordinator answered but no replay link could be
// found in the payload yet.
var ErrNoReplayURL = errors.New("no replay url in match info")

// DefaultRetryCooldown defers a job after its download kept failing with 502.
const DefaultRetryCooldown = 10 * time.Minute

// MatchResolver turns a share code into a coordinator match payload.
type MatchResolver interface {
	Resolve(ctx context.Context, shareCode string) (matchinfo.Value, error)
}

type Downloader interface {
	FetchAndStore(ctx context.Context, url, dest string) error
}

type Notifier interface {
	NotifyDownloaded(ctx context.Context, userID, jobID int64)
	SendFeedback(ctx context.Context, job *entity.Job) bool
}

// Processor runs the download cycle (claim, resolve, download, record) and
// the feedback cycle. Every outcome of a claimed job ends in a job state
// transition; only claim failures are returned to the caller.
type Processor struct {
	logger       *slog.Logger
	jobs         repository.JobRepository
	coordinator  MatchResolver
	downloader   Downloader
	notifier     Notifier
	clock        clock.Clock
	downloadsDir string
	cooldown     time.Duration

	mu        sync.Mutex
	cooldowns map[int64]time.Time
}

func NewProcessor(
	logger *slog.Logger,
	jobs repository.JobRepository,
	coordinator MatchResolver,
	downloader Downloader,
	notifier Notifier,
	clk clock.Clock,
	downloadsDir string,
	cooldown time.Duration,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if downloadsDir == "" {
		downloadsDir = "./downloads"
	}
	if cooldown <= 0 {
		cooldown = DefaultRetryCooldown
	}
	return &Processor{
		logger:       logger,
		jobs:         jobs,
		coordinator:  coordinator,
		downloader:   downloader,
		notifier:     notifier,
		clock:        clk,
		downloadsDir: downloadsDir,
		cooldown:     cooldown,
		cooldowns:    map[int64]time.Time{},
	}
}

// ReplayPath is where the artifact of job id is stored.
func (p *Processor) ReplayPath(id int64) string {
	return filepath.Join(p.downloadsDir, strconv.FormatInt(id, 10)+constants.DemoFileExt)
}

// ProcessNext claims one job and carries it to downloaded, pending or error.
// It reports whether a job was claimed.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	ctx = common.WithCycleID(ctx, uuid.NewString())
	job, err := p.jobs.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	ctx = common.WithJobID(ctx, job.ID)
	log := common.Logger(ctx, p.logger).With("user_id", job.UserID)

	if until, cooling := p.coolingDown(job.ID); cooling {
		log.Info("processor.cooldown_skip", "until", until)
		p.park(ctx, log, job.ID)
		return true, nil
	}

	start := p.clock.Now()
	path, err := p.acquire(ctx, log, job)
	if err != nil {
		p.handleFailure(ctx, log, job, err)
		return true, nil
	}
	p.clearCooldown(job.ID)

	if err := p.jobs.MarkDownloaded(context.WithoutCancel(ctx), job.ID, path); err != nil {
		// Leaving the row in processing would block every later job of this user.
		log.Error("processor.mark_downloaded_failed", "path", path, "error", err)
		p.park(context.WithoutCancel(ctx), log, job.ID)
		return true, nil
	}
	log.Info("processor.downloaded", "path", path, "elapsed_ms", p.clock.Now().Sub(start).Milliseconds())
	p.notifier.NotifyDownloaded(ctx, job.UserID, job.ID)
	return true, nil
}

func (p *Processor) acquire(ctx context.Context, log *slog.Logger, job *entity.Job) (string, error) {
	info, err := p.coordinator.Resolve(ctx, job.ShareCode)
	if err != nil {
		return "", fmt.Errorf("resolve match: %w", err)
	}
	found, ok := resolver.Lookup(info)
	if !ok {
		return "", ErrNoReplayURL
	}
	log.Info("processor.replay_url", "url", found.URL, "strategy", found.Strategy)

	path := p.ReplayPath(job.ID)
	if err := p.downloader.FetchAndStore(ctx, found.URL, path); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Processor) handleFailure(ctx context.Context, log *slog.Logger, job *entity.Job, err error) {
	// A cycle that was cancelled or ran out of time did not fail the job.
	interrupted := ctx.Err() != nil || errors.Is(err, context.Canceled)
	// The transition must land even when the cycle was cancelled.
	ctx = context.WithoutCancel(ctx)
	switch {
	case interrupted:
		log.Warn("processor.interrupted", "error", err)
		p.park(ctx, log, job.ID)
	case errors.Is(err, ErrNoReplayURL):
		log.Warn("processor.no_replay_url", "share_code", job.ShareCode)
		p.park(ctx, log, job.ID)
	case download.IsStatus(err, http.StatusBadGateway):
		until := p.clock.Now().Add(p.cooldown)
		p.mu.Lock()
		p.cooldowns[job.ID] = until
		p.mu.Unlock()
		log.Warn("processor.cooldown", "until", until, "error", err)
		p.park(ctx, log, job.ID)
	default:
		log.Error("processor.failed", "error", err)
		if merr := p.jobs.MarkError(ctx, job.ID); merr != nil {
			log.Error("processor.mark_error_failed", "error", merr)
		}
	}
}

func (p *Processor) park(ctx context.Context, log *slog.Logger, id int64) {
	if err := p.jobs.MarkPending(ctx, id); err != nil {
		log.Error("processor.mark_pending_failed", "error", err)
	}
}

// coolingDown reports whether id is still inside its retry cooldown. Expired
// entries are dropped.
func (p *Processor) coolingDown(id int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldowns[id]
	if !ok {
		return time.Time{}, false
	}
	if p.clock.Now().Before(until) {
		return until, true
	}
	delete(p.cooldowns, id)
	return time.Time{}, false
}

func (p *Processor) clearCooldown(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cooldowns, id)
}

// CooldownUntil returns the retry deadline recorded for id, if any.
func (p *Processor) CooldownUntil(id int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldowns[id]
	return until, ok
}

// ReclaimStale returns jobs stuck in processing for longer than olderThan to
// pending, so a crashed worker or a lost update cannot block their users.
func (p *Processor) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := p.jobs.ReclaimStale(ctx, olderThan)
	if err != nil {
		return len(ids), fmt.Errorf("reclaim stale jobs: %w", err)
	}
	for _, id := range ids {
		p.clearCooldown(id)
	}
	return len(ids), nil
}

// DispatchFeedback offers every ready coach tip to its owner. A failed item
// is logged and the batch continues. It returns how many were sent.
func (p *Processor) DispatchFeedback(ctx context.Context) (int, error) {
	ctx = common.WithCycleID(ctx, uuid.NewString())
	log := common.Logger(ctx, p.logger)

	jobs, err := p.jobs.ListFeedbackReady(ctx)
	if err != nil {
		return 0, fmt.Errorf("list feedback ready: %w", err)
	}
	sent := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if p.notifier.SendFeedback(ctx, job) {
			sent++
		}
	}
	if len(jobs) > 0 {
		log.Info("processor.feedback_batch", "ready", len(jobs), "sent", sent)
	}
	return sent, nil
}
