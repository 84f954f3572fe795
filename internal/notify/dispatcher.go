// Package notify messages users over the Steam social channel when their
// replay is ready or when feedback for a match is available.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/replay-fetcher/constants"
	"github.com/joseph-ayodele/replay-fetcher/internal/entity"
)

// DefaultSendTimeout bounds a detached completion message.
const DefaultSendTimeout = 30 * time.Second

// Social is the messaging capability of the Steam session.
type Social interface {
	Relationship(ctx context.Context, userID int64) (constants.Relationship, error)
	SendMessage(ctx context.Context, userID int64, text string) error
}

// FeedbackStore records that a job's feedback reached its owner.
type FeedbackStore interface {
	MarkFeedbackSent(ctx context.Context, id int64) error
}

type Dispatcher struct {
	social      Social
	store       FeedbackStore
	logger      *slog.Logger
	sendTimeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(social Social, store FeedbackStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		social:      social,
		store:       store,
		logger:      logger,
		sendTimeout: DefaultSendTimeout,
	}
}

// DownloadedMessage is the chat text sent when a replay has been stored.
func DownloadedMessage(jobID int64) string {
	return fmt.Sprintf("Your match replay is ready (match #%d). Analysis will follow shortly.", jobID)
}

// NotifyDownloaded tells the owner their replay is stored. The send runs
// detached from the caller; failures are logged and never returned.
func (d *Dispatcher) NotifyDownloaded(ctx context.Context, userID, jobID int64) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()

		if !d.canMessage(ctx, userID) {
			return
		}
		if err := d.social.SendMessage(ctx, userID, DownloadedMessage(jobID)); err != nil {
			d.logger.Warn("notify.downloaded.send_error", "user_id", userID, "job_id", jobID, "error", err)
			return
		}
		d.logger.Info("notify.downloaded.sent", "user_id", userID, "job_id", jobID)
	}()
}

// SendFeedback delivers the job's coach tip and marks it sent only after the
// message went out. It reports whether the message was sent.
func (d *Dispatcher) SendFeedback(ctx context.Context, job *entity.Job) bool {
	tip := strings.TrimSpace(job.CoachTipOrEmpty())
	if tip == "" {
		return false
	}
	if !d.canMessage(ctx, job.UserID) {
		return false
	}
	if err := d.social.SendMessage(ctx, job.UserID, tip); err != nil {
		d.logger.Warn("notify.feedback.send_error", "user_id", job.UserID, "job_id", job.ID, "error", err)
		return false
	}
	if err := d.store.MarkFeedbackSent(ctx, job.ID); err != nil {
		// The tip will be offered again next cycle.
		d.logger.Error("notify.feedback.mark_error", "user_id", job.UserID, "job_id", job.ID, "error", err)
		return true
	}
	d.logger.Info("notify.feedback.sent", "user_id", job.UserID, "job_id", job.ID)
	return true
}

// Wait blocks until detached sends finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()
	select {
	case <-ctx.Done():
		d.logger.Warn("notify.drain_interrupted")
	case <-done:
	}
}

func (d *Dispatcher) canMessage(ctx context.Context, userID int64) bool {
	rel, err := d.social.Relationship(ctx, userID)
	if err != nil {
		d.logger.Warn("notify.relationship_error", "user_id", userID, "error", err)
		return false
	}
	if !rel.IsContact() {
		d.logger.Debug("notify.skip_not_contact", "user_id", userID, "relationship", rel.String())
		return false
	}
	return true
}
