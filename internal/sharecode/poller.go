// Package sharecode walks each user's match history through the Steam Web API
// share-code chain and enqueues download jobs for new matches.
package sharecode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/replay-fetcher/internal/common"
	"github.com/joseph-ayodele/replay-fetcher/internal/entity"
	"github.com/joseph-ayodele/replay-fetcher/internal/repository"
)

// JobEnqueuer creates pending download jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, userID int64, shareCode string) (*entity.Job, error)
}

// Summary counts the outcome of one pass over all users.
type Summary struct {
	Users        int
	NewCodes     int
	Enqueued     int
	AuthRejected int
}

type Poller struct {
	users   repository.UserRepository
	jobs    JobEnqueuer
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	schema  *jsonschema.Schema

	apiKey     string
	apiURL     string
	maxPerUser int
	latestOnly bool
}

type Option func(*Poller)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		if c != nil {
			p.client = c
		}
	}
}

func WithLimiter(l *rate.Limiter) Option {
	return func(p *Poller) {
		if l != nil {
			p.limiter = l
		}
	}
}

func NewPoller(cfg common.ShareCodeConfig, users repository.UserRepository, jobs JobEnqueuer, logger *slog.Logger, opts ...Option) (*Poller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, common.NewAppError("CONFIG_ERROR", "STEAM_API_KEY must be set for share-code polling", common.ErrInvalidInput)
	}
	schema, err := compileSchema(responseSchema())
	if err != nil {
		return nil, fmt.Errorf("compile share-code schema: %w", err)
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxPerUser := cfg.MaxMatchesPerUser
	if maxPerUser <= 0 {
		maxPerUser = 50
	}
	p := &Poller{
		users:      users,
		jobs:       jobs,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		schema:     schema,
		apiKey:     cfg.APIKey,
		apiURL:     cfg.APIURL,
		maxPerUser: maxPerUser,
		latestOnly: cfg.LatestOnly,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Cycle adapts PollAll to a polling line.
func (p *Poller) Cycle(ctx context.Context) error {
	_, err := p.PollAll(ctx)
	return err
}

// PollAll walks every pollable user. A failure for one user is logged and
// does not stop the pass.
func (p *Poller) PollAll(ctx context.Context) (Summary, error) {
	users, err := p.users.ListPollable(ctx)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	sum.Users = len(users)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := p.PollUser(ctx, u)
		sum.NewCodes += res.NewCodes
		sum.Enqueued += res.Enqueued
		sum.AuthRejected += res.AuthRejected
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return sum, err
			}
			p.logger.Error("sharecode.user_failed", "steam_id", u.SteamID, "error", err)
		}
	}
	p.logger.Info("sharecode.pass_done",
		"users", sum.Users,
		"new_codes", sum.NewCodes,
		"enqueued", sum.Enqueued,
		"auth_rejected", sum.AuthRejected,
	)
	return sum, nil
}

// PollUser follows the share-code chain from the user's last known code.
// Every new code advances last_known_match_code. With latestOnly only the
// newest code of the walk is enqueued.
func (p *Poller) PollUser(ctx context.Context, u *entity.User) (sum Summary, err error) {
	log := p.logger.With("steam_id", u.SteamID)
	known := ""
	if u.LastKnownMatchCode != nil {
		known = strings.TrimSpace(*u.LastKnownMatchCode)
	}
	if known == "" {
		log.Warn("sharecode.missing_known_code")
		return sum, nil
	}
	authCode := strings.TrimSpace(u.AuthCode)

	latest := ""
	defer func() {
		// last_known_match_code has already moved past latest, so it must be
		// enqueued whichever way the walk ended.
		if latest == "" {
			return
		}
		if _, qerr := p.jobs.Enqueue(context.WithoutCancel(ctx), u.SteamID, latest); qerr != nil {
			err = errors.Join(err, qerr)
			return
		}
		sum.Enqueued++
		log.Info("sharecode.latest_enqueued", "share_code", latest)
	}()

	for sum.NewCodes < p.maxPerUser {
		if err := p.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		status, body, err := p.fetch(ctx, u.SteamID, authCode, known)
		if err != nil {
			return sum, err
		}

		switch {
		case status == http.StatusOK:
			code, err := parseNextCode(p.schema, body)
			if err != nil {
				return sum, err
			}
			if code == "" || code == known {
				log.Debug("sharecode.no_new_match")
				return sum, nil
			}
			if err := p.users.UpdateLastKnownMatchCode(ctx, u.SteamID, code); err != nil {
				return sum, err
			}
			known = code
			sum.NewCodes++
			if p.latestOnly {
				latest = code
				continue
			}
			if _, err := p.jobs.Enqueue(ctx, u.SteamID, code); err != nil {
				return sum, err
			}
			sum.Enqueued++
			log.Info("sharecode.new_match", "share_code", code)

		case status == http.StatusAccepted:
			if sum.NewCodes == 0 {
				log.Debug("sharecode.no_new_match")
			}
			return sum, nil

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			sum.AuthRejected++
			if err := p.users.FlagAuthInvalid(ctx, u.SteamID); err != nil {
				return sum, err
			}
			return sum, nil

		default:
			log.Warn("sharecode.unexpected_status",
				"status", status,
				"steamidkey", redact(authCode),
				"knowncode", redact(known),
				"body", preview(body, 500),
			)
			return sum, nil
		}
	}
	log.Info("sharecode.walk_limit_reached", "max", p.maxPerUser)
	return sum, nil
}

func (p *Poller) fetch(ctx context.Context, steamID int64, authCode, known string) (int, []byte, error) {
	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("steamid", strconv.FormatInt(steamID, 10))
	q.Set("steamidkey", authCode)
	q.Set("knowncode", known)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// url.Error carries the query string, which holds the API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return 0, nil, fmt.Errorf("steam api request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read steam api response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// redact keeps the first and last four characters of a secret.
func redact(v string) string {
	const keep = 4
	switch {
	case v == "":
		return "<empty>"
	case len(v) <= keep:
		return strings.Repeat("*", len(v))
	default:
		return v[:keep] + "..." + v[len(v)-keep:]
	}
}

func preview(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
