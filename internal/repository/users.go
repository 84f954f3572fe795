package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/replay-fetcher/internal/common"
	"github.com/joseph-ayodele/replay-fetcher/internal/entity"
)

// UserRepository exposes the users columns the share-code poller needs.
type UserRepository interface {
	ListPollable(ctx context.Context) ([]*entity.User, error)
	UpdateLastKnownMatchCode(ctx context.Context, steamID int64, shareCode string) error
	FlagAuthInvalid(ctx context.Context, steamID int64) error
	Upsert(ctx context.Context, user *entity.User) error
}

type userRepo struct {
	drv    *entsql.Driver
	logger *slog.Logger
}

func NewUserRepository(drv *entsql.Driver, logger *slog.Logger) UserRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &userRepo{drv: drv, logger: logger}
}

// ListPollable returns users with a non-empty auth code that has not been flagged invalid.
func (r *userRepo) ListPollable(ctx context.Context) ([]*entity.User, error) {
	b := entsql.Dialect(r.drv.Dialect())
	query, args := b.Select("steam_id", "auth_code", "last_known_match_code", "auth_code_valid").
		From(b.Table(UsersTable)).
		Where(entsql.And(
			entsql.NotNull("auth_code"),
			entsql.NEQ("auth_code", ""),
			entsql.Or(entsql.IsNull("auth_code_valid"), entsql.EQ("auth_code_valid", true)),
		)).
		OrderBy("steam_id").
		Query()

	rows, err := r.drv.DB().QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("list pollable users failed", "error", err)
		return nil, common.DatabaseError("list users", err)
	}
	defer rows.Close()

	var users []*entity.User
	for rows.Next() {
		var (
			u         entity.User
			lastKnown sql.NullString
			valid     sql.NullBool
		)
		if err := rows.Scan(&u.SteamID, &u.AuthCode, &lastKnown, &valid); err != nil {
			return nil, common.DatabaseError("scan user", err)
		}
		if lastKnown.Valid {
			u.LastKnownMatchCode = &lastKnown.String
		}
		if valid.Valid {
			u.AuthCodeValid = &valid.Bool
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, common.DatabaseError("list users", err)
	}
	return users, nil
}

func (r *userRepo) UpdateLastKnownMatchCode(ctx context.Context, steamID int64, shareCode string) error {
	query, args := entsql.Dialect(r.drv.Dialect()).Update(UsersTable).
		Set("last_known_match_code", shareCode).
		Where(entsql.EQ("steam_id", steamID)).
		Query()
	if _, err := r.drv.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("update last known match code failed", "steam_id", steamID, "error", err)
		return common.DatabaseError("update last known match code", err)
	}
	return nil
}

func (r *userRepo) FlagAuthInvalid(ctx context.Context, steamID int64) error {
	query, args := entsql.Dialect(r.drv.Dialect()).Update(UsersTable).
		Set("auth_code_valid", false).
		Where(entsql.EQ("steam_id", steamID)).
		Query()
	if _, err := r.drv.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("flag auth invalid failed", "steam_id", steamID, "error", err)
		return common.DatabaseError("flag auth invalid", err)
	}
	r.logger.Warn("auth code flagged invalid", "steam_id", steamID)
	return nil
}

// Upsert inserts or replaces a users row. Used by operator tooling and tests.
func (r *userRepo) Upsert(ctx context.Context, user *entity.User) error {
	db := r.drv.DB()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return common.DatabaseError("begin upsert user", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := entsql.Dialect(r.drv.Dialect())
	query, args := b.Delete(UsersTable).Where(entsql.EQ("steam_id", user.SteamID)).Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return common.DatabaseError("upsert user delete", err)
	}

	var lastKnown, valid any
	if user.LastKnownMatchCode != nil {
		lastKnown = *user.LastKnownMatchCode
	}
	if user.AuthCodeValid != nil {
		valid = *user.AuthCodeValid
	}
	query, args = b.Insert(UsersTable).
		Columns("steam_id", "auth_code", "last_known_match_code", "auth_code_valid").
		Values(user.SteamID, user.AuthCode, lastKnown, valid).
		Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return common.DatabaseError("upsert user insert", err)
	}
	if err := tx.Commit(); err != nil {
		return common.DatabaseError("upsert user commit", err)
	}
	return nil
}
