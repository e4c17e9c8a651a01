// Package identity implements the identity catalog: durable mapping from
// (channel, channel-local id) pairs to canonical users, plus statically
// configured cross-channel identity links.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/db"
)

var ErrUserNotFound = errors.New("user not found")

type linkKey struct {
	channel string
	uid     string
}

// Service resolves channel-local ids to canonical users, creating users and
// identity rows lazily on first contact.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// linkNames maps a configured (channel, uid) pair to its link name;
	// linkPairs maps a link name to all pairs declared under it.
	linkNames map[linkKey]string
	linkPairs map[string][]linkKey
}

// NewService creates an identity service with the configured identity links.
func NewService(log *slog.Logger, pool *pgxpool.Pool, cfg config.IdentityConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		pool:      pool,
		logger:    log.With(slog.String("service", "identity")),
		linkNames: map[linkKey]string{},
		linkPairs: map[string][]linkKey{},
	}
	for name, link := range cfg.Links {
		for channel, uid := range map[string]string{
			"terminal": link.Terminal,
			"telegram": link.Telegram,
			"discord":  link.Discord,
		} {
			uid = strings.TrimSpace(uid)
			if uid == "" {
				continue
			}
			key := linkKey{channel: channel, uid: uid}
			s.linkNames[key] = name
			s.linkPairs[name] = append(s.linkPairs[name], key)
		}
	}
	s.logger.Info("identity links loaded", slog.Int("pairs", len(s.linkNames)))
	return s
}

const (
	selectUserByPairSQL = `
SELECT u.id, u.display_name, u.created_at
FROM channel_identities ci
JOIN users u ON u.id = ci.user_id
WHERE ci.channel = $1 AND ci.channel_uid = $2`

	insertUserSQL = `
INSERT INTO users (display_name) VALUES ($1)
RETURNING id, display_name, created_at`

	insertIdentitySQL = `
INSERT INTO channel_identities (user_id, channel, channel_uid)
VALUES ($1, $2, $3)`

	selectUserByIDSQL = `
SELECT id, display_name, created_at FROM users WHERE id = $1`
)

// Resolve returns the canonical user owning (channel, channelUID). When the
// pair is unknown it either binds to an existing user declared under the same
// identity link, or atomically creates a new user with its identity row.
func (s *Service) Resolve(ctx context.Context, channel, channelUID string) (User, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	channelUID = strings.TrimSpace(channelUID)
	if channel == "" || channelUID == "" {
		return User{}, fmt.Errorf("channel and channel_uid are required")
	}

	user, err := s.lookup(ctx, channel, channelUID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("resolve identity: %w", err)
	}

	// Unknown pair: a configured link may tie it to a user already bound
	// through a sibling pair on another channel.
	if linkName, ok := s.linkNames[linkKey{channel: channel, uid: channelUID}]; ok {
		for _, sibling := range s.linkPairs[linkName] {
			if sibling.channel == channel && sibling.uid == channelUID {
				continue
			}
			owner, err := s.lookup(ctx, sibling.channel, sibling.uid)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return User{}, fmt.Errorf("resolve link sibling: %w", err)
			}
			return s.bind(ctx, owner, channel, channelUID)
		}
		// No sibling bound yet: create the user under the link name.
		return s.create(ctx, channel, channelUID, linkName)
	}

	return s.create(ctx, channel, channelUID, channelUID)
}

// Bootstrap eagerly creates users and identity rows for every configured
// identity link so cross-channel aliases resolve before first contact.
func (s *Service) Bootstrap(ctx context.Context) error {
	for name, pairs := range s.linkPairs {
		for _, pair := range pairs {
			if _, err := s.Resolve(ctx, pair.channel, pair.uid); err != nil {
				return fmt.Errorf("bootstrap link %s (%s/%s): %w", name, pair.channel, pair.uid, err)
			}
		}
	}
	return nil
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	pgID, err := db.ParseUUID(userID)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	var user User
	var id pgtype.UUID
	var createdAt pgtype.Timestamptz
	err = s.pool.QueryRow(ctx, selectUserByIDSQL, pgID).Scan(&id, &user.DisplayName, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	user.ID = db.UUIDString(id)
	user.CreatedAt = db.TimeFromPg(createdAt)
	return user, nil
}

// ListUsers returns all canonical users, oldest first.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, display_name, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		var id pgtype.UUID
		var createdAt pgtype.Timestamptz
		if err := rows.Scan(&id, &user.DisplayName, &createdAt); err != nil {
			return nil, err
		}
		user.ID = db.UUIDString(id)
		user.CreatedAt = db.TimeFromPg(createdAt)
		users = append(users, user)
	}
	return users, rows.Err()
}

// ListIdentities returns all channel identity rows owned by userID.
func (s *Service) ListIdentities(ctx context.Context, userID string) ([]ChannelIdentity, error) {
	pgID, err := db.ParseUUID(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, channel, channel_uid, created_at
FROM channel_identities WHERE user_id = $1 ORDER BY created_at`, pgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := make([]ChannelIdentity, 0)
	for rows.Next() {
		var ident ChannelIdentity
		var id, owner pgtype.UUID
		var createdAt pgtype.Timestamptz
		if err := rows.Scan(&id, &owner, &ident.Channel, &ident.ChannelUID, &createdAt); err != nil {
			return nil, err
		}
		ident.ID = db.UUIDString(id)
		ident.UserID = db.UUIDString(owner)
		ident.CreatedAt = db.TimeFromPg(createdAt)
		identities = append(identities, ident)
	}
	return identities, rows.Err()
}

func (s *Service) lookup(ctx context.Context, channel, channelUID string) (User, error) {
	var user User
	var id pgtype.UUID
	var createdAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, selectUserByPairSQL, channel, channelUID).Scan(&id, &user.DisplayName, &createdAt)
	if err != nil {
		return User{}, err
	}
	user.ID = db.UUIDString(id)
	user.CreatedAt = db.TimeFromPg(createdAt)
	return user, nil
}

// bind attaches a new channel identity to an existing user. A unique
// violation means another resolver won the race; the winner's row is
// authoritative.
func (s *Service) bind(ctx context.Context, owner User, channel, channelUID string) (User, error) {
	pgOwner, err := db.ParseUUID(owner.ID)
	if err != nil {
		return User{}, err
	}
	if _, err := s.pool.Exec(ctx, insertIdentitySQL, pgOwner, channel, channelUID); err != nil {
		if db.IsUniqueViolation(err) {
			return s.lookup(ctx, channel, channelUID)
		}
		return User{}, fmt.Errorf("bind identity: %w", err)
	}
	s.logger.Info("identity bound",
		slog.String("channel", channel),
		slog.String("channel_uid", channelUID),
		slog.String("user_id", owner.ID))
	return owner, nil
}

// create inserts a user and its first channel identity in one transaction.
// The user row is never committed without the identity row.
func (s *Service) create(ctx context.Context, channel, channelUID, displayName string) (User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("begin create user: %w", err)
	}
	defer tx.Rollback(ctx)

	var user User
	var id pgtype.UUID
	var createdAt pgtype.Timestamptz
	if err := tx.QueryRow(ctx, insertUserSQL, displayName).Scan(&id, &user.DisplayName, &createdAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.ID = db.UUIDString(id)
	user.CreatedAt = db.TimeFromPg(createdAt)

	if _, err := tx.Exec(ctx, insertIdentitySQL, id, channel, channelUID); err != nil {
		if db.IsUniqueViolation(err) {
			// Concurrent first contact for the same pair: discard our user
			// row (rollback) and adopt the winner's.
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return User{}, rbErr
			}
			return s.lookup(ctx, channel, channelUID)
		}
		return User{}, fmt.Errorf("insert channel identity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("commit create user: %w", err)
	}
	s.logger.Info("user created",
		slog.String("user_id", user.ID),
		slog.String("channel", channel),
		slog.String("channel_uid", channelUID))
	return user, nil
}
