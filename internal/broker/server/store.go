package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conversation is a voice_conversations row written when a signed-in caller
// starts a session.
type Conversation struct {
	ProfileID   string
	SessionID   string
	ContextType string
	UserRole    Role
	Metadata    map[string]any
}

// Store reads caller profiles and records conversations. The schema is
// owned elsewhere; implementations never create tables.
type Store interface {
	// ProfileByUserID returns the profile of an auth user, or nil when the
	// user has none.
	ProfileByUserID(ctx context.Context, userID string) (*Profile, error)

	// RoleDetails loads the role-specific record of p, if any.
	RoleDetails(ctx context.Context, p *Profile) (RoleDetails, error)

	InsertConversation(ctx context.Context, c Conversation) error

	// EndConversation stamps ended_at and duration_seconds on every row of
	// sessionID. A nil duration stores NULL.
	EndConversation(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds *int) error

	Ping(ctx context.Context) error
}

var _ Store = (*Postgres)(nil)

// Postgres is a [Store] on a pgx connection pool. It is safe for concurrent
// use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("broker store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("broker store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (s *Postgres) Close() { s.pool.Close() }

// Ping implements [Store].
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ProfileByUserID implements [Store].
func (s *Postgres) ProfileByUserID(ctx context.Context, userID string) (*Profile, error) {
	const q = `
		SELECT id::text, coalesce(user_id::text, ''), coalesce(full_name, ''), coalesce(role, '')
		FROM   profiles
		WHERE  user_id = $1
		LIMIT  1`

	var p Profile
	var role string
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.ID, &p.UserID, &p.FullName, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker store: profile by user: %w", err)
	}
	p.Role = Role(role)
	return &p, nil
}

// RoleDetails implements [Store].
func (s *Postgres) RoleDetails(ctx context.Context, p *Profile) (RoleDetails, error) {
	var (
		d   RoleDetails
		err error
	)
	switch p.Role {
	case RoleGardener:
		const q = `
			SELECT coalesce(property_size, ''), coalesce(garden_type, ''), coalesce(growing_zone, ''),
			       coalesce(soil_type, ''), coalesce(current_challenges, '')
			FROM   gardener_profiles
			WHERE  profile_id = $1
			LIMIT  1`
		var g GardenerDetails
		err = s.pool.QueryRow(ctx, q, p.ID).Scan(&g.PropertySize, &g.GardenType, &g.GrowingZone, &g.SoilType, &g.CurrentChallenges)
		if err == nil {
			d.Gardener = &g
		}
	case RoleFarmer:
		const q = `
			SELECT coalesce(farm_size, ''), coalesce(crop_types, '{}'), coalesce(farming_practices, ''),
			       coalesce(current_challenges, '')
			FROM   farmer_profiles
			WHERE  profile_id = $1
			LIMIT  1`
		var f FarmerDetails
		err = s.pool.QueryRow(ctx, q, p.ID).Scan(&f.FarmSize, &f.CropTypes, &f.FarmingPractices, &f.CurrentChallenges)
		if err == nil {
			d.Farmer = &f
		}
	case RoleRancher:
		const q = `
			SELECT coalesce(ranch_size, ''), coalesce(livestock_types, '{}'), coalesce(herd_size::text, ''),
			       coalesce(grazing_management, ''), coalesce(current_challenges, '')
			FROM   rancher_profiles
			WHERE  profile_id = $1
			LIMIT  1`
		var r RancherDetails
		err = s.pool.QueryRow(ctx, q, p.ID).Scan(&r.RanchSize, &r.LivestockTypes, &r.HerdSize, &r.GrazingManagement, &r.CurrentChallenges)
		if err == nil {
			d.Rancher = &r
		}
	default:
		return d, nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("broker store: %s details: %w", p.Role, err)
	}
	return d, nil
}

// InsertConversation implements [Store].
func (s *Postgres) InsertConversation(ctx context.Context, c Conversation) error {
	const q = `
		INSERT INTO voice_conversations
		    (profile_id, session_id, context_type, user_role, metadata)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, c.ProfileID, c.SessionID, c.ContextType, string(c.UserRole), c.Metadata); err != nil {
		return fmt.Errorf("broker store: insert conversation: %w", err)
	}
	return nil
}

// EndConversation implements [Store].
func (s *Postgres) EndConversation(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds *int) error {
	const q = `
		UPDATE voice_conversations
		SET    ended_at = $2, duration_seconds = $3
		WHERE  session_id = $1`

	if _, err := s.pool.Exec(ctx, q, sessionID, endedAt, durationSeconds); err != nil {
		return fmt.Errorf("broker store: end conversation: %w", err)
	}
	return nil
}
