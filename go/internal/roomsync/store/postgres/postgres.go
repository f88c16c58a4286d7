// Package postgres implements the store contract on Postgres via pgx,
// with a LISTEN/NOTIFY change source. Row-change notifications are
// emitted by triggers (see schema.sql) on a single channel.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/mcdev12/roomsync/go/internal/roomsync/store"
	"github.com/mcdev12/roomsync/go/internal/sqlutil"
)

const uniqueViolation = "23505"

// Store is the Postgres-backed store adapter.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const roomColumns = `id, code, name, is_active, participant_count, current_activity_id, settings, created_at, updated_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var room models.Room
	err := row.Scan(
		&room.ID, &room.Code, &room.Name, &room.IsActive, &room.ParticipantCount,
		&room.CurrentActivityID, &room.Settings, &room.CreatedAt, &room.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan room: %w", err)
	}
	return &room, nil
}

func (s *Store) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code)
	return scanRoom(row)
}

func (s *Store) GetRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	return scanRoom(row)
}

func (s *Store) UpdateRoom(ctx context.Context, id uuid.UUID, patch store.RoomPatch) (*models.Room, error) {
	var currentActivityID *uuid.UUID
	setCurrent := patch.CurrentActivityID != nil
	if setCurrent {
		currentActivityID = *patch.CurrentActivityID
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE rooms SET
			name = COALESCE($2, name),
			is_active = COALESCE($3, is_active),
			participant_count = COALESCE($4, participant_count),
			current_activity_id = CASE WHEN $5 THEN $6 ELSE current_activity_id END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+roomColumns,
		id, patch.Name, patch.IsActive, patch.ParticipantCount, setCurrent, currentActivityID,
	)
	return scanRoom(row)
}

const activityColumns = `id, room_id, title, type, is_active, total_responses, sort_order, voting_locked, created_at, updated_at`

func scanActivity(row pgx.Row) (*models.Activity, error) {
	var act models.Activity
	err := row.Scan(
		&act.ID, &act.RoomID, &act.Title, &act.Type, &act.IsActive,
		&act.TotalResponses, &act.Order, &act.VotingLocked, &act.CreatedAt, &act.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan activity: %w", err)
	}
	return &act, nil
}

func (s *Store) ListActivities(ctx context.Context, roomID uuid.UUID) ([]models.Activity, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+activityColumns+` FROM activities WHERE room_id = $1 ORDER BY sort_order`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *act)
	}
	return out, rows.Err()
}

func (s *Store) UpdateActivity(ctx context.Context, id uuid.UUID, patch store.ActivityPatch) (*models.Activity, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE activities SET
			title = COALESCE($2, title),
			is_active = COALESCE($3, is_active),
			total_responses = COALESCE($4, total_responses),
			voting_locked = COALESCE($5, voting_locked),
			updated_at = now()
		WHERE id = $1
		RETURNING `+activityColumns,
		id, patch.Title, patch.IsActive, patch.TotalResponses, patch.VotingLocked,
	)
	return scanActivity(row)
}

const optionColumns = `id, activity_id, text, responses, sort_order, is_correct`

func scanOption(row pgx.Row) (*models.Option, error) {
	var opt models.Option
	err := row.Scan(&opt.ID, &opt.ActivityID, &opt.Text, &opt.Responses, &opt.Order, &opt.IsCorrect)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan option: %w", err)
	}
	return &opt, nil
}

func (s *Store) ListOptions(ctx context.Context, activityID uuid.UUID) ([]models.Option, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+optionColumns+` FROM options WHERE activity_id = $1 ORDER BY sort_order`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer rows.Close()

	var out []models.Option
	for rows.Next() {
		opt, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *opt)
	}
	return out, rows.Err()
}

func (s *Store) GetOption(ctx context.Context, id uuid.UUID) (*models.Option, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+optionColumns+` FROM options WHERE id = $1`, id)
	return scanOption(row)
}

const responseColumns = `id, room_id, activity_id, option_id, participant_id, created_at`

func scanResponse(row pgx.Row) (*models.Response, error) {
	var resp models.Response
	err := row.Scan(&resp.ID, &resp.RoomID, &resp.ActivityID, &resp.OptionID, &resp.ParticipantID, &resp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan response: %w", err)
	}
	return &resp, nil
}

// InsertResponse relies on the unique (activity_id, participant_id) index
// for the authoritative vote dedup.
func (s *Store) InsertResponse(ctx context.Context, resp models.Response) (*models.Response, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO responses (id, room_id, activity_id, option_id, participant_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+responseColumns,
		resp.ID, resp.RoomID, resp.ActivityID, resp.OptionID, resp.ParticipantID, resp.CreatedAt,
	)
	inserted, err := scanResponse(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return inserted, nil
}

func (s *Store) FindResponse(ctx context.Context, activityID uuid.UUID, participantID string) (*models.Response, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE activity_id = $1 AND participant_id = $2`,
		activityID, participantID,
	)
	return scanResponse(row)
}

func (s *Store) ListResponsesByParticipant(ctx context.Context, roomID uuid.UUID, participantID string) ([]models.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE room_id = $1 AND participant_id = $2`,
		roomID, participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []models.Response
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *resp)
	}
	return out, rows.Err()
}

func (s *Store) CountResponses(ctx context.Context, activityID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM responses WHERE activity_id = $1`, activityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count responses: %w", err)
	}
	return n, nil
}

func (s *Store) CountResponsesByOption(ctx context.Context, activityID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT option_id, count(*) FROM responses WHERE activity_id = $1 GROUP BY option_id`,
		activityID,
	)
	if err != nil {
		return nil, fmt.Errorf("count responses by option: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var optionID uuid.UUID
		var n int
		if err := rows.Scan(&optionID, &n); err != nil {
			return nil, fmt.Errorf("scan option count: %w", err)
		}
		counts[optionID] = n
	}
	return counts, rows.Err()
}

func (s *Store) DeleteResponses(ctx context.Context, filter store.ResponseFilter) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM responses
		WHERE ($1::uuid IS NULL OR room_id = $1)
		  AND ($2::uuid IS NULL OR activity_id = $2)
		  AND ($3::text IS NULL OR participant_id = $3)`,
		sqlutil.NullableUUID(filter.RoomID), sqlutil.NullableUUID(filter.ActivityID), sqlutil.NullableString(filter.ParticipantID),
	)
	if err != nil {
		return 0, fmt.Errorf("delete responses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// IncrementOptionCount is atomic on Postgres; ErrUnsupported never fires
// here.
func (s *Store) IncrementOptionCount(ctx context.Context, optionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE options SET responses = responses + 1 WHERE id = $1`, optionID)
	if err != nil {
		return fmt.Errorf("increment option count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementActivityCount(ctx context.Context, activityID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET total_responses = total_responses + 1, updated_at = now() WHERE id = $1`,
		activityID,
	)
	if err != nil {
		return fmt.Errorf("increment activity count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetOptionCount(ctx context.Context, optionID uuid.UUID, n int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE options SET responses = $2 WHERE id = $1`, optionID, n)
	if err != nil {
		return fmt.Errorf("set option count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetActivityCount(ctx context.Context, activityID uuid.UUID, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE activities SET total_responses = $2, updated_at = now() WHERE id = $1`,
		activityID, n,
	)
	if err != nil {
		return fmt.Errorf("set activity count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
