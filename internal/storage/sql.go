package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"questd/internal/domain"
	logx "questd/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore implements Store over database/sql for both SQL drivers.
// Queries are written with '?' placeholders and rebound per dialect.
// Times are stored as unix milliseconds.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
	now     func() time.Time
}

func newSQLStore(db *sql.DB, dialect string, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: dialect, log: log, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%s schema: %w", s.dialect, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// q rebinds '?' placeholders to '$n' for postgres.
func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListScores(ctx context.Context) ([]domain.ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.user_id, s.score, s.achieved_at
		FROM user_scores s JOIN users u ON u.id = s.user_id
		WHERE u.active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScoreRecord
	for rows.Next() {
		var (
			r  domain.ScoreRecord
			ms int64
		)
		if err := rows.Scan(&r.UserID, &r.Score, &ms); err != nil {
			return nil, err
		}
		r.AchievedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListDefinitions(ctx context.Context) ([]domain.ChallengeDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, metric, target, difficulty, weight
		FROM challenge_definitions WHERE published = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ChallengeDefinition
	for rows.Next() {
		var d domain.ChallengeDefinition
		if err := rows.Scan(&d.ID, &d.Title, &d.Metric, &d.Target, &d.Difficulty, &d.Weight); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const assignmentCols = `id, user_id, date, definition_id, status, created_at`

func scanAssignment(sc interface{ Scan(...any) error }) (domain.ChallengeAssignment, error) {
	var (
		a      domain.ChallengeAssignment
		date   string
		status string
		ms     int64
	)
	if err := sc.Scan(&a.ID, &a.UserID, &date, &a.DefinitionID, &status, &ms); err != nil {
		return domain.ChallengeAssignment{}, err
	}
	a.Date = domain.Date(date)
	a.Status = domain.Status(status)
	a.CreatedAt = time.UnixMilli(ms).UTC()
	return a, nil
}

func (s *sqlStore) GetAssignment(ctx context.Context, userID string, date domain.Date) (domain.ChallengeAssignment, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+assignmentCols+` FROM challenge_assignments WHERE user_id = ? AND date = ?`), userID, string(date))
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChallengeAssignment{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) CreateIfAbsent(ctx context.Context, a domain.ChallengeAssignment) (bool, error) {
	if err := checkAssignment(a); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO challenge_assignments(`+assignmentCols+`)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT (user_id, date) DO NOTHING`),
		a.ID, a.UserID, string(a.Date), a.DefinitionID, string(a.Status), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) History(ctx context.Context, userID string, limit int) ([]domain.ChallengeAssignment, error) {
	if limit <= 0 {
		limit = -1
		if s.dialect == "postgres" {
			limit = 1 << 30
		}
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+assignmentCols+` FROM challenge_assignments
		WHERE user_id = ? ORDER BY date DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ChallengeAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) ExpirePending(ctx context.Context, before domain.Date) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE challenge_assignments SET status = ?
		WHERE status = ? AND date < ?`),
		string(domain.StatusExpired), string(domain.StatusPending), string(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Publish inserts the snapshot rows, moves the current pointer, and drops
// older versions in one transaction. Readers see the old or the new
// snapshot, never a mix.
func (s *sqlStore) Publish(ctx context.Context, snap domain.LeaderboardSnapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE leaderboard_current SET version = ?, computed_at = ? WHERE id = 1 AND version < ?`),
		int64(snap.Version), snap.ComputedAt.UnixMilli(), int64(snap.Version))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleSnapshot
	}

	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO leaderboard_entries(version, rank, user_id, score, achieved_at) VALUES(?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range snap.Entries {
		if _, err = stmt.ExecContext(ctx, int64(snap.Version), e.Rank, e.UserID, e.Score, e.AchievedAt.UnixMilli()); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM leaderboard_entries WHERE version < ?`), int64(snap.Version)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) Current(ctx context.Context) (domain.LeaderboardSnapshot, error) {
	// One statement, so the pointer and its entries come from the same state.
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.version, c.computed_at, e.rank, e.user_id, e.score, e.achieved_at
		FROM leaderboard_current c
		LEFT JOIN leaderboard_entries e ON e.version = c.version
		WHERE c.id = 1
		ORDER BY e.rank`)
	if err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	defer rows.Close()

	var (
		snap domain.LeaderboardSnapshot
		seen bool
	)
	for rows.Next() {
		var (
			version, computed int64
			rank              sql.NullInt64
			userID            sql.NullString
			score, achieved   sql.NullInt64
		)
		if err := rows.Scan(&version, &computed, &rank, &userID, &score, &achieved); err != nil {
			return domain.LeaderboardSnapshot{}, err
		}
		if !seen {
			seen = true
			snap.Version = uint64(version)
			snap.ComputedAt = time.UnixMilli(computed).UTC()
		}
		if !userID.Valid {
			continue
		}
		snap.Entries = append(snap.Entries, domain.LeaderboardEntry{
			UserID:     userID.String,
			Rank:       int(rank.Int64),
			Score:      score.Int64,
			AchievedAt: time.UnixMilli(achieved.Int64).UTC(),
			ComputedAt: snap.ComputedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return domain.LeaderboardSnapshot{}, err
	}
	if !seen || snap.Version == 0 {
		return domain.LeaderboardSnapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *sqlStore) ResolveToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNotFound
	}
	var (
		userID string
		exp    int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id, expires_at FROM sessions WHERE token = ?`), token).Scan(&userID, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if exp > 0 && s.now().UnixMilli() >= exp {
		return "", ErrNotFound
	}
	return userID, nil
}

func (s *sqlStore) UpsertUser(ctx context.Context, userID string, active bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users(id, active) VALUES(?,?)
		ON CONFLICT (id) DO UPDATE SET active = excluded.active`), userID, boolInt(active))
	return err
}

func (s *sqlStore) PutScore(ctx context.Context, rec domain.ScoreRecord) error {
	if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users(id, active) VALUES(?,1) ON CONFLICT (id) DO NOTHING`), rec.UserID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_scores(user_id, score, achieved_at) VALUES(?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET score = excluded.score, achieved_at = excluded.achieved_at`),
		rec.UserID, rec.Score, rec.AchievedAt.UnixMilli())
	return err
}

func (s *sqlStore) PutDefinition(ctx context.Context, def domain.ChallengeDefinition, published bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO challenge_definitions(id, title, metric, target, difficulty, weight, published)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, metric = excluded.metric,
			target = excluded.target, difficulty = excluded.difficulty,
			weight = excluded.weight, published = excluded.published`),
		def.ID, def.Title, def.Metric, def.Target, def.Difficulty, def.Weight, boolInt(published))
	return err
}

func (s *sqlStore) PutSession(ctx context.Context, token, userID string, expiresAt time.Time) error {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions(token, user_id, expires_at) VALUES(?,?,?)
		ON CONFLICT (token) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`),
		token, userID, exp)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
