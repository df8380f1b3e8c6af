package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"contestbot/internal/domain"
)

// UpsertUser stores a Telegram user, refreshing the username on conflict.
func (s *Store) UpsertUser(ctx context.Context, telegramID, username string) (domain.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, username) VALUES(?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET username=excluded.username`,
		telegramID, username)
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	err = s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, username FROM users WHERE telegram_id = ?`,
		telegramID).Scan(&u.ID, &u.TelegramID, &u.Username)
	return u, err
}

// AddParticipation registers a user in a contest. Re-joining is a no-op
// (the unique (contest, user) row is kept as-is).
func (s *Store) AddParticipation(ctx context.Context, contestID, userID int64, groupID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participations(contest_id, user_id, group_id, status, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(contest_id, user_id) DO NOTHING`,
		contestID, userID, groupID, string(domain.ParticipationVerified), fmtTime(time.Now()))
	return err
}

// Participants lists every entry for a contest, joined with user identity.
func (s *Store) Participants(ctx context.Context, contestID int64) ([]domain.Participation, error) {
	return s.queryParticipations(ctx,
		`SELECT p.id, p.contest_id, p.user_id, u.telegram_id, u.username, p.group_id, p.status, p.prize_place
		 FROM participations p JOIN users u ON u.id = p.user_id
		 WHERE p.contest_id = ? ORDER BY p.id`, contestID)
}

// Winners lists recorded winners for a contest, ordered by prize place.
func (s *Store) Winners(ctx context.Context, contestID int64) ([]domain.Participation, error) {
	return s.queryParticipations(ctx,
		`SELECT p.id, p.contest_id, p.user_id, u.telegram_id, u.username, p.group_id, p.status, p.prize_place
		 FROM participations p JOIN users u ON u.id = p.user_id
		 WHERE p.contest_id = ? AND p.status = ? ORDER BY p.prize_place`,
		contestID, string(domain.ParticipationWinner))
}

// CuratedWinners returns the manually curated winner user IDs in list order.
func (s *Store) CuratedWinners(ctx context.Context, contestID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM curated_winners WHERE contest_id = ? ORDER BY position`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetCuratedWinners replaces the curated winner list for a contest.
func (s *Store) SetCuratedWinners(ctx context.Context, contestID int64, userIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM curated_winners WHERE contest_id = ?`, contestID); err != nil {
		return err
	}
	for i, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO curated_winners(contest_id, user_id, position) VALUES(?,?,?)`,
			contestID, uid, i+1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordWinners marks the assigned participations as winners with their prize
// places, in one transaction.
func (s *Store) RecordWinners(ctx context.Context, assignments []domain.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range assignments {
		res, err := tx.ExecContext(ctx,
			`UPDATE participations SET status = ?, prize_place = ? WHERE id = ?`,
			string(domain.ParticipationWinner), a.PrizePlace, a.Participation.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}
	return tx.Commit()
}

func (s *Store) queryParticipations(ctx context.Context, q string, args ...any) ([]domain.Participation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participation
	for rows.Next() {
		var (
			p      domain.Participation
			status string
		)
		err := rows.Scan(&p.ID, &p.ContestID, &p.UserID, &p.TelegramID, &p.Username,
			&p.GroupID, &status, &p.PrizePlace)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		p.Status = domain.ParticipationStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
