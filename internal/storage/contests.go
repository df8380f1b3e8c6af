package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"contestbot/internal/domain"
	"contestbot/pkg/logx"
)

// UpsertChannel stores a channel by its Telegram chat ID and returns the row.
func (s *Store) UpsertChannel(ctx context.Context, telegramID, telegramName string) (domain.Channel, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(telegram_id, telegram_name) VALUES(?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET telegram_name=excluded.telegram_name`,
		telegramID, telegramName)
	if err != nil {
		return domain.Channel{}, err
	}
	var ch domain.Channel
	err = s.db.QueryRowContext(ctx,
		`SELECT id, telegram_id, telegram_name FROM channels WHERE telegram_id = ?`,
		telegramID).Scan(&ch.ID, &ch.TelegramID, &ch.TelegramName)
	return ch, err
}

// ChannelsByTelegramIDs resolves channels by Telegram chat IDs, skipping unknowns.
func (s *Store) ChannelsByTelegramIDs(ctx context.Context, ids []string) ([]domain.Channel, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, telegram_id, telegram_name FROM channels WHERE telegram_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chans []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.TelegramID, &ch.TelegramName); err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	return chans, rows.Err()
}

// CreateContest inserts a contest with its allowed/required channel links.
func (s *Store) CreateContest(ctx context.Context, c domain.Contest) (domain.Contest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contest{}, err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO contests(name, description, status, winner_strategy, start_date, end_date,
		                      prize_places, image_url, button_text, message_refs, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		c.Name, c.Description, string(c.Status), string(c.WinnerStrategy),
		fmtTime(c.StartDate), fmtTime(c.EndDate), c.PrizePlaces,
		c.ImageURL, c.ButtonText, joinRefs(c.MessageRefs), fmtTime(now))
	if err != nil {
		return domain.Contest{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Contest{}, err
	}
	for _, g := range c.AllowedGroups {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contest_allowed_channels(contest_id, channel_id) VALUES(?,?)`, id, g.ID); err != nil {
			return domain.Contest{}, err
		}
	}
	for _, g := range c.RequiredGroups {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contest_required_channels(contest_id, channel_id) VALUES(?,?)`, id, g.ID); err != nil {
			return domain.Contest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contest{}, err
	}
	c.ID = id
	c.CreatedAt = now
	s.log.Debug("contest created", logx.Int64("id", id), logx.String("name", c.Name))
	return c, nil
}

// ContestByID loads a contest with its channel links and message refs.
func (s *Store) ContestByID(ctx context.Context, id int64) (domain.Contest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, winner_strategy, start_date, end_date,
		        prize_places, image_url, button_text, message_refs, created_at
		 FROM contests WHERE id = ?`, id)
	c, err := scanContest(row)
	if err != nil {
		return domain.Contest{}, err
	}
	if c.AllowedGroups, err = s.contestChannels(ctx, id, "contest_allowed_channels"); err != nil {
		return domain.Contest{}, err
	}
	if c.RequiredGroups, err = s.contestChannels(ctx, id, "contest_required_channels"); err != nil {
		return domain.Contest{}, err
	}
	return c, nil
}

// ActiveContests lists contests currently accepting participation.
func (s *Store) ActiveContests(ctx context.Context) ([]domain.Contest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, status, winner_strategy, start_date, end_date,
		        prize_places, image_url, button_text, message_refs, created_at
		 FROM contests WHERE status = ? ORDER BY end_date`,
		string(domain.ContestActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContestStatus persists a state machine transition.
func (s *Store) SaveContestStatus(ctx context.Context, id int64, status domain.ContestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contests SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetContestMessageRefs records the published announcement refs.
func (s *Store) SetContestMessageRefs(ctx context.Context, id int64, refs []domain.MessageRef) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contests SET message_refs = ? WHERE id = ?`, joinRefs(refs), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContestEndDate moves a contest's end date.
func (s *Store) UpdateContestEndDate(ctx context.Context, id int64, endDate time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contests SET end_date = ? WHERE id = ?`, fmtTime(endDate), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteContest removes a contest; link and participation rows cascade.
func (s *Store) DeleteContest(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contests WHERE id = ?`, id)
	return err
}

func (s *Store) contestChannels(ctx context.Context, contestID int64, linkTable string) ([]domain.Channel, error) {
	// linkTable is one of two fixed names; never user input.
	q := fmt.Sprintf(
		`SELECT c.id, c.telegram_id, c.telegram_name
		 FROM channels c JOIN %s l ON l.channel_id = c.id
		 WHERE l.contest_id = ? ORDER BY c.id`, linkTable)
	rows, err := s.db.QueryContext(ctx, q, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chans []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.TelegramID, &ch.TelegramName); err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	return chans, rows.Err()
}

func scanContest(r rowScanner) (domain.Contest, error) {
	var (
		c                    domain.Contest
		status, strategy     string
		startAt, endAt, crAt string
		refs                 string
	)
	err := r.Scan(&c.ID, &c.Name, &c.Description, &status, &strategy,
		&startAt, &endAt, &c.PrizePlaces, &c.ImageURL, &c.ButtonText, &refs, &crAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Contest{}, ErrNotFound
	}
	if err != nil {
		return domain.Contest{}, err
	}
	c.Status = domain.ContestStatus(status)
	c.WinnerStrategy = domain.WinnerStrategy(strategy)
	if c.StartDate, err = parseTime(startAt); err != nil {
		return domain.Contest{}, err
	}
	if c.EndDate, err = parseTime(endAt); err != nil {
		return domain.Contest{}, err
	}
	if c.CreatedAt, err = parseTime(crAt); err != nil {
		return domain.Contest{}, err
	}
	c.MessageRefs, err = splitRefs(refs)
	if err != nil {
		return domain.Contest{}, err
	}
	return c, nil
}

// Message refs are stored as a comma-separated list of "chat:msg" pairs,
// matching the wire format used in announcements.
func joinRefs(refs []domain.MessageRef) string {
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		if !r.IsZero() {
			parts = append(parts, r.String())
		}
	}
	return strings.Join(parts, ",")
}

func splitRefs(s string) ([]domain.MessageRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var refs []domain.MessageRef
	for _, part := range strings.Split(s, ",") {
		r, err := domain.ParseMessageRef(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}
