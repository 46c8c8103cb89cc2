package database

import (
	"database/sql"
	"time"
)

func (db *PgRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email, avatar",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Avatar,
	)

	return u, err
}

func (db *PgRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, avatar, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Avatar,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, avatar, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Avatar,
		&user.PasswordHash,
	)

	return user, err
}

func (db *PgRepository) CreateMessage(msg Message) (Message, error) {
	row := db.conn.QueryRow(
		"INSERT INTO messages (room_id, account_id, text, file_url, file_type, message_type, source, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id",
		msg.RoomId,
		msg.AccountId,
		msg.Text,
		msg.FileUrl,
		msg.FileType,
		msg.MessageType,
		msg.Source,
		msg.CreatedAt,
	)

	err := row.Scan(&msg.Id)
	return msg, err
}

// GetRecentMessages returns the most recent limit messages for a room in
// chronological order, oldest first.
func (db *PgRepository) GetRecentMessages(roomId string, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.account_id, a.username, a.avatar, m.text, m.file_url, "+
			"m.file_type, m.message_type, m.source, m.created_at "+
			"FROM messages m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.RoomId,
			&m.AccountId,
			&m.Username,
			&m.Avatar,
			&m.Text,
			&m.FileUrl,
			&m.FileType,
			&m.MessageType,
			&m.Source,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// query sorts newest first to apply the limit, replay wants oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgRepository) CreateCall(call Call) error {
	_, err := db.conn.Exec(
		"INSERT INTO calls (id, caller_id, recipient_id, call_type, status, started_at, duration, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		call.Id,
		call.CallerId,
		call.RecipientId,
		call.CallType,
		call.Status,
		call.StartedAt,
		call.Duration,
		time.Now().UTC(),
	)

	return err
}

func (db *PgRepository) GetCall(callId string) (Call, error) {
	row := db.conn.QueryRow(
		"SELECT id, caller_id, recipient_id, call_type, status, started_at, accepted_at, "+
			"ended_at, duration, rejection_reason FROM calls WHERE id = $1 LIMIT 1",
		callId,
	)

	var c Call
	err := row.Scan(
		&c.Id,
		&c.CallerId,
		&c.RecipientId,
		&c.CallType,
		&c.Status,
		&c.StartedAt,
		&c.AcceptedAt,
		&c.EndedAt,
		&c.Duration,
		&c.RejectionReason,
	)

	return c, err
}

// UpdateCallStatus applies a conditional transition and reports the number
// of rows changed. Zero rows means the call was not in FromStatus anymore.
func (db *PgRepository) UpdateCallStatus(params UpdateCallStatusParams) (int64, error) {
	res, err := db.conn.Exec(
		"UPDATE calls SET status = $3, "+
			"accepted_at = COALESCE($4, accepted_at), "+
			"ended_at = COALESCE($5, ended_at), "+
			"duration = COALESCE($6, duration), "+
			"rejection_reason = COALESCE($7, rejection_reason) "+
			"WHERE id = $1 AND status = $2",
		params.Id,
		params.FromStatus,
		params.Status,
		nullTime(params.AcceptedAt),
		nullTime(params.EndedAt),
		nullInt(params.Duration),
		nullString(params.RejectionReason),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgRepository) ListCallsForUser(accountId, limit, offset int) ([]Call, error) {
	rows, err := db.conn.Query(
		"SELECT id, caller_id, recipient_id, call_type, status, started_at, accepted_at, "+
			"ended_at, duration, rejection_reason FROM calls "+
			"WHERE caller_id = $1 OR recipient_id = $1 "+
			"ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		accountId,
		limit,
		offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(
			&c.Id,
			&c.CallerId,
			&c.RecipientId,
			&c.CallType,
			&c.Status,
			&c.StartedAt,
			&c.AcceptedAt,
			&c.EndedAt,
			&c.Duration,
			&c.RejectionReason,
		); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}

	return calls, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
