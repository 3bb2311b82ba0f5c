package database

const (
	upsertMessageQuery = `
		INSERT INTO messages (
			room_id, message_id, correlation_id, sender_id, content,
			attachment_url, sent_at, is_read, is_deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, message_id) DO UPDATE SET
			content = excluded.content,
			attachment_url = excluded.attachment_url,
			is_read = MAX(messages.is_read, excluded.is_read),
			is_deleted = MAX(messages.is_deleted, excluded.is_deleted),
			updated_at = CURRENT_TIMESTAMP
	`

	selectMessagesQuery = `
		SELECT message_id, correlation_id, sender_id, content,
			attachment_url, sent_at, is_read, is_deleted
		FROM messages
		WHERE room_id = ?
		ORDER BY sent_at DESC, message_id DESC
		LIMIT ?
	`

	markDeletedQuery = `
		UPDATE messages SET is_deleted = 1, updated_at = CURRENT_TIMESTAMP
		WHERE room_id = ? AND message_id = ?
	`

	upsertRoomQuery = `
		INSERT INTO rooms (room_id, name, unread_count) VALUES (?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			name = excluded.name,
			unread_count = excluded.unread_count,
			updated_at = CURRENT_TIMESTAMP
	`

	selectRoomsQuery = `SELECT room_id, name, unread_count FROM rooms ORDER BY room_id`

	insertCallQuery = `
		INSERT OR IGNORE INTO call_history (
			call_id, room_id, counterpart_id, outgoing, status, duration_sec, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	selectCallsQuery = `
		SELECT call_id, room_id, counterpart_id, outgoing, status, duration_sec, ended_at
		FROM call_history
		WHERE room_id = ?
		ORDER BY ended_at DESC
		LIMIT ?
	`
)
