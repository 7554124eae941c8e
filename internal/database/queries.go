package database

// User queries
const (
	UpsertUserQuery = `
		INSERT INTO users (id, data, updated_at)
		VALUES (:id, :data, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	SelectUsersByIDQuery = `SELECT id, data, updated_at FROM users WHERE id IN (?)`
)

// Channel and config queries
const (
	UpsertChannelQuery = `
		INSERT INTO channels (cid, type, id, last_message_at, data)
		VALUES (:cid, :type, :id, :last_message_at, :data)
		ON CONFLICT(cid) DO UPDATE SET
			type = excluded.type,
			id = excluded.id,
			last_message_at = excluded.last_message_at,
			data = excluded.data
	`

	SelectChannelByCIDQuery = `SELECT cid, type, id, last_message_at, data FROM channels WHERE cid = ?`

	UpsertChannelConfigQuery = `
		INSERT INTO channel_configs (name, data)
		VALUES (:name, :data)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data
	`

	SelectChannelConfigQuery = `SELECT name, data FROM channel_configs WHERE name = ?`
)

// Message queries
const (
	UpsertMessageQuery = `
		INSERT INTO messages (id, cid, parent_id, thread_only, sort_at, sync_status, data)
		VALUES (:id, :cid, :parent_id, :thread_only, :sort_at, :sync_status, :data)
		ON CONFLICT(id) DO UPDATE SET
			cid = excluded.cid,
			parent_id = excluded.parent_id,
			thread_only = excluded.thread_only,
			sort_at = excluded.sort_at,
			sync_status = excluded.sync_status,
			data = excluded.data
	`

	selectMessageColumns = `SELECT id, cid, parent_id, thread_only, sort_at, sync_status, data FROM messages`

	SelectMessageByIDQuery = selectMessageColumns + ` WHERE id = ?`

	SelectMessageSortKeyQuery = `SELECT sort_at, id FROM messages WHERE id = ? AND cid = ?`

	// Cursors compare (sort_at, id) so messages sharing a timestamp page in id order.
	SelectLatestMessagesQuery = selectMessageColumns + `
		WHERE cid = ? AND thread_only = 0
		ORDER BY sort_at DESC, id DESC
		LIMIT ?
	`

	SelectMessagesBeforeQuery = selectMessageColumns + `
		WHERE cid = ? AND thread_only = 0 AND (sort_at, id) < (?, ?)
		ORDER BY sort_at DESC, id DESC
		LIMIT ?
	`

	SelectMessagesAtOrBeforeQuery = selectMessageColumns + `
		WHERE cid = ? AND thread_only = 0 AND (sort_at, id) <= (?, ?)
		ORDER BY sort_at DESC, id DESC
		LIMIT ?
	`

	SelectMessagesAfterQuery = selectMessageColumns + `
		WHERE cid = ? AND thread_only = 0 AND (sort_at, id) > (?, ?)
		ORDER BY sort_at ASC, id ASC
		LIMIT ?
	`

	SelectMessagesAtOrAfterQuery = selectMessageColumns + `
		WHERE cid = ? AND thread_only = 0 AND (sort_at, id) >= (?, ?)
		ORDER BY sort_at ASC, id ASC
		LIMIT ?
	`

	SelectMessagesBySyncStatusQuery = selectMessageColumns + ` WHERE sync_status = ? ORDER BY sort_at ASC, id ASC`

	DeleteReactionsOfMessagesBeforeQuery = `
		DELETE FROM reactions
		WHERE message_id IN (SELECT id FROM messages WHERE cid = ? AND sort_at <= ?)
	`

	DeleteChannelMessagesBeforeQuery = `DELETE FROM messages WHERE cid = ? AND sort_at <= ?`
)

// Reaction queries
const (
	UpsertReactionQuery = `
		INSERT INTO reactions (message_id, user_id, type, sync_status, data)
		VALUES (:message_id, :user_id, :type, :sync_status, :data)
		ON CONFLICT(message_id, user_id, type) DO UPDATE SET
			sync_status = excluded.sync_status,
			data = excluded.data
	`

	SelectReactionsByMessageIDsQuery = `
		SELECT message_id, user_id, type, sync_status, data
		FROM reactions
		WHERE message_id IN (?)
	`

	SelectReactionsBySyncStatusQuery = `
		SELECT message_id, user_id, type, sync_status, data
		FROM reactions
		WHERE sync_status = ?
	`
)

// Channel list queries
const (
	UpsertQueryChannelsQuery = `
		INSERT INTO query_channels (id, filter, sort, cids, updated_at)
		VALUES (:id, :filter, :sort, :cids, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			filter = excluded.filter,
			sort = excluded.sort,
			cids = excluded.cids,
			updated_at = excluded.updated_at
	`

	SelectQueryChannelsQuery = `SELECT id, filter, sort, cids, updated_at FROM query_channels WHERE id = ?`
)
