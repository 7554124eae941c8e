package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/migrations"
	"chatsync/internal/security"
	"chatsync/pkg/chat/types"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite offline cache. It serves both the channel and the
// channel list repositories.
type Database struct {
	db        *sqlx.DB
	encryptor *encryptor
	retry     retryPolicy
}

// Option configures a Database.
type Option func(*options)

type options struct {
	secret string
	retry  retryPolicy
}

// WithEncryptionSecret seals message payloads with a key derived from secret.
func WithEncryptionSecret(secret string) Option {
	return func(o *options) { o.secret = secret }
}

func withRetryPolicy(p retryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// New opens or creates the cache at dbPath and migrates it to the latest schema.
func New(dbPath string, opts ...Option) (*Database, error) {
	o := options{retry: defaultRetryPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := security.ValidateDataPath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	closeWith := func(cause error) error {
		if closeErr := db.Close(); closeErr != nil {
			return fmt.Errorf("%w (close error: %v)", cause, closeErr)
		}
		return cause
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(fmt.Errorf("failed to ping database: %w", err))
	}
	if err := migrations.Up(db.DB); err != nil {
		return nil, closeWith(errors.Wrap(err, errors.ErrCodeDatabaseMigration, "failed to initialize schema"))
	}

	enc, err := newEncryptor(o.secret)
	if err != nil {
		return nil, closeWith(fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: enc, retry: o.retry}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

type userRow struct {
	ID        string `db:"id"`
	Data      string `db:"data"`
	UpdatedAt int64  `db:"updated_at"`
}

type channelRow struct {
	CID           string `db:"cid"`
	Type          string `db:"type"`
	ID            string `db:"id"`
	LastMessageAt int64  `db:"last_message_at"`
	Data          string `db:"data"`
}

type configRow struct {
	Name string `db:"name"`
	Data string `db:"data"`
}

type messageRow struct {
	ID         string `db:"id"`
	CID        string `db:"cid"`
	ParentID   string `db:"parent_id"`
	ThreadOnly bool   `db:"thread_only"`
	SortAt     int64  `db:"sort_at"`
	SyncStatus string `db:"sync_status"`
	Data       string `db:"data"`
}

type reactionRow struct {
	MessageID  string `db:"message_id"`
	UserID     string `db:"user_id"`
	Type       string `db:"type"`
	SyncStatus string `db:"sync_status"`
	Data       string `db:"data"`
}

type queryChannelsRow struct {
	ID        string `db:"id"`
	Filter    string `db:"filter"`
	Sort      string `db:"sort"`
	CIDs      string `db:"cids"`
	UpdatedAt int64  `db:"updated_at"`
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func syncStatusOf(s types.SyncStatus) string {
	if s == "" {
		return string(types.SyncStatusCompleted)
	}
	return string(s)
}

// write runs fn in a transaction, retrying when the database is busy.
func (d *Database) write(ctx context.Context, operation string, fn func(tx *sqlx.Tx) error) error {
	err := d.retry.run(ctx, operation, func() error {
		tx, err := d.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return errors.NewDatabaseError(operation, err)
	}
	return nil
}

func upsertUsers(ctx context.Context, tx *sqlx.Tx, users []types.User) error {
	now := time.Now().UnixNano()
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("failed to encode user %s: %w", u.ID, err)
		}
		if _, err := tx.NamedExecContext(ctx, UpsertUserQuery, userRow{ID: u.ID, Data: string(data), UpdatedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

// UpsertChannel stores the channel metadata and its members. Messages are
// stored separately by UpsertMessages.
func (d *Database) UpsertChannel(ctx context.Context, ch types.Channel) error {
	return d.UpsertChannels(ctx, []types.Channel{ch})
}

func (d *Database) UpsertChannels(ctx context.Context, channels []types.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	return d.write(ctx, "upsert channels", func(tx *sqlx.Tx) error {
		for _, ch := range channels {
			row, err := newChannelRow(ch)
			if err != nil {
				return err
			}
			if err := upsertUsers(ctx, tx, ch.Users()); err != nil {
				return err
			}
			if _, err := tx.NamedExecContext(ctx, UpsertChannelQuery, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func newChannelRow(ch types.Channel) (channelRow, error) {
	if ch.CID == "" {
		ch.CID = ch.Identity().CID()
	}
	if _, err := types.ParseCID(ch.CID); err != nil {
		return channelRow{}, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid channel")
	}
	ch.Messages = nil
	data, err := json.Marshal(ch)
	if err != nil {
		return channelRow{}, fmt.Errorf("failed to encode channel %s: %w", ch.CID, err)
	}
	return channelRow{CID: ch.CID, Type: ch.Type, ID: ch.ID, LastMessageAt: unixNano(ch.LastMessageAt), Data: string(data)}, nil
}

func (d *Database) UpsertChannelConfig(ctx context.Context, config types.Config) error {
	return d.UpsertChannelConfigs(ctx, []types.Config{config})
}

func (d *Database) UpsertChannelConfigs(ctx context.Context, configs []types.Config) error {
	if len(configs) == 0 {
		return nil
	}
	return d.write(ctx, "upsert channel configs", func(tx *sqlx.Tx) error {
		for _, c := range configs {
			if c.Name == "" {
				return errors.NewValidationError("name", "", "channel config needs a name")
			}
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to encode config %s: %w", c.Name, err)
			}
			if _, err := tx.NamedExecContext(ctx, UpsertChannelConfigQuery, configRow{Name: c.Name, Data: string(data)}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) UpsertMessage(ctx context.Context, msg types.Message) error {
	return d.UpsertMessages(ctx, []types.Message{msg})
}

// UpsertMessages stores messages and their authors. Message payloads are
// encrypted when a secret is configured.
func (d *Database) UpsertMessages(ctx context.Context, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]messageRow, 0, len(msgs))
	users := make([]types.User, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			return errors.NewValidationError("id", "", "message needs an id")
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", m.ID, err)
		}
		sealed, err := d.encryptor.Seal(m.ID, data)
		if err != nil {
			return fmt.Errorf("failed to encrypt message %s: %w", m.ID, err)
		}
		rows = append(rows, messageRow{
			ID:         m.ID,
			CID:        m.CID,
			ParentID:   m.ParentID,
			ThreadOnly: m.IsThreadOnlyReply(),
			SortAt:     unixNano(m.SortTime()),
			SyncStatus: syncStatusOf(m.SyncStatus),
			Data:       sealed,
		})
		users = append(users, m.User)
	}

	return d.write(ctx, "upsert messages", func(tx *sqlx.Tx) error {
		if err := upsertUsers(ctx, tx, users); err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := tx.NamedExecContext(ctx, UpsertMessageQuery, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) UpsertReaction(ctx context.Context, reaction types.Reaction) error {
	return d.UpsertReactions(ctx, []types.Reaction{reaction})
}

func (d *Database) UpsertReactions(ctx context.Context, reactions []types.Reaction) error {
	if len(reactions) == 0 {
		return nil
	}
	return d.write(ctx, "upsert reactions", func(tx *sqlx.Tx) error {
		for _, r := range reactions {
			userID := r.FetchUserID()
			if r.MessageID == "" || userID == "" || r.Type == "" {
				return errors.NewValidationError("reaction", r.Type, "reaction needs a message, a user and a type")
			}
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode reaction: %w", err)
			}
			row := reactionRow{MessageID: r.MessageID, UserID: userID, Type: r.Type, SyncStatus: syncStatusOf(r.SyncStatus), Data: string(data)}
			if _, err := tx.NamedExecContext(ctx, UpsertReactionQuery, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteChannelMessagesBefore removes the channel's messages created at or
// before date, along with their reactions.
func (d *Database) DeleteChannelMessagesBefore(ctx context.Context, cid string, date time.Time) error {
	cutoff := unixNano(date)
	return d.write(ctx, "truncate channel", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, DeleteReactionsOfMessagesBeforeQuery, cid, cutoff); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, DeleteChannelMessagesBeforeQuery, cid, cutoff)
		return err
	})
}

// SelectChannel returns the cached channel with a page of messages chosen by
// req, or nil when the channel is not cached.
func (d *Database) SelectChannel(ctx context.Context, cid string, req types.QueryChannelRequest) (*types.Channel, error) {
	var row channelRow
	err := d.db.GetContext(ctx, &row, SelectChannelByCIDQuery, cid)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select channel", err)
	}

	var ch types.Channel
	if err := json.Unmarshal([]byte(row.Data), &ch); err != nil {
		return nil, fmt.Errorf("failed to decode channel %s: %w", cid, err)
	}

	if cfg, err := d.selectConfig(ctx, ch.Type); err != nil {
		return nil, err
	} else if cfg != nil {
		ch.Config = *cfg
	}

	msgs, err := d.selectChannelMessages(ctx, cid, req)
	if err != nil {
		return nil, err
	}
	ch.Messages = msgs

	if err := d.refreshUsers(ctx, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// SelectChannels returns the cached channels in the order of cids, skipping
// the ones that are not cached.
func (d *Database) SelectChannels(ctx context.Context, cids []string, req types.QueryChannelRequest) ([]types.Channel, error) {
	channels := make([]types.Channel, 0, len(cids))
	for _, cid := range cids {
		ch, err := d.SelectChannel(ctx, cid, req)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			channels = append(channels, *ch)
		}
	}
	return channels, nil
}

func (d *Database) selectConfig(ctx context.Context, name string) (*types.Config, error) {
	var row configRow
	err := d.db.GetContext(ctx, &row, SelectChannelConfigQuery, name)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select channel config", err)
	}
	var cfg types.Config
	if err := json.Unmarshal([]byte(row.Data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", name, err)
	}
	return &cfg, nil
}

// selectChannelMessages loads at most req.MessageLimit channel messages in
// ascending order around the request's cursor. Without a cursor it loads the
// latest page. A cursor that is not cached yields no messages.
func (d *Database) selectChannelMessages(ctx context.Context, cid string, req types.QueryChannelRequest) ([]types.Message, error) {
	limit := req.MessageLimit
	if limit <= 0 {
		return nil, nil
	}

	if !req.IsFilteringMessages() {
		return d.selectPage(ctx, SelectLatestMessagesQuery, true, cid, limit)
	}

	var cursor messageCursor
	err := d.db.GetContext(ctx, &cursor, SelectMessageSortKeyQuery, req.Pagination.MessageID, cid)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select message cursor", err)
	}

	switch req.Pagination.Direction {
	case types.LessThan:
		return d.selectPage(ctx, SelectMessagesBeforeQuery, true, cid, limit, cursor.SortAt, cursor.ID)
	case types.LessThanOrEq:
		return d.selectPage(ctx, SelectMessagesAtOrBeforeQuery, true, cid, limit, cursor.SortAt, cursor.ID)
	case types.GreaterThan:
		return d.selectPage(ctx, SelectMessagesAfterQuery, false, cid, limit, cursor.SortAt, cursor.ID)
	case types.GreaterThanEq:
		return d.selectPage(ctx, SelectMessagesAtOrAfterQuery, false, cid, limit, cursor.SortAt, cursor.ID)
	case types.AroundID:
		older, err := d.selectPage(ctx, SelectMessagesAtOrBeforeQuery, true, cid, limit/2+1, cursor.SortAt, cursor.ID)
		if err != nil {
			return nil, err
		}
		newer, err := d.selectPage(ctx, SelectMessagesAfterQuery, false, cid, limit-len(older), cursor.SortAt, cursor.ID)
		if err != nil {
			return nil, err
		}
		return append(older, newer...), nil
	default:
		return nil, errors.NewValidationError("direction", string(req.Pagination.Direction), "unknown pagination direction")
	}
}

type messageCursor struct {
	SortAt int64  `db:"sort_at"`
	ID     string `db:"id"`
}

// selectPage runs query with cid, the cursor key and limit as arguments, in that order.
func (d *Database) selectPage(ctx context.Context, query string, descending bool, cid string, limit int, cursor ...interface{}) ([]types.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	args := append(append([]interface{}{cid}, cursor...), limit)
	var rows []messageRow
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.NewDatabaseError("select messages", err)
	}
	if descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	msgs, err := d.decodeMessages(rows)
	if err != nil {
		return nil, err
	}
	return msgs, d.applyStoredReactions(ctx, msgs)
}

func (d *Database) decodeMessages(rows []messageRow) ([]types.Message, error) {
	msgs := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		plain, err := d.encryptor.Open(row.ID, row.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message %s: %w", row.ID, err)
		}
		var m types.Message
		if err := json.Unmarshal(plain, &m); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", row.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// applyStoredReactions overlays the reaction table on the messages' own
// reactions: stored rows replace the matching entry, deleted rows remove it.
func (d *Database) applyStoredReactions(ctx context.Context, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	query, args, err := sqlx.In(SelectReactionsByMessageIDsQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to build reaction query: %w", err)
	}
	var rows []reactionRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return errors.NewDatabaseError("select reactions", err)
	}
	if len(rows) == 0 {
		return nil
	}

	byMessage := make(map[string][]types.Reaction, len(rows))
	for _, row := range rows {
		r, err := decodeReaction(row)
		if err != nil {
			return err
		}
		byMessage[row.MessageID] = append(byMessage[row.MessageID], r)
	}
	for i := range msgs {
		for _, stored := range byMessage[msgs[i].ID] {
			msgs[i].OwnReactions = overlayReaction(msgs[i].OwnReactions, stored)
		}
	}
	return nil
}

func overlayReaction(own []types.Reaction, stored types.Reaction) []types.Reaction {
	out := make([]types.Reaction, 0, len(own))
	for _, r := range own {
		if r.FetchUserID() == stored.FetchUserID() && r.Type == stored.Type {
			if !stored.DeletedAt.IsZero() {
				continue
			}
			r = stored
		}
		out = append(out, r)
	}
	return out
}

func decodeReaction(row reactionRow) (types.Reaction, error) {
	var r types.Reaction
	if err := json.Unmarshal([]byte(row.Data), &r); err != nil {
		return types.Reaction{}, fmt.Errorf("failed to decode reaction on %s: %w", row.MessageID, err)
	}
	return r, nil
}

// refreshUsers replaces member and message authors with the latest stored user.
func (d *Database) refreshUsers(ctx context.Context, ch *types.Channel) error {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range ch.Members {
		add(m.User.ID)
	}
	for _, m := range ch.Messages {
		add(m.User.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(SelectUsersByIDQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to build user query: %w", err)
	}
	var rows []userRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return errors.NewDatabaseError("select users", err)
	}
	users := make(map[string]types.User, len(rows))
	for _, row := range rows {
		var u types.User
		if err := json.Unmarshal([]byte(row.Data), &u); err != nil {
			return fmt.Errorf("failed to decode user %s: %w", row.ID, err)
		}
		users[u.ID] = u
	}

	for i, m := range ch.Members {
		if u, ok := users[m.User.ID]; ok {
			ch.Members[i].User = u
		}
	}
	for i, m := range ch.Messages {
		if u, ok := users[m.User.ID]; ok {
			ch.Messages[i].User = u
		}
	}
	return nil
}

// SelectMessage returns the cached message, or nil when it is not cached.
func (d *Database) SelectMessage(ctx context.Context, id string) (*types.Message, error) {
	var row messageRow
	err := d.db.GetContext(ctx, &row, SelectMessageByIDQuery, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select message", err)
	}
	msgs, err := d.decodeMessages([]messageRow{row})
	if err != nil {
		return nil, err
	}
	if err := d.applyStoredReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// SelectMessagesBySyncStatus returns every cached message in status, oldest first.
func (d *Database) SelectMessagesBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Message, error) {
	var rows []messageRow
	if err := d.db.SelectContext(ctx, &rows, SelectMessagesBySyncStatusQuery, string(status)); err != nil {
		return nil, errors.NewDatabaseError("select messages by sync status", err)
	}
	return d.decodeMessages(rows)
}

func (d *Database) SelectReactionsBySyncStatus(ctx context.Context, status types.SyncStatus) ([]types.Reaction, error) {
	var rows []reactionRow
	if err := d.db.SelectContext(ctx, &rows, SelectReactionsBySyncStatusQuery, string(status)); err != nil {
		return nil, errors.NewDatabaseError("select reactions by sync status", err)
	}
	reactions := make([]types.Reaction, 0, len(rows))
	for _, row := range rows {
		r, err := decodeReaction(row)
		if err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, nil
}

// SelectQueryChannelsSpec returns the stored channel list, or nil when the
// list was never stored.
func (d *Database) SelectQueryChannelsSpec(ctx context.Context, id string) (*types.QueryChannelsSpec, error) {
	var row queryChannelsRow
	err := d.db.GetContext(ctx, &row, SelectQueryChannelsQuery, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("select channel list", err)
	}

	spec := &types.QueryChannelsSpec{ID: row.ID}
	if err := json.Unmarshal([]byte(row.Filter), &spec.Filter); err != nil {
		return nil, fmt.Errorf("failed to decode filter of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(row.Sort), &spec.Sort); err != nil {
		return nil, fmt.Errorf("failed to decode sort of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(row.CIDs), &spec.CIDs); err != nil {
		return nil, fmt.Errorf("failed to decode cids of %s: %w", id, err)
	}
	return spec, nil
}

func (d *Database) UpsertQueryChannelsSpec(ctx context.Context, spec types.QueryChannelsSpec) error {
	if spec.ID == "" {
		return errors.NewValidationError("id", "", "channel list needs an id")
	}
	filter, err := json.Marshal(spec.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode filter: %w", err)
	}
	sortJSON, err := json.Marshal(spec.Sort)
	if err != nil {
		return fmt.Errorf("failed to encode sort: %w", err)
	}
	cids := spec.CIDs
	if cids == nil {
		cids = []string{}
	}
	cidsJSON, err := json.Marshal(cids)
	if err != nil {
		return fmt.Errorf("failed to encode cids: %w", err)
	}

	row := queryChannelsRow{ID: spec.ID, Filter: string(filter), Sort: string(sortJSON), CIDs: string(cidsJSON), UpdatedAt: time.Now().UnixNano()}
	return d.write(ctx, "upsert channel list", func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, UpsertQueryChannelsQuery, row)
		return err
	})
}
