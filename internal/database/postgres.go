package database

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PgChatRepository{conn: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func (db *PgChatRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4) RETURNING id, username, email",
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
	)

	return u, err
}

func (db *PgChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email",
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
	)

	return user, err
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (name, external_id, description, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, name, external_id, description, owner_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Description,
		params.OwnerId,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.Description,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.Exec(
		createSubQuery,
		params.OwnerId,
		room.Id,
		time.Now().UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, err
}

func (db *PgChatRepository) DeleteRoom(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, stmt := range []string{
		"DELETE FROM subscriptions WHERE room_id = $1",
		"DELETE FROM message_reads WHERE message_id IN (SELECT id FROM messages WHERE room_id = $1)",
		"DELETE FROM messages WHERE room_id = $1",
		"DELETE FROM room_directory WHERE room_key = (SELECT external_id FROM rooms WHERE id = $1)",
		"DELETE FROM rooms WHERE id = $1",
	} {
		if _, err = tx.Exec(stmt, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, description, owner_id FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.OwnerId,
	)

	return room, err
}

func (db *PgChatRepository) GetRoomWithSubscribers(roomId int) (*Room, error) {
	query := `
		SELECT
				r.id AS room_id,
				r.external_id,
				r.name AS room_name,
				r.description,
				r.owner_id,
				r.created_at AS room_created_at,
				r.updated_at AS room_updated_at,
				s.id,
				s.account_id,
				a.username,
				s.created_at AS subscription_created_at,
				s.updated_at AS subscription_updated_at
		FROM rooms r
		LEFT JOIN subscriptions s ON r.id = s.room_id
		LEFT JOIN accounts a ON s.account_id = a.id
		WHERE r.id = $1;
`

	rows, err := db.conn.Query(query, roomId)
	if err != nil {
		return nil, fmt.Errorf("fetch room with subscribers: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			id                    int
			externalId            string
			roomName              string
			description           string
			ownerId               int
			roomCreatedAt         time.Time
			roomUpdatedAt         time.Time
			subscriptionId        sql.NullInt64
			accountId             sql.NullInt64
			username              sql.NullString
			subscriptionCreatedAt sql.NullTime
			subscriptionUpdatedAt sql.NullTime
		)

		err := rows.Scan(
			&id,
			&externalId,
			&roomName,
			&description,
			&ownerId,
			&roomCreatedAt,
			&roomUpdatedAt,
			&subscriptionId,
			&accountId,
			&username,
			&subscriptionCreatedAt,
			&subscriptionUpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			room = &Room{
				Id:            id,
				ExternalId:    externalId,
				Name:          roomName,
				Description:   description,
				OwnerId:       ownerId,
				CreatedAt:     roomCreatedAt,
				UpdatedAt:     roomUpdatedAt,
				Subscriptions: make([]Subscription, 0),
			}
		}

		if accountId.Valid && username.Valid {
			room.Subscriptions = append(room.Subscriptions, Subscription{
				Id:        int(subscriptionId.Int64),
				AccountId: int(accountId.Int64),
				Username:  username.String,
				RoomId:    id,
				CreatedAt: subscriptionCreatedAt.Time,
				UpdatedAt: subscriptionUpdatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return nil, fmt.Errorf("room with id %d not found", roomId)
	}

	return room, nil
}

const createSubQuery = "INSERT INTO subscriptions (account_id, room_id, created_at, updated_at) VALUES ($1, $2, $3, $4) RETURNING id, account_id, room_id"

func (db *PgChatRepository) CreateSubscription(accountId, roomId int) (Subscription, error) {
	res := db.conn.QueryRow(
		createSubQuery,
		accountId,
		roomId,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var sub Subscription
	err := res.Scan(
		&sub.Id,
		&sub.AccountId,
		&sub.RoomId,
	)

	return sub, err
}

func (db *PgChatRepository) SubscriptionExists(accountId, roomId int) bool {
	res := db.conn.QueryRow(
		"SELECT id FROM subscriptions WHERE account_id = $1 AND room_id = $2 LIMIT 1",
		accountId,
		roomId,
	)

	var sub Subscription
	err := res.Scan(
		&sub.Id,
	)

	return err == nil
}

func (db *PgChatRepository) ListSubscriptions(accountId int) ([]Subscription, error) {
	rows, err := db.conn.Query(
		"SELECT s.id, s.account_id, s.created_at, s.updated_at, r.id, r.external_id, r.name, r.description "+
			"FROM subscriptions s JOIN rooms r ON r.id = s.room_id WHERE s.account_id = $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err = rows.Scan(
			&sub.Id,
			&sub.AccountId,
			&sub.CreatedAt,
			&sub.UpdatedAt,
			&sub.Room.Id,
			&sub.Room.ExternalId,
			&sub.Room.Name,
			&sub.Room.Description,
		); err != nil {
			break
		}

		sub.RoomId = sub.Room.Id
		subs = append(subs, sub)
	}

	return subs, err
}

func (db *PgChatRepository) DeleteSubscription(accountId, roomId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM subscriptions WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
	)

	return err
}

// CreateMessage inserts the message keyed on (room_id, correlation_id). On
// conflict the insert is a no-op and the previously stored row is read back,
// so a retried create after a transient fault cannot duplicate the message.
func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"INSERT INTO messages (room_id, sender_id, correlation_id, content, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (room_id, correlation_id) DO NOTHING "+
			"RETURNING id, room_id, sender_id, correlation_id, content, created_at",
		params.RoomId,
		params.SenderId,
		params.CorrelationId,
		params.Content,
		params.CreatedAt,
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.CorrelationId,
		&msg.Content,
		&msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// the row already exists from an earlier attempt
		return db.getMessageByCorrelationId(params.RoomId, params.CorrelationId)
	}

	return msg, err
}

func (db *PgChatRepository) getMessageByCorrelationId(roomId int, correlationId string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_id, sender_id, correlation_id, content, created_at FROM messages "+
			"WHERE room_id = $1 AND correlation_id = $2 LIMIT 1",
		roomId,
		correlationId,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.CorrelationId,
		&msg.Content,
		&msg.CreatedAt,
	)

	return msg, err
}

// MarkRead performs the set-union of the account into the message's reader
// set. The insert is idempotent; the merged reader list is returned.
func (db *PgChatRepository) MarkRead(messageId int64, accountId int) ([]int, error) {
	_, err := db.conn.Exec(
		"INSERT INTO message_reads (message_id, account_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (message_id, account_id) DO NOTHING",
		messageId,
		accountId,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}

	var readers pq.Int64Array
	err = db.conn.QueryRow(
		"SELECT COALESCE(array_agg(account_id ORDER BY account_id), '{}') FROM message_reads WHERE message_id = $1",
		messageId,
	).Scan(&readers)
	if err != nil {
		return nil, err
	}

	readBy := make([]int, len(readers))
	for i, r := range readers {
		readBy[i] = int(r)
	}

	return readBy, nil
}

func (db *PgChatRepository) GetMessages(roomId int, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}

	var bound any
	if !before.IsZero() {
		bound = before
	}

	rows, err := db.conn.Query(
		"SELECT m.id, m.room_id, m.sender_id, m.correlation_id, m.content, m.created_at, "+
			"COALESCE(array_agg(r.account_id ORDER BY r.account_id) FILTER (WHERE r.account_id IS NOT NULL), '{}') "+
			"FROM messages m LEFT JOIN message_reads r ON r.message_id = m.id "+
			"WHERE m.room_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2) "+
			"GROUP BY m.id ORDER BY m.created_at DESC, m.id DESC LIMIT $3",
		roomId,
		bound,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		var readers pq.Int64Array
		if err = rows.Scan(
			&msg.Id,
			&msg.RoomId,
			&msg.SenderId,
			&msg.CorrelationId,
			&msg.Content,
			&msg.CreatedAt,
			&readers,
		); err != nil {
			break
		}

		msg.ReadBy = make([]int, len(readers))
		for i, r := range readers {
			msg.ReadBy[i] = int(r)
		}

		messages = append(messages, msg)
	}

	return messages, err
}

// UpsertRoomDirectory merges members and languages into the room's directory
// document. Duplicate rows for the same room key can exist from earlier bugs
// or write races, so the merge reads every matching row, unions them all with
// the incoming values, writes the result to the oldest row and drops the rest.
func (db *PgChatRepository) UpsertRoomDirectory(roomKey string, members []int, languages []string) (RoomDirectory, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return RoomDirectory{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.Query(
		"SELECT id, members, languages FROM room_directory WHERE room_key = $1 ORDER BY id FOR UPDATE",
		roomKey,
	)
	if err != nil {
		return RoomDirectory{}, err
	}

	var existing []RoomDirectory
	for rows.Next() {
		var doc RoomDirectory
		var membersRaw, languagesRaw []byte
		if err = rows.Scan(&doc.Id, &membersRaw, &languagesRaw); err != nil {
			rows.Close()
			return RoomDirectory{}, err
		}
		if err = json.Unmarshal(membersRaw, &doc.Members); err != nil {
			rows.Close()
			return RoomDirectory{}, fmt.Errorf("decode members for directory %d: %w", doc.Id, err)
		}
		if err = json.Unmarshal(languagesRaw, &doc.Languages); err != nil {
			rows.Close()
			return RoomDirectory{}, fmt.Errorf("decode languages for directory %d: %w", doc.Id, err)
		}
		existing = append(existing, doc)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return RoomDirectory{}, err
	}

	merged := mergeDirectoryDocs(roomKey, existing, members, languages)

	membersRaw, err := json.Marshal(merged.Members)
	if err != nil {
		return RoomDirectory{}, err
	}
	languagesRaw, err := json.Marshal(merged.Languages)
	if err != nil {
		return RoomDirectory{}, err
	}

	now := time.Now().UTC()
	if len(existing) == 0 {
		err = tx.QueryRow(
			"INSERT INTO room_directory (room_key, members, languages, updated_at) VALUES ($1, $2, $3, $4) RETURNING id",
			roomKey, membersRaw, languagesRaw, now,
		).Scan(&merged.Id)
	} else {
		_, err = tx.Exec(
			"UPDATE room_directory SET members = $2, languages = $3, updated_at = $4 WHERE id = $1",
			merged.Id, membersRaw, languagesRaw, now,
		)
		if err == nil && len(existing) > 1 {
			_, err = tx.Exec(
				"DELETE FROM room_directory WHERE room_key = $1 AND id <> $2",
				roomKey, merged.Id,
			)
		}
	}
	if err != nil {
		return RoomDirectory{}, err
	}

	if err = tx.Commit(); err != nil {
		return RoomDirectory{}, err
	}

	merged.UpdatedAt = now
	return merged, nil
}

// mergeDirectoryDocs unions every existing document for the room key with the
// incoming membership data. The oldest row id wins as the surviving document.
func mergeDirectoryDocs(roomKey string, existing []RoomDirectory, members []int, languages []string) RoomDirectory {
	merged := RoomDirectory{RoomKey: roomKey}
	if len(existing) > 0 {
		merged.Id = existing[0].Id
	}

	memberSet := make(map[int]struct{})
	languageSet := make(map[string]struct{})
	for _, doc := range existing {
		for _, m := range doc.Members {
			memberSet[m] = struct{}{}
		}
		for _, l := range doc.Languages {
			languageSet[l] = struct{}{}
		}
	}
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	for _, l := range languages {
		languageSet[l] = struct{}{}
	}

	merged.Members = make([]int, 0, len(memberSet))
	for m := range memberSet {
		merged.Members = append(merged.Members, m)
	}
	slices.Sort(merged.Members)

	merged.Languages = make([]string, 0, len(languageSet))
	for l := range languageSet {
		merged.Languages = append(merged.Languages, l)
	}
	slices.Sort(merged.Languages)

	return merged
}
