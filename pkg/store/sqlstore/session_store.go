package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nodeforge/brokercore/pkg/broker"
	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/store"
)

// SessionStore is a durable store.SessionStore backed by a sqlite3 database
// opened with Open.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func timeFromNano(n int64) time.Time { return time.Unix(0, n) }

func nullableNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nanoToPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := timeFromNano(n.Int64)
	return &t
}

func (s *SessionStore) IterateOfflineClients(ctx context.Context, cb func(clientID string) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id FROM sessions WHERE connected = 0`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "IterateOfflineClients", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "IterateOfflineClients", err)
		}
		if !cb(id) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) IterateConnectedClients(ctx context.Context, cb func(clientID, nodeID string) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, node_id FROM sessions WHERE connected = 1`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "IterateConnectedClients", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, node string
		if err := rows.Scan(&id, &node); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "IterateConnectedClients", err)
		}
		if !cb(id, node) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) scanSession(rows interface {
	Scan(dest ...any) error
}) (broker.Session, error) {
	var (
		sess                                  broker.Session
		cleanSession, connected                int
		updateTime                            int64
		info                                  []byte
		lwTopic                               sql.NullString
		lwPayload                             []byte
		lwQos                                 sql.NullInt64
		lwRetain, lwDup                       sql.NullInt64
		lwDelay                               sql.NullInt64
	)
	if err := rows.Scan(&sess.ClientID, &sess.NodeID, &cleanSession, &connected, &updateTime, &info,
		&lwTopic, &lwPayload, &lwQos, &lwRetain, &lwDup, &lwDelay); err != nil {
		return broker.Session{}, err
	}
	sess.CleanSession = cleanSession != 0
	sess.Connected = connected != 0
	sess.UpdateTime = timeFromNano(updateTime)
	sess.Information = info
	if lwTopic.Valid {
		sess.LastWill = &broker.LastWill{
			Message: broker.Message{
				TopicName:  lwTopic.String,
				Payload:    lwPayload,
				QoS:        broker.QoS(lwQos.Int64),
				RetainFlag: lwRetain.Int64 != 0,
				DupFlag:    lwDup.Int64 != 0,
				ClientID:   sess.ClientID,
			},
			DelayUntil: timeFromNano(lwDelay.Int64),
		}
	}
	return sess, nil
}

func (s *SessionStore) IterateAllSessions(ctx context.Context, cb func(sess broker.Session) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, node_id, clean_session, connected, update_time,
		information, lw_topic, lw_payload, lw_qos, lw_retain, lw_dup, lw_delay_until FROM sessions`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "IterateAllSessions", err)
	}
	defer rows.Close()
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "IterateAllSessions", err)
		}
		if !cb(sess) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) IterateNodeClients(ctx context.Context, nodeID string, cb func(clientID string) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id FROM sessions WHERE node_id = ?`, nodeID)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "IterateNodeClients", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "IterateNodeClients", err)
		}
		if !cb(id) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) IterateSubscriptions(ctx context.Context, cb func(row store.SubscriptionRow) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, topic_filter, qos, no_local, retain_as_published,
		retain_handling FROM subscriptions`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "IterateSubscriptions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row store.SubscriptionRow
		var qos, noLocal, retainPub, retainHandling int
		if err := rows.Scan(&row.ClientID, &row.TopicFilter, &qos, &noLocal, &retainPub, &retainHandling); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "IterateSubscriptions", err)
		}
		row.QoS = broker.QoS(qos)
		row.NoLocal = noLocal != 0
		row.RetainAsPublished = retainPub != 0
		row.RetainHandling = broker.RetainHandling(retainHandling)
		if !cb(row) {
			break
		}
	}
	return rows.Err()
}

func (s *SessionStore) SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (client_id, node_id, clean_session, connected, update_time, information)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET node_id=excluded.node_id, clean_session=excluded.clean_session,
			connected=excluded.connected, update_time=excluded.update_time, information=excluded.information`,
		clientID, nodeID, boolToInt(cleanSession), boolToInt(connected), unixNano(time.Now()), info)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "SetClient", err)
	}
	return nil
}

func (s *SessionStore) SetLastWill(ctx context.Context, clientID string, will *broker.LastWill) error {
	var topic sql.NullString
	var payload []byte
	var qos, retain, dup sql.NullInt64
	var delay sql.NullInt64
	if will != nil {
		topic = sql.NullString{String: will.Message.TopicName, Valid: true}
		payload = will.Message.Payload
		qos = sql.NullInt64{Int64: int64(will.Message.QoS), Valid: true}
		retain = sql.NullInt64{Int64: boolToInt64(will.Message.RetainFlag), Valid: true}
		dup = sql.NullInt64{Int64: boolToInt64(will.Message.DupFlag), Valid: true}
		delay = sql.NullInt64{Int64: unixNano(will.DelayUntil), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET lw_topic=?, lw_payload=?, lw_qos=?, lw_retain=?, lw_dup=?,
		lw_delay_until=? WHERE client_id=?`, topic, payload, qos, retain, dup, delay, clientID)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "SetLastWill", err)
	}
	return nil
}

func (s *SessionStore) SetConnected(ctx context.Context, clientID string, connected bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET connected=?, update_time=? WHERE client_id=?`,
		boolToInt(connected), unixNano(time.Now()), clientID)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "SetConnected", err)
	}
	return nil
}

func (s *SessionStore) IsConnected(ctx context.Context, clientID string) (bool, error) {
	var connected int
	err := s.db.QueryRowContext(ctx, `SELECT connected FROM sessions WHERE client_id=?`, clientID).Scan(&connected)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, brokerer.Wrap(brokerer.StoreUnavailable, "IsConnected", err)
	}
	return connected != 0, nil
}

func (s *SessionStore) IsPresent(ctx context.Context, clientID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE client_id=?`, clientID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, brokerer.Wrap(brokerer.StoreUnavailable, "IsPresent", err)
	}
	return true, nil
}

func (s *SessionStore) AddSubscriptions(ctx context.Context, subs []broker.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "AddSubscriptions", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO subscriptions (client_id, topic_filter, qos, no_local,
		retain_as_published, retain_handling) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, topic_filter) DO UPDATE SET qos=excluded.qos, no_local=excluded.no_local,
			retain_as_published=excluded.retain_as_published, retain_handling=excluded.retain_handling`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "AddSubscriptions", err)
	}
	defer stmt.Close()
	for _, sub := range subs {
		if _, err := stmt.ExecContext(ctx, sub.ClientID, sub.TopicFilter, int(sub.QoS), boolToInt(sub.NoLocal),
			boolToInt(sub.RetainAsPublished), int(sub.RetainHandling)); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "AddSubscriptions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "AddSubscriptions", err)
	}
	return nil
}

func (s *SessionStore) DelSubscriptions(ctx context.Context, keys []broker.SubscriptionKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DelSubscriptions", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM subscriptions WHERE client_id=? AND topic_filter=?`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DelSubscriptions", err)
	}
	defer stmt.Close()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.ClientID, k.TopicFilter); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "DelSubscriptions", err)
		}
	}
	return tx.Commit()
}

func (s *SessionStore) DelClient(ctx context.Context, clientID string, perRow func(row store.SubscriptionRow)) error {
	if perRow != nil {
		if err := s.IterateSubscriptions(ctx, func(row store.SubscriptionRow) bool {
			if row.ClientID == clientID {
				perRow(row)
			}
			return true
		}); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DelClient", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM subscriptions WHERE client_id=?`,
		`DELETE FROM queued_messages_clients WHERE client_id=?`,
		`DELETE FROM sessions WHERE client_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, clientID); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "DelClient", err)
		}
	}
	return tx.Commit()
}

func (s *SessionStore) EnqueueMessages(ctx context.Context, reqs []store.EnqueueRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "EnqueueMessages", err)
	}
	defer tx.Rollback()

	msgStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO queued_messages (message_uuid, message_id,
		topic_name, payload, qos, retain, publisher_client, message_expires_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "EnqueueMessages", err)
	}
	defer msgStmt.Close()

	linkStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO queued_messages_clients (client_id, message_uuid,
		status, last_status_change, expiry_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "EnqueueMessages", err)
	}
	defer linkStmt.Close()

	now := unixNano(time.Now())
	for _, req := range reqs {
		m := req.Message
		if _, err := msgStmt.ExecContext(ctx, m.MessageUuid, m.MessageID, m.TopicName, m.Payload, int(m.QoS),
			boolToInt(m.Retain), m.PublisherClient, nullableNano(m.MessageExpiresAt)); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "EnqueueMessages", err)
		}
		for _, clientID := range req.ClientIDs {
			if _, err := linkStmt.ExecContext(ctx, clientID, m.MessageUuid, int(broker.Pending), now,
				nullableNano(m.MessageExpiresAt)); err != nil {
				return brokerer.Wrap(brokerer.StoreUnavailable, "EnqueueMessages", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SessionStore) DequeueMessages(ctx context.Context, clientID string, cb func(msg broker.QueuedMessage, link broker.ClientLink) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT qm.message_uuid, qm.message_id, qm.topic_name, qm.payload, qm.qos,
		qm.retain, qm.publisher_client, qm.message_expires_at, qmc.status, qmc.last_status_change, qmc.expiry_at
		FROM queued_messages_clients qmc JOIN queued_messages qm ON qm.message_uuid = qmc.message_uuid
		WHERE qmc.client_id = ? ORDER BY qm.message_uuid ASC`, clientID)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "DequeueMessages", err)
	}
	defer rows.Close()
	for rows.Next() {
		msg, link, err := scanQueuedRow(rows, clientID)
		if err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "DequeueMessages", err)
		}
		if !cb(msg, link) {
			break
		}
	}
	return rows.Err()
}

func scanQueuedRow(rows *sql.Rows, clientID string) (broker.QueuedMessage, broker.ClientLink, error) {
	var (
		msg                           broker.QueuedMessage
		link                          broker.ClientLink
		qos, retain, status           int
		lastChange                    int64
		messageExpiresAt, expiryAt    sql.NullInt64
		publisherClient               sql.NullString
	)
	if err := rows.Scan(&msg.MessageUuid, &msg.MessageID, &msg.TopicName, &msg.Payload, &qos, &retain,
		&publisherClient, &messageExpiresAt, &status, &lastChange, &expiryAt); err != nil {
		return msg, link, err
	}
	msg.QoS = broker.QoS(qos)
	msg.Retain = retain != 0
	msg.PublisherClient = publisherClient.String
	msg.MessageExpiresAt = nanoToPtr(messageExpiresAt)

	link.ClientID = clientID
	link.MessageUuid = msg.MessageUuid
	link.Status = broker.LinkStatus(status)
	link.LastStatusChange = timeFromNano(lastChange)
	link.ExpiryAt = nanoToPtr(expiryAt)
	return msg, link, nil
}

func (s *SessionStore) RemoveMessages(ctx context.Context, reqs []store.RemoveRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "RemoveMessages", err)
	}
	defer tx.Rollback()
	delLink, err := tx.PrepareContext(ctx, `DELETE FROM queued_messages_clients WHERE client_id=? AND message_uuid=?`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "RemoveMessages", err)
	}
	defer delLink.Close()
	purge, err := tx.PrepareContext(ctx, `DELETE FROM queued_messages WHERE message_uuid=? AND NOT EXISTS
		(SELECT 1 FROM queued_messages_clients WHERE message_uuid=?)`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "RemoveMessages", err)
	}
	defer purge.Close()
	for _, req := range reqs {
		if _, err := delLink.ExecContext(ctx, req.ClientID, req.MessageUuid); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "RemoveMessages", err)
		}
		if _, err := purge.ExecContext(ctx, req.MessageUuid, req.MessageUuid); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "RemoveMessages", err)
		}
	}
	return tx.Commit()
}

func (s *SessionStore) FetchNextPendingMessage(ctx context.Context, clientID string) (*broker.QueuedMessage, *broker.ClientLink, error) {
	msgs, links, err := s.FetchPendingMessages(ctx, clientID, 1)
	if err != nil || len(msgs) == 0 {
		return nil, nil, err
	}
	return &msgs[0], &links[0], nil
}

func (s *SessionStore) FetchPendingMessages(ctx context.Context, clientID string, limit int) ([]broker.QueuedMessage, []broker.ClientLink, error) {
	q := `SELECT qm.message_uuid, qm.message_id, qm.topic_name, qm.payload, qm.qos, qm.retain, qm.publisher_client,
		qm.message_expires_at, qmc.status, qmc.last_status_change, qmc.expiry_at
		FROM queued_messages_clients qmc JOIN queued_messages qm ON qm.message_uuid = qmc.message_uuid
		WHERE qmc.client_id = ? AND qmc.status = ? ORDER BY qm.message_uuid ASC`
	args := []any{clientID, int(broker.Pending)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, brokerer.Wrap(brokerer.StoreUnavailable, "FetchPendingMessages", err)
	}
	defer rows.Close()

	var msgs []broker.QueuedMessage
	var links []broker.ClientLink
	for rows.Next() {
		msg, link, err := scanQueuedRow(rows, clientID)
		if err != nil {
			return nil, nil, brokerer.Wrap(brokerer.StoreUnavailable, "FetchPendingMessages", err)
		}
		msgs = append(msgs, msg)
		links = append(links, link)
	}
	return msgs, links, rows.Err()
}

func (s *SessionStore) markStatus(ctx context.Context, clientID, messageUuid string, status broker.LinkStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_messages_clients SET status=?, last_status_change=?
		WHERE client_id=? AND message_uuid=?`, int(status), unixNano(time.Now()), clientID, messageUuid)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "markStatus", err)
	}
	return nil
}

func (s *SessionStore) MarkMessageInFlight(ctx context.Context, clientID, messageUuid string) error {
	return s.markStatus(ctx, clientID, messageUuid, broker.InFlight)
}

func (s *SessionStore) MarkMessagesInFlight(ctx context.Context, clientID string, messageUuids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "MarkMessagesInFlight", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE queued_messages_clients SET status=?, last_status_change=?
		WHERE client_id=? AND message_uuid=?`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "MarkMessagesInFlight", err)
	}
	defer stmt.Close()
	now := unixNano(time.Now())
	for _, uuid := range messageUuids {
		if _, err := stmt.ExecContext(ctx, int(broker.InFlight), now, clientID, uuid); err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "MarkMessagesInFlight", err)
		}
	}
	return tx.Commit()
}

func (s *SessionStore) MarkMessagePubrecReceived(ctx context.Context, clientID, messageUuid string) error {
	return s.markStatus(ctx, clientID, messageUuid, broker.PubrecReceived)
}

func (s *SessionStore) MarkMessageDelivered(ctx context.Context, clientID, messageUuid string) error {
	return s.markStatus(ctx, clientID, messageUuid, broker.Delivered)
}

func (s *SessionStore) MarkMessageExpired(ctx context.Context, clientID, messageUuid string) error {
	return s.markStatus(ctx, clientID, messageUuid, broker.Expired)
}

func (s *SessionStore) ResetInFlightMessages(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_messages_clients SET status=?, last_status_change=?
		WHERE client_id=? AND status IN (?, ?)`, int(broker.Pending), unixNano(time.Now()), clientID,
		int(broker.InFlight), int(broker.PubrecReceived))
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "ResetInFlightMessages", err)
	}
	return nil
}

func (s *SessionStore) PurgeDeliveredMessages(ctx context.Context) (int, error) {
	return s.purgeLinksByStatus(ctx, broker.Delivered)
}

func (s *SessionStore) PurgeExpiredMessages(ctx context.Context) (int, error) {
	return s.purgeLinksByStatus(ctx, broker.Expired)
}

func (s *SessionStore) purgeLinksByStatus(ctx context.Context, status broker.LinkStatus) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_messages_clients WHERE status=?`, int(status))
	if err != nil {
		return 0, brokerer.Wrap(brokerer.StoreUnavailable, "purgeLinksByStatus", err)
	}
	n, _ := res.RowsAffected()
	if err := s.purgeOrphanedMessages(ctx); err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (s *SessionStore) purgeOrphanedMessages(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE NOT EXISTS
		(SELECT 1 FROM queued_messages_clients WHERE queued_messages_clients.message_uuid = queued_messages.message_uuid)`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "purgeOrphanedMessages", err)
	}
	return nil
}

// PurgeQueuedMessages marks every link whose ExpiryAt deadline has passed as
// EXPIRED, matching memstore's sweep semantics (delivery.Machine.SweepExpiry
// calls this on the periodic purge cadence; the actual row deletion happens
// later via PurgeExpiredMessages). It does not delete anything itself, despite
// the name — that is this contract method's established meaning, not a
// literal "purge the queue" operation.
func (s *SessionStore) PurgeQueuedMessages(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_messages_clients SET status=?, last_status_change=?
		WHERE expiry_at IS NOT NULL AND expiry_at < ? AND status != ?`,
		int(broker.Expired), unixNano(time.Now()), unixNano(time.Now()), int(broker.Expired))
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeQueuedMessages", err)
	}
	return nil
}

// PurgeSessions removes only sessions that are both clean (CleanSession) and
// currently disconnected, along with their subscriptions and queued-message
// links — a durable (CleanSession=false) disconnected client's persisted
// state must survive a purge tick (spec.md §8.2 persistent-session-resume
// guarantee). Matches memstore.SessionStore.PurgeSessions's predicate.
func (s *SessionStore) PurgeSessions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT client_id FROM sessions WHERE clean_session = 1 AND connected = 0`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
	}
	var clientIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
		}
		clientIDs = append(clientIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
	}
	rows.Close()

	for _, q := range []string{
		`DELETE FROM queued_messages_clients WHERE client_id=?`,
		`DELETE FROM subscriptions WHERE client_id=?`,
		`DELETE FROM sessions WHERE client_id=?`,
	} {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
		}
		for _, id := range clientIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				stmt.Close()
				return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
			}
		}
		stmt.Close()
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_messages WHERE NOT EXISTS
		(SELECT 1 FROM queued_messages_clients WHERE queued_messages_clients.message_uuid = queued_messages.message_uuid)`); err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "PurgeSessions", err)
	}
	return tx.Commit()
}

func (s *SessionStore) CountQueuedMessages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_messages`).Scan(&n)
	if err != nil {
		return 0, brokerer.Wrap(brokerer.StoreUnavailable, "CountQueuedMessages", err)
	}
	return n, nil
}

func (s *SessionStore) CountQueuedMessagesForClient(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_messages_clients WHERE client_id=?`, clientID).Scan(&n)
	if err != nil {
		return 0, brokerer.Wrap(brokerer.StoreUnavailable, "CountQueuedMessagesForClient", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

var _ store.SessionStore = (*SessionStore)(nil)
