// Package postgres implements store.Store against PostgreSQL, grounded on
// the teacher's internal/repository access-layer pattern: a thin wrapper
// over database/sql with prometheus-timed operations and github.com/lib/pq
// as the driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/config"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/store"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_store_operations_total",
			Help: "Total number of postgres store operations.",
		},
		[]string{"operation", "status"},
	)
	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow_store_operation_duration_seconds",
			Help:    "Duration of postgres store operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Store is a database/sql-backed store.Store implementation.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL per cfg, applies pending migrations from
// migrationsPath, and returns a ready Store.
func Open(cfg *config.DatabaseConfig, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "pinging postgres")
	}

	if cfg.MigrationsPath != "" {
		if err := applyMigrations(db, cfg.MigrationsPath); err != nil {
			return nil, errors.Wrap(err, "applying migrations")
		}
	}

	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB, path string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func timed(op string, err *error) func() {
	timer := prometheus.NewTimer(storeOpDuration.WithLabelValues(op))
	return func() {
		timer.ObserveDuration()
		status := "ok"
		if *err != nil {
			status = "error"
		}
		storeOps.WithLabelValues(op, status).Inc()
	}
}

func (s *Store) GetTenant(ctx context.Context, id string) (t *domain.Tenant, err error) {
	defer timed("get_tenant", &err)()
	t = &domain.Tenant{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, access_token, phone_number_id, business_account_id,
		       registration_pin, meta_phone_number_id, created_at, updated_at
		FROM tenants WHERE id = $1`, id)
	if scanErr := row.Scan(&t.ID, &t.Name, &t.AccessToken, &t.PhoneNumberID, &t.BusinessAccountID,
		&t.RegistrationPIN, &t.MetaPhoneNumberID, &t.CreatedAt, &t.UpdatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return t, nil
}

func (s *Store) FindTenantByPhoneNumberID(ctx context.Context, metaPhoneNumberID string) (t *domain.Tenant, err error) {
	defer timed("find_tenant_by_phone", &err)()
	t = &domain.Tenant{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, access_token, phone_number_id, business_account_id,
		       registration_pin, meta_phone_number_id, created_at, updated_at
		FROM tenants WHERE meta_phone_number_id = $1`, metaPhoneNumberID)
	if scanErr := row.Scan(&t.ID, &t.Name, &t.AccessToken, &t.PhoneNumberID, &t.BusinessAccountID,
		&t.RegistrationPIN, &t.MetaPhoneNumberID, &t.CreatedAt, &t.UpdatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return t, nil
}

func (s *Store) FirstTenant(ctx context.Context) (t *domain.Tenant, err error) {
	defer timed("first_tenant", &err)()
	t = &domain.Tenant{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, access_token, phone_number_id, business_account_id,
		       registration_pin, meta_phone_number_id, created_at, updated_at
		FROM tenants ORDER BY created_at ASC LIMIT 1`)
	if scanErr := row.Scan(&t.ID, &t.Name, &t.AccessToken, &t.PhoneNumberID, &t.BusinessAccountID,
		&t.RegistrationPIN, &t.MetaPhoneNumberID, &t.CreatedAt, &t.UpdatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return t, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (c *domain.Contact, err error) {
	defer timed("get_contact", &err)()
	c = &domain.Contact{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, phone, name, created_at, updated_at FROM contacts WHERE id = $1`, id)
	if scanErr := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.CreatedAt, &c.UpdatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return c, nil
}

func (s *Store) FindContact(ctx context.Context, tenantID, phone string) (c *domain.Contact, err error) {
	defer timed("find_contact", &err)()
	c = &domain.Contact{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, phone, name, created_at, updated_at
		FROM contacts WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	if scanErr := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.CreatedAt, &c.UpdatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return c, nil
}

func (s *Store) UpsertContact(ctx context.Context, c *domain.Contact) (out *domain.Contact, err error) {
	defer timed("upsert_contact", &err)()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, tenant_id, phone, name, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now(), now())
		ON CONFLICT (tenant_id, phone) DO UPDATE
			SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END,
			    updated_at = now()
		RETURNING id, tenant_id, phone, name, created_at, updated_at`,
		c.TenantID, c.Phone, c.Name)
	out = &domain.Contact{}
	if scanErr := row.Scan(&out.ID, &out.TenantID, &out.Phone, &out.Name, &out.CreatedAt, &out.UpdatedAt); scanErr != nil {
		err = scanErr
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateContactName(ctx context.Context, id, name string) (err error) {
	defer timed("update_contact_name", &err)()
	res, execErr := s.db.ExecContext(ctx, `UPDATE contacts SET name = $1, updated_at = now() WHERE id = $2`, name, id)
	if execErr != nil {
		err = execErr
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = store.ErrNotFound
	}
	return err
}

func (s *Store) ListContactsByTag(ctx context.Context, tenantID, _ string) (out []*domain.Contact, err error) {
	defer timed("list_contacts_by_tag", &err)()
	rows, queryErr := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, phone, name, created_at, updated_at FROM contacts WHERE tenant_id = $1`, tenantID)
	if queryErr != nil {
		err = queryErr
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c := &domain.Contact{}
		if scanErr := rows.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.CreatedAt, &c.UpdatedAt); scanErr != nil {
			err = scanErr
			return nil, err
		}
		out = append(out, c)
	}
	err = rows.Err()
	return out, err
}

func (s *Store) ListContactsByIDs(ctx context.Context, tenantID string, ids []string) (out []*domain.Contact, err error) {
	defer timed("list_contacts_by_ids", &err)()
	rows, queryErr := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, phone, name, created_at, updated_at
		FROM contacts WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, pq.Array(ids))
	if queryErr != nil {
		err = queryErr
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c := &domain.Contact{}
		if scanErr := rows.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.CreatedAt, &c.UpdatedAt); scanErr != nil {
			err = scanErr
			return nil, err
		}
		out = append(out, c)
	}
	err = rows.Err()
	return out, err
}

func (s *Store) GetFlow(ctx context.Context, id string) (f *domain.Flow, err error) {
	defer timed("get_flow", &err)()
	return s.scanFlow(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, trigger, status, channel, definition, updated_at
		FROM flows WHERE id = $1`, id))
}

func (s *Store) ListActiveFlows(ctx context.Context, tenantID, channel string) (out []*domain.Flow, err error) {
	defer timed("list_active_flows", &err)()
	rows, queryErr := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, trigger, status, channel, definition, updated_at
		FROM flows WHERE tenant_id = $1 AND status = $2 AND channel = $3`,
		tenantID, domain.FlowStatusActive, channel)
	if queryErr != nil {
		err = queryErr
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		f, scanErr := scanFlowRow(rows)
		if scanErr != nil {
			err = scanErr
			return nil, err
		}
		out = append(out, f)
	}
	err = rows.Err()
	return out, err
}

func (s *Store) GetSession(ctx context.Context, id string) (sess *domain.Session, err error) {
	defer timed("get_session", &err)()
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, flow_id, tenant_id, status, current_node_id, context, updated_at
		FROM sessions WHERE id = $1`, id))
}

func (s *Store) FindSessionByContactFlow(ctx context.Context, contactID, flowID string) (sess *domain.Session, err error) {
	defer timed("find_session_by_contact_flow", &err)()
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, flow_id, tenant_id, status, current_node_id, context, updated_at
		FROM sessions WHERE contact_id = $1 AND flow_id = $2`, contactID, flowID))
}

func (s *Store) FindActiveSessionForContact(ctx context.Context, contactID string) (sess *domain.Session, err error) {
	defer timed("find_active_session_for_contact", &err)()
	return s.scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, contact_id, flow_id, tenant_id, status, current_node_id, context, updated_at
		FROM sessions
		WHERE contact_id = $1 AND status IN ($2, $3)
		ORDER BY updated_at DESC LIMIT 1`,
		contactID, domain.SessionStatusActive, domain.SessionStatusPaused))
}

func (s *Store) UpsertSession(ctx context.Context, sess *domain.Session) (out *domain.Session, err error) {
	defer timed("upsert_session", &err)()
	if sess.Context == nil {
		sess.Context = map[string]interface{}{}
	}
	ctxJSON, marshalErr := json.Marshal(sess.Context)
	if marshalErr != nil {
		err = marshalErr
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, contact_id, flow_id, tenant_id, status, current_node_id, context, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (contact_id, flow_id) DO UPDATE
			SET status = EXCLUDED.status,
			    current_node_id = EXCLUDED.current_node_id,
			    context = EXCLUDED.context,
			    updated_at = now()
		RETURNING id, contact_id, flow_id, tenant_id, status, current_node_id, context, updated_at`,
		sess.ContactID, sess.FlowID, sess.TenantID, sess.Status, sess.CurrentNodeID, ctxJSON)
	out, err = scanSessionRow(row)
	return out, err
}

func (s *Store) SaveSessionProgress(ctx context.Context, sess *domain.Session, expectUpdatedAtUnixNano int64) (err error) {
	defer timed("save_session_progress", &err)()
	if sess.Context == nil {
		sess.Context = map[string]interface{}{}
	}
	ctxJSON, marshalErr := json.Marshal(sess.Context)
	if marshalErr != nil {
		err = marshalErr
		return err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET status = $1, current_node_id = $2, context = $3, updated_at = now()
		WHERE id = $4 AND updated_at = to_timestamp($5 / 1e9)
		RETURNING updated_at`,
		sess.Status, sess.CurrentNodeID, ctxJSON, sess.ID, expectUpdatedAtUnixNano)
	var updatedAt time.Time
	if scanErr := row.Scan(&updatedAt); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			err = store.ErrConflict
		} else {
			err = scanErr
		}
		return err
	}
	sess.UpdatedAt = updatedAt
	return nil
}

func (s *Store) CreateBroadcast(ctx context.Context, b *domain.Broadcast) (out *domain.Broadcast, err error) {
	defer timed("create_broadcast", &err)()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO broadcasts (id, tenant_id, flow_id, title, body, filter_tag, status, total_recipients, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING id, created_at, updated_at`,
		b.TenantID, b.FlowID, b.Title, b.Body, b.FilterTag, b.Status, b.TotalRecipients)
	if scanErr := row.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); scanErr != nil {
		err = scanErr
		return nil, err
	}
	return b, nil
}

func (s *Store) GetBroadcast(ctx context.Context, id string) (b *domain.Broadcast, err error) {
	defer timed("get_broadcast", &err)()
	b = &domain.Broadcast{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, flow_id, title, body, filter_tag, status,
		       total_recipients, success_count, failure_count, created_at, updated_at
		FROM broadcasts WHERE id = $1`, id)
	if scanErr := row.Scan(&b.ID, &b.TenantID, &b.FlowID, &b.Title, &b.Body, &b.FilterTag, &b.Status,
		&b.TotalRecipients, &b.SuccessCount, &b.FailureCount, &b.CreatedAt, &b.UpdatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return b, nil
}

func (s *Store) UpdateBroadcastStatus(ctx context.Context, id string, status domain.BroadcastStatus, successCount, failureCount int) (err error) {
	defer timed("update_broadcast_status", &err)()
	_, execErr := s.db.ExecContext(ctx, `
		UPDATE broadcasts SET status = $1, success_count = $2, failure_count = $3, updated_at = now()
		WHERE id = $4`, status, successCount, failureCount, id)
	err = execErr
	return err
}

func (s *Store) CreateBroadcastRecipients(ctx context.Context, recipients []*domain.BroadcastRecipient) (err error) {
	defer timed("create_broadcast_recipients", &err)()
	if len(recipients) == 0 {
		return nil
	}
	tx, txErr := s.db.BeginTx(ctx, nil)
	if txErr != nil {
		err = txErr
		return err
	}
	defer tx.Rollback()

	stmt, prepErr := tx.PrepareContext(ctx, `
		INSERT INTO broadcast_recipients (id, broadcast_id, contact_id, status, status_updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now())
		RETURNING id`)
	if prepErr != nil {
		err = prepErr
		return err
	}
	defer stmt.Close()

	for _, r := range recipients {
		if scanErr := stmt.QueryRowContext(ctx, r.BroadcastID, r.ContactID, r.Status).Scan(&r.ID); scanErr != nil {
			err = scanErr
			return err
		}
	}
	err = tx.Commit()
	return err
}

func (s *Store) UpdateBroadcastRecipient(ctx context.Context, r *domain.BroadcastRecipient) (err error) {
	defer timed("update_broadcast_recipient", &err)()
	statusUpdatedAt := r.StatusUpdatedAt
	if statusUpdatedAt.IsZero() {
		statusUpdatedAt = time.Now()
	}
	res, execErr := s.db.ExecContext(ctx, `
		UPDATE broadcast_recipients
		SET status = $1, sent_at = $2, status_updated_at = $3, message_id = $4, conversation_id = $5, error = $6
		WHERE id = $7`,
		r.Status, r.SentAt, statusUpdatedAt, r.MessageID, r.ConversationID, r.Error, r.ID)
	if execErr != nil {
		err = execErr
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = store.ErrNotFound
	}
	return err
}

func (s *Store) FindRecipientByMessageID(ctx context.Context, tenantID, messageID string) (r *domain.BroadcastRecipient, err error) {
	defer timed("find_recipient_by_message_id", &err)()
	r = &domain.BroadcastRecipient{}
	var sentAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT br.id, br.broadcast_id, br.contact_id, br.status, br.sent_at,
		       br.status_updated_at, br.message_id, br.conversation_id, br.error
		FROM broadcast_recipients br
		JOIN broadcasts b ON b.id = br.broadcast_id
		WHERE b.tenant_id = $1 AND br.message_id = $2`, tenantID, messageID)
	if scanErr := row.Scan(&r.ID, &r.BroadcastID, &r.ContactID, &r.Status, &sentAt,
		&r.StatusUpdatedAt, &r.MessageID, &r.ConversationID, &r.Error); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	if sentAt.Valid {
		r.SentAt = &sentAt.Time
	}
	return r, nil
}

func (s *Store) IncrementBroadcastCounters(ctx context.Context, broadcastID string, successDelta, failureDelta int) (err error) {
	defer timed("increment_broadcast_counters", &err)()
	_, execErr := s.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET success_count = success_count + $1, failure_count = failure_count + $2, updated_at = now()
		WHERE id = $3`, successDelta, failureDelta, broadcastID)
	err = execErr
	return err
}

func (s *Store) AppendMessage(ctx context.Context, m *domain.Message) (err error) {
	defer timed("append_message", &err)()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, contact_id, direction, kind, body, provider_id, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, created_at`,
		m.TenantID, m.SessionID, m.ContactID, m.Direction, m.Kind, m.Body, m.ProviderID)
	if scanErr := row.Scan(&m.ID, &m.CreatedAt); scanErr != nil {
		err = scanErr
	}
	return err
}

func (s *Store) LatestOutboundMessage(ctx context.Context, sessionID string) (m *domain.Message, err error) {
	defer timed("latest_outbound_message", &err)()
	m = &domain.Message{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_id, contact_id, direction, kind, body, provider_id, created_at
		FROM messages WHERE session_id = $1 AND direction = 'outbound'
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	if scanErr := row.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.ContactID, &m.Direction, &m.Kind, &m.Body, &m.ProviderID, &m.CreatedAt); scanErr != nil {
		err = mapNotFound(scanErr)
		return nil, err
	}
	return m, nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanFlow(row rowScanner) (*domain.Flow, error) {
	return scanFlowRow(row)
}

func scanFlowRow(row rowScanner) (*domain.Flow, error) {
	f := &domain.Flow{}
	var defJSON []byte
	if err := row.Scan(&f.ID, &f.TenantID, &f.Name, &f.Trigger, &f.Status, &f.Channel, &defJSON, &f.UpdatedAt); err != nil {
		return nil, mapNotFound(err)
	}
	if err := json.Unmarshal(defJSON, &f.Definition); err != nil {
		return nil, errors.Wrap(err, "unmarshaling flow definition")
	}
	return f, nil
}

func (s *Store) scanSession(row rowScanner) (*domain.Session, error) {
	return scanSessionRow(row)
}

func scanSessionRow(row rowScanner) (*domain.Session, error) {
	sess := &domain.Session{}
	var ctxJSON []byte
	if err := row.Scan(&sess.ID, &sess.ContactID, &sess.FlowID, &sess.TenantID, &sess.Status,
		&sess.CurrentNodeID, &ctxJSON, &sess.UpdatedAt); err != nil {
		return nil, mapNotFound(err)
	}
	sess.Context = map[string]interface{}{}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &sess.Context); err != nil {
			return nil, errors.Wrap(err, "unmarshaling session context")
		}
	}
	return sess, nil
}

func mapNotFound(err error) error {
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	return err
}
