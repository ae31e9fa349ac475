package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Arcneell/Inframate/internal/database"
	"github.com/Arcneell/Inframate/internal/secrets"
)

// Provider-specific columns are NULL for the other provider kind.
const configColumns = `id, name, tenant_id, provider_type, is_active, is_inbound_enabled, is_outbound_enabled,
	COALESCE(smtp_host, '') AS smtp_host, COALESCE(smtp_port, 0) AS smtp_port,
	COALESCE(smtp_username, '') AS smtp_username, COALESCE(smtp_password, '') AS smtp_password,
	COALESCE(smtp_use_tls, FALSE) AS smtp_use_tls,
	COALESCE(imap_host, '') AS imap_host, COALESCE(imap_port, 0) AS imap_port,
	COALESCE(imap_username, '') AS imap_username, COALESCE(imap_password, '') AS imap_password,
	COALESCE(imap_use_ssl, FALSE) AS imap_use_ssl, COALESCE(imap_folder, '') AS imap_folder,
	COALESCE(m365_tenant_id, '') AS m365_tenant_id, COALESCE(m365_client_id, '') AS m365_client_id,
	COALESCE(m365_client_secret, '') AS m365_client_secret, COALESCE(m365_mailbox, '') AS m365_mailbox,
	COALESCE(m365_user_email, '') AS m365_user_email, COALESCE(m365_folder_id, '') AS m365_folder_id,
	COALESCE(from_email, '') AS from_email, COALESCE(from_name, '') AS from_name,
	COALESCE(reply_to_email, '') AS reply_to_email, created_at, updated_at`

// senderLockWait bounds how long a MySQL writer waits for the sender scope
// lock, in seconds.
const senderLockWait = 10

// Repository persists configurations in email_configurations. Secrets are
// encrypted on write and decrypted on read.
type Repository struct {
	db  *database.DB
	box *secrets.Box
	now func() time.Time
}

// NewRepository builds a repository over db using box for credentials.
func NewRepository(db *database.DB, box *secrets.Box) *Repository {
	return &Repository{db: db, box: box, now: func() time.Time { return time.Now().UTC() }}
}

// Get loads one configuration. A credential that cannot be decrypted is an
// error here since the caller is about to use it.
func (r *Repository) Get(ctx context.Context, id int64) (*Configuration, error) {
	var cfg Configuration
	query := r.db.Q(`SELECT ` + configColumns + ` FROM email_configurations WHERE id = $1`)
	if err := r.db.GetContext(ctx, &cfg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get email configuration %d: %w", id, err)
	}
	if err := r.decrypt(&cfg); err != nil {
		return nil, fmt.Errorf("email configuration %d: %w", id, err)
	}
	return &cfg, nil
}

// List returns every configuration. Unreadable credentials become the
// decryption sentinel so one corrupt row does not hide the others.
func (r *Repository) List(ctx context.Context) ([]*Configuration, error) {
	var cfgs []*Configuration
	query := r.db.Q(`SELECT ` + configColumns + ` FROM email_configurations ORDER BY name, id`)
	if err := r.db.SelectContext(ctx, &cfgs, query); err != nil {
		return nil, fmt.Errorf("list email configurations: %w", err)
	}
	for _, cfg := range cfgs {
		r.decryptLenient(cfg)
	}
	return cfgs, nil
}

// ListInbound returns active configurations with inbound enabled.
func (r *Repository) ListInbound(ctx context.Context) ([]*Configuration, error) {
	var cfgs []*Configuration
	query := r.db.Q(`SELECT ` + configColumns + ` FROM email_configurations
		WHERE is_active = TRUE AND is_inbound_enabled = TRUE ORDER BY id`)
	if err := r.db.SelectContext(ctx, &cfgs, query); err != nil {
		return nil, fmt.Errorf("list inbound email configurations: %w", err)
	}
	for _, cfg := range cfgs {
		r.decryptLenient(cfg)
	}
	return cfgs, nil
}

// ActiveOutbound resolves the sender for tenantID: the tenant's own active
// outbound configuration, else the global one.
func (r *Repository) ActiveOutbound(ctx context.Context, tenantID *int64) (*Configuration, error) {
	if tenantID != nil {
		cfg, err := r.activeOutbound(ctx, `tenant_id = $1`, *tenantID)
		if err == nil || !errors.Is(err, ErrNoActiveConfiguration) {
			return cfg, err
		}
	}
	return r.activeOutbound(ctx, `tenant_id IS NULL`)
}

func (r *Repository) activeOutbound(ctx context.Context, scope string, args ...any) (*Configuration, error) {
	var cfg Configuration
	query := r.db.Q(`SELECT ` + configColumns + ` FROM email_configurations
		WHERE is_active = TRUE AND is_outbound_enabled = TRUE AND ` + scope + ` ORDER BY id LIMIT 1`)
	if err := r.db.GetContext(ctx, &cfg, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveConfiguration
		}
		return nil, fmt.Errorf("resolve active email configuration: %w", err)
	}
	if err := r.decrypt(&cfg); err != nil {
		return nil, fmt.Errorf("email configuration %d: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// Create validates and inserts cfg, setting its id and timestamps.
func (r *Repository) Create(ctx context.Context, cfg *Configuration) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	enc, err := r.encryptSecrets(cfg)
	if err != nil {
		return err
	}
	now := r.now()
	args := []any{
		cfg.Name, cfg.TenantID, cfg.ProviderType, cfg.IsActive, cfg.IsInboundEnabled, cfg.IsOutboundEnabled,
		cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, enc[0], cfg.SMTPUseTLS,
		cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername, enc[1], cfg.IMAPUseSSL, cfg.IMAPFolder,
		cfg.M365TenantID, cfg.M365ClientID, enc[2], cfg.M365Mailbox, cfg.M365UserEmail, cfg.M365FolderID,
		cfg.FromEmail, cfg.FromName, cfg.ReplyToEmail, now, now,
	}
	insert := `INSERT INTO email_configurations (
		name, tenant_id, provider_type, is_active, is_inbound_enabled, is_outbound_enabled,
		smtp_host, smtp_port, smtp_username, smtp_password, smtp_use_tls,
		imap_host, imap_port, imap_username, imap_password, imap_use_ssl, imap_folder,
		m365_tenant_id, m365_client_id, m365_client_secret, m365_mailbox, m365_user_email, m365_folder_id,
		from_email, from_name, reply_to_email, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24, $25, $26, $27, $28)`

	err = r.inSenderScope(ctx, cfg, func(ext sqlx.ExtContext) error {
		if r.db.Dialect == database.Postgres {
			return ext.QueryRowxContext(ctx, insert+` RETURNING id`, args...).Scan(&cfg.ID)
		}
		res, err := ext.ExecContext(ctx, r.db.Q(insert), args...)
		if err != nil {
			return err
		}
		cfg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return wrapUnlessInvalid("create email configuration", err)
	}
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	return nil
}

// Update validates and stores cfg. Empty or masked secrets keep the stored value.
func (r *Repository) Update(ctx context.Context, cfg *Configuration) error {
	cfg.ApplyDefaults()
	if err := r.validateForUpdate(cfg); err != nil {
		return err
	}
	enc, err := r.encryptSecrets(cfg)
	if err != nil {
		return err
	}
	now := r.now()
	query := r.db.Q(`UPDATE email_configurations SET
		name = $1, tenant_id = $2, provider_type = $3, is_active = $4, is_inbound_enabled = $5, is_outbound_enabled = $6,
		smtp_host = $7, smtp_port = $8, smtp_username = $9, smtp_password = COALESCE(NULLIF($10, ''), smtp_password),
		smtp_use_tls = $11, imap_host = $12, imap_port = $13, imap_username = $14,
		imap_password = COALESCE(NULLIF($15, ''), imap_password), imap_use_ssl = $16, imap_folder = $17,
		m365_tenant_id = $18, m365_client_id = $19, m365_client_secret = COALESCE(NULLIF($20, ''), m365_client_secret),
		m365_mailbox = $21, m365_user_email = $22, m365_folder_id = $23,
		from_email = $24, from_name = $25, reply_to_email = $26, updated_at = $27
		WHERE id = $28`)
	affected := int64(-1)
	err = r.inSenderScope(ctx, cfg, func(ext sqlx.ExtContext) error {
		res, err := ext.ExecContext(ctx, query,
			cfg.Name, cfg.TenantID, cfg.ProviderType, cfg.IsActive, cfg.IsInboundEnabled, cfg.IsOutboundEnabled,
			cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, enc[0], cfg.SMTPUseTLS,
			cfg.IMAPHost, cfg.IMAPPort, cfg.IMAPUsername, enc[1], cfg.IMAPUseSSL, cfg.IMAPFolder,
			cfg.M365TenantID, cfg.M365ClientID, enc[2], cfg.M365Mailbox, cfg.M365UserEmail, cfg.M365FolderID,
			cfg.FromEmail, cfg.FromName, cfg.ReplyToEmail, now, cfg.ID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			affected = n
		}
		return nil
	})
	if err != nil {
		return wrapUnlessInvalid(fmt.Sprintf("update email configuration %d", cfg.ID), err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, cfg.ID)
	}
	cfg.UpdatedAt = now
	return nil
}

// Delete removes a configuration. Its sent and inbound logs go with it.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, r.db.Q(`DELETE FROM email_configurations WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete email configuration %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// validateForUpdate accepts an omitted secret since the stored one is kept.
func (r *Repository) validateForUpdate(cfg *Configuration) error {
	check := *cfg
	if keepSecret(check.M365ClientSecret) {
		check.M365ClientSecret = secretMask
	}
	return check.Validate()
}

// inSenderScope runs write. When cfg takes the active sender slot, write runs
// in the same transaction as the single-sender check while the scope lock is
// held, so concurrent writers to one scope are serialized.
func (r *Repository) inSenderScope(ctx context.Context, cfg *Configuration, write func(sqlx.ExtContext) error) error {
	if !cfg.IsOutboundSender() {
		return write(r.db)
	}
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	key := senderLockKey(cfg.TenantID)
	if r.db.Dialect == database.MySQL {
		var got sql.NullInt64
		if err := conn.QueryRowxContext(ctx, `SELECT GET_LOCK(?, ?)`, key, senderLockWait).Scan(&got); err != nil {
			return fmt.Errorf("lock sender scope: %w", err)
		}
		if !got.Valid || got.Int64 != 1 {
			return fmt.Errorf("lock sender scope %s: timed out", key)
		}
		defer conn.ExecContext(context.WithoutCancel(ctx), `DO RELEASE_LOCK(?)`, key) //nolint:errcheck
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if r.db.Dialect == database.Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, senderLockID(key)); err != nil {
			return fmt.Errorf("lock sender scope: %w", err)
		}
	}
	if err := r.ensureSingleSender(ctx, tx, cfg); err != nil {
		return err
	}
	if err := write(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func senderLockKey(tenantID *int64) string {
	if tenantID == nil {
		return "inframate.sender.global"
	}
	return "inframate.sender." + strconv.FormatInt(*tenantID, 10)
}

func senderLockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func wrapUnlessInvalid(op string, err error) error {
	if errors.Is(err, ErrConfigurationInvalid) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Repository) ensureSingleSender(ctx context.Context, q sqlx.QueryerContext, cfg *Configuration) error {
	scope, args := `tenant_id IS NULL`, []any{cfg.ID}
	if cfg.TenantID != nil {
		scope, args = `tenant_id = $2`, append(args, *cfg.TenantID)
	}
	var count int
	query := r.db.Q(`SELECT COUNT(*) FROM email_configurations
		WHERE is_active = TRUE AND is_outbound_enabled = TRUE AND id <> $1 AND ` + scope)
	if err := sqlx.GetContext(ctx, q, &count, query, args...); err != nil {
		return fmt.Errorf("check active sender: %w", err)
	}
	if count > 0 {
		return &ValidationError{Fields: []FieldError{{
			Field:   "is_active",
			Message: "another active outbound configuration already exists for this scope",
		}}}
	}
	return nil
}

// encryptSecrets returns the stored form of the three secrets in column
// order. A secret to keep is returned empty.
func (r *Repository) encryptSecrets(cfg *Configuration) ([3]string, error) {
	var out [3]string
	for i, plain := range []string{cfg.SMTPPassword, cfg.IMAPPassword, cfg.M365ClientSecret} {
		if keepSecret(plain) {
			continue
		}
		enc, err := r.box.Encrypt(plain)
		if err != nil {
			return out, fmt.Errorf("encrypt credential: %w", err)
		}
		out[i] = enc
	}
	return out, nil
}

func keepSecret(value string) bool {
	return value == "" || value == secretMask || value == secrets.DecryptionFailedSentinel
}

func (r *Repository) decrypt(cfg *Configuration) error {
	for _, field := range []*string{&cfg.SMTPPassword, &cfg.IMAPPassword, &cfg.M365ClientSecret} {
		plain, err := r.box.Decrypt(*field)
		if err != nil {
			return err
		}
		*field = plain
	}
	return nil
}

func (r *Repository) decryptLenient(cfg *Configuration) {
	for _, field := range []*string{&cfg.SMTPPassword, &cfg.IMAPPassword, &cfg.M365ClientSecret} {
		*field = r.box.DecryptOrSentinel(*field)
	}
}
