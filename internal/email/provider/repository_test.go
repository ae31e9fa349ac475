package provider

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arcneell/Inframate/internal/database"
	"github.com/Arcneell/Inframate/internal/secrets"
)

const testMasterKey = "unit-test-master-key"

func newTestRepo(t *testing.T, dialect database.Dialect) (*Repository, sqlmock.Sqlmock, *secrets.Box) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	box, err := secrets.New(testMasterKey)
	require.NoError(t, err)
	repo := NewRepository(database.Wrap(sqlx.NewDb(db, "sqlmock"), dialect), box)
	repo.now = func() time.Time { return time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC) }
	return repo, mock, box
}

var configRowColumns = []string{
	"id", "name", "tenant_id", "provider_type", "is_active", "is_inbound_enabled", "is_outbound_enabled",
	"smtp_host", "smtp_password", "imap_password", "m365_client_secret", "from_email",
}

func TestGetDecryptsCredentials(t *testing.T) {
	repo, mock, box := newTestRepo(t, database.Postgres)
	enc, err := box.Encrypt("hunter2")
	require.NoError(t, err)

	mock.ExpectQuery(`FROM email_configurations WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(configRowColumns).
			AddRow(7, "Helpdesk", nil, "smtp_imap", true, true, true, "smtp.example.com", enc, "legacy-plain", "", "helpdesk@example.com"))

	cfg, err := repo.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.SMTPPassword)
	assert.Equal(t, "legacy-plain", cfg.IMAPPassword)
	assert.Nil(t, cfg.TenantID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingIsNotFound(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	mock.ExpectQuery(`FROM email_configurations WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(configRowColumns))

	_, err := repo.Get(context.Background(), 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetCorruptSecretFails(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	mock.ExpectQuery(`FROM email_configurations WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(configRowColumns).
			AddRow(7, "Helpdesk", nil, "smtp_imap", true, true, true, "smtp.example.com", secrets.Prefix+"AAAA", "", "", ""))

	_, err := repo.Get(context.Background(), 7)
	require.ErrorIs(t, err, secrets.ErrDecryptionFailed)
}

func TestListUsesSentinelForCorruptSecrets(t *testing.T) {
	repo, mock, box := newTestRepo(t, database.Postgres)
	good, err := box.Encrypt("ok")
	require.NoError(t, err)
	other, err := secrets.New("a-different-key")
	require.NoError(t, err)
	foreign, err := other.Encrypt("unreadable")
	require.NoError(t, err)

	mock.ExpectQuery(`FROM email_configurations ORDER BY name, id`).
		WillReturnRows(sqlmock.NewRows(configRowColumns).
			AddRow(1, "A", nil, "smtp_imap", true, true, true, "smtp.a", good, "", "", "a@example.com").
			AddRow(2, "B", nil, "smtp_imap", true, true, false, "smtp.b", foreign, "", "", ""))

	cfgs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "ok", cfgs[0].SMTPPassword)
	assert.Equal(t, secrets.DecryptionFailedSentinel, cfgs[1].SMTPPassword)
}

func TestActiveOutboundFallsBackToGlobal(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	tenant := int64(5)

	mock.ExpectQuery(`is_outbound_enabled = TRUE AND tenant_id = \$1 ORDER BY id LIMIT 1`).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows(configRowColumns))
	mock.ExpectQuery(`is_outbound_enabled = TRUE AND tenant_id IS NULL ORDER BY id LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(configRowColumns).
			AddRow(1, "Global", nil, "smtp_imap", true, false, true, "smtp.example.com", "", "", "", "it@example.com"))

	cfg, err := repo.ActiveOutbound(context.Background(), &tenant)
	require.NoError(t, err)
	assert.Equal(t, "Global", cfg.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveOutboundPrefersTenant(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	tenant := int64(5)
	mock.ExpectQuery(`tenant_id = \$1 ORDER BY id LIMIT 1`).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows(configRowColumns).
			AddRow(3, "Tenant", tenant, "microsoft_365", true, false, true, "", "", "", "", "t@example.com"))

	cfg, err := repo.ActiveOutbound(context.Background(), &tenant)
	require.NoError(t, err)
	assert.Equal(t, "Tenant", cfg.Name)
	require.NotNil(t, cfg.TenantID)
	assert.Equal(t, tenant, *cfg.TenantID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveOutboundNoneConfigured(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	mock.ExpectQuery(`tenant_id IS NULL ORDER BY id LIMIT 1`).
		WillReturnRows(sqlmock.NewRows(configRowColumns))

	_, err := repo.ActiveOutbound(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoActiveConfiguration)
}

func TestCreateEncryptsSecretsAndReturnsID(t *testing.T) {
	repo, mock, box := newTestRepo(t, database.Postgres)
	cfg := directConfig()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(senderLockID("inframate.sender.global")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM email_configurations`).
		WithArgs(int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO email_configurations .* RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), cfg))
	assert.Equal(t, int64(12), cfg.ID)
	assert.Equal(t, 587, cfg.SMTPPort)
	require.NoError(t, mock.ExpectationsWereMet())

	enc, err := repo.encryptSecrets(cfg)
	require.NoError(t, err)
	assert.True(t, secrets.IsEncrypted(enc[0]))
	plain, err := box.Decrypt(enc[0])
	require.NoError(t, err)
	assert.Equal(t, "pw", plain)
	assert.Empty(t, enc[2])
}

func TestCreateOnMySQLUsesLastInsertID(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.MySQL)
	cfg := directConfig()
	cfg.IsActive = false

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO email_configurations (")).
		WillReturnResult(sqlmock.NewResult(31, 1))

	require.NoError(t, repo.Create(context.Background(), cfg))
	assert.Equal(t, int64(31), cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsSecondActiveSender(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	tenant := int64(5)
	cfg := directConfig()
	cfg.TenantID = &tenant

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs(senderLockID("inframate.sender.5")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`id <> \$1 AND tenant_id = \$2`).
		WithArgs(int64(0), tenant).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.Create(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConfigurationInvalid)
	assert.Equal(t, []string{"is_active"}, fieldNames(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOnMySQLHoldsSenderLockAcrossCheckAndInsert(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.MySQL)
	cfg := directConfig()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")).
		WithArgs("inframate.sender.global", int64(senderLockWait)).
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("id <> ? AND tenant_id IS NULL")).
		WithArgs(int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO email_configurations (")).
		WillReturnResult(sqlmock.NewResult(40, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("DO RELEASE_LOCK(?)")).
		WithArgs("inframate.sender.global").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Create(context.Background(), cfg))
	assert.Equal(t, int64(40), cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOnMySQLLosingWriterSeesCommittedSender(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.MySQL)
	cfg := directConfig()

	// The lock is granted only after the competing writer committed, so the
	// count sees its row and nothing is inserted.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")).
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("DO RELEASE_LOCK(?)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), cfg)
	require.ErrorIs(t, err, ErrConfigurationInvalid)
	assert.Equal(t, []string{"is_active"}, fieldNames(err))
	assert.Zero(t, cfg.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOnMySQLSenderLockTimeout(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.MySQL)
	cfg := directConfig()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")).
		WillReturnRows(sqlmock.NewRows([]string{"lock"}).AddRow(0))

	err := repo.Create(context.Background(), cfg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfigurationInvalid)
	assert.Contains(t, err.Error(), "timed out")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSenderLockKeyIsPerScope(t *testing.T) {
	a, b := int64(1), int64(2)
	assert.Equal(t, "inframate.sender.global", senderLockKey(nil))
	assert.Equal(t, "inframate.sender.1", senderLockKey(&a))
	assert.NotEqual(t, senderLockID(senderLockKey(&a)), senderLockID(senderLockKey(&b)))
	assert.Equal(t, senderLockID(senderLockKey(&a)), senderLockID("inframate.sender.1"))
}

func TestCreateInvalidConfigurationTouchesNothing(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	err := repo.Create(context.Background(), &Configuration{Name: "x", ProviderType: "microsoft_365"})
	require.ErrorIs(t, err, ErrConfigurationInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateKeepsMaskedSecrets(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	cfg := cloudConfig()
	cfg.ID = 9
	cfg.M365ClientSecret = "********"

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("m365_client_secret = COALESCE(NULLIF($20, ''), m365_client_secret)")).
		WithArgs(
			cfg.Name, cfg.TenantID, cfg.ProviderType, true, false, true,
			"", 0, "", "", false,
			"", 0, "", "", false, "",
			"tenant", "client", "", "helpdesk@contoso.com", "", "",
			"helpdesk@contoso.com", "", "", sqlmock.AnyArg(), int64(9),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Update(context.Background(), cfg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingRow(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.Postgres)
	cfg := directConfig()
	cfg.ID = 404
	cfg.IsActive = false

	mock.ExpectExec(`UPDATE email_configurations SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Update(context.Background(), cfg)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo, mock, _ := newTestRepo(t, database.MySQL)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM email_configurations WHERE id = ?")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), 3))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM email_configurations WHERE id = ?")).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, repo.Delete(context.Background(), 4), ErrNotFound)
}
