package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"sciecho/pkg/domain"
	"sciecho/pkg/quota"
)

const migrateLockID int64 = 73217329

type GormStoreOptions struct {
	AutoMigrate   bool
	SlowThreshold time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithAutoMigrate toggles schema migration on open.
func WithAutoMigrate(enabled bool) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.AutoMigrate = enabled
	}
}

// WithSlowThreshold sets the slow query log threshold.
func WithSlowThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		if d > 0 {
			opts.SlowThreshold = d
		}
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations unless disabled.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{AutoMigrate: true, SlowThreshold: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates the ledger and document tables. Concurrent
// service instances serialize on a Postgres advisory lock.
func Migrate(db *gorm.DB) error {
	return withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&QuotaLedgerModel{}, &DocumentSlotModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'quota_ledger_models'
					AND constraint_name = 'quota_ledger_models_counters_check'
				) THEN
					ALTER TABLE quota_ledger_models
					ADD CONSTRAINT quota_ledger_models_counters_check
					CHECK (uploads_today >= 0 AND questions_today >= 0);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure ledger constraints: %w", err)
		}
		return nil
	})
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetLedger looks up the ledger of an account.
func (s *GormStore) GetLedger(ctx context.Context, accountID string) (domain.QuotaLedger, bool, error) {
	ledger, err := loadLedger(s.db.WithContext(ctx), accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuotaLedger{}, false, nil
		}
		return domain.QuotaLedger{}, false, err
	}
	return ledger, true, nil
}

// LoadOrInitLedger inserts a zeroed ledger when absent and returns the stored row.
func (s *GormStore) LoadOrInitLedger(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	db := s.db.WithContext(ctx)
	if err := ensureLedger(db, accountID, today); err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("init ledger: %w", err)
	}
	return loadLedger(db, accountID)
}

// ResetLedger zeroes counters of a ledger dated before today.
func (s *GormStore) ResetLedger(ctx context.Context, accountID string, today time.Time) (domain.QuotaLedger, error) {
	db := s.db.WithContext(ctx)
	if err := ensureLedger(db, accountID, today); err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("init ledger: %w", err)
	}
	err := db.Model(&QuotaLedgerModel{}).
		Where("account_id = ? AND last_reset_date < CAST(? AS date)", accountID, quota.FormatDay(today)).
		Updates(map[string]any{
			"uploads_today":   0,
			"questions_today": 0,
			"last_reset_date": sqlDate(today),
			"updated_at":      time.Now().UTC(),
		}).Error
	if err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("reset ledger: %w", err)
	}
	return loadLedger(db, accountID)
}

// ConsumeQuota runs a single conditional UPDATE: the WHERE clause re-checks
// the limit against the row as locked by the update, so concurrent consumers
// cannot both pass the same last unit.
func (s *GormStore) ConsumeQuota(ctx context.Context, accountID string, kind quota.Kind, today time.Time, limit int) (domain.QuotaLedger, error) {
	column, other, err := counterColumns(kind)
	if err != nil {
		return domain.QuotaLedger{}, err
	}
	db := s.db.WithContext(ctx)
	if err := ensureLedger(db, accountID, today); err != nil {
		return domain.QuotaLedger{}, fmt.Errorf("init ledger: %w", err)
	}
	if limit <= 0 {
		ledger, err := loadLedger(db, accountID)
		if err != nil {
			return domain.QuotaLedger{}, err
		}
		return advance(ledger, today), ErrQuotaExhausted
	}
	day := quota.FormatDay(today)
	res := db.Model(&QuotaLedgerModel{}).
		Where("account_id = ?", accountID).
		Where("(last_reset_date < CAST(? AS date) OR "+column+" < ?)", day, limit).
		Updates(map[string]any{
			column:            gorm.Expr("CASE WHEN last_reset_date < CAST(? AS date) THEN 1 ELSE "+column+" + 1 END", day),
			other:             gorm.Expr("CASE WHEN last_reset_date < CAST(? AS date) THEN 0 ELSE "+other+" END", day),
			"last_reset_date": gorm.Expr("GREATEST(last_reset_date, CAST(? AS date))", day),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.QuotaLedger{}, fmt.Errorf("consume %s quota: %w", kind, res.Error)
	}
	ledger, err := loadLedger(db, accountID)
	if err != nil {
		return domain.QuotaLedger{}, err
	}
	if res.RowsAffected == 0 {
		return ledger, ErrQuotaExhausted
	}
	return ledger, nil
}

// ReplaceDocument upserts the slot on account id.
func (s *GormStore) ReplaceDocument(ctx context.Context, slot domain.DocumentSlot) (domain.DocumentSlot, error) {
	model := documentToModel(slot)
	model.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"id", "filename", "summary", "content", "embeddings", "storage_key", "size_bytes", "uploaded_at", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return domain.DocumentSlot{}, fmt.Errorf("replace document: %w", err)
	}
	return documentFromModel(model), nil
}

// CurrentDocument returns the slot of an account, if any.
func (s *GormStore) CurrentDocument(ctx context.Context, accountID string) (domain.DocumentSlot, bool, error) {
	var model DocumentSlotModel
	if err := s.db.WithContext(ctx).First(&model, "account_id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DocumentSlot{}, false, nil
		}
		return domain.DocumentSlot{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ClearDocument deletes the slot of an account. Clearing an empty slot is a no-op.
func (s *GormStore) ClearDocument(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Delete(&DocumentSlotModel{}, "account_id = ?", accountID).Error
}

func ensureLedger(db *gorm.DB, accountID string, today time.Time) error {
	now := time.Now().UTC()
	return db.Model(&QuotaLedgerModel{}).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(map[string]any{
			"account_id":      accountID,
			"uploads_today":   0,
			"questions_today": 0,
			"last_reset_date": sqlDate(today),
			"created_at":      now,
			"updated_at":      now,
		}).Error
}

func loadLedger(db *gorm.DB, accountID string) (domain.QuotaLedger, error) {
	var model QuotaLedgerModel
	if err := db.First(&model, "account_id = ?", accountID).Error; err != nil {
		return domain.QuotaLedger{}, err
	}
	return ledgerFromModel(model), nil
}

// sqlDate binds a calendar day as text so the session time zone cannot shift it.
func sqlDate(day time.Time) clause.Expr {
	return gorm.Expr("CAST(? AS date)", quota.FormatDay(day))
}

func counterColumns(kind quota.Kind) (string, string, error) {
	switch kind {
	case quota.KindUpload:
		return "uploads_today", "questions_today", nil
	case quota.KindQuestion:
		return "questions_today", "uploads_today", nil
	default:
		return "", "", fmt.Errorf("unknown quota kind %q", kind)
	}
}

func ledgerFromModel(m QuotaLedgerModel) domain.QuotaLedger {
	return domain.QuotaLedger{
		AccountID:      m.AccountID,
		UploadsToday:   m.UploadsToday,
		QuestionsToday: m.QuestionsToday,
		LastResetDate:  quota.DayOf(time.Time(m.LastResetDate)),
		UpdatedAt:      m.UpdatedAt,
	}
}

func documentToModel(d domain.DocumentSlot) DocumentSlotModel {
	return DocumentSlotModel{
		AccountID:  d.AccountID,
		ID:         d.ID,
		Filename:   d.Filename,
		Summary:    d.Summary,
		Content:    d.Content,
		Embeddings: datatypes.NewJSONType(d.Embeddings),
		StorageKey: d.StorageKey,
		SizeBytes:  d.SizeBytes,
		UploadedAt: d.UploadedAt,
	}
}

func documentFromModel(m DocumentSlotModel) domain.DocumentSlot {
	return domain.DocumentSlot{
		ID:         m.ID,
		AccountID:  m.AccountID,
		Filename:   m.Filename,
		Summary:    m.Summary,
		Content:    m.Content,
		Embeddings: m.Embeddings.Data(),
		StorageKey: m.StorageKey,
		SizeBytes:  m.SizeBytes,
		UploadedAt: m.UploadedAt,
	}
}
