package store

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"flag-review/backend/internal/normalize"
)

// Database wraps the GORM DB handle and exposes repository helpers.
type Database struct {
	gorm *gorm.DB
	mu   sync.Mutex
}

// Open initializes the SQLite-backed database at the provided path.
func Open(path string, silent bool) (*Database, error) {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&ModerationRecord{}, &ReviewBatch{}, &BatchReview{}, &BatchRequest{}, &ReferenceReview{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		logrus.WithError(err).Warn("enable WAL mode")
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil {
		logrus.WithError(err).Warn("set synchronous pragma")
	}
	if err := applyIndexes(db); err != nil {
		return nil, fmt.Errorf("apply indexes: %w", err)
	}
	return &Database{gorm: db}, nil
}

// GORM exposes the raw gorm.DB handle.
func (d *Database) GORM() *gorm.DB {
	return d.gorm
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	if d == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// TextKey is the stable identity of a review text: a hash of its
// exact-match normal form.
func TextKey(text string) string {
	sum := sha1.Sum([]byte(normalize.ForExact(text)))
	return hex.EncodeToString(sum[:])
}

func applyIndexes(db *gorm.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_moderation_batch_row ON moderation_records(batch_id, row_index)",
		"CREATE INDEX IF NOT EXISTS idx_moderation_status_created ON moderation_records(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_batch_reviews_batch_row ON batch_reviews(batch_id, row_index)",
		"CREATE INDEX IF NOT EXISTS idx_reference_reviews_label ON reference_reviews(label, reason_id)",
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// SaveModerationRecord persists a decision. Batch records replace any
// earlier result for the same batch row.
func (d *Database) SaveModerationRecord(rec *ModerationRecord) error {
	if rec == nil {
		return errors.New("moderation record is nil")
	}
	if rec.TextKey == "" {
		rec.TextKey = TextKey(rec.Text)
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec.BatchID == 0 {
		return d.gorm.Create(rec).Error
	}
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ? AND row_index = ?", rec.BatchID, rec.RowIndex).
			Delete(&ModerationRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
}

// GetModerationRecord fetches a record by ID.
func (d *Database) GetModerationRecord(id uint) (*ModerationRecord, error) {
	var rec ModerationRecord
	if err := d.gorm.First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecordStatus moves the given records to status and stamps the
// review time. It returns the number of rows changed.
func (d *Database) UpdateRecordStatus(ids []uint, status string) (int64, error) {
	if !ValidStatus(status) {
		return 0, fmt.Errorf("unknown status %q", status)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	updates := map[string]any{"status": status, "reviewed_at": nil}
	if status != StatusPending {
		now := time.Now()
		updates["reviewed_at"] = &now
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.gorm.Model(&ModerationRecord{}).Where("id IN ?", ids).Updates(updates)
	return res.RowsAffected, res.Error
}

// ModerationQuery encapsulates filters and pagination for listing records.
type ModerationQuery struct {
	Query      string
	Status     string
	RiskLevel  string
	BatchID    uint
	TestLike   *bool
	LowQuality *bool
	MinScore   float64
	Sort       string
	Offset     int
	Limit      int
}

// ListModerationRecords returns paginated records applying optional filters.
func (d *Database) ListModerationRecords(opts ModerationQuery) ([]ModerationRecord, int64, error) {
	var total int64
	base := d.gorm.Model(&ModerationRecord{})
	if opts.BatchID > 0 {
		base = base.Where("batch_id = ?", opts.BatchID)
	}
	if q := strings.TrimSpace(opts.Query); q != "" {
		like := fmt.Sprintf("%%%s%%", q)
		base = base.Where("text LIKE ? OR external_id LIKE ?", like, like)
	}
	if status := strings.TrimSpace(opts.Status); status != "" {
		base = base.Where("status = ?", strings.ToLower(status))
	}
	if risk := strings.TrimSpace(opts.RiskLevel); risk != "" {
		base = base.Where("risk_level = ?", strings.ToUpper(risk))
	}
	if opts.TestLike != nil {
		base = base.Where("test_like = ?", *opts.TestLike)
	}
	if opts.LowQuality != nil {
		base = base.Where("low_quality = ?", *opts.LowQuality)
	}
	if opts.MinScore > 0 {
		base = base.Where("final_score >= ?", opts.MinScore)
	}

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	queryBuilder := base.Order(orderForSort(opts.Sort)).Offset(opts.Offset)
	if opts.Limit > 0 {
		queryBuilder = queryBuilder.Limit(opts.Limit)
	}

	var rows []ModerationRecord
	if err := queryBuilder.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func orderForSort(sort string) string {
	switch strings.ToLower(strings.TrimSpace(sort)) {
	case "score_desc":
		return "final_score DESC, id DESC"
	case "score_asc":
		return "final_score ASC, id DESC"
	case "row_asc":
		return "batch_id ASC, row_index ASC"
	case "created_asc":
		return "created_at ASC"
	case "created_desc":
		return "created_at DESC"
	default:
		return "id DESC"
	}
}

// QueueCounts returns the number of records per status.
func (d *Database) QueueCounts() (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	if err := d.gorm.Model(&ModerationRecord{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := map[string]int64{
		StatusPending:     0,
		StatusApproved:    0,
		StatusNeedsReview: 0,
		StatusRejected:    0,
	}
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}
