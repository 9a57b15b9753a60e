package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// BatchReviewRow is a batch row together with its evaluation status.
type BatchReviewRow struct {
	RowIndex   int
	ExternalID string
	Text       string
	Truncated  bool
	HasResult  bool
}

// CreateBatchWithReviews inserts batch and its rows in one transaction, so
// a failed upload leaves neither behind.
func (d *Database) CreateBatchWithReviews(batch *ReviewBatch, rows []BatchReview) error {
	if batch == nil {
		return errors.New("review batch is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].BatchID = batch.ID
			if rows[i].TextKey == "" {
				rows[i].TextKey = TextKey(rows[i].Text)
			}
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}

// CountBatchReviews returns the number of rows in a batch.
func (d *Database) CountBatchReviews(batchID uint) (int, error) {
	var count int64
	if err := d.gorm.Model(&BatchReview{}).Where("batch_id = ?", batchID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CountBatchResults returns the number of batch rows that have a decision.
func (d *Database) CountBatchResults(batchID uint) (int, error) {
	var count int64
	if err := d.gorm.Model(&ModerationRecord{}).
		Where("batch_id = ?", batchID).
		Distinct("row_index").Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ListBatchReviewsForEval pages through batch rows in row order along with
// whether each already has a decision.
func (d *Database) ListBatchReviewsForEval(batchID uint, offset, limit int) ([]BatchReviewRow, error) {
	var rows []BatchReviewRow
	query := `
		SELECT br.row_index AS row_index,
		       br.external_id AS external_id,
		       br.text AS text,
		       br.truncated AS truncated,
		       CASE WHEN EXISTS (
		           SELECT 1 FROM moderation_records mr
		           WHERE mr.batch_id = br.batch_id AND mr.row_index = br.row_index
		       ) THEN 1 ELSE 0 END AS has_result
		FROM batch_reviews br
		WHERE br.batch_id = ?
		ORDER BY br.row_index
		LIMIT ? OFFSET ?`
	if err := d.gorm.Raw(query, batchID, limit, offset).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ClearBatchResults deletes every decision produced for a batch.
func (d *Database) ClearBatchResults(batchID uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Where("batch_id = ?", batchID).Delete(&ModerationRecord{}).Error
}

// UpdateBatchProcessingInfo refreshes processed counts and timestamp for a batch.
func (d *Database) UpdateBatchProcessingInfo(batchID uint) error {
	processed, err := d.CountBatchResults(batchID)
	if err != nil {
		return err
	}
	now := time.Now()
	return d.gorm.Model(&ReviewBatch{}).
		Where("id = ?", batchID).
		Updates(map[string]any{
			"processed_reviews": processed,
			"last_evaluated_at": &now,
		}).Error
}

// ListReviewBatches returns batches ordered by creation time.
func (d *Database) ListReviewBatches(offset, limit int) ([]ReviewBatch, int64, error) {
	var total int64
	if err := d.gorm.Model(&ReviewBatch{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query := d.gorm.Model(&ReviewBatch{}).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Offset(offset).Limit(limit)
	}
	var batches []ReviewBatch
	if err := query.Find(&batches).Error; err != nil {
		return nil, 0, err
	}
	return batches, total, nil
}

// GetReviewBatch retrieves a batch by ID.
func (d *Database) GetReviewBatch(batchID uint) (*ReviewBatch, error) {
	var batch ReviewBatch
	if err := d.gorm.First(&batch, batchID).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// CreateBatchRequest records a new evaluation request for a batch.
func (d *Database) CreateBatchRequest(batchID uint, requestType, status, jobID string) (*BatchRequest, error) {
	request := &BatchRequest{
		BatchID:   batchID,
		Type:      requestType,
		Status:    status,
		JobID:     jobID,
		StartedAt: time.Now(),
	}
	if err := d.gorm.Create(request).Error; err != nil {
		return nil, err
	}
	return request, nil
}

// UpdateBatchRequest updates the status and timestamps of a batch request.
func (d *Database) UpdateBatchRequest(requestID uint, status string) error {
	updates := map[string]any{"status": status}
	if status == "completed" || status == "failed" || status == "cancelled" {
		now := time.Now()
		updates["finished_at"] = &now
	}
	return d.gorm.Model(&BatchRequest{}).Where("id = ?", requestID).Updates(updates).Error
}

// GetBatchRequest fetches a batch request record by ID.
func (d *Database) GetBatchRequest(requestID uint) (*BatchRequest, error) {
	var request BatchRequest
	if err := d.gorm.First(&request, requestID).Error; err != nil {
		return nil, err
	}
	return &request, nil
}
