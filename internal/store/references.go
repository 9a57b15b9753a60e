package store

import (
	"errors"

	"gorm.io/gorm"
)

// LabelCount is the number of reference cases carrying one label.
type LabelCount struct {
	Label string `json:"label"`
	Total int64  `json:"total"`
}

// ReplaceReferences swaps the reference corpus with refs.
func (d *Database) ReplaceReferences(refs []ReferenceReview) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gorm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ReferenceReview{}).Error; err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		for i := range refs {
			refs[i].ID = 0
			if refs[i].TextKey == "" {
				refs[i].TextKey = TextKey(refs[i].Text)
			}
		}
		const batchSize = 250
		for start := 0; start < len(refs); start += batchSize {
			end := start + batchSize
			if end > len(refs) {
				end = len(refs)
			}
			if err := tx.CreateInBatches(refs[start:end], batchSize).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListReferences returns the whole reference corpus in insertion order.
func (d *Database) ListReferences() ([]ReferenceReview, error) {
	if d == nil {
		return nil, errors.New("database is nil")
	}
	var refs []ReferenceReview
	if err := d.gorm.Order("id ASC").Find(&refs).Error; err != nil {
		return nil, err
	}
	return refs, nil
}

// CountReferences returns the size of the reference corpus.
func (d *Database) CountReferences() (int64, error) {
	var count int64
	if err := d.gorm.Model(&ReferenceReview{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// ReferenceLabelCounts aggregates the corpus by label, most common first.
func (d *Database) ReferenceLabelCounts() ([]LabelCount, error) {
	if d == nil {
		return nil, errors.New("database is nil")
	}
	var out []LabelCount
	if err := d.gorm.Model(&ReferenceReview{}).
		Select("label, COUNT(*) AS total").
		Group("label").
		Order("total DESC, label ASC").
		Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
