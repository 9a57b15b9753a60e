package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"flag-review/backend/internal/neighbor"
	"flag-review/backend/internal/store"
)

func (s *Server) handleUpload(c *gin.Context) {
	batchName := strings.TrimSpace(c.PostForm("batch_name"))
	if batchName == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("batch_name is required"))
		return
	}
	ownerName := strings.TrimSpace(c.PostForm("owner_name"))
	if ownerName == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("owner_name is required"))
		return
	}

	fileHeader, err := c.FormFile("reviews")
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, http.ErrMissingFile) {
			s.renderError(c, status, errors.New("reviews csv file is required"))
		} else {
			s.renderError(c, status, err)
		}
		return
	}

	path, cleanup, err := saveFormFile(fileHeader)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	parsed, err := parseReviewCSV(path, s.maxTextLength)
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}
	if parsed.rowCount == 0 {
		s.renderError(c, http.StatusBadRequest, errors.New("no reviews detected in csv"))
		return
	}

	batch := &store.ReviewBatch{
		Name:             batchName,
		Owner:            ownerName,
		OriginalFilename: fileHeader.Filename,
		RowCount:         parsed.rowCount,
		UniqueReviews:    parsed.unique,
		DuplicateRows:    parsed.duplicateRows,
		TruncatedRows:    parsed.truncatedRows,
	}
	if err := s.db.CreateBatchWithReviews(batch, parsed.rows); err != nil {
		s.renderError(c, http.StatusInternalServerError, fmt.Errorf("store batch: %w", err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"batch_id":  batch.ID,
		"rows":      parsed.rowCount,
		"unique":    parsed.unique,
		"truncated": parsed.truncatedRows,
	}).Info("review batch uploaded")

	c.JSON(http.StatusOK, UploadResponse{
		BatchID:       batch.ID,
		BatchName:     batch.Name,
		Owner:         batch.Owner,
		RowCount:      parsed.rowCount,
		UniqueReviews: parsed.unique,
		DuplicateRows: parsed.duplicateRows,
		TruncatedRows: parsed.truncatedRows,
	})
}

func saveFormFile(header *multipart.FileHeader) (string, func(), error) {
	if header == nil {
		return "", nil, errors.New("file header is nil")
	}
	src, err := header.Open()
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	return copyToTemp(src, filepath.Ext(header.Filename))
}

// copyToTemp writes src to a new temp file. The file is removed on any
// error.
func copyToTemp(src io.Reader, ext string) (string, func(), error) {
	tmp, err := os.CreateTemp("", "upload-*"+ext)
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	return tmp.Name(), cleanup, nil
}

type reviewParseResult struct {
	rows          []store.BatchReview
	rowCount      int
	unique        int
	duplicateRows int
	truncatedRows int
}

// parseReviewCSV reads an uploaded batch. Columns are located the same way
// as for the reference corpus; label columns are ignored. Texts longer
// than maxLen runes are truncated.
func parseReviewCSV(path string, maxLen int) (*reviewParseResult, error) {
	refs, err := neighbor.ParseCSVFile(path, neighbor.Columns{})
	if err != nil {
		return nil, err
	}

	out := &reviewParseResult{rows: make([]store.BatchReview, 0, len(refs))}
	seen := make(map[string]struct{}, len(refs))
	for i, ref := range refs {
		text, truncated := truncateRunes(ref.Text, maxLen)
		if truncated {
			out.truncatedRows++
		}
		key := store.TextKey(text)
		if _, dup := seen[key]; dup {
			out.duplicateRows++
		} else {
			seen[key] = struct{}{}
		}
		out.rows = append(out.rows, store.BatchReview{
			RowIndex:   i + 1,
			ExternalID: ref.ExternalID,
			Text:       text,
			TextKey:    key,
			Truncated:  truncated,
		})
	}
	out.rowCount = len(out.rows)
	out.unique = len(seen)
	return out, nil
}
