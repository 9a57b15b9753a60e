package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flag-review/backend/internal/ai"
	"flag-review/backend/internal/scoring"
	"flag-review/backend/internal/store"
)

const (
	evaluationThrottle = 500 * time.Millisecond
	defaultChunkSize   = 1000
	maxChunkSize       = 5000
)

// evaluationJob tracks the state of a running evaluation.
type evaluationJob struct {
	id        string
	cancel    context.CancelFunc
	startedAt time.Time
	total     int64
	batchID   uint
	batchName string
	requestID uint
}

type reviewTask struct {
	RowIndex   int
	ExternalID string
	Text       string
	Truncated  bool
}

type reviewResult struct {
	Record store.ModerationRecord
	Err    error
}

// startEvaluation launches a new asynchronous evaluation job. The caller must
// hold s.jobMu prior to invoking this function.
func (s *Server) startEvaluation(req EvaluateRequest, batch *store.ReviewBatch, total int64) (*evaluationJob, error) {
	if s.activeJob != nil {
		return nil, errors.New("evaluation already running")
	}

	requestType := "evaluate"
	switch {
	case req.Force:
		requestType = "force"
	case req.Resume:
		requestType = "resume"
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &evaluationJob{
		id:        uuid.NewString(),
		cancel:    cancel,
		startedAt: time.Now().UTC(),
		total:     total,
		batchID:   batch.ID,
		batchName: batch.Name,
	}

	request, err := s.db.CreateBatchRequest(batch.ID, requestType, "running", job.id)
	if err != nil {
		job.cancel()
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	job.requestID = request.ID

	s.activeJob = job
	go s.runEvaluation(ctx, job, req)
	return job, nil
}

func (s *Server) runEvaluation(ctx context.Context, job *evaluationJob, req EvaluateRequest) {
	finishStatus := "completed"
	var finishErr error

	defer func() {
		if job.requestID != 0 {
			status := finishStatus
			if finishErr != nil && status == "completed" {
				status = "failed"
			}
			if err := s.db.UpdateBatchRequest(job.requestID, status); err != nil {
				logrus.WithError(err).WithField("batch_id", job.batchID).Warn("update batch request")
			}
		}
		if err := s.db.UpdateBatchProcessingInfo(job.batchID); err != nil {
			logrus.WithError(err).WithField("batch_id", job.batchID).Warn("refresh batch processing info")
		}
		s.telemetry.SetActiveWorkers(0)
		s.jobMu.Lock()
		s.activeJob = nil
		s.jobMu.Unlock()
	}()

	fail := func(err error, msg string) {
		finishStatus = "failed"
		finishErr = err
		s.evalNotifier.Broadcast(EvaluationEvent{
			Type:    "error",
			JobID:   job.id,
			BatchID: job.batchID,
			Message: fmt.Sprintf("%s: %v", msg, err),
		})
		logrus.WithError(err).WithField("job", job.id).Error(msg)
		job.cancel()
	}

	if job.total <= 0 {
		finishStatus = "failed"
		s.evalNotifier.Broadcast(EvaluationEvent{
			Type:    "error",
			JobID:   job.id,
			BatchID: job.batchID,
			Message: "no reviews available for evaluation",
		})
		return
	}

	if req.Force {
		if err := s.db.ClearBatchResults(job.batchID); err != nil {
			fail(err, "clear batch results")
			return
		}
	}

	skipExisting := req.Resume && !req.Force
	totalProcessed := 0
	if skipExisting {
		done, err := s.db.CountBatchResults(job.batchID)
		if err != nil {
			fail(err, "count existing results")
			return
		}
		totalProcessed = done
	}

	useLLM := req.UseLLM && s.classifier != nil
	logrus.WithFields(logrus.Fields{
		"job":        job.id,
		"batch_id":   job.batchID,
		"batch_name": job.batchName,
		"total":      job.total,
		"processed":  totalProcessed,
		"resume":     req.Resume,
		"force":      req.Force,
		"use_llm":    useLLM,
	}).Info("evaluation job started")

	s.evalNotifier.Broadcast(EvaluationEvent{
		Type:      "started",
		JobID:     job.id,
		BatchID:   job.batchID,
		Total:     job.total,
		Processed: totalProcessed,
		Message:   "evaluation started",
	})

	workerCount := scoring.DefaultWorkers()
	s.telemetry.SetActiveWorkers(workerCount)
	logrus.WithFields(logrus.Fields{
		"job":      job.id,
		"batch_id": job.batchID,
		"workers":  workerCount,
	}).Info("evaluation worker pool configured")

	chunkSize := req.Limit
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize > maxChunkSize {
		chunkSize = maxChunkSize
	}

	taskCh := make(chan reviewTask, workerCount*4)
	resultCh := make(chan reviewResult, workerCount*4)
	errCh := make(chan error, 1)

	var (
		lastEmit     time.Time
		hasPending   bool
		pendingEvent EvaluationEvent
	)

	flush := func(force bool) {
		if !hasPending {
			return
		}
		if !force && !lastEmit.IsZero() && time.Since(lastEmit) < evaluationThrottle {
			return
		}
		ev := pendingEvent
		s.evalNotifier.Broadcast(ev)
		lastEmit = time.Now()
		logrus.WithFields(logrus.Fields{
			"job":       job.id,
			"batch_id":  job.batchID,
			"type":      ev.Type,
			"processed": ev.Processed,
			"total":     job.total,
		}).Debug("broadcast evaluation event")
		hasPending = false
	}

	var workerWG sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			for task := range taskCh {
				if ctx.Err() != nil {
					return
				}
				res := s.evaluateReview(ctx, job.batchID, task, useLLM)
				select {
				case resultCh <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		workerWG.Wait()
		close(resultCh)
	}()

	go func() {
		defer close(taskCh)
		defer close(errCh)
		offset := req.Offset
		for {
			if ctx.Err() != nil {
				return
			}
			rows, err := s.db.ListBatchReviewsForEval(job.batchID, offset, chunkSize)
			if err != nil {
				errCh <- fmt.Errorf("list batch reviews: %w", err)
				return
			}
			if len(rows) == 0 {
				return
			}
			for _, row := range rows {
				if skipExisting && row.HasResult {
					continue
				}
				select {
				case taskCh <- reviewTask{RowIndex: row.RowIndex, ExternalID: row.ExternalID, Text: row.Text, Truncated: row.Truncated}:
				case <-ctx.Done():
					return
				}
			}
			offset += len(rows)
			if len(rows) < chunkSize {
				return
			}
		}
	}()

	activeResultCh := resultCh
	activeErrCh := errCh

	for activeResultCh != nil || activeErrCh != nil {
		select {
		case <-ctx.Done():
			if finishStatus == "failed" {
				return
			}
			flush(true)
			finishStatus = "cancelled"
			s.evalNotifier.Broadcast(EvaluationEvent{
				Type:      "cancelled",
				JobID:     job.id,
				BatchID:   job.batchID,
				Total:     job.total,
				Processed: totalProcessed,
				Message:   "evaluation cancelled",
			})
			logrus.WithField("job", job.id).WithField("batch_id", job.batchID).Warn("evaluation job cancelled via context")
			return
		case err, ok := <-activeErrCh:
			if !ok {
				activeErrCh = nil
				continue
			}
			if err != nil {
				flush(true)
				fail(err, "list batch reviews")
				return
			}
		case res, ok := <-activeResultCh:
			if !ok {
				activeResultCh = nil
				continue
			}
			if res.Err != nil {
				s.telemetry.RecordBatchRecord(false)
				flush(true)
				fail(res.Err, "evaluate review")
				return
			}

			rec := res.Record
			if err := s.db.SaveModerationRecord(&rec); err != nil {
				s.telemetry.RecordBatchRecord(false)
				flush(true)
				fail(err, "save moderation record")
				return
			}
			s.telemetry.RecordBatchRecord(true)

			dto := RecordFromModel(rec, false)
			totalProcessed++
			pendingEvent = EvaluationEvent{
				Type:      "evaluation",
				JobID:     job.id,
				BatchID:   job.batchID,
				Total:     job.total,
				Processed: totalProcessed,
				Record:    &dto,
			}
			hasPending = true
			logrus.WithFields(logrus.Fields{
				"job":           job.id,
				"batch_id":      job.batchID,
				"row_index":     rec.RowIndex,
				"risk_level":    rec.RiskLevel,
				"processing_ms": rec.ProcessingTimeMs,
			}).Debug("review evaluated")
			flush(false)
		}
	}

	job.cancel()
	flush(true)

	duration := time.Since(job.startedAt).Round(time.Millisecond)
	s.evalNotifier.Broadcast(EvaluationEvent{
		Type:      "complete",
		JobID:     job.id,
		BatchID:   job.batchID,
		Total:     job.total,
		Processed: totalProcessed,
		Message:   fmt.Sprintf("evaluation finished in %s", duration),
	})
	logrus.WithFields(logrus.Fields{
		"job":       job.id,
		"batch_id":  job.batchID,
		"processed": totalProcessed,
		"duration":  duration,
	}).Info("evaluation job completed")
}

func (s *Server) evaluateReview(ctx context.Context, batchID uint, task reviewTask, useLLM bool) reviewResult {
	if err := ctx.Err(); err != nil {
		return reviewResult{Err: err}
	}

	res := s.assess(task.Text, s.defaultTopK, s.strongBoost)
	rec := res.record()
	rec.BatchID = batchID
	rec.RowIndex = task.RowIndex
	rec.ExternalID = task.ExternalID
	rec.Truncated = rec.Truncated || task.Truncated

	if useLLM {
		verdict, err := s.classifier.Classify(ctx, ai.Input{
			Text:         res.Text,
			Decision:     res.Decision,
			SimilarCases: res.similarCases(),
		})
		s.telemetry.RecordClassifierCall(verdict.Source, err)
		switch {
		case err == nil:
			flag := verdict.Flag
			rec.LLMFlag = &flag
			rec.LLMReason = verdict.Reason
			rec.LLMPolicyRef = verdict.PolicyRef
			rec.LLMSource = verdict.Source
		case ctx.Err() != nil:
			return reviewResult{Err: ctx.Err()}
		default:
			logrus.WithError(err).WithField("row_index", task.RowIndex).Warn("classify review")
		}
	}
	res.Timer.Lap("classify")
	rec.ProcessingTimeMs = res.Timer.ElapsedMs()
	return reviewResult{Record: rec}
}
