package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"flag-review/backend/internal/ai"
	"flag-review/backend/internal/neighbor"
	"flag-review/backend/internal/quality"
	"flag-review/backend/internal/scoring"
	"flag-review/backend/internal/store"
	"flag-review/backend/internal/telemetry"
)

// DefaultMaxTextLength bounds the characters of one review.
const DefaultMaxTextLength = 20000

// Config defines server dependencies.
type Config struct {
	DBPath    string
	SilentDB  bool
	RulesPath string
	// Alpha and the tier thresholds override the rules file when set.
	Alpha           *float64
	HighThreshold   *float64
	MediumThreshold *float64
	StrongBoost     bool
	TopK            int
	ReferenceCSV    string
	Quality         quality.Config
	MaxTextLength   int
	AllowedOrigins  []string
	AIConfig        ai.Config
	DisableAI       bool
	Telemetry       *telemetry.Provider
}

// Server wires HTTP handlers with persistence and scoring.
type Server struct {
	db             *store.Database
	engine         *scoring.RuleEngine
	rulesPath      string
	quality        quality.Config
	index          *neighbor.Index
	classifier     ai.Classifier
	llmEnabled     bool
	telemetry      *telemetry.Provider
	strongBoost    bool
	defaultTopK    int
	maxTextLength  int
	allowedOrigins []string
	evalNotifier   *EvaluationNotifier
	jobMu          sync.Mutex
	activeJob      *evaluationJob
}

// NewServer constructs the API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path required")
	}
	if strings.TrimSpace(cfg.RulesPath) == "" {
		return nil, errors.New("rules path required")
	}

	set, err := scoring.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if cfg.Alpha != nil {
		set.Alpha = cfg.Alpha
	}
	set.OverrideThresholds(cfg.HighThreshold, cfg.MediumThreshold)
	engine, err := set.Engine(scoring.DefaultAlpha)
	if err != nil {
		return nil, fmt.Errorf("rule engine: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"rules_path": cfg.RulesPath,
		"rules":      engine.RuleCount(),
		"alpha":      engine.Alpha(),
		"high":       engine.Thresholds().High,
		"medium":     engine.Thresholds().Medium,
	}).Info("rule engine ready")

	db, err := store.Open(cfg.DBPath, cfg.SilentDB)
	if err != nil {
		return nil, err
	}

	qualityCfg := cfg.Quality
	if qualityCfg == (quality.Config{}) {
		qualityCfg = quality.DefaultConfig()
	}

	var primary ai.Classifier
	if cfg.DisableAI {
		logrus.Info("LLM classifier disabled via configuration")
	} else if client, err := ai.NewClient(cfg.AIConfig); err == nil {
		primary = &retryClassifier{inner: client}
		logrus.WithField("model", cfg.AIConfig.Model).Info("LLM classifier enabled")
	} else if errors.Is(err, ai.ErrDisabled) {
		logrus.Info("LLM classifier disabled - no API key configured; using heuristic verdicts")
	} else {
		return nil, fmt.Errorf("ai client: %w", err)
	}

	server := &Server{
		db:             db,
		engine:         engine,
		rulesPath:      cfg.RulesPath,
		quality:        qualityCfg,
		index:          neighbor.NewIndex(db),
		classifier:     ai.WithFallback(primary, ai.Heuristic{}),
		llmEnabled:     primary != nil,
		telemetry:      cfg.Telemetry,
		strongBoost:    cfg.StrongBoost,
		defaultTopK:    cfg.TopK,
		maxTextLength:  cfg.MaxTextLength,
		allowedOrigins: cfg.AllowedOrigins,
		evalNotifier:   NewEvaluationNotifier(),
	}
	if server.defaultTopK <= 0 {
		server.defaultTopK = neighbor.DefaultTopK
	}
	if server.maxTextLength <= 0 {
		server.maxTextLength = DefaultMaxTextLength
	}

	if trimmed := strings.TrimSpace(cfg.ReferenceCSV); trimmed != "" {
		if err := server.loadReferences(trimmed); err != nil {
			logrus.WithError(err).Warn("load reference corpus")
		}
	}
	if server.index.Count() == 0 {
		count, err := server.index.Reload()
		if err != nil {
			logrus.WithError(err).Warn("load stored reference corpus")
		} else {
			logrus.WithField("references", count).Info("reference corpus loaded from store")
		}
	}

	return server, nil
}

// Close releases the database handle.
func (s *Server) Close() error {
	return s.db.Close()
}

// Router configures gin routes.
func (s *Server) Router() (*gin.Engine, error) {
	r := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	if len(s.allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = s.allowedOrigins
	}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsCfg))

	r.GET("/metrics", gin.WrapH(s.telemetry.Handler()))
	r.GET("/api/healthz", s.handleHealth)
	r.GET("/api/config", s.handleConfig)

	api := r.Group("/api")
	{
		api.POST("/moderate", s.handleModerate)
		api.POST("/classify", s.handleClassify)
		api.GET("/queue", s.handleQueue)
		api.GET("/queue/:id", s.handleGetRecord)
		api.POST("/queue/:id/action", s.handleQueueAction)
		api.POST("/queue/bulk", s.handleQueueBulk)
		api.GET("/references", s.handleReferenceStats)
		api.POST("/references/reload", s.handleReloadReferences)
		api.GET("/batches", s.handleListBatches)
		api.GET("/batches/:id", s.handleGetBatch)
		api.GET("/batches/:id/results", s.handleBatchResults)
		api.GET("/requests/:id/status", s.handleRequestStatus)
		api.POST("/upload", s.handleUpload)
		api.POST("/evaluate", s.handleEvaluate)
		api.GET("/evaluate/status", s.handleEvaluateStatus)
		api.DELETE("/evaluate/:jobID", s.handleCancelEvaluate)
		api.GET("/evaluate/stream", s.handleEvaluateStream)
		api.GET("/results", s.handleResults)
		api.GET("/export.csv", s.handleExportCSV)
		api.GET("/export.json", s.handleExportJSON)
	}

	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleConfig(c *gin.Context) {
	references, err := s.db.CountReferences()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rules_path":         s.rulesPath,
		"rule_count":         s.engine.RuleCount(),
		"alpha":              s.engine.Alpha(),
		"beta":               round3(1 - s.engine.Alpha()),
		"thresholds":         s.engine.Thresholds(),
		"strong_boost":       s.strongBoost,
		"top_k":              s.defaultTopK,
		"max_text_length":    s.maxTextLength,
		"reference_count":    references,
		"indexed_references": s.index.Count(),
		"quality":            s.quality,
		"ai_enabled":         s.llmEnabled,
	})
}

func (s *Server) loadReferences(path string) error {
	keep := func(ref store.ReferenceReview) bool {
		a := s.quality.Assess(ref.Text)
		return !a.TestLike && !a.LowQuality
	}
	count, err := s.index.LoadFromCSV(path, keep)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"path":       path,
		"references": count,
	}).Info("reference corpus loaded")
	return nil
}

func (s *Server) handleReferenceStats(c *gin.Context) {
	labels, err := s.db.ReferenceLabelCounts()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	total, err := s.db.CountReferences()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "indexed": s.index.Count(), "labels": labels})
}

func (s *Server) handleReloadReferences(c *gin.Context) {
	count, err := s.index.Reload()
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	logrus.WithField("references", count).Info("reference corpus reloaded")
	c.JSON(http.StatusOK, gin.H{"references": count, "indexed": s.index.Count()})
}

func (s *Server) handleListBatches(c *gin.Context) {
	page, pageSize := pagination(c, 25)
	rows, total, err := s.db.ListReviewBatches(page*pageSize, pageSize)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]BatchDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, BatchFromModel(row))
	}
	c.JSON(http.StatusOK, BatchesResponse{Items: dtos, Total: total})
}

func (s *Server) handleGetBatch(c *gin.Context) {
	batch, ok := s.lookupBatch(c)
	if !ok {
		return
	}
	processed, err := s.db.CountBatchResults(batch.ID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dto := BatchFromModel(*batch)
	dto.ProcessedReviews = processed
	c.JSON(http.StatusOK, dto)
}

func (s *Server) handleBatchResults(c *gin.Context) {
	batch, ok := s.lookupBatch(c)
	if !ok {
		return
	}
	s.renderResults(c, batch.ID)
}

func (s *Server) lookupBatch(c *gin.Context) (*store.ReviewBatch, bool) {
	batchID, err := parseUintParam(c.Param("id"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return nil, false
	}
	batch, err := s.db.GetReviewBatch(batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("batch %d not found", batchID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return batch, true
}

func (s *Server) handleRequestStatus(c *gin.Context) {
	requestID, err := parseUintParam(c.Param("id"))
	if err != nil {
		s.renderError(c, http.StatusBadRequest, err)
		return
	}

	request, err := s.db.GetBatchRequest(requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.renderError(c, http.StatusNotFound, fmt.Errorf("request %d not found", requestID))
		} else {
			s.renderError(c, http.StatusInternalServerError, err)
		}
		return
	}

	c.JSON(http.StatusOK, BatchRequestFromModel(*request))
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req EvaluateRequest
	if c.Request.Body != nil {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			s.renderError(c, http.StatusBadRequest, err)
			return
		}
	}

	if req.BatchID == 0 {
		s.renderError(c, http.StatusBadRequest, errors.New("batch_id is required"))
		return
	}

	batch, err := s.db.GetReviewBatch(req.BatchID)
	if err != nil {
		s.renderError(c, http.StatusNotFound, fmt.Errorf("batch %d not found", req.BatchID))
		return
	}

	total, err := s.db.CountBatchReviews(batch.ID)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	if total == 0 {
		s.renderError(c, http.StatusBadRequest, errors.New("batch has no reviews to evaluate"))
		return
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.activeJob != nil {
		s.renderError(c, http.StatusConflict, errors.New("evaluation already running"))
		return
	}

	job, err := s.startEvaluation(req, batch, int64(total))
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, StartEvaluationResponse{
		JobID:     job.id,
		BatchID:   batch.ID,
		RequestID: job.requestID,
		Total:     job.total,
		StartedAt: job.startedAt,
	})
}

func (s *Server) handleCancelEvaluate(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("jobID"))
	if jobID == "" {
		s.renderError(c, http.StatusBadRequest, errors.New("job id required"))
		return
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.activeJob == nil {
		s.renderError(c, http.StatusNotFound, errors.New("no evaluation running"))
		return
	}
	if s.activeJob.id != jobID {
		s.renderError(c, http.StatusNotFound, errors.New("job not found"))
		return
	}

	s.activeJob.cancel()
	logrus.WithField("job", jobID).Info("evaluation cancellation requested")
	s.evalNotifier.Broadcast(EvaluationEvent{
		Type:    "progress",
		JobID:   s.activeJob.id,
		BatchID: s.activeJob.batchID,
		Total:   s.activeJob.total,
		Message: "cancellation requested",
	})

	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handleEvaluateStatus(c *gin.Context) {
	s.jobMu.Lock()
	job := s.activeJob
	s.jobMu.Unlock()

	resp := EvaluateStatusResponse{Running: job != nil}
	if job != nil {
		resp.JobID = job.id
		resp.BatchID = job.batchID
		resp.RequestID = job.requestID
		resp.Total = job.total
	}

	if status := s.evalNotifier.LastStatus(); status != nil {
		resp.State = status.Type
		resp.Message = status.Message
		if resp.JobID == "" {
			resp.JobID = status.JobID
		}
		if status.Processed != 0 {
			resp.Processed = status.Processed
		}
		if status.Total != 0 {
			resp.Total = status.Total
		}
		if status.BatchID != 0 {
			resp.BatchID = status.BatchID
		}
		resp.LastRecord = status.Record
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEvaluateStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		HandshakeTimeout:  5 * time.Second,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("upgrade websocket")
		return
	}

	client := s.evalNotifier.Register(conn)
	logrus.WithField("remote", conn.RemoteAddr().String()).Info("evaluation websocket connected")
	defer s.evalNotifier.Unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("remote", conn.RemoteAddr().String()).Info("evaluation websocket closed")
			} else {
				logrus.WithError(err).Warn("evaluation websocket unexpected close")
			}
			break
		}
	}
}

func (s *Server) handleResults(c *gin.Context) {
	batchID, ok := s.batchIDQuery(c)
	if !ok {
		return
	}
	s.renderResults(c, batchID)
}

func (s *Server) renderResults(c *gin.Context, batchID uint) {
	page, pageSize := pagination(c, 100)
	minScore, _ := strconv.ParseFloat(c.Query("minScore"), 64)

	query := store.ModerationQuery{
		Query:     strings.TrimSpace(c.Query("q")),
		Status:    strings.TrimSpace(c.Query("status")),
		RiskLevel: strings.TrimSpace(c.Query("risk")),
		MinScore:  minScore,
		Sort:      strings.TrimSpace(c.Query("sort")),
		Offset:    page * pageSize,
		Limit:     pageSize,
		BatchID:   batchID,
	}
	if v, ok := boolQuery(c, "test_like"); ok {
		query.TestLike = &v
	}
	if v, ok := boolQuery(c, "low_quality"); ok {
		query.LowQuality = &v
	}

	rows, total, err := s.db.ListModerationRecords(query)
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return
	}
	dtos := make([]RecordDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, RecordFromModel(row, false))
	}
	c.JSON(http.StatusOK, RecordsResponse{Items: dtos, Total: total})
}

func (s *Server) exportRows(c *gin.Context) ([]store.ModerationRecord, bool) {
	batchID, ok := s.batchIDQuery(c)
	if !ok {
		return nil, false
	}
	rows, _, err := s.db.ListModerationRecords(store.ModerationQuery{Limit: -1, BatchID: batchID, Sort: "row_asc"})
	if err != nil {
		s.renderError(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return rows, true
}

func (s *Server) handleExportCSV(c *gin.Context) {
	rows, ok := s.exportRows(c)
	if !ok {
		return
	}

	c.Header("Content-Disposition", "attachment; filename=flag-review-export.csv")
	c.Header("Content-Type", "text/csv")

	writer := csv.NewWriter(c.Writer)
	headers := []string{"id", "batch_id", "row_index", "external_id", "text", "final_score", "rule_score", "neighbor_conf", "risk_level", "strong_boost", "likely_reasons", "test_like", "low_quality", "gibberish_score", "llm_flag", "llm_reason", "status"}
	if err := writer.Write(headers); err != nil {
		return
	}
	for _, row := range rows {
		dto := RecordFromModel(row, false)
		reasons := make([]string, 0, len(dto.LikelyReasons))
		for _, r := range dto.LikelyReasons {
			reasons = append(reasons, r.ReasonLabel)
		}
		llmFlag := ""
		if dto.LLMFlag != nil {
			llmFlag = strconv.FormatBool(*dto.LLMFlag)
		}
		line := []string{
			strconv.FormatUint(uint64(dto.ID), 10),
			strconv.FormatUint(uint64(dto.BatchID), 10),
			strconv.Itoa(dto.RowIndex),
			dto.ExternalID,
			dto.Text,
			fmt.Sprintf("%.3f", dto.FinalScore),
			fmt.Sprintf("%.3f", dto.RuleScore),
			fmt.Sprintf("%.3f", dto.NeighborConf),
			dto.RiskLevel,
			strconv.FormatBool(dto.StrongBoost),
			strings.Join(reasons, "|"),
			strconv.FormatBool(dto.TestLike),
			strconv.FormatBool(dto.LowQuality),
			strconv.Itoa(dto.GibberishScore),
			llmFlag,
			dto.LLMReason,
			dto.Status,
		}
		if err := writer.Write(line); err != nil {
			return
		}
	}
	writer.Flush()
}

func (s *Server) handleExportJSON(c *gin.Context) {
	rows, ok := s.exportRows(c)
	if !ok {
		return
	}
	dtos := make([]RecordDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, RecordFromModel(row, true))
	}
	c.Header("Content-Disposition", "attachment; filename=flag-review-export.json")
	c.JSON(http.StatusOK, dtos)
}

func (s *Server) renderError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) batchIDQuery(c *gin.Context) (uint, bool) {
	value := strings.TrimSpace(firstNonEmpty(c.Query("batch_id"), c.Query("batchId")))
	if value == "" {
		return 0, true
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		s.renderError(c, http.StatusBadRequest, fmt.Errorf("invalid batch_id: %s", value))
		return 0, false
	}
	return uint(parsed), true
}

func pagination(c *gin.Context, defaultSize int) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 0 {
		page = 0
	}
	pageSize, _ := strconv.Atoi(c.Query("pageSize"))
	if pageSize <= 0 {
		pageSize = defaultSize
	}
	return page, pageSize
}

func boolQuery(c *gin.Context, key string) (bool, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func parseUintParam(value string) (uint, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("identifier is required")
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier: %w", err)
	}
	if parsed == 0 {
		return 0, errors.New("identifier must be greater than zero")
	}
	return uint(parsed), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
