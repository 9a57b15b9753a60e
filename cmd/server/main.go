package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"flag-review/backend/internal/ai"
	"flag-review/backend/internal/api"
	"flag-review/backend/internal/quality"
	"flag-review/backend/internal/telemetry"
)

func main() {
	configureLogging()

	baseDir, err := os.Getwd()
	if err != nil {
		logrus.Fatalf("determine working directory: %v", err)
	}

	dataDir := filepath.Join(baseDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logrus.Fatalf("create data directory: %v", err)
	}

	aiCfg := ai.Config{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
	if temp := os.Getenv("OPENAI_TEMPERATURE"); temp != "" {
		if v, err := strconv.ParseFloat(temp, 64); err == nil {
			aiCfg.Temperature = v
		}
	}
	if maxTokens := os.Getenv("OPENAI_MAX_TOKENS"); maxTokens != "" {
		if v, err := strconv.Atoi(maxTokens); err == nil {
			aiCfg.MaxTokens = v
		}
	}
	if rps := os.Getenv("OPENAI_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			aiCfg.RequestsPerSecond = v
		}
	}
	if timeout := os.Getenv("OPENAI_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			aiCfg.Timeout = d
		}
	}

	qualityCfg := quality.DefaultConfig()
	qualityCfg.GibberishThreshold = envInt("GIBBERISH_THRESHOLD", qualityCfg.GibberishThreshold)
	qualityCfg.MinWords = envInt("MIN_WORDS", qualityCfg.MinWords)
	qualityCfg.MaxWords = envInt("MAX_WORDS", qualityCfg.MaxWords)

	cfg := api.Config{
		DBPath:         filepath.Join(dataDir, "flag-review.db"),
		RulesPath:      filepath.Join(baseDir, "configs", "rules.yml"),
		StrongBoost:    true,
		TopK:           envInt("NEIGHBOR_TOP_K", 5),
		ReferenceCSV:   strings.TrimSpace(os.Getenv("REFERENCE_CSV")),
		Quality:        qualityCfg,
		MaxTextLength:  envInt("MAX_TEXT_LENGTH", api.DefaultMaxTextLength),
		AllowedOrigins: []string{"http://localhost:8501", "http://127.0.0.1:8501"},
		AIConfig:       aiCfg,
		DisableAI:      strings.EqualFold(strings.TrimSpace(os.Getenv("DISABLE_AI")), "true"),
		Telemetry:      telemetry.NewProvider(),
	}

	if override := strings.TrimSpace(os.Getenv("FLAG_REVIEW_DB_PATH")); override != "" {
		cfg.DBPath = override
	}
	if override := strings.TrimSpace(os.Getenv("RULES_PATH")); override != "" {
		cfg.RulesPath = override
	}
	if v := strings.TrimSpace(os.Getenv("RULE_ALPHA")); v != "" {
		if alpha, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Alpha = &alpha
		} else {
			logrus.WithError(err).Warn("ignore RULE_ALPHA")
		}
	}
	if high, ok := envFloat("HIGH_THRESHOLD"); ok {
		cfg.HighThreshold = &high
	}
	if medium, ok := envFloat("MEDIUM_THRESHOLD"); ok {
		cfg.MediumThreshold = &medium
	}
	if v := strings.TrimSpace(os.Getenv("STRONG_BOOST")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrongBoost = b
		}
	}
	if origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); origins != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	server, err := api.NewServer(cfg)
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}
	defer server.Close()

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	logrus.Infof("starting flag-review backend on :%s", port)
	if err := router.Run(":" + port); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
}

func configureLogging() {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithError(err).Warn("ignore LOG_LEVEL")
		return
	}
	logrus.SetLevel(parsed)
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if val, err := strconv.Atoi(v); err == nil && val > 0 {
			return val
		}
	}
	return fallback
}

func envFloat(key string) (float64, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logrus.WithError(err).Warnf("ignore %s", key)
		return 0, false
	}
	return val, true
}
