package main

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"flag-review/backend/internal/neighbor"
	"flag-review/backend/internal/quality"
	"flag-review/backend/internal/store"
)

func main() {
	var (
		dbPath     = flag.String("db", filepath.FromSlash("data/flag-review.db"), "Path to SQLite database")
		csvPaths   multiFlag
		idCol      = flag.String("id-col", "", "Header of the id column (default: id, review_id, object_id)")
		textCol    = flag.String("text-col", "", "Header of the text column (default: text, review_text, review, content)")
		labelCol   = flag.String("label-col", "", "Header of the label column (default: label, flag, decision)")
		reasonCol  = flag.String("reason-col", "", "Header of the reason id column (default: reason_id, vote_reason_id)")
		keepNoise  = flag.Bool("keep-noise", false, "Keep test-like and low-quality rows")
		outputPath = flag.String("output", "", "Optional path to write a JSON summary")
	)
	flag.Var(&csvPaths, "csv", "Labelled reference CSV (repeatable)")
	flag.Parse()

	if len(csvPaths) == 0 {
		logrus.Fatal("at least one -csv file is required")
	}

	cols := neighbor.Columns{ID: *idCol, Text: *textCol, Label: *labelCol, ReasonID: *reasonCol}
	start := time.Now()

	var refs []store.ReferenceReview
	for _, path := range csvPaths {
		rows, err := neighbor.ParseCSVFile(path, cols)
		if err != nil {
			logrus.Fatalf("parse %s: %v", path, err)
		}
		logrus.WithFields(logrus.Fields{"file": path, "rows": len(rows)}).Info("reference file parsed")
		refs = append(refs, rows...)
	}

	kept, summary := clean(refs, quality.DefaultConfig(), *keepNoise)
	summary.Files = csvPaths
	logrus.WithFields(logrus.Fields{
		"read":            summary.Read,
		"kept":            summary.Kept,
		"test_like":       summary.Dropped.TestLike,
		"low_quality":     summary.Dropped.LowQuality,
		"exact_duplicate": summary.Dropped.ExactDuplicate,
		"near_duplicate":  summary.Dropped.NearDuplicate,
	}).Info("reference corpus cleaned")

	db, err := store.Open(*dbPath, true)
	if err != nil {
		logrus.Fatalf("open database: %v", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("close database")
		}
	}()

	if err := db.ReplaceReferences(kept); err != nil {
		logrus.Fatalf("store references: %v", err)
	}
	labels, err := db.ReferenceLabelCounts()
	if err != nil {
		logrus.Fatalf("count labels: %v", err)
	}
	summary.Labels = labels
	logrus.WithFields(logrus.Fields{
		"db":         *dbPath,
		"references": len(kept),
		"duration":   time.Since(start).Round(time.Millisecond),
	}).Info("reference corpus stored")

	if *outputPath != "" {
		if err := writeSummary(*outputPath, summary); err != nil {
			logrus.Fatalf("write summary: %v", err)
		}
		logrus.WithField("path", *outputPath).Info("summary written to file")
	}
}

func writeSummary(path string, summary Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}
