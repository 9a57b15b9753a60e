package neighbor

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"flag-review/backend/internal/store"
)

// Columns names the CSV header columns to read. Empty fields fall back to
// the usual aliases.
type Columns struct {
	ID       string
	Text     string
	Label    string
	ReasonID string
}

var (
	idAliases     = []string{"id", "review_id", "object_id"}
	textAliases   = []string{"text", "review_text", "review", "content"}
	labelAliases  = []string{"label", "flag", "decision"}
	reasonAliases = []string{"reason_id", "vote_reason_id"}
)

type columnIndex struct {
	id, text, label, reason int
}

// ParseCSVFile reads a labelled reference corpus from path.
func ParseCSVFile(path string, cols Columns) ([]store.ReferenceReview, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("reference csv path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference csv: %w", err)
	}
	defer f.Close()
	return ParseCSV(bufio.NewReader(f), cols)
}

// ParseCSV reads reference rows. With a recognizable header the columns
// are located by name; otherwise rows are read positionally as
// id,text,label,reason_id. Rows without text are skipped.
func ParseCSV(r io.Reader, cols Columns) ([]store.ReferenceReview, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		idx             = columnIndex{id: 0, text: 1, label: 2, reason: 3}
		headerProcessed bool
		refs            []store.ReferenceReview
		line            int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read reference csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		if !headerProcessed {
			headerProcessed = true
			if found, ok := detectColumns(record, cols); ok {
				idx = found
				continue
			}
			if len(record) == 1 {
				idx = columnIndex{id: -1, text: 0, label: -1, reason: -1}
			}
		}
		line++

		text := strings.TrimSpace(field(record, idx.text))
		if text == "" {
			continue
		}
		ref := store.ReferenceReview{
			ExternalID: strings.TrimSpace(field(record, idx.id)),
			Text:       text,
			Label:      strings.ToLower(strings.TrimSpace(field(record, idx.label))),
		}
		if ref.ExternalID == "" {
			ref.ExternalID = strconv.Itoa(line)
		}
		if raw := strings.TrimSpace(field(record, idx.reason)); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				ref.ReasonID = int(v)
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func detectColumns(header []string, cols Columns) (columnIndex, bool) {
	names := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := names[key]; !dup {
			names[key] = i
		}
	}
	lookup := func(override string, aliases []string) int {
		if o := strings.ToLower(strings.TrimSpace(override)); o != "" {
			if i, ok := names[o]; ok {
				return i
			}
			return -1
		}
		for _, a := range aliases {
			if i, ok := names[a]; ok {
				return i
			}
		}
		return -1
	}
	idx := columnIndex{
		id:     lookup(cols.ID, idAliases),
		text:   lookup(cols.Text, textAliases),
		label:  lookup(cols.Label, labelAliases),
		reason: lookup(cols.ReasonID, reasonAliases),
	}
	return idx, idx.text >= 0
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}
