// Package neighbor finds labelled reference reviews lexically similar to a
// query text and turns their similarities into a confidence score.
package neighbor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"flag-review/backend/internal/normalize"
	"flag-review/backend/internal/store"
)

// Calibration bounds for mapping mean similarity to confidence.
const (
	CalibrationLow  = 0.25
	CalibrationHigh = 0.85
	DefaultTopK     = 5
)

// ErrEmptyIndex is returned by Search when no reference cases are loaded.
var ErrEmptyIndex = errors.New("reference index is empty")

// Neighbor is one similar reference case.
type Neighbor struct {
	ReferenceID uint    `json:"reference_id"`
	ExternalID  string  `json:"external_id"`
	Label       string  `json:"label"`
	ReasonID    int     `json:"reason_id"`
	Text        string  `json:"text"`
	Similarity  float64 `json:"similarity"`
}

// Result is the outcome of one similarity search.
type Result struct {
	Confidence float64    `json:"confidence"`
	Neighbors  []Neighbor `json:"neighbors"`
}

type document struct {
	ref  store.ReferenceReview
	vec  map[string]float64
	norm float64
}

// Index holds the reference corpus in memory as term-frequency vectors.
// Reads are concurrent; Reload and LoadFromCSV swap the corpus atomically.
type Index struct {
	db   *store.Database
	mu   sync.RWMutex
	docs []document
}

// NewIndex returns an empty index backed by db.
func NewIndex(db *store.Database) *Index {
	return &Index{db: db}
}

// Reload rebuilds the in-memory vectors from the stored corpus.
func (i *Index) Reload() (int, error) {
	refs, err := i.db.ListReferences()
	if err != nil {
		return 0, fmt.Errorf("list references: %w", err)
	}
	i.Replace(refs)
	return len(refs), nil
}

// LoadFromCSV parses a reference CSV, keeps the rows accepted by keep (all
// rows when keep is nil), persists them and reloads the index.
func (i *Index) LoadFromCSV(path string, keep func(store.ReferenceReview) bool) (int, error) {
	refs, err := ParseCSVFile(path, Columns{})
	if err != nil {
		return 0, err
	}
	if keep != nil {
		kept := refs[:0]
		for _, ref := range refs {
			if keep(ref) {
				kept = append(kept, ref)
			}
		}
		refs = kept
	}
	if err := i.db.ReplaceReferences(refs); err != nil {
		return 0, fmt.Errorf("store references: %w", err)
	}
	return i.Reload()
}

// Replace swaps the in-memory corpus without touching the database.
func (i *Index) Replace(refs []store.ReferenceReview) {
	docs := make([]document, 0, len(refs))
	for _, ref := range refs {
		vec, norm := vectorize(ref.Text)
		if norm == 0 {
			continue
		}
		docs = append(docs, document{ref: ref, vec: vec, norm: norm})
	}
	i.mu.Lock()
	i.docs = docs
	i.mu.Unlock()
}

// Count returns the number of searchable reference cases.
func (i *Index) Count() int {
	if i == nil {
		return 0
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Search returns the k most similar reference cases, most similar first
// with ties broken by reference id, and the calibrated confidence. An empty
// corpus yields a zero result and ErrEmptyIndex.
func (i *Index) Search(text string, k int) (Result, error) {
	result := Result{Neighbors: []Neighbor{}}
	if i == nil {
		return result, ErrEmptyIndex
	}
	if k <= 0 {
		k = DefaultTopK
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(i.docs) == 0 {
		return result, ErrEmptyIndex
	}

	query, qnorm := vectorize(text)
	if qnorm == 0 {
		return result, nil
	}

	scored := make([]Neighbor, 0, len(i.docs))
	for _, doc := range i.docs {
		scored = append(scored, Neighbor{
			ReferenceID: doc.ref.ID,
			ExternalID:  doc.ref.ExternalID,
			Label:       doc.ref.Label,
			ReasonID:    doc.ref.ReasonID,
			Text:        doc.ref.Text,
			Similarity:  cosine(query, qnorm, doc.vec, doc.norm),
		})
	}
	sort.Slice(scored, func(a, b int) bool {
		if scored[a].Similarity != scored[b].Similarity {
			return scored[a].Similarity > scored[b].Similarity
		}
		return scored[a].ReferenceID < scored[b].ReferenceID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	result.Neighbors = scored

	sims := make([]float64, len(scored))
	for idx, n := range scored {
		sims[idx] = n.Similarity
	}
	result.Confidence = Calibrate(sims)
	return result, nil
}

// Calibrate maps the mean similarity linearly from
// [CalibrationLow, CalibrationHigh] onto [0, 1].
func Calibrate(sims []float64) float64 {
	if len(sims) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range sims {
		sum += s
	}
	mean := sum / float64(len(sims))
	conf := (mean - CalibrationLow) / (CalibrationHigh - CalibrationLow)
	if math.IsNaN(conf) || conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

func vectorize(text string) (map[string]float64, float64) {
	tokens := strings.Fields(normalize.ForNear(text))
	if len(tokens) == 0 {
		return nil, 0
	}
	vec := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		vec[tok]++
	}
	sq := 0.0
	for _, v := range vec {
		sq += v * v
	}
	return vec, math.Sqrt(sq)
}

func cosine(a map[string]float64, anorm float64, b map[string]float64, bnorm float64) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	dot := 0.0
	for tok, v := range a {
		dot += v * b[tok]
	}
	sim := dot / (anorm * bnorm)
	if sim > 1 {
		return 1
	}
	return sim
}
