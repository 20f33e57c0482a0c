// Package analytics computes chart data over stored scan verdicts.
package analytics

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rsclarke/mcpgate/internal/audit"
)

// Severity thresholds on the 0-10 rating scale.
const (
	lowMax    = 3
	mediumMax = 7
)

// Scan is one flattened classifier verdict.
type Scan struct {
	Rating   float64
	Threat   bool
	Category string
}

// Flatten collects every sub-tree of scans that carries a numeric "rating"
// as one Scan. Sub-trees are visited in key order.
func Flatten(scans map[string]any) []Scan {
	var out []Scan
	flattenInto(scans, &out)
	return out
}

func flattenInto(node map[string]any, out *[]Scan) {
	if rating, ok := number(node["rating"]); ok {
		s := Scan{Rating: rating}
		s.Threat, _ = node["threat"].(bool)
		s.Category, _ = node["category"].(string)
		*out = append(*out, s)
		return
	}

	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if child, ok := node[k].(map[string]any); ok {
			flattenInto(child, out)
		}
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Aggregator accumulates scans in constant time per scan. The zero value
// is not usable; call New.
type Aggregator struct {
	ratings    map[float64]int
	sum        float64
	count      int
	min        float64
	max        float64
	threats    int
	low        int
	medium     int
	high       int
	categories map[string]int
	records    int
}

func New() *Aggregator {
	return &Aggregator{
		ratings:    make(map[float64]int),
		categories: make(map[string]int),
		min:        math.Inf(1),
	}
}

// Add accumulates one scan.
func (a *Aggregator) Add(s Scan) {
	a.ratings[s.Rating]++
	a.sum += s.Rating
	a.count++
	a.min = math.Min(a.min, s.Rating)
	a.max = math.Max(a.max, s.Rating)

	if !s.Threat {
		return
	}
	a.threats++
	switch {
	case s.Rating <= lowMax:
		a.low++
	case s.Rating <= mediumMax:
		a.medium++
	default:
		a.high++
	}
	category := strings.ToLower(strings.TrimSpace(s.Category))
	if category == "" {
		category = "unknown"
	}
	a.categories[category]++
}

// AddRecord flattens and accumulates one record's scan tree.
func (a *Aggregator) AddRecord(r *audit.Record) {
	a.records++
	for _, s := range Flatten(r.Scans) {
		a.Add(s)
	}
}

// Graph is the finalized chart payload.
type Graph struct {
	RatingDistribution map[string]int    `json:"rating_distribution"`
	Severity           SeverityBreakdown `json:"threat_severity_breakdown"`
	ThreatTypes        ThreatTypes       `json:"threat_types_distribution"`
	Statistics         RatingStatistics  `json:"rating_statistics"`
	Threats            int               `json:"threats"`
}

type SeverityBreakdown struct {
	Counts       SeverityValues[int]     `json:"counts"`
	Percentages  SeverityValues[float64] `json:"percentages"`
	TotalThreats int                     `json:"total_threats"`
}

type SeverityValues[T int | float64] struct {
	Low    T `json:"low"`
	Medium T `json:"medium"`
	High   T `json:"high"`
}

type ThreatTypes struct {
	Counts      map[string]int     `json:"counts"`
	Percentages map[string]float64 `json:"percentages"`
}

type RatingStatistics struct {
	Average      float64 `json:"average"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	TotalScans   int     `json:"total_scans"`
	TotalRecords int     `json:"total_records"`
	ThreatRate   float64 `json:"threat_rate"`
}

// Finalize derives averages and percentages. It does not reset the
// accumulator.
func (a *Aggregator) Finalize() Graph {
	g := Graph{
		RatingDistribution: make(map[string]int, len(a.ratings)),
		ThreatTypes: ThreatTypes{
			Counts:      make(map[string]int, len(a.categories)),
			Percentages: make(map[string]float64, len(a.categories)),
		},
		Threats: a.threats,
	}
	for rating, n := range a.ratings {
		g.RatingDistribution[strconv.FormatFloat(rating, 'f', -1, 64)] = n
	}

	g.Severity.TotalThreats = a.threats
	g.Severity.Counts = SeverityValues[int]{Low: a.low, Medium: a.medium, High: a.high}
	if a.threats > 0 {
		total := float64(a.threats)
		g.Severity.Percentages = SeverityValues[float64]{
			Low:    float64(a.low) / total * 100,
			Medium: float64(a.medium) / total * 100,
			High:   float64(a.high) / total * 100,
		}
	}
	for category, n := range a.categories {
		g.ThreatTypes.Counts[category] = n
		g.ThreatTypes.Percentages[category] = float64(n) / float64(a.threats) * 100
	}

	g.Statistics.TotalScans = a.count
	g.Statistics.TotalRecords = a.records
	g.Statistics.Max = a.max
	if a.count > 0 {
		g.Statistics.Average = round2(a.sum / float64(a.count))
		g.Statistics.Min = a.min
		g.Statistics.ThreatRate = round2(float64(a.threats) / float64(a.count) * 100)
	}
	return g
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Detail aggregates a single record.
func Detail(r *audit.Record) Graph {
	a := New()
	a.AddRecord(r)
	return a.Finalize()
}

// FromStore aggregates every record in s, reading pageSize records at a
// time.
func FromStore(ctx context.Context, s audit.Store, pageSize int) (Graph, error) {
	a := New()
	err := audit.Each(ctx, s, pageSize, func(r *audit.Record) error {
		a.AddRecord(r)
		return nil
	})
	if err != nil {
		return Graph{}, err
	}
	return a.Finalize(), nil
}
