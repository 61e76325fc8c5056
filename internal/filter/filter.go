// Package filter decides which records are fresh and relevant enough to publish.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
)

// Rejection reasons. Rejected records are dropped, not captured as malformed.
const (
	ReasonStale     = "stale"
	ReasonPredicate = "predicate"
)

// DefaultProvenanceField names the column that carries the origin unit key.
const DefaultProvenanceField = "file_path"

// Predicate is a caller supplied acceptance test.
type Predicate func(record.Record) bool

// Operator is a rule comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
)

// Rule is a declarative predicate over one field.
type Rule struct {
	Field    string   `mapstructure:"field" json:"field"`
	Operator Operator `mapstructure:"operator" json:"operator"`
	Value    string   `mapstructure:"value" json:"value"`
}

// DefaultRules keeps only successful operations.
func DefaultRules() []Rule {
	return []Rule{{Field: "operation_successful", Operator: OpEq, Value: "yes"}}
}

// Config assembles a Filter.
type Config struct {
	StalenessWindow time.Duration
	Rules           []Rule
	Predicates      []Predicate
	ProvenanceField string
	OffsetField     string // empty disables the offset column
}

// Decision is the outcome of Admit.
type Decision struct {
	Accepted bool
	Record   record.Record
	Reason   string
}

// Filter applies freshness and predicate checks, then tags provenance.
type Filter struct {
	window     time.Duration
	predicates []Predicate
	provenance string
	offset     string
}

// New compiles rules into predicates. Rules and predicates are ANDed.
func New(cfg Config) (*Filter, error) {
	if cfg.StalenessWindow < 0 {
		return nil, fmt.Errorf("staleness window must not be negative")
	}
	f := &Filter{
		window:     cfg.StalenessWindow,
		provenance: cfg.ProvenanceField,
		offset:     cfg.OffsetField,
	}
	if f.provenance == "" {
		f.provenance = DefaultProvenanceField
	}
	for _, rule := range cfg.Rules {
		p, err := rule.compile()
		if err != nil {
			return nil, err
		}
		f.predicates = append(f.predicates, p)
	}
	f.predicates = append(f.predicates, cfg.Predicates...)
	return f, nil
}

// Admit checks a record against a reference time captured once per pipeline start.
// A zero window disables the freshness check.
func (f *Filter) Admit(rec record.Record, now time.Time) Decision {
	if f.window > 0 && rec.EventTime().Before(now.Add(-f.window)) {
		return Decision{Record: rec, Reason: ReasonStale}
	}
	for _, p := range f.predicates {
		if !p(rec) {
			return Decision{Record: rec, Reason: ReasonPredicate}
		}
	}

	out := rec.WithField(f.provenance, rec.Position().Unit)
	if f.offset != "" {
		out = out.WithField(f.offset, json.Number(strconv.FormatInt(rec.Position().Offset, 10)))
	}
	return Decision{Accepted: true, Record: out}
}

func (r Rule) compile() (Predicate, error) {
	if r.Field == "" {
		return nil, fmt.Errorf("filter rule is missing a field")
	}
	field, want := r.Field, r.Value
	text := func(rec record.Record) (string, bool) {
		v, ok := rec.Get(field)
		if !ok || v == nil {
			return "", false
		}
		return record.FormatValue(v), true
	}

	switch Operator(strings.ToLower(string(r.Operator))) {
	case OpEq, "":
		return func(rec record.Record) bool {
			got, ok := text(rec)
			return ok && got == want
		}, nil
	case OpNeq:
		return func(rec record.Record) bool {
			got, ok := text(rec)
			return ok && got != want
		}, nil
	case OpContains:
		return func(rec record.Record) bool {
			got, ok := text(rec)
			return ok && strings.Contains(got, want)
		}, nil
	case OpIn:
		set := map[string]struct{}{}
		for _, v := range strings.Split(want, ",") {
			set[strings.TrimSpace(v)] = struct{}{}
		}
		return func(rec record.Record) bool {
			got, ok := text(rec)
			if !ok {
				return false
			}
			_, hit := set[got]
			return hit
		}, nil
	case OpGt, OpLt:
		threshold, err := strconv.ParseFloat(want, 64)
		if err != nil {
			return nil, fmt.Errorf("filter rule %s %s needs a numeric value: %w", r.Field, r.Operator, err)
		}
		greater := Operator(strings.ToLower(string(r.Operator))) == OpGt
		return func(rec record.Record) bool {
			got, ok := text(rec)
			if !ok {
				return false
			}
			n, err := strconv.ParseFloat(got, 64)
			if err != nil {
				return false
			}
			if greater {
				return n > threshold
			}
			return n < threshold
		}, nil
	default:
		return nil, fmt.Errorf("unknown filter operator %q", r.Operator)
	}
}
