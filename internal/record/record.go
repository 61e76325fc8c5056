// Package record holds the immutable record model shared by every pipeline stage.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// EventTimeField carries the event time as unix seconds.
const EventTimeField = "epoch_timestamp"

// EndOfUnit marks a Position whose unit has been consumed completely.
const EndOfUnit int64 = -1

// Position is an arrival marker: the source unit key and a 0-based line offset.
type Position struct {
	Unit   string `json:"unit"`
	Offset int64  `json:"offset"`
}

// IsZero reports whether nothing has been consumed yet.
func (p Position) IsZero() bool {
	return p.Unit == "" && p.Offset == 0
}

// Compare orders positions by unit key, then offset. EndOfUnit sorts after every line.
func (p Position) Compare(o Position) int {
	switch {
	case p.Unit < o.Unit:
		return -1
	case p.Unit > o.Unit:
		return 1
	}
	po, oo := p.Offset, o.Offset
	if po == EndOfUnit {
		po = math.MaxInt64
	}
	if oo == EndOfUnit {
		oo = math.MaxInt64
	}
	switch {
	case po < oo:
		return -1
	case po > oo:
		return 1
	}
	return 0
}

func (p Position) String() string {
	if p.Offset == EndOfUnit {
		return p.Unit + "@end"
	}
	return p.Unit + "@" + strconv.FormatInt(p.Offset, 10)
}

// Field is one named value. Values are json.Number, string, bool, nil or nested JSON values.
type Field struct {
	Name  string
	Value any
}

// Record is an immutable, ordered set of fields read from a source unit.
type Record struct {
	fields    []Field
	eventTime time.Time
	position  Position
	size      int
}

// New builds a Record from fields in order.
func New(fields []Field, eventTime time.Time, pos Position, size int) Record {
	return Record{
		fields:    append([]Field(nil), fields...),
		eventTime: eventTime,
		position:  pos,
		size:      size,
	}
}

func (r Record) EventTime() time.Time { return r.eventTime }
func (r Record) Position() Position   { return r.position }
func (r Record) Size() int            { return r.size }
func (r Record) Len() int             { return len(r.fields) }

// Fields returns a copy of the fields in order.
func (r Record) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// WithField returns a copy with the field replaced or appended.
func (r Record) WithField(name string, value any) Record {
	out := r
	out.fields = make([]Field, 0, len(r.fields)+1)
	replaced := false
	for _, f := range r.fields {
		if f.Name == name {
			f.Value = value
			replaced = true
		}
		out.fields = append(out.fields, f)
	}
	if !replaced {
		out.fields = append(out.fields, Field{Name: name, Value: value})
	}
	return out
}

// Parse failure reasons, also used as malformed entry reason codes.
var (
	ErrNotObject        = errors.New("parse_error")
	ErrMissingEventTime = errors.New("missing_event_time")
	ErrInvalidEventTime = errors.New("invalid_event_time")
)

// ParseLine decodes one JSON object line, keeping field order, and extracts its event time.
func ParseLine(line []byte, pos Position) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Record{}, fmt.Errorf("%w: expected object", ErrNotObject)
	}

	var fields []Field
	// A repeated key keeps its first position and takes the last value, as encoding/json does.
	seen := map[string]int{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: invalid key", ErrNotObject)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return Record{}, fmt.Errorf("%w: field %q: %v", ErrNotObject, key, err)
		}
		if i, dup := seen[key]; dup {
			fields[i].Value = value
			continue
		}
		seen[key] = len(fields)
		fields = append(fields, Field{Name: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Record{}, fmt.Errorf("%w: trailing data", ErrNotObject)
	}

	rec := Record{fields: fields, position: pos, size: len(line)}
	raw, ok := rec.Get(EventTimeField)
	if !ok || raw == nil {
		return Record{}, ErrMissingEventTime
	}
	ts, err := parseEpoch(raw)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidEventTime, err)
	}
	rec.eventTime = ts
	return rec, nil
}

// maxEpochSeconds is 9999-12-31T23:59:59Z. Anything further out is not an event time.
const maxEpochSeconds = 253402300799

func parseEpoch(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > maxEpochSeconds || n < -maxEpochSeconds {
			return time.Time{}, fmt.Errorf("out of range: %s", s)
		}
		return time.Unix(n, 0).UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("not a number: %q", s)
	}
	if math.Abs(f) > maxEpochSeconds {
		return time.Time{}, fmt.Errorf("out of range: %s", s)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// FormatValue renders a field value as flat text for CSV output.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
