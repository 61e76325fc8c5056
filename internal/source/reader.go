// Package source reads append-only record units from object storage in bounded polls.
package source

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/record"
	"github.com/Azure-Samples/operator-insights-data-ingestion/internal/storage"
	"github.com/Azure-Samples/operator-insights-data-ingestion/pkg/logger"
)

var (
	// ErrSourceUnavailable is transient: listing or reading the source failed.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceCorrupt marks a unit or line that cannot be decoded.
	ErrSourceCorrupt = errors.New("source corrupt")
)

// Mode selects how corrupt input is handled.
type Mode string

const (
	ModePermissive Mode = "permissive"
	ModeFailFast   Mode = "fail_fast"
)

// Malformed reason codes that do not come from record parsing.
const ReasonUnitUnreadable = "unit_unreadable"

var unitSuffixes = []string{".json", ".jsonl", ".ndjson"}

// Config bounds a single poll.
type Config struct {
	Prefix            string
	MaxRecordsPerPoll int
	MaxBytesPerPoll   int64
	MaxUnitsPerPoll   int // 0 means unbounded
	Mode              Mode
	ReadConcurrency   int
	// MaxReadAttempts is how many consecutive polls may fail to read one unit before it
	// is routed to bad records, or fails the poll as corrupt in fail_fast mode.
	// 0 retries forever.
	MaxReadAttempts int
}

// DefaultConfig returns the production poll limits.
func DefaultConfig() Config {
	return Config{
		MaxRecordsPerPoll: 10000,
		MaxBytesPerPoll:   10_000_000_000,
		MaxUnitsPerPoll:   10,
		Mode:              ModePermissive,
		ReadConcurrency:   4,
		MaxReadAttempts:   10,
	}
}

// Malformed is a line or unit that could not become a Record.
type Malformed struct {
	Unit   string
	Offset int64
	Raw    []byte
	Reason string
	Err    error
}

// Poll is the result of one bounded read.
type Poll struct {
	Records   []record.Record
	Malformed []Malformed
	// End is the read state after everything this poll consumed.
	End   record.Cursor
	Units int
	// Skipped counts units that vanished between listing and reading.
	Skipped int
	Late    int
	Bytes   int64
	Lines   int
}

// Empty reports whether the poll consumed nothing at all.
func (p *Poll) Empty() bool {
	return p.Lines == 0 && p.Units == 0 && p.Skipped == 0 && len(p.Malformed) == 0
}

// Reader pulls records from the units stored under Config.Prefix. A Reader belongs to
// one pipeline loop; Poll must not be called concurrently.
type Reader struct {
	store storage.ObjectStorage
	cfg   Config
	log   zerolog.Logger

	// failures counts consecutive failed reads per unit.
	failures map[string]int
	// partial holds the body of the unit a cap cut short, so resuming does not fetch it again.
	partial *fetched
}

// NewReader validates the limits and builds a Reader.
func NewReader(store storage.ObjectStorage, cfg Config) (*Reader, error) {
	if store == nil {
		return nil, fmt.Errorf("source storage is required")
	}
	if cfg.MaxRecordsPerPoll <= 0 {
		return nil, fmt.Errorf("max records per poll must be positive")
	}
	if cfg.MaxBytesPerPoll <= 0 {
		return nil, fmt.Errorf("max bytes per poll must be positive")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePermissive
	}
	if cfg.Mode != ModePermissive && cfg.Mode != ModeFailFast {
		return nil, fmt.Errorf("unknown malformed record mode %q", cfg.Mode)
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 1
	}
	if cfg.MaxReadAttempts < 0 {
		return nil, fmt.Errorf("max read attempts must not be negative")
	}
	return &Reader{store: store, cfg: cfg, log: logger.Component("source"), failures: map[string]int{}}, nil
}

type unit struct {
	storage.ObjectInfo
	late bool
}

type fetched struct {
	unit
	data []byte
	err  error
}

// Poll reads forward from the given cursor until a cap is reached or the pending units
// are exhausted. It always consumes at least one line when any is available.
//
// Late units, those that landed behind the cursor position, are read first and always
// whole. Units in key order follow only once every late unit of the listing is done,
// which keeps the cursor watermark below anything still unread.
func (r *Reader) Poll(ctx context.Context, from record.Cursor) (*Poll, error) {
	units, err := r.pendingUnits(ctx, from)
	if err != nil {
		return nil, err
	}

	p := &Poll{End: from.Clone()}
	for next := 0; next < len(units); {
		if r.capped(p) {
			break
		}
		wave := r.nextWave(units[next:], p)
		next += len(wave)

		for _, u := range r.fetch(ctx, wave) {
			done, err := r.handle(p, u, from)
			if err != nil {
				return nil, err
			}
			if !done {
				return p, nil
			}
		}
	}
	return p, nil
}

// handle folds one fetched unit into the poll. It reports false when the poll must stop.
func (r *Reader) handle(p *Poll, u fetched, from record.Cursor) (bool, error) {
	if !u.late && r.capped(p) {
		// Fetched with the wave but not needed this poll.
		if u.err == nil {
			r.partial = &u
		}
		return false, nil
	}
	if u.err != nil {
		if errors.Is(u.err, storage.ErrNotFound) {
			r.log.Warn().Str("unit", u.Key).Msg("unit disappeared before read, skipping")
			delete(r.failures, u.Key)
			p.Skipped++
			r.complete(p, u.unit)
			return true, nil
		}

		r.failures[u.Key]++
		attempts := r.failures[u.Key]
		if r.cfg.MaxReadAttempts > 0 && attempts >= r.cfg.MaxReadAttempts {
			delete(r.failures, u.Key)
			if r.cfg.Mode == ModeFailFast {
				return false, fmt.Errorf("%w: unit %s unreadable after %d attempts: %v", ErrSourceCorrupt, u.Key, attempts, u.err)
			}
			r.log.Error().Err(u.err).Str("unit", u.Key).Int("attempts", attempts).Msg("unit unreadable, routing to bad records")
			p.Malformed = append(p.Malformed, Malformed{
				Unit:   u.Key,
				Offset: record.EndOfUnit,
				Reason: ReasonUnitUnreadable,
				Err:    fmt.Errorf("%w: %d read attempts: %v", ErrSourceUnavailable, attempts, u.err),
			})
			p.Units++
			r.complete(p, u.unit)
			return true, nil
		}
		if p.Lines == 0 && p.Units == 0 {
			return false, fmt.Errorf("%w: read %s: %v", ErrSourceUnavailable, u.Key, u.err)
		}
		r.log.Warn().Err(u.err).Str("unit", u.Key).Int("attempts", attempts).Msg("stopping poll early at unreadable unit")
		return false, nil
	}
	delete(r.failures, u.Key)

	startOffset := int64(0)
	if !u.late && u.Key == from.Position.Unit {
		startOffset = from.Position.Offset
	}
	return r.consume(p, u, startOffset)
}

// complete marks a unit as fully consumed in the poll's cursor.
func (r *Reader) complete(p *Poll, u unit) {
	if u.late {
		p.Late++
	} else {
		p.End.Position = record.Position{Unit: u.Key, Offset: record.EndOfUnit}
	}
	p.End = p.End.Complete(u.Key, u.LastModified, !u.late)
	if r.partial != nil && r.partial.Key == u.Key {
		r.partial = nil
	}
}

func (r *Reader) capped(p *Poll) bool {
	return p.Lines > 0 && (p.Lines >= r.cfg.MaxRecordsPerPoll || p.Bytes >= r.cfg.MaxBytesPerPoll)
}

// nextWave picks the units to fetch together. The first unit is always taken; the rest
// only while their listed sizes fit in what is left of the poll budget. Once lines have
// been read the record cap is turned into bytes using the average line size so far.
func (r *Reader) nextWave(units []unit, p *Poll) []unit {
	budget := r.cfg.MaxBytesPerPoll - p.Bytes
	if p.Lines > 0 {
		budget = min(budget, int64(r.cfg.MaxRecordsPerPoll-p.Lines)*(p.Bytes/int64(p.Lines)+1))
	}
	var size int64
	n := 0
	for n < len(units) && n < r.cfg.ReadConcurrency {
		s := units[n].Size
		if r.cached(units[n]) {
			s = 0
		}
		if n > 0 && size+s > budget {
			break
		}
		size += s
		n++
	}
	return units[:n]
}

func (r *Reader) pendingUnits(ctx context.Context, from record.Cursor) ([]unit, error) {
	objects, err := r.store.ListObjects(ctx, r.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	var late, ordered []unit
	for _, obj := range objects {
		if !isUnit(obj.Key) {
			continue
		}
		switch {
		case obj.Key < from.Position.Unit:
			if from.Late(obj.Key, obj.LastModified) {
				late = append(late, unit{ObjectInfo: obj, late: true})
			}
		case obj.Key == from.Position.Unit && from.Position.Offset == record.EndOfUnit:
		default:
			ordered = append(ordered, unit{ObjectInfo: obj})
		}
	}
	if len(late) > 0 {
		r.log.Warn().Int("units", len(late)).Str("position", from.Position.String()).Msg("units landed behind the read position")
	}

	units := append(late, ordered...)
	if r.cfg.MaxUnitsPerPoll > 0 && len(units) > r.cfg.MaxUnitsPerPoll {
		units = units[:r.cfg.MaxUnitsPerPoll]
	}
	return units, nil
}

func (r *Reader) cached(u unit) bool {
	return !u.late && r.partial != nil && r.partial.Key == u.Key && r.partial.Size == u.Size &&
		r.partial.LastModified.Equal(u.LastModified)
}

func (r *Reader) fetch(ctx context.Context, units []unit) []fetched {
	out := make([]fetched, len(units))
	var g errgroup.Group
	g.SetLimit(r.cfg.ReadConcurrency)
	for i, u := range units {
		if r.cached(u) {
			out[i] = fetched{unit: u, data: r.partial.data}
			continue
		}
		g.Go(func() error {
			data, err := r.store.GetObject(ctx, u.Key)
			out[i] = fetched{unit: u, data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// consume appends the unit's lines to the poll. It reports false when a cap stopped it.
// Late units are never cut.
func (r *Reader) consume(p *Poll, u fetched, startOffset int64) (bool, error) {
	body, err := open(u.Key, u.data)
	if err != nil {
		return r.unreadable(p, u, record.EndOfUnit, u.data, err)
	}
	defer body.Close()

	br := bufio.NewReaderSize(body, 64*1024)
	for offset := int64(0); ; offset++ {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return r.unreadable(p, u, offset, nil, readErr)
		}
		if len(line) == 0 && readErr == io.EOF {
			break
		}

		if offset >= startOffset {
			line = bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(line)) > 0 {
				if !u.late && p.Lines > 0 && (p.Lines >= r.cfg.MaxRecordsPerPoll || p.Bytes+int64(len(line)) > r.cfg.MaxBytesPerPoll) {
					p.End.Position = record.Position{Unit: u.Key, Offset: offset}
					p.Units++
					r.partial = &u
					return false, nil
				}
				if err := r.parse(p, u.Key, offset, line); err != nil {
					return false, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	p.Units++
	r.complete(p, u.unit)
	return true, nil
}

func (r *Reader) parse(p *Poll, key string, offset int64, line []byte) error {
	pos := record.Position{Unit: key, Offset: offset}
	rec, err := record.ParseLine(line, pos)
	p.Lines++
	p.Bytes += int64(len(line))
	if err != nil {
		if r.cfg.Mode == ModeFailFast {
			return fmt.Errorf("%w: %s: %v", ErrSourceCorrupt, pos, err)
		}
		p.Malformed = append(p.Malformed, Malformed{
			Unit:   key,
			Offset: offset,
			Raw:    append([]byte(nil), line...),
			Reason: ReasonOf(err),
			Err:    err,
		})
		return nil
	}
	p.Records = append(p.Records, rec)
	return nil
}

// unreadable isolates a unit whose body cannot be decoded from offset on. Lines before
// offset have already been consumed.
func (r *Reader) unreadable(p *Poll, u fetched, offset int64, raw []byte, err error) (bool, error) {
	if r.cfg.Mode == ModeFailFast {
		return false, fmt.Errorf("%w: unit %s: %v", ErrSourceCorrupt, u.Key, err)
	}
	r.log.Warn().Err(err).Str("unit", u.Key).Int64("offset", offset).Msg("unit unreadable, routing to bad records")
	p.Malformed = append(p.Malformed, Malformed{
		Unit:   u.Key,
		Offset: offset,
		Raw:    raw,
		Reason: ReasonUnitUnreadable,
		Err:    fmt.Errorf("%w: %v", ErrSourceCorrupt, err),
	})
	p.Units++
	p.Bytes += int64(len(raw))
	r.complete(p, u.unit)
	return true, nil
}

// ReasonOf maps a parse error onto its malformed reason code.
func ReasonOf(err error) string {
	for _, known := range []error{record.ErrMissingEventTime, record.ErrInvalidEventTime, record.ErrNotObject} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "unknown"
}

func isUnit(key string) bool {
	key = strings.TrimSuffix(strings.ToLower(key), ".gz")
	for _, suffix := range unitSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// open returns the decoded body of a unit. Gzip units are decompressed as they are read.
func open(key string, data []byte) (io.ReadCloser, error) {
	if !strings.HasSuffix(strings.ToLower(key), ".gz") {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	return zr, nil
}
