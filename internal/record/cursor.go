package record

import (
	"sort"
	"time"
)

// UnitMark records a unit that has been consumed completely.
type UnitMark struct {
	Unit     string    `json:"unit"`
	Modified time.Time `json:"modified"`
}

// Cursor is the durable read state of a source. Units arrive in key order most of the
// time; Position tracks that. A unit that lands behind Position is late. The watermark
// is the newest modification time of a unit consumed in order, and Seen keeps the
// units consumed at or after it, so a unit behind Position that is newer than the
// watermark and not in Seen has never been read.
type Cursor struct {
	Position  Position   `json:"position"`
	Watermark time.Time  `json:"watermark,omitzero"`
	Seen      []UnitMark `json:"seen,omitempty"`
}

// Clone returns a cursor that shares nothing with c.
func (c Cursor) Clone() Cursor {
	c.Seen = append([]UnitMark(nil), c.Seen...)
	return c
}

// Late reports whether a unit behind Position still needs to be read.
func (c Cursor) Late(unit string, modified time.Time) bool {
	if unit >= c.Position.Unit || modified.Before(c.Watermark) {
		return false
	}
	for _, m := range c.Seen {
		if m.Unit == unit {
			return false
		}
	}
	return true
}

// Complete returns the cursor with unit marked as consumed. An in-order unit may raise
// the watermark, which drops marks the watermark now covers.
func (c Cursor) Complete(unit string, modified time.Time, inOrder bool) Cursor {
	out := c.Clone()
	if inOrder && modified.After(out.Watermark) {
		out.Watermark = modified.UTC()
	}
	kept := out.Seen[:0]
	for _, m := range out.Seen {
		if m.Unit != unit && !m.Modified.Before(out.Watermark) {
			kept = append(kept, m)
		}
	}
	out.Seen = kept
	if !modified.Before(out.Watermark) {
		out.Seen = append(out.Seen, UnitMark{Unit: unit, Modified: modified.UTC()})
	}
	sort.Slice(out.Seen, func(i, j int) bool { return out.Seen[i].Unit < out.Seen[j].Unit })
	return out
}

// Equal reports whether two cursors describe the same read state.
func (c Cursor) Equal(o Cursor) bool {
	if c.Position != o.Position || !c.Watermark.Equal(o.Watermark) || len(c.Seen) != len(o.Seen) {
		return false
	}
	for i := range c.Seen {
		if c.Seen[i].Unit != o.Seen[i].Unit || !c.Seen[i].Modified.Equal(o.Seen[i].Modified) {
			return false
		}
	}
	return true
}
