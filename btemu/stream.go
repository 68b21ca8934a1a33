package btemu

import (
	"bytes"
	"sort"

	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
)

// A cell is one versioned value, fully denormalized for streaming.
type cell struct {
	row    keyType
	fam    string
	qual   keyType
	ts     int64
	value  []byte
	labels []string
}

// cellStream lazily yields cells in scan order: row-major, then family name,
// then qualifier, then ascending timestamp. Streams are finite and
// single-pass; once Next returns false it returns false forever. A stream
// may be abandoned at any point without draining it.
type cellStream interface {
	Next() (cell, bool)
}

// sliceStream replays a fixed slice of cells.
type sliceStream struct {
	cells []cell
	i     int
}

func (s *sliceStream) Next() (cell, bool) {
	if s.i >= len(s.cells) {
		return cell{}, false
	}
	c := s.cells[s.i]
	s.i++
	return c, true
}

type emptyStream struct{}

func (emptyStream) Next() (cell, bool) { return cell{}, false }

// keepStream drops cells failing a per-cell predicate.
type keepStream struct {
	src  cellStream
	keep func(cell) bool
}

func (s *keepStream) Next() (cell, bool) {
	for {
		c, ok := s.src.Next()
		if !ok {
			return cell{}, false
		}
		if s.keep(c) {
			return c, true
		}
	}
}

// mapStream rewrites each cell with a per-cell transform.
type mapStream struct {
	src cellStream
	f   func(cell) cell
}

func (s *mapStream) Next() (cell, bool) {
	c, ok := s.src.Next()
	if !ok {
		return cell{}, false
	}
	return s.f(c), true
}

// rowBatcher groups a cell stream into per-row batches.
type rowBatcher struct {
	src  cellStream
	next cell
	have bool
	done bool
}

// nextRow returns the cells of the next row, or nil at end of stream.
func (rb *rowBatcher) nextRow() []cell {
	if rb.done {
		return nil
	}
	if !rb.have {
		c, ok := rb.src.Next()
		if !ok {
			rb.done = true
			return nil
		}
		rb.next, rb.have = c, true
	}
	row := []cell{rb.next}
	rb.have = false
	for {
		c, ok := rb.src.Next()
		if !ok {
			rb.done = true
			return row
		}
		if !bytes.Equal(c.row, row[0].row) {
			rb.next, rb.have = c, true
			return row
		}
		row = append(row, c)
	}
}

// rowLimitStream stops the scan once limit rows have produced cells.
type rowLimitStream struct {
	src     cellStream
	limit   int64
	rows    int64
	prevRow keyType
	done    bool
}

func (s *rowLimitStream) Next() (cell, bool) {
	if s.done {
		return cell{}, false
	}
	c, ok := s.src.Next()
	if !ok {
		s.done = true
		return cell{}, false
	}
	if s.prevRow == nil || !bytes.Equal(c.row, s.prevRow) {
		s.rows++
		if s.rows > s.limit {
			s.done = true
			return cell{}, false
		}
		s.prevRow = c.row
	}
	return c, true
}

// restriction is the accumulated range context a scan runs under. Pure
// range filters narrow it instead of wrapping the stream, letting the
// scanner skip columns and versions without re-opening views.
type restriction struct {
	rows []simpleRange // merged, disjoint; empty means the infinite range

	family string        // exact family restriction; "" means all
	quals  []simpleRange // conjoined qualifier ranges within family
	banned bool          // restriction proved unsatisfiable

	tsStart int64
	tsEnd   int64 // 0 = unbounded
}

// intersectTimestamps narrows the version window.
func (r *restriction) intersectTimestamps(start, end int64) {
	if start > r.tsStart {
		r.tsStart = start
	}
	if end != 0 && (r.tsEnd == 0 || end < r.tsEnd) {
		r.tsEnd = end
	}
}

// intersectColumns narrows the scan to one family and conjoins a
// qualifier range; a qualifier must satisfy every conjoined range.
func (r *restriction) intersectColumns(fam string, qr simpleRange) {
	if r.family != "" && r.family != fam {
		r.banned = true
		return
	}
	r.family = fam
	r.quals = append(r.quals, qr)
}

func (r *restriction) allowsQualifier(qual keyType) bool {
	for _, qr := range r.quals {
		if !qr.contains(qual) {
			return false
		}
	}
	return true
}

// famHead is one family's cursor position during the k-way row merge.
type famHead struct {
	fam  string
	iter FamilyRowIter
	key  keyType
	fr   *btpb.Family
}

// scanner streams the cells of a storage snapshot, merging per-family
// iterators into a single row-major sequence for each row range in turn.
// It reads only from the immutable snapshot and therefore needs no lock.
type scanner struct {
	snap   CellsSnapshot
	fams   []string
	ranges []simpleRange
	res    restriction

	ri     int
	opened bool
	heads  []*famHead

	// position within the family-row currently being emitted
	cur    *btpb.Family
	curKey keyType
	curFam string
	ci     int // column index
	vi, ve int // version index and end bound for the current column
}

// newScanner builds the source cell stream for one snapshot. fams must be
// sorted. Close must be called when the scan is finished or abandoned; the
// snapshot itself is released by the caller.
func newScanner(snap CellsSnapshot, fams []string, res restriction) *scanner {
	ranges := res.rows
	if len(ranges) == 0 {
		ranges = []simpleRange{{}} // infinite range unless specified
	}
	if res.family != "" {
		restricted := fams[:0:0]
		for _, fam := range fams {
			if fam == res.family {
				restricted = append(restricted, fam)
			}
		}
		fams = restricted
	}
	if res.banned {
		fams = nil
	}
	return &scanner{
		snap:   snap,
		fams:   fams,
		ranges: ranges,
		res:    res,
	}
}

func (sc *scanner) Close() {
	sc.releaseHeads()
	sc.ranges = nil
	sc.cur = nil
}

func (sc *scanner) releaseHeads() {
	for _, h := range sc.heads {
		h.iter.Release()
	}
	sc.heads = nil
	sc.opened = false
}

func (sc *scanner) Next() (cell, bool) {
	for {
		if sc.cur != nil {
			if c, ok := sc.nextCell(); ok {
				return c, true
			}
			sc.cur = nil
			continue
		}
		if !sc.opened {
			if sc.ri >= len(sc.ranges) {
				return cell{}, false
			}
			sc.openRange(sc.ranges[sc.ri])
		}
		if !sc.advanceRow() {
			sc.releaseHeads()
			sc.ri++
			continue
		}
	}
}

// openRange starts one iterator per family over the given row range.
func (sc *scanner) openRange(sr simpleRange) {
	sc.opened = true
	for _, fam := range sc.fams {
		var ge, lt keyType
		if len(sr.start) > 0 {
			ge = sr.start
		}
		if len(sr.end) > 0 {
			lt = sr.end
		}
		it := sc.snap.Iter(fam, ge, lt)
		if it.Next() {
			sc.heads = append(sc.heads, &famHead{fam: fam, iter: it, key: it.Key(), fr: it.FamilyRow()})
		} else {
			it.Release()
		}
	}
}

// advanceRow picks the head with the smallest (row key, family name) and
// makes its family-row current.
func (sc *scanner) advanceRow() bool {
	if len(sc.heads) == 0 {
		return false
	}
	min := 0
	for i := 1; i < len(sc.heads); i++ {
		if cmp := bytes.Compare(sc.heads[i].key, sc.heads[min].key); cmp < 0 ||
			(cmp == 0 && sc.heads[i].fam < sc.heads[min].fam) {
			min = i
		}
	}
	h := sc.heads[min]
	sc.cur, sc.curKey, sc.curFam = h.fr, h.key, h.fam
	sc.ci, sc.vi, sc.ve = -1, 0, 0

	if h.iter.Next() {
		h.key, h.fr = h.iter.Key(), h.iter.FamilyRow()
	} else {
		h.iter.Release()
		sc.heads = append(sc.heads[:min], sc.heads[min+1:]...)
	}
	return true
}

// nextCell emits the next cell of the current family-row, honoring the
// restriction context.
func (sc *scanner) nextCell() (cell, bool) {
	for {
		if sc.ci >= 0 && sc.vi < sc.ve {
			col := sc.cur.Columns[sc.ci]
			c := col.Cells[sc.vi]
			sc.vi++
			return cell{
				row:   sc.curKey,
				fam:   sc.curFam,
				qual:  col.Qualifier,
				ts:    c.TimestampMicros,
				value: c.Value,
			}, true
		}
		// advance to the next column that the restriction admits
		sc.ci++
		if sc.ci >= len(sc.cur.Columns) {
			return cell{}, false
		}
		col := sc.cur.Columns[sc.ci]
		if !sc.res.allowsQualifier(col.Qualifier) {
			continue
		}
		sc.vi, sc.ve = versionBounds(col.Cells, sc.res.tsStart, sc.res.tsEnd)
	}
}

// versionBounds returns the index window of cells with
// tsStart <= ts < tsEnd (tsEnd 0 = unbounded) in an ascending version list.
func versionBounds(cells []*btpb.Cell, tsStart, tsEnd int64) (lo, hi int) {
	lo = sort.Search(len(cells), func(i int) bool {
		return cells[i].TimestampMicros >= tsStart
	})
	hi = len(cells)
	if tsEnd > 0 {
		hi = sort.Search(len(cells), func(i int) bool {
			return cells[i].TimestampMicros >= tsEnd
		})
	}
	return lo, hi
}
