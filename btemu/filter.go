/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package btemu

import (
	"bytes"
	"log"
	"math/rand"
	"regexp"
	"sort"
	"time"

	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"rsc.io/binaryregexp"
)

var validLabelTransformer = regexp.MustCompile(`[a-z0-9\-]{1,15}`)

var randFloat = rand.Float64

// A stage is one compiled filter: applied to a source stream it yields the
// filtered stream. Stages are reusable factories; applying one to a fresh
// source starts with fresh per-row state. All validation happens at compile
// time, so a compiled pipeline streams without further errors.
type stage func(src cellStream) cellStream

func passStage(src cellStream) cellStream { return src }

func blockStage(cellStream) cellStream { return emptyStream{} }

func keepStage(keep func(cell) bool) stage {
	return func(src cellStream) cellStream {
		return &keepStream{src: src, keep: keep}
	}
}

func mapStage(f func(cell) cell) stage {
	return func(src cellStream) cellStream {
		return &mapStream{src: src, f: f}
	}
}

// compileFilter turns a filter expression into a stage. A nil filter passes
// everything. An unsupported filter variant fails the whole compilation.
func compileFilter(f *btpb.RowFilter) (stage, error) {
	if f == nil {
		return passStage, nil
	}
	switch f := f.Filter.(type) {
	default:
		return nil, status.Errorf(codes.Unimplemented, "unsupported filter type %T", f)
	case *btpb.RowFilter_PassAllFilter:
		if !f.PassAllFilter {
			return nil, status.Errorf(codes.InvalidArgument, "pass_all_filter must be true if set")
		}
		return passStage, nil
	case *btpb.RowFilter_BlockAllFilter:
		if !f.BlockAllFilter {
			return nil, status.Errorf(codes.InvalidArgument, "block_all_filter must be true if set")
		}
		return blockStage, nil
	case *btpb.RowFilter_RowKeyRegexFilter:
		rx, err := newRegexp(f.RowKeyRegexFilter)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Error in field 'rowkey_regex_filter' : %v", err)
		}
		return keepStage(func(c cell) bool { return rx.Match(c.row) }), nil
	case *btpb.RowFilter_FamilyNameRegexFilter:
		rx, err := newRegexp([]byte(f.FamilyNameRegexFilter))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Error in field 'family_name_regex_filter' : %v", err)
		}
		return keepStage(func(c cell) bool { return rx.MatchString(c.fam) }), nil
	case *btpb.RowFilter_ColumnQualifierRegexFilter:
		rx, err := newRegexp(f.ColumnQualifierRegexFilter)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Error in field 'column_qualifier_regex_filter' : %v", err)
		}
		return keepStage(func(c cell) bool { return rx.Match(c.qual) }), nil
	case *btpb.RowFilter_ValueRegexFilter:
		rx, err := newRegexp(f.ValueRegexFilter)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Error in field 'value_regex_filter' : %v", err)
		}
		return keepStage(func(c cell) bool { return rx.Match(c.value) }), nil
	case *btpb.RowFilter_ColumnRangeFilter:
		fam := f.ColumnRangeFilter.FamilyName
		qr := columnRangeBounds(f.ColumnRangeFilter)
		return keepStage(func(c cell) bool { return c.fam == fam && qr.contains(c.qual) }), nil
	case *btpb.RowFilter_TimestampRangeFilter:
		start, end := f.TimestampRangeFilter.StartTimestampMicros, f.TimestampRangeFilter.EndTimestampMicros
		if err := validateFilterTimeRange(start, end); err != nil {
			return nil, err
		}
		return keepStage(func(c cell) bool {
			return c.ts >= start && (end == 0 || c.ts < end)
		}), nil
	case *btpb.RowFilter_ValueRangeFilter:
		inRange := valueRangePredicate(f.ValueRangeFilter)
		return keepStage(func(c cell) bool { return inRange(c.value) }), nil
	case *btpb.RowFilter_StripValueTransformer:
		if !f.StripValueTransformer {
			return nil, status.Errorf(codes.InvalidArgument, "strip_value_transformer must be true if set")
		}
		return mapStage(func(c cell) cell {
			c.value = nil
			c.labels = nil
			return c
		}), nil
	case *btpb.RowFilter_ApplyLabelTransformer:
		label := f.ApplyLabelTransformer
		if !validLabelTransformer.MatchString(label) {
			return nil, status.Errorf(
				codes.InvalidArgument,
				`apply_label_transformer must match RE2([a-z0-9\-]+), but found %v`,
				label,
			)
		}
		return mapStage(func(c cell) cell {
			c.labels = []string{label}
			return c
		}), nil
	case *btpb.RowFilter_RowSampleFilter:
		// The row sample filter "matches all cells from a row with probability
		// p, and matches no cells from the row with probability 1-p."
		p := f.RowSampleFilter
		if p <= 0.0 || p >= 1.0 {
			return nil, status.Error(codes.InvalidArgument, "row_sample_filter argument must be between 0.0 and 1.0")
		}
		return func(src cellStream) cellStream {
			return &rowSampleStream{src: src, p: p}
		}, nil
	case *btpb.RowFilter_CellsPerRowOffsetFilter:
		n := int(f.CellsPerRowOffsetFilter)
		return func(src cellStream) cellStream {
			return &rowOffsetStream{src: src, n: n}
		}, nil
	case *btpb.RowFilter_CellsPerRowLimitFilter:
		n := int(f.CellsPerRowLimitFilter)
		return func(src cellStream) cellStream {
			return &rowCellLimitStream{src: src, n: n}
		}, nil
	case *btpb.RowFilter_CellsPerColumnLimitFilter:
		n := int(f.CellsPerColumnLimitFilter)
		if n < 1 {
			return nil, status.Errorf(codes.InvalidArgument, "cells_per_column_limit_filter must be positive")
		}
		return func(src cellStream) cellStream {
			return &latestStream{src: src, n: n}
		}, nil
	case *btpb.RowFilter_Chain_:
		if len(f.Chain.Filters) < 2 {
			return nil, status.Errorf(codes.InvalidArgument, "Chain must contain at least two RowFilters")
		}
		subs := make([]stage, 0, len(f.Chain.Filters))
		for _, sub := range f.Chain.Filters {
			st, err := compileFilter(sub)
			if err != nil {
				return nil, err
			}
			subs = append(subs, st)
		}
		return chainStages(subs), nil
	case *btpb.RowFilter_Interleave_:
		if len(f.Interleave.Filters) < 2 {
			return nil, status.Errorf(codes.InvalidArgument, "Interleave must contain at least two RowFilters")
		}
		subs := make([]stage, 0, len(f.Interleave.Filters))
		for _, sub := range f.Interleave.Filters {
			st, err := compileFilter(sub)
			if err != nil {
				return nil, err
			}
			subs = append(subs, st)
		}
		return func(src cellStream) cellStream {
			return &interleaveStream{rows: &rowBatcher{src: src}, subs: subs}
		}, nil
	case *btpb.RowFilter_Condition_:
		pred, err := compileFilter(f.Condition.PredicateFilter)
		if err != nil {
			return nil, err
		}
		// An absent branch drops the row.
		trueStage := stage(blockStage)
		if f.Condition.TrueFilter != nil {
			if trueStage, err = compileFilter(f.Condition.TrueFilter); err != nil {
				return nil, err
			}
		}
		falseStage := stage(blockStage)
		if f.Condition.FalseFilter != nil {
			if falseStage, err = compileFilter(f.Condition.FalseFilter); err != nil {
				return nil, err
			}
		}
		return func(src cellStream) cellStream {
			return &conditionStream{
				rows:       &rowBatcher{src: src},
				pred:       pred,
				trueStage:  trueStage,
				falseStage: falseStage,
			}
		}, nil
	}
}

// compileRead compiles a filter for a full scan, hoisting timestamp and
// column ranges into the restriction context when that cannot change the
// result: only when every element of the expression is a pure per-cell
// filter, so no element is sensitive to cell counts or row state.
func compileRead(f *btpb.RowFilter, res *restriction) (stage, error) {
	members, ok := narrowable(f)
	if !ok {
		return compileFilter(f)
	}
	var subs []stage
	for _, m := range members {
		switch mf := m.Filter.(type) {
		case *btpb.RowFilter_TimestampRangeFilter:
			start, end := mf.TimestampRangeFilter.StartTimestampMicros, mf.TimestampRangeFilter.EndTimestampMicros
			if err := validateFilterTimeRange(start, end); err != nil {
				return nil, err
			}
			res.intersectTimestamps(start, end)
		case *btpb.RowFilter_ColumnRangeFilter:
			res.intersectColumns(mf.ColumnRangeFilter.FamilyName, columnRangeBounds(mf.ColumnRangeFilter))
		default:
			st, err := compileFilter(m)
			if err != nil {
				return nil, err
			}
			subs = append(subs, st)
		}
	}
	return chainStages(subs), nil
}

// narrowable reports whether f is a chain of pure per-cell filters (or a
// single one), returning the flattened members.
func narrowable(f *btpb.RowFilter) ([]*btpb.RowFilter, bool) {
	if f == nil {
		return nil, true
	}
	if ch, ok := f.Filter.(*btpb.RowFilter_Chain_); ok {
		if len(ch.Chain.Filters) < 2 {
			return nil, false // let compileFilter produce the error
		}
		for _, sub := range ch.Chain.Filters {
			if !perCellFilter(sub) {
				return nil, false
			}
		}
		return ch.Chain.Filters, true
	}
	if perCellFilter(f) {
		return []*btpb.RowFilter{f}, true
	}
	return nil, false
}

func perCellFilter(f *btpb.RowFilter) bool {
	if f == nil {
		return false
	}
	switch f.Filter.(type) {
	case *btpb.RowFilter_PassAllFilter,
		*btpb.RowFilter_RowKeyRegexFilter,
		*btpb.RowFilter_FamilyNameRegexFilter,
		*btpb.RowFilter_ColumnQualifierRegexFilter,
		*btpb.RowFilter_ValueRegexFilter,
		*btpb.RowFilter_ColumnRangeFilter,
		*btpb.RowFilter_TimestampRangeFilter,
		*btpb.RowFilter_ValueRangeFilter,
		*btpb.RowFilter_StripValueTransformer,
		*btpb.RowFilter_ApplyLabelTransformer:
		return true
	}
	return false
}

func chainStages(subs []stage) stage {
	if len(subs) == 0 {
		return passStage
	}
	return func(src cellStream) cellStream {
		for _, st := range subs {
			src = st(src)
		}
		return src
	}
}

// validateFilterTimeRange applies the millisecond-granularity and
// half-open-interval rules to a timestamp range filter.
func validateFilterTimeRange(start, end int64) error {
	if start%int64(time.Millisecond/time.Microsecond) != 0 || end%int64(time.Millisecond/time.Microsecond) != 0 {
		return status.Errorf(codes.InvalidArgument, "Error in field 'timestamp_range_filter'. Maximum precision allowed in filter is millisecond.\nGot:\nStart: %v\nEnd: %v", start, end)
	}
	if end != 0 && start >= end {
		return status.Errorf(codes.InvalidArgument, "inverted or invalid timestamp range [%d, %d)", start, end)
	}
	return nil
}

// columnRangeBounds normalizes a column range to closed-start/open-end form.
func columnRangeBounds(cr *btpb.ColumnRange) simpleRange {
	var sr simpleRange
	switch sq := cr.StartQualifier.(type) {
	case *btpb.ColumnRange_StartQualifierClosed:
		sr.start = sq.StartQualifierClosed
	case *btpb.ColumnRange_StartQualifierOpen:
		sr.start = append(append(keyType{}, sq.StartQualifierOpen...), 0)
	}
	switch eq := cr.EndQualifier.(type) {
	case *btpb.ColumnRange_EndQualifierClosed:
		sr.end = append(append(keyType{}, eq.EndQualifierClosed...), 0)
	case *btpb.ColumnRange_EndQualifierOpen:
		sr.end = eq.EndQualifierOpen
	}
	return sr
}

func valueRangePredicate(vr *btpb.ValueRange) func([]byte) bool {
	// Start value defaults to empty string closed
	inRangeStart := func(v []byte) bool { return bytes.Compare(v, []byte{}) >= 0 }
	switch sv := vr.StartValue.(type) {
	case *btpb.ValueRange_StartValueOpen:
		inRangeStart = func(v []byte) bool { return bytes.Compare(v, sv.StartValueOpen) > 0 }
	case *btpb.ValueRange_StartValueClosed:
		inRangeStart = func(v []byte) bool { return bytes.Compare(v, sv.StartValueClosed) >= 0 }
	}
	// End value defaults to no upper boundary
	inRangeEnd := func(v []byte) bool { return true }
	switch ev := vr.EndValue.(type) {
	case *btpb.ValueRange_EndValueClosed:
		inRangeEnd = func(v []byte) bool { return bytes.Compare(v, ev.EndValueClosed) <= 0 }
	case *btpb.ValueRange_EndValueOpen:
		inRangeEnd = func(v []byte) bool { return bytes.Compare(v, ev.EndValueOpen) < 0 }
	}
	return func(v []byte) bool { return inRangeStart(v) && inRangeEnd(v) }
}

// rowSampleStream draws one keep/drop decision per row key, the first time
// the key is observed, and reuses it for the rest of that row.
type rowSampleStream struct {
	src     cellStream
	p       float64
	row     keyType
	started bool
	keep    bool
}

func (s *rowSampleStream) Next() (cell, bool) {
	for {
		c, ok := s.src.Next()
		if !ok {
			return cell{}, false
		}
		if !s.started || !bytes.Equal(c.row, s.row) {
			s.started = true
			s.row = c.row
			s.keep = randFloat() < s.p
		}
		if s.keep {
			return c, true
		}
	}
}

// rowOffsetStream skips the first n cells of each row.
type rowOffsetStream struct {
	src     cellStream
	n       int
	row     keyType
	started bool
	seen    int
}

func (s *rowOffsetStream) Next() (cell, bool) {
	for {
		c, ok := s.src.Next()
		if !ok {
			return cell{}, false
		}
		if !s.started || !bytes.Equal(c.row, s.row) {
			s.started = true
			s.row = c.row
			s.seen = 0
		}
		s.seen++
		if s.seen > s.n {
			return c, true
		}
	}
}

// rowCellLimitStream passes at most n cells of each row.
type rowCellLimitStream struct {
	src     cellStream
	n       int
	row     keyType
	started bool
	seen    int
}

func (s *rowCellLimitStream) Next() (cell, bool) {
	for {
		c, ok := s.src.Next()
		if !ok {
			return cell{}, false
		}
		if !s.started || !bytes.Equal(c.row, s.row) {
			s.started = true
			s.row = c.row
			s.seen = 0
		}
		s.seen++
		if s.seen <= s.n {
			return c, true
		}
	}
}

// latestStream keeps the n most recent versions of each column. Versions
// arrive in ascending timestamp order, so each column is buffered until it
// ends and its trailing n cells are replayed.
type latestStream struct {
	src     cellStream
	n       int
	pending []cell
	ahead   cell
	have    bool
	done    bool
}

func (s *latestStream) Next() (cell, bool) {
	for len(s.pending) == 0 {
		if s.done {
			return cell{}, false
		}
		col := s.nextColumn()
		if col == nil {
			return cell{}, false
		}
		if len(col) > s.n {
			col = col[len(col)-s.n:]
		}
		s.pending = col
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, true
}

// nextColumn gathers every buffered cell of the next column.
func (s *latestStream) nextColumn() []cell {
	if !s.have {
		c, ok := s.src.Next()
		if !ok {
			s.done = true
			return nil
		}
		s.ahead, s.have = c, true
	}
	col := []cell{s.ahead}
	s.have = false
	for {
		c, ok := s.src.Next()
		if !ok {
			s.done = true
			return col
		}
		first := col[0]
		if !bytes.Equal(c.row, first.row) || c.fam != first.fam || !bytes.Equal(c.qual, first.qual) {
			s.ahead, s.have = c, true
			return col
		}
		col = append(col, c)
	}
}

// interleaveStream routes each row's cells through every branch and merges
// the branch outputs back into scan order, preserving duplicates from
// overlapping branches.
type interleaveStream struct {
	rows *rowBatcher
	subs []stage
	out  []cell
	i    int
}

func (s *interleaveStream) Next() (cell, bool) {
	for s.i >= len(s.out) {
		rowCells := s.rows.nextRow()
		if rowCells == nil {
			return cell{}, false
		}
		s.out = s.out[:0]
		for _, sub := range s.subs {
			s.out = append(s.out, runStage(sub, rowCells)...)
		}
		sort.SliceStable(s.out, func(i, j int) bool {
			a, b := s.out[i], s.out[j]
			if a.fam != b.fam {
				return a.fam < b.fam
			}
			if cmp := bytes.Compare(a.qual, b.qual); cmp != 0 {
				return cmp < 0
			}
			return a.ts < b.ts
		})
		s.i = 0
	}
	c := s.out[s.i]
	s.i++
	return c, true
}

// conditionStream evaluates the predicate per row ("does at least one cell
// survive") and routes the row's cells through the matching branch.
type conditionStream struct {
	rows       *rowBatcher
	pred       stage
	trueStage  stage
	falseStage stage
	out        []cell
	i          int
}

func (s *conditionStream) Next() (cell, bool) {
	for s.i >= len(s.out) {
		rowCells := s.rows.nextRow()
		if rowCells == nil {
			return cell{}, false
		}
		branch := s.falseStage
		if rowMatches(s.pred, rowCells) {
			branch = s.trueStage
		}
		s.out = runStage(branch, rowCells)
		s.i = 0
	}
	c := s.out[s.i]
	s.i++
	return c, true
}

// runStage drains one stage over a fixed row of cells.
func runStage(st stage, cells []cell) []cell {
	out := st(&sliceStream{cells: cells})
	var ret []cell
	for {
		c, ok := out.Next()
		if !ok {
			return ret
		}
		ret = append(ret, c)
	}
}

// rowMatches reports whether at least one cell survives the stage.
func rowMatches(st stage, cells []cell) bool {
	out := st(&sliceStream{cells: cells})
	_, ok := out.Next()
	return ok
}

// escapeUTF is used to escape non-ASCII characters in pattern strings passed
// to binaryregexp. This makes regexp column and row key matching work more
// closely to what's seen with the real BigTable.
func escapeUTF(in []byte) []byte {
	var toEsc int
	for _, c := range in {
		if c > 127 {
			toEsc++
		}
	}
	if toEsc == 0 {
		return in
	}
	// Each escaped byte becomes 4 bytes (byte a1 becomes \xA1)
	out := make([]byte, 0, len(in)+3*toEsc)
	for _, c := range in {
		if c > 127 {
			h, l := c>>4, c&0xF
			const conv = "0123456789ABCDEF"
			out = append(out, '\\', 'x', conv[h], conv[l])
		} else {
			out = append(out, c)
		}
	}
	return out
}

func newRegexp(pat []byte) (*binaryregexp.Regexp, error) {
	re, err := binaryregexp.Compile("^(?:" + string(escapeUTF(pat)) + ")$") // match entire target
	if err != nil {
		log.Printf("Bad pattern %q: %v", pat, err)
	}
	return re, err
}
