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
	"math"
	"sort"
	"sync"
	"time"

	btapb "cloud.google.com/go/bigtable/admin/apiv2/adminpb"
	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// MilliSeconds field of the minimum valid Timestamp.
	minValidMilliSeconds = 0

	// MilliSeconds field of the max valid Timestamp.
	// Must match the max value of type TimestampMicros (int64)
	// truncated to the millis granularity by subtracting a remainder of 1000.
	maxValidMilliSeconds = math.MaxInt64 - math.MaxInt64%1000
)

// table is one emulated table: its immutable-per-request schema plus its
// cell storage. All structural mutation happens under the write side of mu;
// scans take the read side just long enough to capture a storage snapshot.
type table struct {
	mu    sync.RWMutex
	def   *btapb.Table
	cells Cells
}

func newTable(tbl *btapb.Table, cells Cells) *table {
	if tbl.ColumnFamilies == nil {
		tbl.ColumnFamilies = map[string]*btapb.ColumnFamily{}
	}
	return &table{
		def:   tbl,
		cells: cells,
	}
}

func (t *table) cols() map[string]*btapb.ColumnFamily {
	return t.def.ColumnFamilies
}

// findFamily resolves a family name against the schema.
func (t *table) findFamily(name string) (*btapb.ColumnFamily, error) {
	cf, ok := t.def.ColumnFamilies[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown family %q", name)
	}
	return cf, nil
}

// familyNames returns the schema's family names in sorted order.
func (t *table) familyNames() []string {
	fams := make([]string, 0, len(t.def.ColumnFamilies))
	for fam := range t.def.ColumnFamilies {
		fams = append(fams, fam)
	}
	sort.Strings(fams)
	return fams
}

func newTimestamp(now time.Time) int64 {
	ts := now.UnixNano() / 1e3
	ts -= ts % 1000 // round to millisecond granularity
	return ts
}

// normalizeTimestamp resolves a SetCell timestamp: -1 means server time,
// anything below -1 is invalid, and microsecond inputs are truncated to the
// millisecond granularity the service stores.
func normalizeTimestamp(ts int64, now time.Time) (int64, error) {
	if ts == -1 {
		return newTimestamp(now), nil
	}
	if ts < -1 || ts > maxValidMilliSeconds {
		return 0, status.Errorf(codes.InvalidArgument, "invalid timestamp %d", ts)
	}
	return ts - ts%1000, nil
}

// setCell inserts or overwrites the cell at (fam, key, qual, ts). The
// previous value stored at that exact timestamp, if any, is returned so the
// caller can undo. The timestamp must already be normalized.
func (t *table) setCell(fam string, key, qual keyType, ts int64, value []byte) (prev []byte, hadPrev bool) {
	fr := t.cells.Get(fam, key)
	if fr == nil {
		fr = &btpb.Family{Name: fam}
	}
	col := getOrCreateColumn(fr, qual)
	prev, hadPrev = putCellVersion(col, ts, value)
	t.cells.Put(fam, key, fr)
	return prev, hadPrev
}

// deleteTimeRange removes every version of (fam, key, qual) with
// start <= ts < end; end == 0 means no upper bound. The removed cells are
// returned in ascending timestamp order so the caller can undo. Emptied
// column and family-row nodes are cascaded away.
func (t *table) deleteTimeRange(fam string, key, qual keyType, start, end int64) []*btpb.Cell {
	fr := t.cells.Get(fam, key)
	if fr == nil {
		return nil
	}
	ci := findColumn(fr, qual)
	if ci < 0 {
		return nil
	}
	col := fr.Columns[ci]
	removed := cutCellRange(col, start, end)
	if len(removed) == 0 {
		return nil
	}
	if len(col.Cells) == 0 {
		fr.Columns = append(fr.Columns[:ci], fr.Columns[ci+1:]...)
	}
	if len(fr.Columns) == 0 {
		t.cells.Delete(fam, key)
	} else {
		t.cells.Put(fam, key, fr)
	}
	return removed
}

// deleteFamilyRow removes every qualifier under (fam, key), returning the
// full prior contents for undo, or nil if the row held nothing in fam.
func (t *table) deleteFamilyRow(fam string, key keyType) *btpb.Family {
	fr := t.cells.Get(fam, key)
	if fr == nil {
		return nil
	}
	t.cells.Delete(fam, key)
	return fr
}

// deleteRow removes the row from every family in the schema, returning the
// prior contents per family.
func (t *table) deleteRow(key keyType) map[string]*btpb.Family {
	var prior map[string]*btpb.Family
	for fam := range t.def.ColumnFamilies {
		if fr := t.deleteFamilyRow(fam, key); fr != nil {
			if prior == nil {
				prior = make(map[string]*btpb.Family)
			}
			prior[fam] = fr
		}
	}
	return prior
}

// restoreFamilyRow reinstates a family-row that a delete cascaded away.
func (t *table) restoreFamilyRow(fam string, key keyType, fr *btpb.Family) {
	t.cells.Put(fam, key, fr)
}

// latestCell returns a copy of the highest-timestamp cell under
// (fam, key, qual), if any.
func (t *table) latestCell(fam string, key, qual keyType) (*btpb.Cell, bool) {
	fr := t.cells.Get(fam, key)
	if fr == nil {
		return nil, false
	}
	ci := findColumn(fr, qual)
	if ci < 0 {
		return nil, false
	}
	cells := fr.Columns[ci].Cells
	if len(cells) == 0 {
		return nil, false
	}
	return cells[len(cells)-1], true
}

// rowCells reads every cell of one row, in scan order, directly from live
// storage. The caller must hold the table lock.
func (t *table) rowCells(key keyType) []cell {
	var ret []cell
	for _, fam := range t.familyNames() {
		fr := t.cells.Get(fam, key)
		if fr == nil {
			continue
		}
		for _, col := range fr.Columns {
			for _, c := range col.Cells {
				ret = append(ret, cell{
					row:   key,
					fam:   fam,
					qual:  col.Qualifier,
					ts:    c.TimestampMicros,
					value: c.Value,
				})
			}
		}
	}
	return ret
}

// findColumn locates qual in a family-row's sorted columns, or -1.
func findColumn(fr *btpb.Family, qual keyType) int {
	i := sort.Search(len(fr.Columns), func(i int) bool {
		return bytes.Compare(fr.Columns[i].Qualifier, qual) >= 0
	})
	if i < len(fr.Columns) && bytes.Equal(fr.Columns[i].Qualifier, qual) {
		return i
	}
	return -1
}

func getOrCreateColumn(fr *btpb.Family, qual keyType) *btpb.Column {
	i := sort.Search(len(fr.Columns), func(i int) bool {
		return bytes.Compare(fr.Columns[i].Qualifier, qual) >= 0
	})
	if i < len(fr.Columns) && bytes.Equal(fr.Columns[i].Qualifier, qual) {
		return fr.Columns[i]
	}
	col := &btpb.Column{Qualifier: qual}
	fr.Columns = append(fr.Columns, nil)
	copy(fr.Columns[i+1:], fr.Columns[i:])
	fr.Columns[i] = col
	return col
}

// putCellVersion inserts a cell into a column's ascending-timestamp version
// list, replacing any existing version at the same timestamp.
func putCellVersion(col *btpb.Column, ts int64, value []byte) (prev []byte, hadPrev bool) {
	newCell := &btpb.Cell{TimestampMicros: ts, Value: value}
	i := sort.Search(len(col.Cells), func(i int) bool {
		return col.Cells[i].TimestampMicros >= ts
	})
	if i < len(col.Cells) && col.Cells[i].TimestampMicros == ts {
		prev = col.Cells[i].Value
		col.Cells[i] = newCell
		return prev, true
	}
	col.Cells = append(col.Cells, nil)
	copy(col.Cells[i+1:], col.Cells[i:])
	col.Cells[i] = newCell
	return nil, false
}

// cutCellRange removes versions with start <= ts < end (end 0 = unbounded)
// from a column, returning them.
func cutCellRange(col *btpb.Column, start, end int64) []*btpb.Cell {
	cs := col.Cells
	si := sort.Search(len(cs), func(i int) bool {
		return cs[i].TimestampMicros >= start
	})
	ei := len(cs)
	if end > 0 {
		ei = sort.Search(len(cs), func(i int) bool {
			return cs[i].TimestampMicros >= end
		})
	}
	if si >= ei {
		return nil
	}
	removed := append([]*btpb.Cell(nil), cs[si:ei]...)
	col.Cells = append(cs[:si], cs[ei:]...)
	return removed
}
