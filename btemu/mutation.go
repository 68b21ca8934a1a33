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
	"encoding/binary"
	"time"

	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// An undoAction reverses one already-applied store operation. Actions hold
// owned copies of whatever they restore; they never reference live
// container state, so a rollback is valid no matter what later mutations
// in the same request did before failing.
type undoAction interface {
	revert(t *table)
}

// undoSetCell reverses a SetCell: restore the overwritten value, or remove
// the cell if the timestamp did not previously exist.
type undoSetCell struct {
	fam       string
	key, qual keyType
	ts        int64
	prev      []byte
	hadPrev   bool
}

func (u undoSetCell) revert(t *table) {
	if u.hadPrev {
		t.setCell(u.fam, u.key, u.qual, u.ts, u.prev)
	} else {
		// Timestamps are millisecond-granular, so [ts, ts+1) removes
		// exactly this version.
		t.deleteTimeRange(u.fam, u.key, u.qual, u.ts, u.ts+1)
	}
}

// undoDeleteCells reinstates versions removed from one column, recreating
// the column and family-row nodes if the delete cascaded them away.
type undoDeleteCells struct {
	fam       string
	key, qual keyType
	cells     []*btpb.Cell
}

func (u undoDeleteCells) revert(t *table) {
	for _, c := range u.cells {
		t.setCell(u.fam, u.key, u.qual, c.TimestampMicros, c.Value)
	}
}

// undoDeleteFamilyRow reinstates an entire deleted family-row.
type undoDeleteFamilyRow struct {
	fam   string
	key   keyType
	prior *btpb.Family
}

func (u undoDeleteFamilyRow) revert(t *table) {
	t.restoreFamilyRow(u.fam, u.key, u.prior)
}

func rollback(t *table, undo []undoAction) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i].revert(t)
	}
}

// applyMutations applies an ordered mutation list to one row, atomically:
// the first failure reverts every mutation already applied, in reverse
// order, and is returned; on success storage holds all of them.
// The caller must hold the table write lock.
func applyMutations(t *table, key keyType, muts []*btpb.Mutation, now time.Time) error {
	var undo []undoAction
	abort := func(err error) error {
		rollback(t, undo)
		return err
	}
	for _, mut := range muts {
		switch mut := mut.Mutation.(type) {
		default:
			return abort(status.Errorf(codes.Unimplemented, "can't handle mutation type %T", mut))
		case *btpb.Mutation_SetCell_:
			set := mut.SetCell
			if _, err := t.findFamily(set.FamilyName); err != nil {
				return abort(err)
			}
			ts, err := normalizeTimestamp(set.TimestampMicros, now)
			if err != nil {
				return abort(err)
			}
			prev, hadPrev := t.setCell(set.FamilyName, key, set.ColumnQualifier, ts, set.Value)
			undo = append(undo, undoSetCell{
				fam:     set.FamilyName,
				key:     key,
				qual:    set.ColumnQualifier,
				ts:      ts,
				prev:    prev,
				hadPrev: hadPrev,
			})
		case *btpb.Mutation_DeleteFromColumn_:
			del := mut.DeleteFromColumn
			if _, err := t.findFamily(del.FamilyName); err != nil {
				return abort(err)
			}
			start, end := int64(0), int64(0)
			if tr := del.TimeRange; tr != nil {
				start, end = tr.StartTimestampMicros, tr.EndTimestampMicros
				if err := validateTimeRange(start, end); err != nil {
					return abort(err)
				}
			}
			removed := t.deleteTimeRange(del.FamilyName, key, del.ColumnQualifier, start, end)
			if len(removed) > 0 {
				undo = append(undo, undoDeleteCells{
					fam:   del.FamilyName,
					key:   key,
					qual:  del.ColumnQualifier,
					cells: removed,
				})
			}
		case *btpb.Mutation_DeleteFromFamily_:
			fam := mut.DeleteFromFamily.FamilyName
			if _, err := t.findFamily(fam); err != nil {
				return abort(err)
			}
			if fr := t.deleteFamilyRow(fam, key); fr != nil {
				undo = append(undo, undoDeleteFamilyRow{fam: fam, key: key, prior: fr})
			}
		case *btpb.Mutation_DeleteFromRow_:
			for fam, fr := range t.deleteRow(key) {
				undo = append(undo, undoDeleteFamilyRow{fam: fam, key: key, prior: fr})
			}
		}
	}
	return nil
}

// validateTimeRange checks a half-open [start, end) delete range; end == 0
// means no upper bound.
func validateTimeRange(start, end int64) error {
	if start < minValidMilliSeconds || start > maxValidMilliSeconds {
		return status.Errorf(codes.InvalidArgument, "invalid timestamp %d", start)
	}
	if end != 0 && (end < minValidMilliSeconds || end > maxValidMilliSeconds) {
		return status.Errorf(codes.InvalidArgument, "invalid timestamp %d", end)
	}
	if start%1000 != 0 || end%1000 != 0 {
		return status.Errorf(codes.InvalidArgument, "timestamp range [%d, %d) exceeds millisecond granularity", start, end)
	}
	if end != 0 && start >= end {
		return status.Errorf(codes.InvalidArgument, "inverted or invalid timestamp range [%d, %d)", start, end)
	}
	return nil
}

// checkAndMutateRow evaluates the compiled predicate against the row and
// applies the matching mutation branch through the same atomic engine as
// MutateRow. The caller must hold the table write lock.
func checkAndMutateRow(t *table, req *btpb.CheckAndMutateRowRequest, predicate stage, now time.Time) (*btpb.CheckAndMutateRowResponse, error) {
	// The predicate matches iff the filtered stream yields at least one cell.
	matched := rowMatches(predicate, t.rowCells(req.RowKey))

	muts := req.FalseMutations
	if matched {
		muts = req.TrueMutations
	}
	if err := applyMutations(t, req.RowKey, muts, now); err != nil {
		return nil, err
	}
	return &btpb.CheckAndMutateRowResponse{PredicateMatched: matched}, nil
}

// readModifyWriteRow applies an ordered rule list to one row. Each rule
// reads the latest cell of its column: a cell timestamped at or after the
// current wall clock is rewritten in place, otherwise the rule writes a new
// cell at the current wall clock, baselining on the latest value (or an
// empty/zero baseline when the column is absent). Any failure rolls back
// every rule already applied. The caller must hold the table write lock.
func readModifyWriteRow(t *table, req *btpb.ReadModifyWriteRowRequest, now time.Time) (*btpb.Row, error) {
	var undo []undoAction
	abort := func(err error) (*btpb.Row, error) {
		rollback(t, undo)
		return nil, err
	}

	resultRow := &btpb.Row{Key: req.RowKey} // copy of updated cells
	for _, rule := range req.Rules {
		if _, err := t.findFamily(rule.FamilyName); err != nil {
			return abort(err)
		}

		ts := newTimestamp(now)
		var prevVal []byte
		if latest, ok := t.latestCell(rule.FamilyName, req.RowKey, rule.ColumnQualifier); ok {
			prevVal = latest.Value
			// A cell from the future keeps its own timestamp and is
			// rewritten in place.
			if latest.TimestampMicros > ts {
				ts = latest.TimestampMicros
			}
		}

		var newVal []byte
		switch r := rule.Rule.(type) {
		default:
			return abort(status.Errorf(codes.Unimplemented, "unknown RMW rule oneof %T", r))
		case *btpb.ReadModifyWriteRule_AppendValue:
			newVal = make([]byte, 0, len(prevVal)+len(r.AppendValue))
			newVal = append(newVal, prevVal...)
			newVal = append(newVal, r.AppendValue...)
		case *btpb.ReadModifyWriteRule_IncrementAmount:
			var v int64
			if prevVal != nil {
				if len(prevVal) != 8 {
					return abort(status.Errorf(codes.InvalidArgument, "increment on non-64-bit value"))
				}
				v = int64(binary.BigEndian.Uint64(prevVal))
			}
			v += r.IncrementAmount
			var val [8]byte
			binary.BigEndian.PutUint64(val[:], uint64(v))
			newVal = val[:]
		}

		prev, hadPrev := t.setCell(rule.FamilyName, req.RowKey, rule.ColumnQualifier, ts, newVal)
		undo = append(undo, undoSetCell{
			fam:     rule.FamilyName,
			key:     req.RowKey,
			qual:    rule.ColumnQualifier,
			ts:      ts,
			prev:    prev,
			hadPrev: hadPrev,
		})

		// Only the touched column appears in the result, holding exactly
		// the resulting cell.
		resultFam := getOrCreateResultFamily(resultRow, rule.FamilyName)
		resultCol := getOrCreateColumn(resultFam, rule.ColumnQualifier)
		resultCol.Cells = []*btpb.Cell{{TimestampMicros: ts, Value: newVal}}
	}
	return resultRow, nil
}

func getOrCreateResultFamily(r *btpb.Row, name string) *btpb.Family {
	for _, fam := range r.Families {
		if fam.Name == name {
			return fam
		}
	}
	fam := &btpb.Family{Name: name}
	r.Families = append(r.Families, fam)
	return fam
}
