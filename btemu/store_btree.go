package btemu

import (
	"bytes"

	btapb "cloud.google.com/go/bigtable/admin/apiv2/adminpb"
	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"github.com/google/btree"
)

const btreeDegree = 16

// BtreeStorage stores data in an in-memory btree. Snapshots are taken with
// Clone, which copies nodes lazily; a snapshot shares structure with the
// live tree but is unaffected by mutations made after it was taken.
type BtreeStorage struct {
}

var _ Storage = BtreeStorage{}

func (BtreeStorage) Create(_ *btapb.Table) Cells {
	return &btreeCells{tree: btree.NewG(btreeDegree, famItemLess)}
}

func (BtreeStorage) GetTables() []*btapb.Table {
	return nil
}

func (BtreeStorage) Open(_ *btapb.Table) Cells {
	panic("should not get here")
}

func (BtreeStorage) SetTableMeta(_ *btapb.Table) {
}

// famItem keys a serialized family-row by (family, row key).
type famItem struct {
	fam string
	key keyType
	buf []byte
}

func famItemLess(a, b famItem) bool {
	if a.fam != b.fam {
		return a.fam < b.fam
	}
	return bytes.Compare(a.key, b.key) < 0
}

type btreeCells struct {
	tree *btree.BTreeG[famItem]
}

var _ Cells = &btreeCells{}

func (b *btreeCells) Get(fam string, key keyType) *btpb.Family {
	item, ok := b.tree.Get(famItem{fam: fam, key: key})
	if !ok {
		return nil
	}
	return unmarshalFamilyRow(item.buf)
}

func (b *btreeCells) Put(fam string, key keyType, fr *btpb.Family) {
	b.tree.ReplaceOrInsert(famItem{fam: fam, key: key, buf: marshalFamilyRow(fr)})
}

func (b *btreeCells) Delete(fam string, key keyType) {
	b.tree.Delete(famItem{fam: fam, key: key})
}

func (b *btreeCells) DropFamily(fam string) {
	// The btree does not specify what happens to an iteration when items
	// are deleted mid-flight, so collect first, then delete.
	var doomed []keyType
	b.tree.AscendGreaterOrEqual(famItem{fam: fam}, func(item famItem) bool {
		if item.fam != fam {
			return false
		}
		doomed = append(doomed, item.key)
		return true
	})
	for _, key := range doomed {
		b.tree.Delete(famItem{fam: fam, key: key})
	}
}

func (b *btreeCells) Snapshot() CellsSnapshot {
	return btreeSnapshot{tree: b.tree.Clone()}
}

func (b *btreeCells) Clear() {
	b.tree.Clear(false)
}

func (b *btreeCells) Close() {
}

type btreeSnapshot struct {
	tree *btree.BTreeG[famItem]
}

func (s btreeSnapshot) Iter(fam string, greaterOrEqual, lessThan keyType) FamilyRowIter {
	return &btreeIter{
		tree: s.tree,
		fam:  fam,
		seek: famItem{fam: fam, key: greaterOrEqual},
		lt:   lessThan,
	}
}

func (s btreeSnapshot) Release() {
}

// btreeIter adapts the btree's callback iteration to a cursor by reseeking
// one item at a time. The snapshot tree is immutable, so each reseek
// resumes exactly where the previous step left off.
type btreeIter struct {
	tree *btree.BTreeG[famItem]
	fam  string
	seek famItem
	lt   keyType
	cur  famItem
	ok   bool
}

func (it *btreeIter) Next() bool {
	it.ok = false
	it.tree.AscendGreaterOrEqual(it.seek, func(item famItem) bool {
		if item.fam != it.fam {
			return false
		}
		if it.lt != nil && bytes.Compare(item.key, it.lt) >= 0 {
			return false
		}
		it.cur = item
		it.ok = true
		return false
	})
	if it.ok {
		next := make(keyType, 0, len(it.cur.key)+1)
		next = append(next, it.cur.key...)
		it.seek = famItem{fam: it.fam, key: append(next, 0)}
	}
	return it.ok
}

func (it *btreeIter) Key() keyType {
	return it.cur.key
}

func (it *btreeIter) FamilyRow() *btpb.Family {
	return unmarshalFamilyRow(it.cur.buf)
}

func (it *btreeIter) Release() {
}
