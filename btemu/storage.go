package btemu

import (
	btapb "cloud.google.com/go/bigtable/admin/apiv2/adminpb"
	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"google.golang.org/protobuf/proto"
)

// Storage implements a storage layer for all emulator data.
type Storage interface {
	// Create a new table, destroying any existing table.
	Create(tbl *btapb.Table) Cells
	// GetTables returns metadata about all stored tables.
	GetTables() []*btapb.Table
	// Open the given table, which must have been previously returned by GetTables().
	Open(tbl *btapb.Table) Cells
	// SetTableMeta persists metadata about a table.
	SetTableMeta(tbl *btapb.Table)
}

type keyType = []byte

// Cells stores one table's data family-major: for each column family, an
// ordered-by-row-key mapping from row key to the family-row, the set of
// columns that row holds in the family. A family-row is a btpb.Family whose
// columns are sorted by qualifier and whose cells are sorted by ascending
// timestamp. Implementations store family-rows serialized, so Get and
// iteration always hand out owned copies; nothing a caller does to a
// returned value can affect the container or an open snapshot.
type Cells interface {
	// Get returns the family-row stored under (fam, key), or nil.
	Get(fam string, key keyType) *btpb.Family

	// Put stores fr under (fam, key), replacing any existing family-row.
	// fr must have at least one column; empty nodes are never stored.
	Put(fam string, key keyType, fr *btpb.Family)

	// Delete removes the family-row under (fam, key), if any.
	Delete(fam string, key keyType)

	// DropFamily removes every family-row stored under fam.
	DropFamily(fam string)

	// Snapshot returns a consistent point-in-time view of the container,
	// unaffected by later mutations. The caller must Release it.
	Snapshot() CellsSnapshot

	// Clear removes all rows from the table.
	Clear()

	Close()
}

// CellsSnapshot is an immutable view of a Cells container.
type CellsSnapshot interface {
	// Iter returns a cursor over the family-rows of fam whose keys are in
	// [greaterOrEqual, lessThan), ascending by row key. A nil bound means
	// unbounded on that side.
	Iter(fam string, greaterOrEqual, lessThan keyType) FamilyRowIter

	Release()
}

// FamilyRowIter is a cursor over family-rows. Next must be called to
// position the cursor before the first access, and the cursor must be
// Released when abandoned.
type FamilyRowIter interface {
	Next() bool
	Key() keyType
	FamilyRow() *btpb.Family
	Release()
}

func unmarshalFamilyRow(buf []byte) *btpb.Family {
	var f btpb.Family
	if err := proto.Unmarshal(buf, &f); err != nil {
		panic(err)
	}
	return &f
}

func marshalFamilyRow(f *btpb.Family) []byte {
	buf, err := proto.Marshal(f)
	if err != nil {
		panic(err)
	}
	return buf
}
