package btemu

import (
	btapb "cloud.google.com/go/bigtable/admin/apiv2/adminpb"
	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LeveldbMemStorage stores data in an in-memory level db. This is the
// default. Scans run against leveldb snapshots, so they are unaffected by
// concurrent insertions and deletions.
type LeveldbMemStorage struct {
}

var _ Storage = LeveldbMemStorage{}

// Create a new table, destroying any existing table.
func (f LeveldbMemStorage) Create(_ *btapb.Table) Cells {
	newFunc := func(nuke bool) *leveldb.DB {
		return newMemDb(nuke)
	}
	return &leveldbCells{
		db:      newFunc(false),
		newFunc: newFunc,
	}
}

// GetTables returns metadata about all stored tables.
func (f LeveldbMemStorage) GetTables() []*btapb.Table {
	return nil
}

// Open the given table, which must have been previously returned by GetTables().
func (f LeveldbMemStorage) Open(_ *btapb.Table) Cells {
	panic("should not get here")
}

// SetTableMeta persists metadata about a table.
func (f LeveldbMemStorage) SetTableMeta(_ *btapb.Table) {
}

func newMemDb(_ bool) *leveldb.DB {
	db, err := leveldb.Open(storage.NewMemStorage(), &opt.Options{
		Comparer:                     comparer.DefaultComparer,
		Compression:                  opt.NoCompression,
		DisableBufferPool:            true,
		DisableLargeBatchTransaction: true,
	})
	if err != nil {
		panic(err)
	}
	return db
}

type leveldbCells struct {
	db      *leveldb.DB
	newFunc func(nuke bool) *leveldb.DB
}

var _ Cells = &leveldbCells{}

// famKey builds the composite db key. Family ids match [-_.a-zA-Z0-9]+ and
// never contain a NUL, so "fam\x00key" preserves row-key order per family.
func famKey(fam string, key keyType) []byte {
	k := make([]byte, 0, len(fam)+1+len(key))
	k = append(k, fam...)
	k = append(k, 0)
	return append(k, key...)
}

// famRange bounds the composite keys of fam to row keys in [ge, lt).
func famRange(fam string, ge, lt keyType) *util.Range {
	rng := &util.Range{Start: famKey(fam, ge)}
	if lt != nil {
		rng.Limit = famKey(fam, lt)
	} else {
		rng.Limit = append([]byte(fam), 1)
	}
	return rng
}

func (c *leveldbCells) Get(fam string, key keyType) *btpb.Family {
	buf, err := c.db.Get(famKey(fam, key), nil)
	if err == leveldb.ErrNotFound {
		return nil
	} else if err != nil {
		panic(err)
	}
	return unmarshalFamilyRow(buf)
}

func (c *leveldbCells) Put(fam string, key keyType, fr *btpb.Family) {
	if err := c.db.Put(famKey(fam, key), marshalFamilyRow(fr), nil); err != nil {
		panic(err)
	}
}

func (c *leveldbCells) Delete(fam string, key keyType) {
	if err := c.db.Delete(famKey(fam, key), nil); err != nil {
		panic(err)
	}
}

func (c *leveldbCells) DropFamily(fam string) {
	batch := new(leveldb.Batch)
	it := c.db.NewIterator(famRange(fam, nil, nil), nil)
	for ok := it.First(); ok; ok = it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		panic(err)
	}
	if err := c.db.Write(batch, nil); err != nil {
		panic(err)
	}
}

func (c *leveldbCells) Snapshot() CellsSnapshot {
	snap, err := c.db.GetSnapshot()
	if err != nil {
		panic(err)
	}
	return leveldbSnapshot{snap: snap}
}

func (c *leveldbCells) Clear() {
	if err := c.db.Close(); err != nil {
		panic(err)
	}
	c.db = c.newFunc(true)
}

func (c *leveldbCells) Close() {
	if err := c.db.Close(); err != nil {
		panic(err)
	}
}

type leveldbSnapshot struct {
	snap *leveldb.Snapshot
}

func (s leveldbSnapshot) Iter(fam string, greaterOrEqual, lessThan keyType) FamilyRowIter {
	return &leveldbIter{
		it:        s.snap.NewIterator(famRange(fam, greaterOrEqual, lessThan), nil),
		prefixLen: len(fam) + 1,
	}
}

func (s leveldbSnapshot) Release() {
	s.snap.Release()
}

type leveldbIter struct {
	it        iterator.Iterator
	prefixLen int
	started   bool
}

func (it *leveldbIter) Next() bool {
	if !it.started {
		it.started = true
		return it.it.First()
	}
	return it.it.Next()
}

func (it *leveldbIter) Key() keyType {
	// The iterator reuses its key buffer; hand out a copy.
	return append(keyType(nil), it.it.Key()[it.prefixLen:]...)
}

func (it *leveldbIter) FamilyRow() *btpb.Family {
	return unmarshalFamilyRow(it.it.Value())
}

func (it *leveldbIter) Release() {
	it.it.Release()
}
