package btemu

import (
	"fmt"
	"testing"

	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
)

type captureSender struct {
	responses []*btpb.ReadRowsResponse
}

func (c *captureSender) Send(r *btpb.ReadRowsResponse) error {
	c.responses = append(c.responses, r)
	return nil
}

func (c *captureSender) allChunks() []*btpb.ReadRowsResponse_CellChunk {
	var out []*btpb.ReadRowsResponse_CellChunk
	for _, r := range c.responses {
		out = append(out, r.Chunks...)
	}
	return out
}

func TestChunkStreamerElision(t *testing.T) {
	sender := &captureSender{}
	b := newChunkStreamer(sender)

	cells := []cell{
		mkCell("r1", "cf1", "a", 2000, "v1"),
		mkCell("r1", "cf1", "a", 1000, "v2"),
		mkCell("r1", "cf1", "b", 1000, "v3"),
		mkCell("r1", "cf2", "a", 1000, "v4"),
		mkCell("r2", "cf1", "a", 1000, "v5"),
	}
	for _, c := range cells {
		if err := b.add(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.finish(); err != nil {
		t.Fatal(err)
	}

	chunks := sender.allChunks()
	if len(chunks) != 5 {
		t.Fatalf("want 5 chunks, got %d", len(chunks))
	}

	// First chunk of a row restates everything.
	if string(chunks[0].RowKey) != "r1" || chunks[0].FamilyName.GetValue() != "cf1" || string(chunks[0].Qualifier.GetValue()) != "a" {
		t.Errorf("chunk 0 not fully qualified: %v", chunks[0])
	}
	// Same column: everything elided.
	if chunks[1].RowKey != nil || chunks[1].FamilyName != nil || chunks[1].Qualifier != nil {
		t.Errorf("chunk 1 should elide row/family/qualifier: %v", chunks[1])
	}
	// New qualifier, same family.
	if chunks[2].RowKey != nil || chunks[2].FamilyName != nil || string(chunks[2].Qualifier.GetValue()) != "b" {
		t.Errorf("chunk 2 should restate only the qualifier: %v", chunks[2])
	}
	// New family restates family and qualifier.
	if chunks[3].RowKey != nil || chunks[3].FamilyName.GetValue() != "cf2" || string(chunks[3].Qualifier.GetValue()) != "a" {
		t.Errorf("chunk 3 should restate family and qualifier: %v", chunks[3])
	}
	// New row restates everything and the prior chunk carries the commit.
	if chunks[3].GetCommitRow() != true {
		t.Error("chunk 3 should commit row r1")
	}
	if string(chunks[4].RowKey) != "r2" || chunks[4].FamilyName.GetValue() != "cf1" {
		t.Errorf("chunk 4 not fully qualified: %v", chunks[4])
	}
	if chunks[4].GetCommitRow() != true {
		t.Error("final chunk should commit row r2")
	}

	// No chunk other than the row boundaries carries a commit.
	for i, c := range chunks[:3] {
		if c.GetCommitRow() {
			t.Errorf("chunk %d has spurious commit", i)
		}
	}
}

func TestChunkStreamerFlushHoldsBackNewest(t *testing.T) {
	sender := &captureSender{}
	b := newChunkStreamer(sender)

	// Push enough single-cell rows to force an intermediate flush.
	n := chunkFlushLimit + 50
	for i := 0; i < n; i++ {
		c := mkCell(fmt.Sprintf("row-%05d", i), "cf", "q", 1000, "v")
		if err := b.add(c); err != nil {
			t.Fatal(err)
		}
	}

	if len(sender.responses) != 1 {
		t.Fatalf("want 1 intermediate flush, got %d", len(sender.responses))
	}
	flushed := sender.responses[0].Chunks
	if len(flushed) != chunkFlushLimit {
		t.Errorf("flushed %d chunks, want %d", len(flushed), chunkFlushLimit)
	}
	// The flushed chunks are all completed rows, so each carries a commit;
	// the in-flight newest chunk must have stayed behind.
	for i, c := range flushed {
		if !c.GetCommitRow() {
			t.Errorf("flushed chunk %d missing commit", i)
		}
	}

	if err := b.finish(); err != nil {
		t.Fatal(err)
	}
	chunks := sender.allChunks()
	if len(chunks) != n {
		t.Fatalf("total chunks %d, want %d", len(chunks), n)
	}
	if !chunks[n-1].GetCommitRow() {
		t.Error("final chunk missing commit")
	}
}

func TestChunkStreamerEmpty(t *testing.T) {
	sender := &captureSender{}
	b := newChunkStreamer(sender)
	if err := b.finish(); err != nil {
		t.Fatal(err)
	}
	if len(sender.responses) != 0 {
		t.Errorf("empty stream sent %d responses", len(sender.responses))
	}
}
