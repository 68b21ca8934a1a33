/*
Copyright 2016 Google LLC

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

	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"github.com/golang/protobuf/ptypes/wrappers"
)

// The maximum number of chunks the streamer will buffer before flushing a
// batch to the client.
const chunkFlushLimit = 200

type chunkSender interface {
	Send(*btpb.ReadRowsResponse) error
}

// chunkStreamer converts an ordered cell stream into ReadRowsResponse
// batches. Repeated row keys, family names and qualifiers are elided from
// consecutive chunks. The newest chunk is always held back from a flush so
// that a row boundary can be marked by amending it with CommitRow, which
// means a commit never requires an empty trailing chunk.
type chunkStreamer struct {
	send func(*btpb.ReadRowsResponse) error

	chunks  []*btpb.ReadRowsResponse_CellChunk
	prevRow keyType
	prevFam string
	prevCol *keyType // nil marks "no qualifier emitted yet for this family"
}

func newChunkStreamer(cs chunkSender) *chunkStreamer {
	return &chunkStreamer{send: cs.Send}
}

// add appends one cell, eliding whatever matches the previous chunk. A new
// row restates everything; a new family restates family and qualifier.
func (b *chunkStreamer) add(c cell) error {
	chunk := &btpb.ReadRowsResponse_CellChunk{
		TimestampMicros: c.ts,
		Value:           c.value,
		Labels:          c.labels,
	}
	if !bytes.Equal(c.row, b.prevRow) {
		if len(b.chunks) > 0 {
			b.commitLast()
		}
		chunk.RowKey = c.row
		chunk.FamilyName = &wrappers.StringValue{Value: c.fam}
		chunk.Qualifier = &wrappers.BytesValue{Value: c.qual}
		b.prevRow = c.row
		b.prevFam = c.fam
		qual := c.qual
		b.prevCol = &qual
	} else if c.fam != b.prevFam {
		chunk.FamilyName = &wrappers.StringValue{Value: c.fam}
		chunk.Qualifier = &wrappers.BytesValue{Value: c.qual}
		b.prevFam = c.fam
		qual := c.qual
		b.prevCol = &qual
	} else if b.prevCol == nil || !bytes.Equal(c.qual, *b.prevCol) {
		chunk.Qualifier = &wrappers.BytesValue{Value: c.qual}
		qual := c.qual
		b.prevCol = &qual
	}
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > chunkFlushLimit {
		return b.flush()
	}
	return nil
}

// commitLast marks the newest buffered chunk as the end of its row.
func (b *chunkStreamer) commitLast() {
	b.chunks[len(b.chunks)-1].RowStatus = &btpb.ReadRowsResponse_CellChunk_CommitRow{CommitRow: true}
}

// flush sends all buffered chunks except the newest, which stays behind so
// it can still be amended with a row commit.
func (b *chunkStreamer) flush() error {
	if len(b.chunks) < 2 {
		return nil
	}
	out := b.chunks[:len(b.chunks)-1]
	last := b.chunks[len(b.chunks)-1]
	if err := b.send(&btpb.ReadRowsResponse{Chunks: out}); err != nil {
		return err
	}
	b.chunks = []*btpb.ReadRowsResponse_CellChunk{last}
	return nil
}

// finish commits the final row, if any, and sends everything left.
func (b *chunkStreamer) finish() error {
	if len(b.chunks) == 0 {
		return nil
	}
	b.commitLast()
	if err := b.send(&btpb.ReadRowsResponse{Chunks: b.chunks}); err != nil {
		return err
	}
	b.chunks = nil
	return nil
}
