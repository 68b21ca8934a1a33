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

/*
Package btemu contains an in-memory Cloud Bigtable emulator.

To use a Server, create it, and then connect to it with no security:
(The project/instance values are ignored.)

	srv, err := btemu.NewServer("localhost:0")
	...
	conn, err := grpc.Dial(srv.Addr, grpc.WithInsecure())
	...
	client, err := bigtable.NewClient(ctx, proj, instance,
	        option.WithGRPCConn(conn))
	...
*/
package btemu // import "github.com/emucloud/bigtable/btemu"

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	btapb "cloud.google.com/go/bigtable/admin/apiv2/adminpb"
	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	emptypb "github.com/golang/protobuf/ptypes/empty"
	statpb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server is an in-memory Cloud Bigtable fake.
// It is unauthenticated, and only a rough approximation.
type Server struct {
	Addr string

	l   net.Listener
	srv *grpc.Server
	s   *server
}

// server is the real implementation of the fake.
// It is a separate and unexported type so the API won't be cluttered with
// methods that are only relevant to the fake's implementation.
type server struct {
	storage Storage
	clock   func() time.Time

	mu     sync.Mutex
	tables map[string]*table // keyed by fully qualified name

	// Any unimplemented methods will return unimplemented.
	*btapb.UnimplementedBigtableTableAdminServer
	*btpb.UnimplementedBigtableServer
}

// NewServer creates a new Server.
// The Server will be listening for gRPC connections, without TLS,
// on the provided address. The resolved address is named by the Addr field.
func NewServer(laddr string, opt ...grpc.ServerOption) (*Server, error) {
	return NewServerWithOptions(laddr, Options{
		GrpcOpts: opt,
	})
}

type Options struct {
	// A storage layer to use; if nil, defaults to LeveldbMemStorage.
	Storage Storage
	// The clock to use use; if nil, defaults to time.Now().
	Clock func() time.Time

	// Grpc server options.
	GrpcOpts []grpc.ServerOption
}

// NewServerWithOptions creates a new Server with the given options.
// The Server will be listening for gRPC connections, without TLS,
// on the provided address. The resolved address is named by the Addr field.
func NewServerWithOptions(laddr string, opt Options) (*Server, error) {
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr: l.Addr().String(),
		l:    l,
		srv:  grpc.NewServer(opt.GrpcOpts...),
		s:    newServer(opt),
	}

	btapb.RegisterBigtableTableAdminServer(s.srv, s.s)
	btpb.RegisterBigtableServer(s.srv, s.s)

	go func() {
		_ = s.srv.Serve(s.l)
	}()

	return s, nil
}

func newServer(opt Options) *server {
	if opt.Storage == nil {
		opt.Storage = LeveldbMemStorage{}
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	s := &server{
		storage: opt.Storage,
		tables:  make(map[string]*table),
		clock:   opt.Clock,

		UnimplementedBigtableTableAdminServer: &btapb.UnimplementedBigtableTableAdminServer{},
		UnimplementedBigtableServer:           &btpb.UnimplementedBigtableServer{},
	}

	// Init from storage.
	for _, tbl := range s.storage.GetTables() {
		cells := s.storage.Open(tbl)
		s.tables[tbl.Name] = newTable(tbl, cells)
	}
	return s
}

// Close shuts down the server.
func (s *Server) Close() {
	s.srv.Stop()
	_ = s.l.Close()
	s.s.close()
}

func (s *server) close() {
	var tbls []*table
	s.mu.Lock()
	for _, t := range s.tables {
		tbls = append(tbls, t)
	}
	s.mu.Unlock()

	for _, tbl := range tbls {
		func() {
			tbl.mu.Lock()
			defer tbl.mu.Unlock()
			tbl.cells.Close()
		}()
	}
}

func (s *server) lookupTable(name string) (*table, error) {
	s.mu.Lock()
	tbl, ok := s.tables[name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", name)
	}
	return tbl, nil
}

func (s *server) CreateTable(ctx context.Context, req *btapb.CreateTableRequest) (*btapb.Table, error) {
	tbl := req.Parent + "/tables/" + req.TableId

	s.mu.Lock()
	if _, ok := s.tables[tbl]; ok {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "table %q already exists", tbl)
	}
	if req.Table == nil {
		req.Table = &btapb.Table{}
	}
	req.Table.Name = tbl
	cells := s.storage.Create(req.Table)
	s.tables[tbl] = newTable(req.Table, cells)
	s.mu.Unlock()

	ct := &btapb.Table{
		Name:           tbl,
		ColumnFamilies: req.GetTable().GetColumnFamilies(),
		Granularity:    req.GetTable().GetGranularity(),
	}
	if ct.Granularity == 0 {
		ct.Granularity = btapb.Table_MILLIS
	}
	return ct, nil
}

func (s *server) ListTables(ctx context.Context, req *btapb.ListTablesRequest) (*btapb.ListTablesResponse, error) {
	res := &btapb.ListTablesResponse{}
	prefix := req.Parent + "/tables/"

	s.mu.Lock()
	for tbl := range s.tables {
		if strings.HasPrefix(tbl, prefix) {
			res.Tables = append(res.Tables, &btapb.Table{Name: tbl})
		}
	}
	s.mu.Unlock()

	return res, nil
}

func (s *server) GetTable(ctx context.Context, req *btapb.GetTableRequest) (*btapb.Table, error) {
	tbl, err := s.lookupTable(req.Name)
	if err != nil {
		return nil, err
	}

	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return tbl.def, nil
}

func (s *server) DeleteTable(ctx context.Context, req *btapb.DeleteTableRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.tables[req.Name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}
	delete(s.tables, req.Name)

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.cells.Close()
	return &emptypb.Empty{}, nil
}

func (s *server) ModifyColumnFamilies(ctx context.Context, req *btapb.ModifyColumnFamiliesRequest) (*btapb.Table, error) {
	tbl, err := s.lookupTable(req.Name)
	if err != nil {
		return nil, err
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	cfs := tbl.def.ColumnFamilies

	for _, mod := range req.Modifications {
		if create := mod.GetCreate(); create != nil {
			if _, ok := cfs[mod.Id]; ok {
				return nil, status.Errorf(codes.AlreadyExists, "family %q already exists", mod.Id)
			}
			cfs[mod.Id] = &btapb.ColumnFamily{
				GcRule: create.GcRule,
			}
		} else if mod.GetDrop() {
			if _, ok := cfs[mod.Id]; !ok {
				return nil, status.Errorf(codes.NotFound, "can't delete unknown family %q", mod.Id)
			}
			delete(cfs, mod.Id)

			// Purge all data for this column family.
			tbl.cells.DropFamily(mod.Id)
		} else if modify := mod.GetUpdate(); modify != nil {
			cf, ok := cfs[mod.Id]
			if !ok {
				return nil, status.Errorf(codes.NotFound, "no such family %q", mod.Id)
			}
			// assume that we ALWAYS want to replace by the new setting
			// we may need partial update through
			cf.GcRule = modify.GcRule
		}
	}

	s.storage.SetTableMeta(tbl.def)
	return tbl.def, nil
}

func (s *server) DropRowRange(ctx context.Context, req *btapb.DropRowRangeRequest) (*emptypb.Empty, error) {
	tbl, err := s.lookupTable(req.Name)
	if err != nil {
		return nil, err
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if req.GetDeleteAllDataFromTable() {
		tbl.cells.Clear()
		return &emptypb.Empty{}, nil
	}

	prefix := req.GetRowKeyPrefix()
	if len(prefix) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "missing row key prefix")
	}

	// Iteration does not specify what happens if rows are deleted during
	// it, so collect the keys from a snapshot first, then delete them.
	upper := prefixSuccessor(prefix)
	snap := tbl.cells.Snapshot()
	type famKeyPair struct {
		fam string
		key keyType
	}
	var toDelete []famKeyPair
	for _, fam := range tbl.familyNames() {
		it := snap.Iter(fam, prefix, upper)
		for it.Next() {
			toDelete = append(toDelete, famKeyPair{fam, it.Key()})
		}
		it.Release()
	}
	snap.Release()
	for _, fk := range toDelete {
		tbl.cells.Delete(fk.fam, fk.key)
	}
	return &emptypb.Empty{}, nil
}

func (s *server) GenerateConsistencyToken(ctx context.Context, req *btapb.GenerateConsistencyTokenRequest) (*btapb.GenerateConsistencyTokenResponse, error) {
	// Check that the table exists.
	if _, err := s.lookupTable(req.Name); err != nil {
		return nil, err
	}

	return &btapb.GenerateConsistencyTokenResponse{
		ConsistencyToken: "TokenFor-" + req.Name,
	}, nil
}

func (s *server) CheckConsistency(ctx context.Context, req *btapb.CheckConsistencyRequest) (*btapb.CheckConsistencyResponse, error) {
	// Check that the table exists.
	if _, err := s.lookupTable(req.Name); err != nil {
		return nil, err
	}

	// Check this is the right token.
	if req.ConsistencyToken != "TokenFor-"+req.Name {
		return nil, status.Errorf(codes.InvalidArgument, "token %q not valid", req.ConsistencyToken)
	}

	// Single cluster instances are always consistent.
	return &btapb.CheckConsistencyResponse{
		Consistent: true,
	}, nil
}

func (s *server) ReadRows(req *btpb.ReadRowsRequest, stream btpb.Bigtable_ReadRowsServer) error {
	tbl, err := s.lookupTable(req.TableName)
	if err != nil {
		return err
	}

	if err := validateRowRanges(req); err != nil {
		return err
	}

	var res restriction
	if len(req.GetRows().GetRowKeys())+len(req.GetRows().GetRowRanges()) > 0 {
		res.rows = mergeRowRanges(req.GetRows().GetRowKeys(), req.GetRows().GetRowRanges())
	}

	// Compile before touching storage so a bad filter fails the request
	// without emitting any chunks.
	st, err := compileRead(req.Filter, &res)
	if err != nil {
		return err
	}

	// The snapshot is consistent and immutable, so the lock is held only
	// long enough to capture it; the scan itself streams lock-free.
	tbl.mu.RLock()
	snap := tbl.cells.Snapshot()
	fams := tbl.familyNames()
	tbl.mu.RUnlock()
	defer snap.Release()

	sc := newScanner(snap, fams, res)
	defer sc.Close()

	var src cellStream = st(sc)
	if req.RowsLimit > 0 {
		src = &rowLimitStream{src: src, limit: req.RowsLimit}
	}

	b := newChunkStreamer(stream)
	for {
		c, ok := src.Next()
		if !ok {
			break
		}
		if err := b.add(c); err != nil {
			return err
		}
	}
	return b.finish()
}

func (s *server) SampleRowKeys(req *btpb.SampleRowKeysRequest, stream btpb.Bigtable_SampleRowKeysServer) error {
	tbl, err := s.lookupTable(req.TableName)
	if err != nil {
		return err
	}

	tbl.mu.RLock()
	snap := tbl.cells.Snapshot()
	fams := tbl.familyNames()
	tbl.mu.RUnlock()
	defer snap.Release()

	sc := newScanner(snap, fams, restriction{})
	defer sc.Close()

	// The return value of SampleRowKeys is very loosely defined. Return at
	// least the final row key in the table and choose other row keys
	// randomly.
	rows := &rowBatcher{src: sc}
	var offset int64
	var lastKey keyType
	var lastOffset int64
	for {
		rowCells := rows.nextRow()
		if rowCells == nil {
			break
		}
		var size int64
		for _, c := range rowCells {
			size += int64(len(c.value))
		}
		if rand.Int31n(100) == 0 {
			resp := &btpb.SampleRowKeysResponse{
				RowKey:      rowCells[0].row,
				OffsetBytes: offset,
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
			lastKey = nil
		} else {
			lastKey = rowCells[0].row
			lastOffset = offset
		}
		offset += size
	}
	if lastKey != nil {
		return stream.Send(&btpb.SampleRowKeysResponse{
			RowKey:      lastKey,
			OffsetBytes: lastOffset,
		})
	}
	return nil
}

func (s *server) MutateRow(ctx context.Context, req *btpb.MutateRowRequest) (*btpb.MutateRowResponse, error) {
	tbl, err := s.lookupTable(req.TableName)
	if err != nil {
		return nil, err
	}
	if len(req.RowKey) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "row key must be non-empty")
	}
	if len(req.Mutations) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "mutations list cannot be empty")
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if err := applyMutations(tbl, req.RowKey, req.Mutations, s.clock()); err != nil {
		return nil, err
	}
	return &btpb.MutateRowResponse{}, nil
}

func (s *server) MutateRows(req *btpb.MutateRowsRequest, stream btpb.Bigtable_MutateRowsServer) error {
	tbl, err := s.lookupTable(req.TableName)
	if err != nil {
		return err
	}
	res := &btpb.MutateRowsResponse{Entries: make([]*btpb.MutateRowsResponse_Entry, len(req.Entries))}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := s.clock()

	for i, entry := range req.Entries {
		code, msg := int32(codes.OK), ""
		if err := applyMutations(tbl, entry.RowKey, entry.Mutations, now); err != nil {
			st := status.Convert(err)
			code = int32(st.Code())
			msg = st.Message()
		}
		res.Entries[i] = &btpb.MutateRowsResponse_Entry{
			Index:  int64(i),
			Status: &statpb.Status{Code: code, Message: msg},
		}
	}
	return stream.Send(res)
}

func (s *server) CheckAndMutateRow(ctx context.Context, req *btpb.CheckAndMutateRowRequest) (*btpb.CheckAndMutateRowResponse, error) {
	tbl, err := s.lookupTable(req.TableName)
	if err != nil {
		return nil, err
	}
	if len(req.RowKey) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "row key must be non-empty")
	}
	if len(req.TrueMutations) == 0 && len(req.FalseMutations) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "no mutations provided")
	}

	// Compile first: a bad predicate fails the request before any branch
	// is chosen. A nil predicate passes every cell, so the true branch
	// runs iff the row holds any cells at all.
	predicate, err := compileFilter(req.PredicateFilter)
	if err != nil {
		return nil, err
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return checkAndMutateRow(tbl, req, predicate, s.clock())
}

func (s *server) ReadModifyWriteRow(ctx context.Context, req *btpb.ReadModifyWriteRowRequest) (*btpb.ReadModifyWriteRowResponse, error) {
	tbl, err := s.lookupTable(req.TableName)
	if err != nil {
		return nil, err
	}
	if len(req.RowKey) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "row key must be non-empty")
	}
	if len(req.Rules) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "rules list cannot be empty")
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	row, err := readModifyWriteRow(tbl, req, s.clock())
	if err != nil {
		return nil, err
	}
	return &btpb.ReadModifyWriteRowResponse{Row: row}, nil
}
