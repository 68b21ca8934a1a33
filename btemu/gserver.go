package btemu

// GServer is the server implementation of bigtable.
type GServer = server

// NewGServer creates a new GServer.
func NewGServer() *GServer {
	return NewGServerWithOptions(Options{})
}

// NewGServerWithOptions creates a new GServer with the given options.
// GrpcOpts is ignored; this is for creating your own gRPC server.
func NewGServerWithOptions(opt Options) *GServer {
	return newServer(opt)
}

// Close shuts down the server.
func (s *GServer) Close() {
	s.close()
}
