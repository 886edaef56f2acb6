// Command numstores serves one numstore database over gRPC, using a
// hand-written service descriptor and a JSON wire codec instead of
// generated protobuf stubs — numstore's requests are simple enough
// (names, byte slices, offsets) that a schema compiler buys nothing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/lincketheo/numstore/internal/config"
	"github.com/lincketheo/numstore/internal/engine"
	"github.com/lincketheo/numstore/internal/store"
)

func storeBSize(v uint64) store.BSize { return store.BSize(v) }

var (
	flagData   = flag.String("data", "numstore.db", "path to the data file")
	flagWAL    = flag.String("wal", "numstore.wal", "path to the write-ahead log")
	flagConfig = flag.String("config", "", "optional YAML config file overriding defaults")
	flagGRPC   = flag.String("grpc", ":9090", "gRPC listen address")
)

type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type createVariableRequest struct {
	Name string `json:"name"`
	Type []byte `json:"type"`
}
type createVariableResponse struct {
	RPTRoot uint64 `json:"rpt_root,omitempty"`
	Error   string `json:"error,omitempty"`
}

type removeVariableRequest struct {
	Name string `json:"name"`
}
type removeVariableResponse struct {
	Found bool   `json:"found"`
	Error string `json:"error,omitempty"`
}

type insertRequest struct {
	Name   string `json:"name"`
	Bstart uint64 `json:"bstart"`
	Data   []byte `json:"data"`
}
type insertResponse struct {
	Error string `json:"error,omitempty"`
}

type writeRequest struct {
	Name   string `json:"name"`
	Bstart uint64 `json:"bstart"`
	Data   []byte `json:"data"`
	BSize  uint64 `json:"bsize"`
	Stride int    `json:"stride"`
}
type writeResponse struct {
	Error string `json:"error,omitempty"`
}

type readRequest struct {
	Name   string `json:"name"`
	Bstart uint64 `json:"bstart"`
	NElems int    `json:"nelems"`
	BSize  uint64 `json:"bsize"`
	Stride int    `json:"stride"`
}
type readResponse struct {
	Data  []byte `json:"data"`
	N     int    `json:"n"`
	Error string `json:"error,omitempty"`
}

type removeRequest struct {
	Name      string `json:"name"`
	Bstart    uint64 `json:"bstart"`
	MaxRemove int    `json:"max_remove"`
	BSize     uint64 `json:"bsize"`
	Stride    int    `json:"stride"`
}
type removeResponse struct {
	Data  []byte `json:"data"`
	N     int    `json:"n"`
	Error string `json:"error,omitempty"`
}

type checkpointRequest struct{}
type checkpointResponse struct {
	Error string `json:"error,omitempty"`
}

// NumstoreServer is the RPC surface a numstore database exposes: create
// and drop named variables, and insert/write/read/remove their
// byte-stream contents, plus an explicit checkpoint trigger.
type NumstoreServer interface {
	CreateVariable(context.Context, *createVariableRequest) (*createVariableResponse, error)
	RemoveVariable(context.Context, *removeVariableRequest) (*removeVariableResponse, error)
	Insert(context.Context, *insertRequest) (*insertResponse, error)
	Write(context.Context, *writeRequest) (*writeResponse, error)
	Read(context.Context, *readRequest) (*readResponse, error)
	Remove(context.Context, *removeRequest) (*removeResponse, error)
	Checkpoint(context.Context, *checkpointRequest) (*checkpointResponse, error)
}

func registerNumstoreServer(s *grpc.Server, srv NumstoreServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "numstore.Numstore",
		HandlerType: (*NumstoreServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "CreateVariable", Handler: handleCreateVariable},
			{MethodName: "RemoveVariable", Handler: handleRemoveVariable},
			{MethodName: "Insert", Handler: handleInsert},
			{MethodName: "Write", Handler: handleWrite},
			{MethodName: "Read", Handler: handleRead},
			{MethodName: "Remove", Handler: handleRemove},
			{MethodName: "Checkpoint", Handler: handleCheckpoint},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "numstore",
	}, srv)
}

func handleCreateVariable(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(createVariableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).CreateVariable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/CreateVariable"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).CreateVariable(ctx, req.(*createVariableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleRemoveVariable(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(removeVariableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).RemoveVariable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/RemoveVariable"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).RemoveVariable(ctx, req.(*removeVariableRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleInsert(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(insertRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).Insert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/Insert"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).Insert(ctx, req.(*insertRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleWrite(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(writeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/Write"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).Write(ctx, req.(*writeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleRead(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(readRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/Read"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).Read(ctx, req.(*readRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleRemove(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(removeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).Remove(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/Remove"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).Remove(ctx, req.(*removeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleCheckpoint(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(checkpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NumstoreServer).Checkpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/numstore.Numstore/Checkpoint"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NumstoreServer).Checkpoint(ctx, req.(*checkpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// server adapts an *engine.Engine to NumstoreServer, translating engine
// errors into response-level Error strings rather than gRPC statuses, so
// a JSON client sees the same shape on every transport.
type server struct {
	eng *engine.Engine
}

func (s *server) CreateVariable(ctx context.Context, req *createVariableRequest) (*createVariableResponse, error) {
	pgno, err := s.eng.CreateVariable(ctx, req.Name, req.Type)
	if err != nil {
		return &createVariableResponse{Error: err.Error()}, nil
	}
	return &createVariableResponse{RPTRoot: uint64(pgno)}, nil
}

func (s *server) RemoveVariable(ctx context.Context, req *removeVariableRequest) (*removeVariableResponse, error) {
	found, err := s.eng.RemoveVariable(ctx, req.Name)
	if err != nil {
		return &removeVariableResponse{Error: err.Error()}, nil
	}
	return &removeVariableResponse{Found: found}, nil
}

func (s *server) Insert(ctx context.Context, req *insertRequest) (*insertResponse, error) {
	if err := s.eng.Insert(ctx, req.Name, storeBSize(req.Bstart), req.Data); err != nil {
		return &insertResponse{Error: err.Error()}, nil
	}
	return &insertResponse{}, nil
}

func (s *server) Write(ctx context.Context, req *writeRequest) (*writeResponse, error) {
	if err := s.eng.Write(ctx, req.Name, storeBSize(req.Bstart), req.Data, storeBSize(req.BSize), req.Stride); err != nil {
		return &writeResponse{Error: err.Error()}, nil
	}
	return &writeResponse{}, nil
}

func (s *server) Read(ctx context.Context, req *readRequest) (*readResponse, error) {
	dest := make([]byte, req.NElems*intOrOne(int(req.BSize)))
	n, err := s.eng.Read(ctx, req.Name, storeBSize(req.Bstart), dest, req.NElems, storeBSize(req.BSize), req.Stride)
	if err != nil {
		return &readResponse{Error: err.Error()}, nil
	}
	return &readResponse{Data: dest, N: n}, nil
}

func (s *server) Remove(ctx context.Context, req *removeRequest) (*removeResponse, error) {
	dest := make([]byte, req.MaxRemove)
	n, err := s.eng.Remove(ctx, req.Name, storeBSize(req.Bstart), dest, req.MaxRemove, storeBSize(req.BSize), req.Stride)
	if err != nil {
		return &removeResponse{Error: err.Error()}, nil
	}
	return &removeResponse{Data: dest[:n], N: n}, nil
}

func (s *server) Checkpoint(ctx context.Context, req *checkpointRequest) (*checkpointResponse, error) {
	if err := s.eng.Checkpoint(); err != nil {
		return &checkpointResponse{Error: err.Error()}, nil
	}
	return &checkpointResponse{}, nil
}

func intOrOne(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	eng, err := engine.Open(*flagData, *flagWAL, cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer eng.Close()

	encoding.RegisterCodec(jsonCodec{})

	lis, err := net.Listen("tcp", *flagGRPC)
	if err != nil {
		log.Fatalf("listen %s: %v", *flagGRPC, err)
	}
	gs := grpc.NewServer()
	registerNumstoreServer(gs, &server{eng: eng})
	log.Printf("numstores listening on %s (data=%s wal=%s)", *flagGRPC, *flagData, *flagWAL)
	if err := gs.Serve(lis); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
