package server

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/thebtf/vexdb/internal/tenant"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// jsonCodec carries JSON frames over gRPC so both API surfaces share one
// wire schema without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// grpcOperations maps full method names onto rate-limit operations.
var grpcOperations = map[string]string{
	"/vexdb.v1.DatasetService/CreateDataset": "create_dataset",
	"/vexdb.v1.DatasetService/GetDataset":    "get_dataset",
	"/vexdb.v1.DatasetService/ListDatasets":  "list_datasets",
	"/vexdb.v1.DatasetService/DeleteDataset": "delete_dataset",
	"/vexdb.v1.VectorService/Insert":         "insert",
	"/vexdb.v1.VectorService/BatchInsert":    "batch_insert",
	"/vexdb.v1.VectorService/GetVector":      "get_vector",
	"/vexdb.v1.VectorService/DeleteVector":   "delete_vector",
	"/vexdb.v1.SearchService/Search":         "search",
	"/vexdb.v1.SearchService/HybridSearch":   "hybrid_search",
}

func (s *Service) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(s.grpcAuth, grpcErrors),
	)
	srv.RegisterService(&datasetServiceDesc, s)
	srv.RegisterService(&vectorServiceDesc, s)
	srv.RegisterService(&searchServiceDesc, s)
	srv.RegisterService(&healthServiceDesc, s)
	return srv
}

// grpcAuth resolves the authorization metadata to a tenant and charges the
// method's rate-limit operation. Health checks are exempt.
func (s *Service) grpcAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if strings.HasPrefix(info.FullMethod, "/vexdb.v1.HealthService/") {
		return handler(ctx, req)
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
	}
	t, err := s.resolver.FromAuthorization(header)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, ctxKeyTenant, t)

	if op, ok := grpcOperations[info.FullMethod]; ok {
		if _, err := s.limiter.Allow(ctx, t.ID, op); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

// grpcErrors maps component errors onto gRPC status codes.
func grpcErrors(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	return nil, status.Error(verrors.GRPCCode(verrors.CodeOf(err)), err.Error())
}

// datasetByID resolves a dataset name within the caller's tenant. Names
// are scoped on disk, so other tenants' equally named datasets are
// invisible here by construction; the ownership check stays as a backstop.
func (s *Service) datasetByID(ctx context.Context, name string) (*models.Dataset, error) {
	t := tenantFrom(ctx)
	if t == nil {
		return nil, verrors.New(verrors.CodeUnauthenticated, "no tenant in request context")
	}
	ds, err := s.store.ReadSidecar(models.DatasetKey(t.ID, name))
	if err != nil {
		if verrors.CodeOf(err) == verrors.CodeNotFound {
			return nil, verrors.NotFound("dataset", name)
		}
		return nil, err
	}
	if err := tenant.Authorize(t, ds.TenantID, "dataset", name); err != nil {
		return nil, err
	}
	return ds, nil
}

// Wire shapes shared by the RPC methods.

type grpcDatasetRef struct {
	DatasetID string `json:"dataset_id"`
}

type grpcListDatasetsResponse struct {
	Datasets []*models.Dataset `json:"datasets"`
	Total    int               `json:"total"`
}

type grpcDeleteResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type grpcInsertRequest struct {
	DatasetID string                `json:"dataset_id"`
	Vectors   []*models.Vector      `json:"vectors"`
	Options   *models.InsertOptions `json:"options,omitempty"`
}

type grpcVectorRef struct {
	DatasetID string `json:"dataset_id"`
	VectorID  string `json:"vector_id"`
}

type grpcSearchRequest struct {
	searchRequest
	DatasetID string `json:"dataset_id"`
}

type grpcHybridSearchRequest struct {
	hybridSearchRequest
	DatasetID string `json:"dataset_id"`
}

type grpcHealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Method implementations.

func (s *Service) grpcCreateDataset(ctx context.Context, spec *models.DatasetSpec) (*models.Dataset, error) {
	t := tenantFrom(ctx)
	if t == nil {
		return nil, verrors.New(verrors.CodeUnauthenticated, "no tenant in request context")
	}
	if err := spec.Validate(); err != nil {
		return nil, verrors.Wrap(verrors.CodeValidation, err, "invalid dataset spec")
	}
	if !datasetNameRe.MatchString(spec.Name) {
		return nil, verrors.New(verrors.CodeValidation, "dataset name %q must match %s", spec.Name, datasetNameRe)
	}
	if err := s.checkDatasetQuota(t); err != nil {
		return nil, err
	}
	withDefaults := spec.WithDefaults()
	now := time.Now().UTC()
	ds := &models.Dataset{
		ID:          models.DatasetKey(t.ID, withDefaults.Name),
		Name:        withDefaults.Name,
		Description: withDefaults.Description,
		Dimensions:  withDefaults.Dimensions,
		Metric:      withDefaults.Metric,
		IndexKind:   withDefaults.IndexKind,
		TenantID:    t.ID,
		Metadata:    withDefaults.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ds, withDefaults.Overwrite); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Service) grpcListDatasets(ctx context.Context) (*grpcListDatasetsResponse, error) {
	t := tenantFrom(ctx)
	all, err := s.store.List()
	if err != nil {
		return nil, err
	}
	owned := make([]*models.Dataset, 0, len(all))
	for _, ds := range all {
		if ds.TenantID == t.ID {
			owned = append(owned, ds)
		}
	}
	return &grpcListDatasetsResponse{Datasets: owned, Total: len(owned)}, nil
}

func (s *Service) grpcDeleteDataset(ctx context.Context, ref *grpcDatasetRef) (*grpcDeleteResponse, error) {
	ds, err := s.datasetByID(ctx, ref.DatasetID)
	if err != nil {
		return nil, err
	}
	s.handles.Invalidate(ds.ID)
	s.registry.Drop(ds.ID)
	s.queries.Invalidate(ctx, ds.ID)
	if err := s.store.Drop(ds.ID); err != nil {
		return nil, err
	}
	return &grpcDeleteResponse{Success: true, ID: ds.ID}, nil
}

func (s *Service) grpcInsert(ctx context.Context, req *grpcInsertRequest) (*models.BatchResult, error) {
	ds, err := s.datasetByID(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if len(req.Vectors) == 0 {
		return nil, verrors.New(verrors.CodeValidation, "vectors array is required")
	}
	if len(req.Vectors) > maxBatchSize {
		return nil, verrors.New(verrors.CodeValidation, "batch of %d exceeds the %d limit", len(req.Vectors), maxBatchSize)
	}
	if err := s.checkVectorQuota(tenantFrom(ctx), ds, len(req.Vectors)); err != nil {
		return nil, err
	}
	return s.pipeline.Insert(ctx, ds, req.Vectors, req.Options)
}

func (s *Service) grpcGetVector(ctx context.Context, ref *grpcVectorRef) (*models.Vector, error) {
	ds, err := s.datasetByID(ctx, ref.DatasetID)
	if err != nil {
		return nil, err
	}
	h, release, err := s.handles.Reader(ds.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	return h.FindByID(ref.VectorID)
}

func (s *Service) grpcDeleteVector(ctx context.Context, ref *grpcVectorRef) (*grpcDeleteResponse, error) {
	ds, err := s.datasetByID(ctx, ref.DatasetID)
	if err != nil {
		return nil, err
	}
	if err := s.pipeline.Delete(ctx, ds, ref.VectorID); err != nil {
		return nil, err
	}
	return &grpcDeleteResponse{Success: true, ID: ref.VectorID}, nil
}

func (s *Service) grpcSearch(ctx context.Context, req *grpcSearchRequest) (*models.SearchResponse, error) {
	ds, err := s.datasetByID(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if len(req.Vector) == 0 {
		return nil, verrors.New(verrors.CodeValidation, "query vector is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.SearchTimeout.Std())
	defer cancel()
	start := time.Now()
	results, stats, err := s.queries.Search(ctx, ds, req.Vector, req.options())
	if err != nil {
		return nil, err
	}
	s.metrics.observeSearch(time.Since(start))
	return &models.SearchResponse{Results: results, Stats: stats}, nil
}

func (s *Service) grpcHybridSearch(ctx context.Context, req *grpcHybridSearchRequest) (*models.SearchResponse, error) {
	ds, err := s.datasetByID(ctx, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if len(req.Vector) == 0 {
		return nil, verrors.New(verrors.CodeValidation, "query vector is required")
	}
	if req.Query == "" {
		return nil, verrors.New(verrors.CodeValidation, "query text is required")
	}
	opts := &models.HybridOptions{
		SearchOptions: *req.options(),
		Query:         req.Query,
		Fusion:        req.Fusion,
		VectorWeight:  req.VectorWeight,
		TextWeight:    req.TextWeight,
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.HybridTimeout.Std())
	defer cancel()
	start := time.Now()
	results, stats, err := s.queries.HybridSearch(ctx, ds, req.Vector, opts)
	if err != nil {
		return nil, err
	}
	s.metrics.observeSearch(time.Since(start))
	return &models.SearchResponse{Results: results, Stats: stats}, nil
}

// Service descriptors. Hand-rolled because the wire format is JSON, not
// protobuf; each handler decodes into the shared wire shapes above.

func unary[Req any, Resp any](fullMethod string, call func(*Service, context.Context, *Req) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*Service)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var datasetServiceDesc = grpc.ServiceDesc{
	ServiceName: "vexdb.v1.DatasetService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateDataset", Handler: unary("/vexdb.v1.DatasetService/CreateDataset", func(s *Service, ctx context.Context, req *models.DatasetSpec) (*models.Dataset, error) {
			return s.grpcCreateDataset(ctx, req)
		})},
		{MethodName: "GetDataset", Handler: unary("/vexdb.v1.DatasetService/GetDataset", func(s *Service, ctx context.Context, req *grpcDatasetRef) (*models.Dataset, error) {
			return s.datasetByID(ctx, req.DatasetID)
		})},
		{MethodName: "ListDatasets", Handler: unary("/vexdb.v1.DatasetService/ListDatasets", func(s *Service, ctx context.Context, _ *struct{}) (*grpcListDatasetsResponse, error) {
			return s.grpcListDatasets(ctx)
		})},
		{MethodName: "DeleteDataset", Handler: unary("/vexdb.v1.DatasetService/DeleteDataset", func(s *Service, ctx context.Context, req *grpcDatasetRef) (*grpcDeleteResponse, error) {
			return s.grpcDeleteDataset(ctx, req)
		})},
	},
	Streams: []grpc.StreamDesc{},
}

var vectorServiceDesc = grpc.ServiceDesc{
	ServiceName: "vexdb.v1.VectorService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: unary("/vexdb.v1.VectorService/Insert", func(s *Service, ctx context.Context, req *grpcInsertRequest) (*models.BatchResult, error) {
			return s.grpcInsert(ctx, req)
		})},
		{MethodName: "BatchInsert", Handler: unary("/vexdb.v1.VectorService/BatchInsert", func(s *Service, ctx context.Context, req *grpcInsertRequest) (*models.BatchResult, error) {
			return s.grpcInsert(ctx, req)
		})},
		{MethodName: "GetVector", Handler: unary("/vexdb.v1.VectorService/GetVector", func(s *Service, ctx context.Context, req *grpcVectorRef) (*models.Vector, error) {
			return s.grpcGetVector(ctx, req)
		})},
		{MethodName: "DeleteVector", Handler: unary("/vexdb.v1.VectorService/DeleteVector", func(s *Service, ctx context.Context, req *grpcVectorRef) (*grpcDeleteResponse, error) {
			return s.grpcDeleteVector(ctx, req)
		})},
	},
	Streams: []grpc.StreamDesc{},
}

var searchServiceDesc = grpc.ServiceDesc{
	ServiceName: "vexdb.v1.SearchService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: unary("/vexdb.v1.SearchService/Search", func(s *Service, ctx context.Context, req *grpcSearchRequest) (*models.SearchResponse, error) {
			return s.grpcSearch(ctx, req)
		})},
		{MethodName: "HybridSearch", Handler: unary("/vexdb.v1.SearchService/HybridSearch", func(s *Service, ctx context.Context, req *grpcHybridSearchRequest) (*models.SearchResponse, error) {
			return s.grpcHybridSearch(ctx, req)
		})},
	},
	Streams: []grpc.StreamDesc{},
}

var healthServiceDesc = grpc.ServiceDesc{
	ServiceName: "vexdb.v1.HealthService",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unary("/vexdb.v1.HealthService/Check", func(s *Service, ctx context.Context, _ *struct{}) (*grpcHealthResponse, error) {
			return &grpcHealthResponse{Status: "ok", UptimeSeconds: int64(time.Since(s.started).Seconds())}, nil
		})},
	},
	Streams: []grpc.StreamDesc{},
}
