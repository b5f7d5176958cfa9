package vectorstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/domain"
)

var waitTrue = true

// Qdrant talks to the local vector database over gRPC. The REST port is
// only used for health probes; all data operations go over the binary
// port.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	healthURL   string
	httpClient  *http.Client
}

func NewQdrant(cfg config.QdrantConfig) (*Qdrant, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 6333
	}

	target := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: dial qdrant %s: %v", domain.ErrBackendUnavailable, target, err)
	}

	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		healthURL:   fmt.Sprintf("http://%s:%d/healthz", cfg.Host, cfg.HTTPPort),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (q *Qdrant) EnsureCollection(ctx context.Context, name string, dim int) error {
	listResp, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return q.wrap("list collections", err)
	}
	for _, col := range listResp.Collections {
		if col.Name == name {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return q.wrap("create collection", err)
	}
	log.Info().Str("collection", name).Int("dim", dim).Msg("created qdrant collection")
	return nil
}

func (q *Qdrant) ListCollections(ctx context.Context) ([]string, error) {
	resp, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, q.wrap("list collections", err)
	}
	names := make([]string, 0, len(resp.Collections))
	for _, col := range resp.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

func (q *Qdrant) DeleteCollection(ctx context.Context, name string) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		if status.Code(err) == codes.NotFound { // deletion is idempotent
			return nil
		}
		return q.wrap("delete collection", err)
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, name string, points []domain.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	pbPoints := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]*pb.Value, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		pbPoints = append(pbPoints, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointUUID(p.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}},
			},
			Payload: payload,
		})
	}

	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Points:         pbPoints,
		Wait:           &waitTrue,
	})
	if err != nil {
		return q.wrap("upsert points", err)
	}
	return nil
}

func (q *Qdrant) DeletePoints(ctx context.Context, name string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIds := make([]*pb.PointId, 0, len(ids))
	for _, id := range ids {
		pointIds = append(pointIds, &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{Uuid: pointUUID(id)},
		})
	}
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: name,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIds},
			},
		},
		Wait: &waitTrue,
	})
	if err != nil {
		return q.wrap("delete points", err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, name string, query []float32, k int, minScore float32) ([]domain.SearchHit, error) {
	if k <= 0 {
		k = 10
	}
	req := &pb.SearchPoints{
		CollectionName: name,
		Vector:         query,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if minScore >= 0 {
		req.ScoreThreshold = &minScore
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, q.wrap("search", err)
	}

	hits := make([]domain.SearchHit, 0, len(resp.Result))
	for _, point := range resp.Result {
		hit := domain.SearchHit{
			ID:      point.Id.GetUuid(),
			Score:   point.Score,
			Payload: make(map[string]string, len(point.Payload)),
		}
		for k, v := range point.Payload {
			hit.Payload[k] = v.GetStringValue()
		}
		// The original chunk id survives in the payload even when the
		// point id had to be coerced to a UUID.
		if original, ok := hit.Payload["chunk_id"]; ok && original != "" {
			hit.ID = original
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Health probes the REST port, which answers even while the binary port
// is busy with a long operation.
func (q *Qdrant) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}

func (q *Qdrant) Close() error { return q.conn.Close() }

func (q *Qdrant) wrap(op string, err error) error {
	if code := status.Code(err); code == codes.Unavailable || code == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %s: %v", domain.ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("qdrant %s: %w", op, err)
}

// pointUUID coerces an arbitrary id into the UUID form qdrant requires,
// deterministically so re-ingest overwrites instead of duplicating.
func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}
