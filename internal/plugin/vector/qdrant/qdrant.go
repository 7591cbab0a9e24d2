// Package qdrant stores memory embeddings in a Qdrant collection over gRPC.
// Point ids are derived from memory ids; the payload carries the memory id,
// the embedding model, the content hash and the content version.
package qdrant

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryvector "github.com/chirino/memory-sync/internal/registry/vector"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	keyMemoryID    = "memory_id"
	keyModel       = "model"
	keyContentHash = "content_hash"
	keyVersion     = "version"
)

func init() {
	registryvector.Register(registryvector.Plugin{Name: "qdrant", Loader: load})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: migrator{}})
}

type migrator struct{}

func (migrator) Name() string { return "qdrant" }

// Migrate creates the collection and its model index when missing.
func (migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.VectorType != "qdrant" || !cfg.VectorMigrateAtStart {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.QdrantStartupTimeout)
	defer cancel()

	s, err := open(cfg)
	if err != nil {
		return fmt.Errorf("qdrant migrate: %w", err)
	}
	defer s.Close()

	if _, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection}); err == nil {
		return nil
	}
	dim := dimension(cfg)
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: dim, Distance: pb.Distance_Cosine},
		}},
		HnswConfig: &pb.HnswConfigDiff{M: ptr(uint64(16)), EfConstruct: ptr(uint64(64))},
	})
	if err != nil {
		return fmt.Errorf("qdrant migrate: create %s: %w", s.collection, err)
	}
	_, err = s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: s.collection,
		Wait:           ptr(true),
		FieldName:      keyModel,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("qdrant migrate: index %s: %w", keyModel, err)
	}
	log.Info("Migrate: qdrant collection created", "name", s.collection, "dimension", dim)
	return nil
}

// Store is a VectorStore on one Qdrant collection.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

func open(cfg *config.Config) (*Store, error) {
	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.QdrantAddress(), err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  CollectionName(cfg),
	}, nil
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	s, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: %w", err)
	}
	return s, nil
}

func (s *Store) Name() string { return "qdrant" }

func (s *Store) Close() error { return s.conn.Close() }

var pointNamespace = uuid.MustParse("5c2f8e4a-7d1b-4b8e-9a63-0f4d2c9e1b77")

// pointID maps a memory id, which need not be a UUID, to a stable point id.
func pointID(memoryID string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{
		Uuid: uuid.NewSHA1(pointNamespace, []byte(memoryID)).String(),
	}}
}

func pointIDs(memoryIDs []string) []*pb.PointId {
	ids := make([]*pb.PointId, len(memoryIDs))
	for i, id := range memoryIDs {
		ids[i] = pointID(id)
	}
	return ids
}

// storedVersions reads the version payload of the points already holding
// one of the entries.
func (s *Store) storedVersions(ctx context.Context, entries []registryvector.Entry) (map[string]uint64, error) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.MemoryID
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs(ids),
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
			Include: &pb.PayloadIncludeSelector{Fields: []string{keyMemoryID, keyVersion}},
		}},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		p := pt.GetPayload()
		out[p[keyMemoryID].GetStringValue()] = uint64(p[keyVersion].GetIntegerValue())
	}
	return out, nil
}

// Upsert writes the newest entry per memory, skipping memories whose stored
// point already carries a later version.
func (s *Store) Upsert(ctx context.Context, entries []registryvector.Entry) error {
	entries = registryvector.Newest(entries)
	if len(entries) == 0 {
		return nil
	}
	stored, err := s.storedVersions(ctx, entries)
	if err != nil {
		return fmt.Errorf("qdrant: read versions: %w", err)
	}
	points := make([]*pb.PointStruct, 0, len(entries))
	for _, e := range entries {
		if v, ok := stored[e.MemoryID]; ok && v > e.Version {
			log.Debug("Vector: skipping stale embedding", "memoryId", e.MemoryID, "version", e.Version, "stored", v)
			continue
		}
		points = append(points, &pb.PointStruct{
			Id:      pointID(e.MemoryID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
			Payload: map[string]*pb.Value{
				keyMemoryID:    {Kind: &pb.Value_StringValue{StringValue: e.MemoryID}},
				keyModel:       {Kind: &pb.Value_StringValue{StringValue: e.Model}},
				keyContentHash: {Kind: &pb.Value_StringValue{StringValue: e.ContentHash}},
				keyVersion:     {Kind: &pb.Value_IntegerValue{IntegerValue: int64(e.Version)}},
			},
		})
	}
	if len(points) == 0 {
		return nil
	}
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           ptr(true),
		Points:         points,
	})
	return err
}

func filter(q registryvector.Query) *pb.Filter {
	f := &pb.Filter{}
	if q.Model != "" {
		f.Must = append(f.Must, &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
			Key:   keyModel,
			Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: q.Model}},
		}}})
	}
	if len(q.Exclude) > 0 {
		f.MustNot = append(f.MustNot, &pb.Condition{ConditionOneOf: &pb.Condition_HasId{
			HasId: &pb.HasIdCondition{HasId: pointIDs(q.Exclude)},
		}})
	}
	if len(f.Must) == 0 && len(f.MustNot) == 0 {
		return nil
	}
	return f
}

func (s *Store) Search(ctx context.Context, q registryvector.Query) ([]registryvector.SearchResult, error) {
	if q.Limit <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         q.Vector,
		Filter:         filter(q),
		Limit:          uint64(q.Limit),
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
			Include: &pb.PayloadIncludeSelector{Fields: []string{keyMemoryID}},
		}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]registryvector.SearchResult, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		id := pt.GetPayload()[keyMemoryID].GetStringValue()
		if id == "" {
			continue
		}
		out = append(out, registryvector.SearchResult{MemoryID: id, Score: float64(pt.GetScore())})
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, memoryIDs ...string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           ptr(true),
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: pointIDs(memoryIDs)},
		}},
	})
	return err
}

func ptr[T any](v T) *T { return &v }

func dialOptions(cfg *config.Config) []grpc.DialOption {
	creds := insecure.NewCredentials()
	if cfg.QdrantUseTLS {
		creds = credentials.NewTLS(nil)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if key := strings.TrimSpace(cfg.QdrantAPIKey); key != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKey{key: key, tls: cfg.QdrantUseTLS}))
	}
	return opts
}

type apiKey struct {
	key string
	tls bool
}

func (a apiKey) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.key}, nil
}

func (a apiKey) RequireTransportSecurity() bool { return a.tls }

func dimension(cfg *config.Config) uint64 {
	switch {
	case cfg.OpenAIDimensions > 0:
		return uint64(cfg.OpenAIDimensions)
	case strings.EqualFold(strings.TrimSpace(cfg.EmbedType), "local") && cfg.EmbedLocalDimension > 0:
		return uint64(cfg.EmbedLocalDimension)
	default:
		return 1536
	}
}

// CollectionName is the configured name, or one derived from the prefix,
// the embedding model and the dimension so that switching models never
// mixes vectors in one collection.
func CollectionName(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.QdrantCollectionName); name != "" {
		return name
	}
	prefix := strings.TrimSpace(cfg.QdrantCollectionPrefix)
	if prefix == "" {
		prefix = "memory-sync"
	}
	model := "openai-" + cfg.OpenAIModelName
	if strings.EqualFold(strings.TrimSpace(cfg.EmbedType), "local") {
		model = "feature-hash-v1"
	}
	model = strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(strings.ToLower(model))
	return fmt.Sprintf("%s_%s-%d", prefix, model, dimension(cfg))
}
