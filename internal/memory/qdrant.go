package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Document is the data needed to index one document.
type Document struct {
	ID       string
	Profile  string
	Content  string
	Metadata map[string]any
}

// Qdrant implements Searcher on a Qdrant collection. Points carry a
// "profile" payload used as a mandatory filter and a "content" payload
// returned with results.
type Qdrant struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, gRPC port and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrant connects to Qdrant over gRPC.
func NewQdrant(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*Qdrant, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory: qdrant requires an embedder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", host, port, err)
	}
	dims := cfg.Dims
	if dims == 0 {
		dims = uint64(max(embedder.Dimensions(), 0)) //nolint:gosec
	}
	return &Qdrant{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		dims:       dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and its profile index if missing.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("memory: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "profile",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("memory: ensure index on profile: %w", err)
	}
	return nil
}

// Search implements Searcher.
func (q *Qdrant) Search(ctx context.Context, query, profile string, limit int) ([]ScoredDocument, error) {
	if err := q.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if limit <= 0 {
		limit = 5
	}
	vec, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	var filter *qdrant.Filter
	if profile != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("profile", profile)}}
	}
	fetch := uint64(limit) //nolint:gosec
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         filter,
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: qdrant query: %w", err)
	}

	docs := make([]ScoredDocument, 0, len(scored))
	for _, sp := range scored {
		doc := ScoredDocument{ID: sp.Id.GetUuid(), Score: sp.Score, Metadata: map[string]any{}}
		for k, v := range sp.Payload {
			if k == "content" {
				doc.Content = v.GetStringValue()
				continue
			}
			doc.Metadata[k] = v.GetStringValue()
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Index embeds and upserts documents.
func (q *Qdrant) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		vec, err := q.embedder.Embed(ctx, d.Content)
		if err != nil {
			return fmt.Errorf("memory: embed document %s: %w", d.ID, err)
		}
		payload := map[string]any{"profile": d.Profile, "content": d.Content}
		for k, v := range d.Metadata {
			if _, reserved := payload[k]; !reserved {
				payload[k] = fmt.Sprint(v)
			}
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(d.ID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("memory: qdrant upsert %d points: %w", len(docs), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for five
// seconds and concurrent probes share one call.
func (q *Qdrant) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight shares the first caller's work, so the probe must not
	// inherit any one caller's cancellation.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("memory: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *Qdrant) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *Qdrant) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
