// Package index wraps the Qdrant collection that stores derived regulation
// documents, exposing the add/update/delete/query surface the reconciler
// needs. Every batch operation runs under bounded retry; a batch that still
// fails surfaces as an error rather than silently dropping its documents.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/promecarus/tax-rag/internal/deriver"
)

// VectorDimension is the embedding size for text-embedding-3-small.
const VectorDimension = 1536

// DefaultMaxBatchSize bounds how many points one upsert call may carry.
const DefaultMaxBatchSize = 1024

// Payload keys. The logical document ID rides in the payload because Qdrant
// point IDs must be UUIDs.
const (
	keyDocID     = "doc_id"
	keyDocument  = "document"
	keyPermalink = "permalink"
	keyStatus    = "status_dokumen"
	keyTopics    = "topik"
	keyType      = "jenis_peraturan"
	keyNumber    = "nomor_peraturan"
	keyAnswer    = "answer"
)

// StoredDocument is a document as read back from the index.
type StoredDocument struct {
	DocID    string
	Text     string
	Metadata deriver.Metadata
}

// ScoredDocument is a query hit with its similarity score.
type ScoredDocument struct {
	StoredDocument
	Score float64
}

// Index is the Qdrant-backed document index.
type Index struct {
	client       *qdrant.Client
	collection   string
	maxBatchSize int
}

// New connects to Qdrant and verifies health with bounded backoff, failing
// fast if the server is unreachable.
func New(host string, port int, collection string) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	idx := &Index{
		client:       client,
		collection:   collection,
		maxBatchSize: DefaultMaxBatchSize,
	}

	if err := idx.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return idx, nil
}

func batchBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func (x *Index) healthCheckWithRetry(ctx context.Context) error {
	operation := func() error {
		return x.Health(ctx)
	}
	return backoff.Retry(operation, backoff.WithContext(batchBackoff(), ctx))
}

// Health performs a single health check.
func (x *Index) Health(ctx context.Context) error {
	result, err := x.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// Close closes the client connection.
func (x *Index) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

// MaxBatchSize reports the largest batch one add/upsert call may carry.
func (x *Index) MaxBatchSize() int { return x.maxBatchSize }

// EnsureCollection creates the collection and its payload indexes if they
// don't exist yet. Idempotent.
func (x *Index) EnsureCollection(ctx context.Context) error {
	collections, err := x.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, name := range collections {
		if name == x.collection {
			return nil
		}
	}

	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     VectorDimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	// Without payload indexes the permalink filters used on every update and
	// delete degrade to full scans.
	fields := []string{keyPermalink, keyStatus, keyTopics, keyType, keyNumber}
	for _, field := range fields {
		_, err := x.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: x.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}
	return nil
}

// PointID derives the deterministic Qdrant point UUID for a logical document
// ID, so re-upserting the same document overwrites instead of duplicating.
func PointID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(docID)).String()
}

func payloadFor(doc deriver.Document) map[string]any {
	return map[string]any{
		keyDocID:     doc.ID,
		keyDocument:  doc.Text,
		keyPermalink: doc.Metadata.Permalink,
		keyStatus:    doc.Metadata.DocumentStatus,
		keyTopics:    doc.Metadata.Topics,
		keyType:      doc.Metadata.Type,
		keyNumber:    doc.Metadata.Number,
		keyAnswer:    doc.Metadata.Answer,
	}
}

func documentFrom(payload map[string]*qdrant.Value) StoredDocument {
	return StoredDocument{
		DocID: payload[keyDocID].GetStringValue(),
		Text:  payload[keyDocument].GetStringValue(),
		Metadata: deriver.Metadata{
			Permalink:      payload[keyPermalink].GetStringValue(),
			DocumentStatus: payload[keyStatus].GetStringValue(),
			Topics:         payload[keyTopics].GetStringValue(),
			Type:           payload[keyType].GetStringValue(),
			Number:         payload[keyNumber].GetStringValue(),
			Answer:         payload[keyAnswer].GetStringValue(),
		},
	}
}

// Upsert stores documents with their embeddings, batched at MaxBatchSize.
// Each batch is retried with bounded backoff; a batch that keeps failing
// aborts the call with its error.
func (x *Index) Upsert(ctx context.Context, docs []deriver.Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("%w: %d documents, %d vectors",
			ErrDimensionMismatch, len(docs), len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != VectorDimension {
			return fmt.Errorf("%w: document %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(vec), VectorDimension)
		}
	}

	for start := 0; start < len(docs); start += x.maxBatchSize {
		end := min(start+x.maxBatchSize, len(docs))

		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(PointID(docs[i].ID)),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: qdrant.NewValueMap(payloadFor(docs[i])),
			})
		}

		operation := func() error {
			_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: x.collection,
				Points:         points,
			})
			return err
		}
		if err := backoff.Retry(operation, backoff.WithContext(batchBackoff(), ctx)); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// GetByPermalink returns every stored document belonging to one regulation.
func (x *Index) GetByPermalink(ctx context.Context, permalink string) ([]StoredDocument, error) {
	var out []StoredDocument
	var offset *qdrant.PointId

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(keyPermalink, permalink)},
	}
	batchSize := uint32(256)

	for {
		results, err := x.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: x.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(batchSize),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll permalink %s: %w", permalink, err)
		}

		for _, result := range results {
			out = append(out, documentFrom(result.Payload))
		}
		if uint32(len(results)) < batchSize {
			break
		}
		offset = results[len(results)-1].Id
	}
	return out, nil
}

// UpdateMetadata patches the metadata payload of one stored document in
// place. The document text and its embedding are left untouched.
func (x *Index) UpdateMetadata(ctx context.Context, docID string, meta deriver.Metadata) error {
	payload := qdrant.NewValueMap(map[string]any{
		keyPermalink: meta.Permalink,
		keyStatus:    meta.DocumentStatus,
		keyTopics:    meta.Topics,
		keyType:      meta.Type,
		keyNumber:    meta.Number,
	})

	operation := func() error {
		_, err := x.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: x.collection,
			Payload:        payload,
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(docID))),
		})
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(batchBackoff(), ctx)); err != nil {
		return fmt.Errorf("update metadata %s: %w", docID, err)
	}
	return nil
}

// DeleteByPermalinks removes every document whose permalink is in the set.
func (x *Index) DeleteByPermalinks(ctx context.Context, permalinks []string) error {
	if len(permalinks) == 0 {
		return nil
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatchKeywords(keyPermalink, permalinks...)},
	}

	operation := func() error {
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: x.collection,
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(batchBackoff(), ctx)); err != nil {
		return fmt.Errorf("delete %d permalinks: %w", len(permalinks), err)
	}
	return nil
}

// Query runs a similarity search over the index. status restricts results to
// documents with that document status; empty means no filter.
func (x *Index) Query(ctx context.Context, vector []float32, limit int, status string) ([]ScoredDocument, error) {
	if len(vector) != VectorDimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), VectorDimension)
	}

	var filter *qdrant.Filter
	if status != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(keyStatus, status)},
		}
	}

	results, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	out := make([]ScoredDocument, 0, len(results))
	for _, result := range results {
		out = append(out, ScoredDocument{
			StoredDocument: documentFrom(result.Payload),
			Score:          float64(result.Score),
		})
	}
	return out, nil
}

// Count reports the number of stored documents.
func (x *Index) Count(ctx context.Context) (uint64, error) {
	collection, err := x.client.GetCollectionInfo(ctx, x.collection)
	if err != nil {
		return 0, fmt.Errorf("get collection: %w", err)
	}
	return collection.GetPointsCount(), nil
}
