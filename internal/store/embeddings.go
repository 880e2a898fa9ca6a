package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// PutEmbedding stores the embedding vector for a fact, replacing any previous
// one. The vector is indexed under the fact's project.
func (s *SQLiteStore) PutEmbedding(ctx context.Context, factID int64, vector []float32, model string) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty embedding for fact %d", factID)
	}
	blob := float32ToBytes(vector)

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO fact_embeddings (fact_id, project, vector, dimensions, model, created_at)
		 SELECT id, project, ?, ?, ?, ? FROM fact_atoms WHERE id = ?
		 ON CONFLICT(fact_id) DO UPDATE SET
		     vector = excluded.vector, dimensions = excluded.dimensions,
		     model = excluded.model, created_at = excluded.created_at`,
		blob, len(vector), model, time.Now().UTC(), factID,
	)
	if err != nil {
		return fmt.Errorf("storing embedding for fact %d: %w", factID, err)
	}
	return expectOneRow(result, "fact", factID)
}

// GetEmbedding retrieves the embedding vector for a fact. Returns nil, nil
// when the fact has not been embedded.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, factID int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM fact_embeddings WHERE fact_id = ?", factID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting embedding for fact %d: %w", factID, err)
	}
	return bytesToFloat32(blob), nil
}

// DeleteEmbedding drops a fact's embedding. Missing embeddings are not an error.
func (s *SQLiteStore) DeleteEmbedding(ctx context.Context, factID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fact_embeddings WHERE fact_id = ?`, factID); err != nil {
		return fmt.Errorf("deleting embedding for fact %d: %w", factID, err)
	}
	return nil
}

// SearchEmbeddings performs brute-force cosine similarity search over one
// project's embeddings and returns the k best hits, highest score first.
// excludeID (usually the query fact itself) is never returned. Vectors whose
// dimensions differ from the query are skipped.
func (s *SQLiteStore) SearchEmbeddings(ctx context.Context, project string, query []float32, k int, excludeID int64) ([]Neighbor, error) {
	if k <= 0 {
		k = 10
	}
	if len(query) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT fact_id, vector FROM fact_embeddings
		 WHERE project = ? AND fact_id != ? AND dimensions = ?`,
		project, excludeID, len(query),
	)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var hits []Neighbor
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		hits = append(hits, Neighbor{FactID: id, Score: cosineSimilarity(query, bytesToFloat32(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FactID < hits[j].FactID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
