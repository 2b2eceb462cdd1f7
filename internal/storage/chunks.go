package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// StoreChunks replaces the chunk set of a version and updates its
// chunk_count in the same transaction.
func (s *Store) StoreChunks(ctx context.Context, versionID string, chunks []ContentChunk) error {
	if err := CheckOrdinals(chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE file_versions SET chunk_count = ? WHERE id = ?`, len(chunks), versionID)
	if err != nil {
		return fmt.Errorf("updating chunk_count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_chunks WHERE file_version_id = ?`, versionID); err != nil {
		return fmt.Errorf("deleting previous chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO content_chunks (id, file_version_id, ordinal, content, content_type, summary, has_code, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata of chunk %d: %w", c.Ordinal, err)
		}
		if c.Metadata == nil {
			meta = []byte("{}")
		}
		var embedding []byte
		if len(c.Embedding) > 0 {
			embedding = encodeFloat32s(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, id, versionID, c.Ordinal, c.Content, c.ContentType,
			c.Summary, boolToInt(c.HasCode), string(meta), embedding); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunks: %w", err)
	}
	return nil
}

const chunkColumns = `c.id, c.file_version_id, c.ordinal, c.content, c.content_type, c.summary, c.has_code, c.metadata`

func scanChunk(row rowScanner, extra ...any) (ContentChunk, error) {
	var c ContentChunk
	var hasCode int
	var meta string
	dest := append([]any{&c.ID, &c.FileVersionID, &c.Ordinal, &c.Content, &c.ContentType, &c.Summary, &hasCode, &meta}, extra...)
	if err := row.Scan(dest...); err != nil {
		return ContentChunk{}, err
	}
	c.HasCode = hasCode != 0
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return ContentChunk{}, fmt.Errorf("decoding metadata of chunk %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// GetChunks returns the chunks of a version in ordinal order, embeddings included.
func (s *Store) GetChunks(ctx context.Context, versionID string) ([]ContentChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+`, c.embedding
		FROM content_chunks c WHERE c.file_version_id = ? ORDER BY c.ordinal ASC`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ContentChunk
	for rows.Next() {
		var blob []byte
		c, err := scanChunk(rows, &blob)
		if err != nil {
			return nil, err
		}
		if len(blob) > 0 {
			if c.Embedding, err = decodeFloat32s(blob); err != nil {
				return nil, fmt.Errorf("%w: chunk %s embedding: %v", ErrStoreCorruption, c.ID, err)
			}
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) CountChunks(ctx context.Context, versionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_chunks WHERE file_version_id = ?`, versionID).Scan(&n)
	return n, err
}

const joinedVersionColumns = `v.id, v.repository_id, v.commit_id, v.path, v.content_hash, v.size_bytes, v.word_count,
	v.chunk_count, v.content_type, v.valid_from, v.valid_until, v.ingested_at`

// SearchChunks returns chunks matching every set field of f, newest versions
// first and in ordinal order within a version.
func (s *Store) SearchChunks(ctx context.Context, f ChunkFilter) ([]ChunkHit, error) {
	var where []string
	var args []any
	if f.RepositoryID != "" {
		where = append(where, "v.repository_id = ?")
		args = append(args, f.RepositoryID)
	}
	if f.Path != "" {
		where = append(where, "v.path = ?")
		args = append(args, f.Path)
	}
	if f.ContentType != "" {
		where = append(where, "c.content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.HasCode != nil {
		where = append(where, "c.has_code = ?")
		args = append(args, boolToInt(*f.HasCode))
	}
	if f.Contains != "" {
		where = append(where, "instr(lower(c.content), lower(?)) > 0")
		args = append(args, f.Contains)
	}
	if f.At != nil {
		ts := formatTime(*f.At)
		where = append(where, "v.valid_from <= ? AND (v.valid_until IS NULL OR v.valid_until > ?)")
		args = append(args, ts, ts)
	}
	if f.CurrentOnly {
		where = append(where, "v.valid_until IS NULL")
	}

	embeddingCol := "NULL"
	if f.WithEmbeddings {
		embeddingCol = "c.embedding"
	}
	query := `SELECT ` + chunkColumns + `, ` + embeddingCol + `, ` + joinedVersionColumns + `
		FROM content_chunks c JOIN file_versions v ON v.id = c.file_version_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY v.ingested_at DESC, v.id ASC, c.ordinal ASC"
	// Metadata is matched in Go, so the limit can only be pushed down without it.
	if len(f.Metadata) == 0 {
		query += " LIMIT ?"
		args = append(args, sqlLimit(f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var blob []byte
		var v FileVersion
		var validFrom, ingestedAt string
		var validUntil sql.NullString
		c, err := scanChunk(rows, &blob,
			&v.ID, &v.RepositoryID, &v.CommitID, &v.Path, &v.ContentHash, &v.SizeBytes,
			&v.WordCount, &v.ChunkCount, &v.ContentType, &validFrom, &validUntil, &ingestedAt)
		if err != nil {
			return nil, err
		}
		if !MatchMetadata(c.Metadata, f.Metadata) {
			continue
		}
		if v.ValidFrom, err = parseTime(validFrom); err != nil {
			return nil, fmt.Errorf("parsing valid_from: %w", err)
		}
		if v.ValidUntil, err = parseNullTime(validUntil); err != nil {
			return nil, fmt.Errorf("parsing valid_until: %w", err)
		}
		if v.IngestedAt, err = parseTime(ingestedAt); err != nil {
			return nil, fmt.Errorf("parsing ingested_at: %w", err)
		}
		if len(blob) > 0 {
			if c.Embedding, err = decodeFloat32s(blob); err != nil {
				return nil, fmt.Errorf("%w: chunk %s embedding: %v", ErrStoreCorruption, c.ID, err)
			}
		}
		hits = append(hits, ChunkHit{Chunk: c, Version: v})
		if f.Limit > 0 && len(hits) >= f.Limit {
			break
		}
	}
	return hits, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeFloat32s serializes a float32 slice as little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
