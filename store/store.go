package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"path/filepath"
	"time"

	"github.com/agnivade/levenshtein"
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Document represents a row in the documents table.
type Document struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	ContentHash string `json:"content_hash"`
	ParseMethod string `json:"parse_method"`
	Status      string `json:"status"`
	Domain      string `json:"domain,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	ParentChunkID *int64 `json:"parent_chunk_id,omitempty"`
	Content       string `json:"content"`
	ChunkType     string `json:"chunk_type"`
	Heading       string `json:"heading"`
	SectionPath   string `json:"section_path,omitempty"`
	PageNumber    int    `json:"page_number"`
	PositionInDoc int    `json:"position_in_doc"`
	TokenCount    int    `json:"token_count"`
	Domain        string `json:"domain,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
	ContentHash   string `json:"content_hash"`
}

// Entity represents a row in the entities table. ID is a deterministic
// function of (normalized name, entity type) — see DeterministicEntityID —
// rather than a SQLite rowid, so that re-ingesting the same corpus always
// produces the same entity identity.
type Entity struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	NameEN      string   `json:"name_en"`
	EntityType  string   `json:"entity_type"`
	Description string   `json:"description"`
	Domain      string   `json:"domain,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	Occurrence  int      `json:"occurrence"`
	Confidence  float64  `json:"confidence"`
	EmbeddingID *int64   `json:"embedding_id,omitempty"`
	Metadata    string   `json:"metadata,omitempty"`
}

// Relationship represents a row in the relationships table.
type Relationship struct {
	ID             int64   `json:"id"`
	SourceEntityID int64   `json:"source_entity_id"`
	TargetEntityID int64   `json:"target_entity_id"`
	RelationType   string  `json:"relation_type"`
	Weight         float64 `json:"weight"`
	Description    string  `json:"description"`
	Context        string   `json:"context,omitempty"`
	Domain         string   `json:"domain,omitempty"`
	Confidence     float64  `json:"confidence"`
	Evidence       []string `json:"evidence,omitempty"`
	SourceChunkID  *int64  `json:"source_chunk_id,omitempty"`
	Metadata       string  `json:"metadata,omitempty"`
}

// Community represents a row in the communities table.
type Community struct {
	ID        int64  `json:"id"`
	Level     int    `json:"level"`
	Summary   string `json:"summary"`
	EntityIDs string `json:"entity_ids"` // JSON array
}

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	Query            string      `json:"query"`
	Answer           string      `json:"answer"`
	Confidence       float64     `json:"confidence"`
	Sources          interface{} `json:"sources"`
	RetrievalMethod  string      `json:"retrieval_method"`
	ModelUsed        string      `json:"model_used"`
	Rounds           int         `json:"rounds"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
}

// RetrievalResult holds a chunk with its retrieval score and document info.
type RetrievalResult struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	ChunkType  string  `json:"chunk_type"`
	PageNumber int     `json:"page_number"`
	Filename   string  `json:"filename"`
	Path       string  `json:"path"`
	Score      float64 `json:"score"`
}

// Store wraps the SQLite database for all goreason persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument inserts or updates a document record. Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (path, filename, format, content_hash, parse_method, status, domain, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename = excluded.filename,
			format = excluded.format,
			content_hash = excluded.content_hash,
			parse_method = excluded.parse_method,
			status = excluded.status,
			domain = COALESCE(NULLIF(excluded.domain, ''), documents.domain),
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Path, doc.Filename, doc.Format, doc.ContentHash, doc.ParseMethod, doc.Status, doc.Domain, doc.Metadata)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	// If UPSERT did an UPDATE, LastInsertId may not reflect the existing row.
	if id == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", doc.Path)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	if err := s.BumpStoreGeneration(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

// GetDocumentByPath retrieves a document by its file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, COALESCE(domain, ''), metadata, created_at, updated_at
		FROM documents WHERE path = ?
	`, path).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Format,
		&doc.ContentHash, &doc.ParseMethod, &doc.Status, &doc.Domain,
		&metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// GetDocumentByName retrieves a document by filename. If more than one
// document shares a filename, the most recently created one is returned.
func (s *Store) GetDocumentByName(ctx context.Context, filename string) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, COALESCE(domain, ''), metadata, created_at, updated_at
		FROM documents WHERE filename = ? ORDER BY created_at DESC LIMIT 1
	`, filename).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Format,
		&doc.ContentHash, &doc.ParseMethod, &doc.Status, &doc.Domain,
		&metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, COALESCE(domain, ''), metadata, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Format,
		&doc.ContentHash, &doc.ParseMethod, &doc.Status, &doc.Domain,
		&metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, filename, format, content_hash, parse_method, status, COALESCE(domain, ''), metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Path, &d.Filename, &d.Format,
			&d.ContentHash, &d.ParseMethod, &d.Status, &d.Domain,
			&metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// UpdateDocumentParseMethod updates just the parse_method field.
func (s *Store) UpdateDocumentParseMethod(ctx context.Context, id int64, method string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET parse_method = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		method, id)
	return err
}

// DeleteDocument removes a document and cascades to all related data.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := decrementEntityOccurrenceForDocument(ctx, tx, id); err != nil {
			return err
		}

		// Delete entity_chunks for entities related to this doc's chunks
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entity_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		// Delete relationships sourced from this doc's chunks
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE source_chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		// Delete vec embeddings
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		// Delete chunks (triggers will clean up FTS)
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}

		// Delete the document
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE occurrence <= 0"); err != nil {
			return err
		}

		return bumpStoreGenerationTx(ctx, tx)
	})
	return err
}

// decrementEntityOccurrenceForDocument decreases the occurrence count of
// every entity mentioned in the document's chunks by the number of mentions
// being removed, so that a delete-then-restat round-trip never leaves an
// entity with inflated occurrence once its mentions are gone.
func decrementEntityOccurrenceForDocument(ctx context.Context, tx *sql.Tx, docID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT entity_id, COUNT(*) FROM entity_chunks
		WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)
		GROUP BY entity_id
	`, docID)
	if err != nil {
		return err
	}
	counts := make(map[int64]int)
	for rows.Next() {
		var entityID int64
		var n int
		if err := rows.Scan(&entityID, &n); err != nil {
			rows.Close()
			return err
		}
		counts[entityID] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for entityID, n := range counts {
		if _, err := tx.ExecContext(ctx,
			"UPDATE entities SET occurrence = occurrence - ? WHERE id = ?", n, entityID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocumentData removes all chunks, embeddings, and entity data
// for a document but keeps the document record itself.
func (s *Store) DeleteDocumentData(ctx context.Context, docID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := decrementEntityOccurrenceForDocument(ctx, tx, docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entity_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE source_chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE occurrence <= 0"); err != nil {
			return err
		}

		return bumpStoreGenerationTx(ctx, tx)
	})
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks and returns their IDs.
// The chunker assigns temporary position-based IDs; this method remaps
// ParentChunkID values to the real database IDs as chunks are inserted.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	// Map from temporary position-based ID to real DB ID.
	idMap := make(map[int64]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, parent_chunk_id, content, chunk_type, heading,
				page_number, position_in_doc, token_count, domain, section_path, metadata, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			// Remap parent_chunk_id from temporary to real DB ID.
			var parentID *int64
			if c.ParentChunkID != nil {
				if realID, ok := idMap[*c.ParentChunkID]; ok {
					parentID = &realID
				}
			}

			res, err := stmt.ExecContext(ctx,
				c.DocumentID, parentID, c.Content, c.ChunkType,
				c.Heading, c.PageNumber, c.PositionInDoc, c.TokenCount,
				c.Domain, c.SectionPath, c.Metadata, contentHash)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
			idMap[c.ID] = ids[i]
		}
		return bumpStoreGenerationTx(ctx, tx)
	})

	return ids, err
}

// GetChunksByDocument returns all chunks for a given document.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, parent_chunk_id, content, chunk_type, heading,
			page_number, position_in_doc, token_count, COALESCE(domain, ''), COALESCE(section_path, ''), metadata, content_hash
		FROM chunks WHERE document_id = ? ORDER BY position_in_doc
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ParentChunkID, &c.Content,
			&c.ChunkType, &c.Heading, &c.PageNumber, &c.PositionInDoc,
			&c.TokenCount, &c.Domain, &c.SectionPath, &metadata, &c.ContentHash); err != nil {
			return nil, err
		}
		c.Metadata = metadata.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a chunk.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// VectorSearch performs a KNN search returning the top-k nearest chunks.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.content, c.heading, c.chunk_type, c.page_number, c.document_id,
			d.filename, d.path
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance,
			&r.Content, &r.Heading, &r.ChunkType, &r.PageNumber, &r.DocumentID,
			&r.Filename, &r.Path); err != nil {
			return nil, err
		}
		// Convert distance to similarity score (1 - distance for cosine)
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs a full-text search using FTS5 BM25 ranking.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			c.content, c.heading, c.chunk_type, c.page_number, c.document_id,
			d.filename, d.path
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		if err := rows.Scan(&r.ChunkID, &rank,
			&r.Content, &r.Heading, &r.ChunkType, &r.PageNumber, &r.DocumentID,
			&r.Filename, &r.Path); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Entity operations ---

// UpsertEntity inserts or merges an entity using the deterministic id derived
// from its normalized name and type. On conflict, occurrence is summed,
// aliases are unioned, and confidence takes the max of observed values —
// matching the merge rule for entity resolution.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var upsertErr error
		id, upsertErr = upsertEntityTx(ctx, tx, e)
		return upsertErr
	})
	return id, err
}

// UpsertEntityAndLink atomically upserts an entity and links it to a chunk
// in a single transaction, preventing FOREIGN KEY failures from concurrent access.
func (s *Store) UpsertEntityAndLink(ctx context.Context, e Entity, chunkID int64) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var upsertErr error
		id, upsertErr = upsertEntityTx(ctx, tx, e)
		if upsertErr != nil {
			return upsertErr
		}
		_, linkErr := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id, start_offset, end_offset) VALUES (?, ?, NULL, NULL)",
			id, chunkID)
		return linkErr
	})
	return id, err
}

// UpsertEntities upserts a batch of entities in a single transaction,
// returning their resolved ids in input order.
func (s *Store) UpsertEntities(ctx context.Context, entities []Entity) ([]int64, error) {
	ids := make([]int64, len(entities))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, e := range entities {
			id, err := upsertEntityTx(ctx, tx, e)
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	return ids, err
}

// fuzzyMergeThreshold and blockingPrefixLen implement the entity resolution
// merge rule: a candidate found via the (normalized_name_prefix, type)
// blocking key is merged in if its normalized name matches exactly or its
// Levenshtein ratio against the incoming name is at least this threshold.
const (
	fuzzyMergeThreshold = 0.92
	blockingPrefixLen   = 4
)

// resolveEntityID returns the id a new/updated entity should upsert under:
// an existing fuzzy-matched candidate's id if one clears fuzzyMergeThreshold,
// otherwise a fresh deterministic id derived from the normalized name.
func resolveEntityID(ctx context.Context, tx *sql.Tx, normalized, entityType string) (int64, error) {
	prefix := normalized
	if len(prefix) > blockingPrefixLen {
		prefix = prefix[:blockingPrefixLen]
	}
	if prefix != "" {
		rows, err := tx.QueryContext(ctx,
			"SELECT id, name FROM entities WHERE entity_type = ? AND name LIKE ? || '%'",
			entityType, prefix)
		if err != nil {
			return 0, err
		}
		var bestID int64
		var bestRatio float64
		for rows.Next() {
			var id int64
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return 0, err
			}
			candidate := NormalizeEntityName(name)
			if candidate == normalized {
				rows.Close()
				return id, nil
			}
			if ratio := nameSimilarity(candidate, normalized); ratio > bestRatio {
				bestRatio, bestID = ratio, id
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()
		if bestRatio >= fuzzyMergeThreshold {
			return bestID, nil
		}
	}
	return DeterministicEntityID(normalized, entityType), nil
}

// nameSimilarity returns a 0..1 ratio derived from Levenshtein edit distance
// normalized by the longer string's length (1 = identical).
func nameSimilarity(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func upsertEntityTx(ctx context.Context, tx *sql.Tx, e Entity) (int64, error) {
	normalized := NormalizeEntityName(e.Name)
	id, err := resolveEntityID(ctx, tx, normalized, e.EntityType)
	if err != nil {
		return 0, fmt.Errorf("resolving entity merge candidate: %w", err)
	}

	occurrence := e.Occurrence
	if occurrence < 1 {
		occurrence = 1
	}
	confidence := e.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}
	aliasJSON, err := json.Marshal(e.Aliases)
	if err != nil {
		return 0, fmt.Errorf("marshaling aliases: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, name, entity_type, description, name_en, domain, aliases, occurrence, confidence, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = COALESCE(NULLIF(excluded.description, ''), entities.description),
			name_en = COALESCE(NULLIF(excluded.name_en, ''), entities.name_en),
			domain = COALESCE(NULLIF(excluded.domain, ''), entities.domain),
			occurrence = entities.occurrence + excluded.occurrence,
			confidence = MAX(entities.confidence, excluded.confidence),
			metadata = COALESCE(NULLIF(excluded.metadata, ''), entities.metadata)
	`, id, e.Name, e.EntityType, e.Description, e.NameEN, e.Domain, string(aliasJSON), occurrence, confidence, e.Metadata)
	if err != nil {
		return 0, err
	}
	if err := mergeEntityAliases(ctx, tx, id, e.Aliases); err != nil {
		return 0, err
	}
	return id, nil
}

// mergeEntityAliases unions the given aliases into the stored alias set.
// SQLite has no native JSON array union, so the merge is done in Go.
func mergeEntityAliases(ctx context.Context, tx *sql.Tx, id int64, newAliases []string) error {
	if len(newAliases) == 0 {
		return nil
	}
	var current string
	if err := tx.QueryRowContext(ctx, "SELECT aliases FROM entities WHERE id = ?", id).Scan(&current); err != nil {
		return err
	}
	var existing []string
	if current != "" {
		_ = json.Unmarshal([]byte(current), &existing)
	}
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[strings.ToLower(a)] = true
	}
	for _, a := range newAliases {
		key := strings.ToLower(a)
		if !seen[key] {
			seen[key] = true
			existing = append(existing, a)
		}
	}
	merged, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE entities SET aliases = ? WHERE id = ?", string(merged), id)
	return err
}

// LinkEntityChunk creates a provenance link between an entity and a chunk.
func (s *Store) LinkEntityChunk(ctx context.Context, entityID, chunkID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO entity_chunks (entity_id, chunk_id) VALUES (?, ?)",
		entityID, chunkID)
	return err
}

// maxEvidencePerRelation bounds the evidence snippets kept per relation edge.
const maxEvidencePerRelation = 5

// InsertRelationship upserts a relationship between two entities. On
// conflict with an existing (source, target, type) edge, weight is
// incremented, the evidence list grows up to maxEvidencePerRelation, and
// confidence becomes the max of observed values.
func (s *Store) InsertRelationship(ctx context.Context, r Relationship) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var upsertErr error
		id, upsertErr = upsertRelationshipTx(ctx, tx, r)
		return upsertErr
	})
	return id, err
}

// UpsertRelations upserts a batch of relationships in a single transaction.
func (s *Store) UpsertRelations(ctx context.Context, rels []Relationship) ([]int64, error) {
	ids := make([]int64, len(rels))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, r := range rels {
			id, err := upsertRelationshipTx(ctx, tx, r)
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	return ids, err
}

func upsertRelationshipTx(ctx context.Context, tx *sql.Tx, r Relationship) (int64, error) {
	if r.SourceEntityID == r.TargetEntityID {
		return 0, fmt.Errorf("relationship source and target must differ (entity %d)", r.SourceEntityID)
	}
	weight := r.Weight
	if weight <= 0 {
		weight = 1.0
	}
	confidence := r.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}
	evidence := r.Evidence
	if r.Context != "" {
		evidence = append(evidence, r.Context)
	}
	evidenceJSON, err := json.Marshal(capEvidence(evidence, maxEvidencePerRelation))
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO relationships (source_entity_id, target_entity_id, relation_type,
			weight, description, context, domain, confidence, evidence, source_chunk_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_entity_id, target_entity_id, relation_type) DO UPDATE SET
			weight = relationships.weight + excluded.weight,
			confidence = MAX(relationships.confidence, excluded.confidence),
			description = COALESCE(NULLIF(excluded.description, ''), relationships.description),
			domain = COALESCE(NULLIF(excluded.domain, ''), relationships.domain)
	`, r.SourceEntityID, r.TargetEntityID, r.RelationType,
		weight, r.Description, r.Context, r.Domain, confidence, string(evidenceJSON), r.SourceChunkID, r.Metadata)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := tx.QueryRowContext(ctx,
			"SELECT id FROM relationships WHERE source_entity_id = ? AND target_entity_id = ? AND relation_type = ?",
			r.SourceEntityID, r.TargetEntityID, r.RelationType)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		if r.Context != "" {
			if err := appendRelationEvidence(ctx, tx, id, r.Context); err != nil {
				return 0, err
			}
		}
	}
	return id, nil
}

// appendRelationEvidence appends a context snippet to an existing relation's
// evidence list, capping it at maxEvidencePerRelation.
func appendRelationEvidence(ctx context.Context, tx *sql.Tx, id int64, context string) error {
	var current string
	if err := tx.QueryRowContext(ctx, "SELECT evidence FROM relationships WHERE id = ?", id).Scan(&current); err != nil {
		return err
	}
	var evidence []string
	if current != "" {
		_ = json.Unmarshal([]byte(current), &evidence)
	}
	capped := capEvidence(append(evidence, context), maxEvidencePerRelation)
	merged, err := json.Marshal(capped)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE relationships SET evidence = ? WHERE id = ?", string(merged), id)
	return err
}

func capEvidence(evidence []string, max int) []string {
	if len(evidence) <= max {
		return evidence
	}
	return evidence[len(evidence)-max:]
}

// entityColumns lists the columns selected for an Entity row, in the order
// scanEntityRow expects them.
const entityColumns = "id, name, entity_type, description, COALESCE(name_en, ''), COALESCE(domain, ''), aliases, occurrence, confidence, metadata"

// scanEntityRow scans a row produced by a query selecting entityColumns.
func scanEntityRow(rows *sql.Rows) (Entity, error) {
	var e Entity
	var metadata, aliasJSON sql.NullString
	if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description, &e.NameEN,
		&e.Domain, &aliasJSON, &e.Occurrence, &e.Confidence, &metadata); err != nil {
		return e, err
	}
	e.Metadata = metadata.String
	if aliasJSON.String != "" {
		_ = json.Unmarshal([]byte(aliasJSON.String), &e.Aliases)
	}
	return e, nil
}

// GetEntitiesByNames returns entities matching any of the given names.
func (s *Store) GetEntitiesByNames(ctx context.Context, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := "SELECT " + entityColumns + " FROM entities WHERE name IN (?" +
		repeatPlaceholders(len(names)-1) + ")"

	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// SearchEntitiesByTerms finds entities whose names contain any of the given
// terms as substrings. This enables graph search to work when query terms are
// single words (e.g. "rejected") and entity names are multi-word phrases
// (e.g. "rechazador de envases"). Results are limited to avoid noise from
// very short or generic terms.
func (s *Store) SearchEntitiesByTerms(ctx context.Context, terms []string, limit int) ([]Entity, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 50
	}

	// Build OR conditions: name LIKE '%term1%' OR name LIKE '%term2%' ...
	// Only use terms with length >= 4 to avoid noise from short words.
	var conditions []string
	var args []interface{}
	for _, t := range terms {
		if len(t) < 4 {
			continue
		}
		conditions = append(conditions, "name LIKE ?")
		args = append(args, "%"+t+"%")
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	query := "SELECT " + entityColumns + " FROM entities WHERE " +
		strings.Join(conditions, " OR ") +
		" LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// GraphSearch finds chunks reachable via entity relationships.
func (s *Store) GraphSearch(ctx context.Context, entityIDs []int64, limit int) ([]RetrievalResult, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT ec.chunk_id, COALESCE(MAX(r.weight), 0.5),
			c.content, c.heading, c.chunk_type, c.page_number, c.document_id,
			d.filename, d.path
		FROM entity_chunks ec
		LEFT JOIN relationships r ON r.source_entity_id = ec.entity_id OR r.target_entity_id = ec.entity_id
		JOIN chunks c ON c.id = ec.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE ec.entity_id IN (?` + repeatPlaceholders(len(entityIDs)-1) + `)
		GROUP BY ec.chunk_id
		ORDER BY COALESCE(MAX(r.weight), 0.5) DESC
		LIMIT ?`

	args := make([]interface{}, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		if err := rows.Scan(&r.ChunkID, &r.Score,
			&r.Content, &r.Heading, &r.ChunkType, &r.PageNumber, &r.DocumentID,
			&r.Filename, &r.Path); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ChunkMention pairs a chunk with one entity that mentions it, resolved via
// the entity_chunks table (the persisted Mention edge).
type ChunkMention struct {
	EntityID   int64
	ChunkID    int64
	Content    string
	Heading    string
	ChunkType  string
	PageNumber int
	DocumentID int64
	Filename   string
	Path       string
}

// MentionsForEntities returns every (entity, chunk) mention pair for the
// given entity ids, so a caller can fold each entity's graph-distance score
// into every chunk it mentions.
func (s *Store) MentionsForEntities(ctx context.Context, entityIDs []int64) ([]ChunkMention, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ec.entity_id, ec.chunk_id, c.content, c.heading, c.chunk_type,
			c.page_number, c.document_id, d.filename, d.path
		FROM entity_chunks ec
		JOIN chunks c ON c.id = ec.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE ec.entity_id IN (?` + repeatPlaceholders(len(entityIDs)-1) + `)`

	args := make([]interface{}, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mentions []ChunkMention
	for rows.Next() {
		var m ChunkMention
		if err := rows.Scan(&m.EntityID, &m.ChunkID, &m.Content, &m.Heading, &m.ChunkType,
			&m.PageNumber, &m.DocumentID, &m.Filename, &m.Path); err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// GetRelatedEntities performs a 1-hop expansion from the given seed entity IDs
// via the relationships table, returning entities that are directly connected
// but not already in the seed set. Used by synthesis-mode retrieval to discover
// semantically distant entities (e.g., from "seguridad y normativa" â†’ "ip54").
func (s *Store) GetRelatedEntities(ctx context.Context, entityIDs []int64, limit int) ([]Entity, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 100
	}

	// Build placeholders for the IN clauses
	ph := "?" + repeatPlaceholders(len(entityIDs)-1)

	query := `
		SELECT DISTINCT e.id, e.name, e.entity_type, e.description, COALESCE(e.name_en, ''), COALESCE(e.domain, ''), e.aliases, e.occurrence, e.confidence, e.metadata
		FROM entities e
		JOIN relationships r ON (e.id = r.target_entity_id OR e.id = r.source_entity_id)
		WHERE (r.source_entity_id IN (` + ph + `) OR r.target_entity_id IN (` + ph + `))
		  AND e.id NOT IN (` + ph + `)
		LIMIT ?`

	// Args: source IN (?...) OR target IN (?...) AND e.id NOT IN (?...) LIMIT ?
	args := make([]interface{}, 0, len(entityIDs)*3+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// --- Community operations ---

// InsertCommunity stores a community detection result.
func (s *Store) InsertCommunity(ctx context.Context, c Community) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO communities (level, summary, entity_ids) VALUES (?, ?, ?)",
		c.Level, c.Summary, c.EntityIDs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetCommunities returns all communities at a given level.
func (s *Store) GetCommunities(ctx context.Context, level int) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, level, summary, entity_ids FROM communities WHERE level = ?", level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var communities []Community
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.ID, &c.Level, &c.Summary, &c.EntityIDs); err != nil {
			return nil, err
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

// ClearCommunities removes all community data.
func (s *Store) ClearCommunities(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM communities")
	return err
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	sourcesJSON, _ := json.Marshal(q.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query, answer, confidence, sources, retrieval_method, model_used, rounds, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Query, q.Answer, q.Confidence, string(sourcesJSON), q.RetrievalMethod, q.ModelUsed, q.Rounds,
		q.PromptTokens, q.CompletionTokens, q.TotalTokens)
	return err
}

// --- Graph data for community detection ---

// AllEntities returns every entity in the database.
func (s *Store) AllEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+entityColumns+" FROM entities")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// AllRelationships returns every relationship in the database.
func (s *Store) AllRelationships(ctx context.Context) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_entity_id, target_entity_id, relation_type, weight, description,
			COALESCE(context, ''), COALESCE(domain, ''), confidence
		FROM relationships
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var desc sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationType, &r.Weight, &desc, &r.Context, &r.Domain, &r.Confidence); err != nil {
			return nil, err
		}
		r.Description = desc.String
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// RelationsByType returns every relationship whose type is in the given set,
// used by causal reasoning to restrict traversal to a configured edge set.
func (s *Store) RelationsByType(ctx context.Context, types []string) ([]Relationship, error) {
	if len(types) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, source_entity_id, target_entity_id, relation_type, weight, description,
			COALESCE(context, ''), COALESCE(domain, ''), confidence
		FROM relationships WHERE relation_type IN (?` + repeatPlaceholders(len(types)-1) + `)`
	args := make([]interface{}, len(types))
	for i, t := range types {
		args[i] = t
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var desc sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationType, &r.Weight, &desc, &r.Context, &r.Domain, &r.Confidence); err != nil {
			return nil, err
		}
		r.Description = desc.String
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// --- Multi-language support ---

// UpdateDocumentLanguage sets the detected language for a document.
func (s *Store) UpdateDocumentLanguage(ctx context.Context, docID int64, language string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET language = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		language, docID)
	return err
}

// GetCorpusLanguages returns the distinct non-null languages across all documents.
func (s *Store) GetCorpusLanguages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT language FROM documents WHERE language IS NOT NULL AND language != ''")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var langs []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, err
		}
		langs = append(langs, lang)
	}
	return langs, rows.Err()
}

// SearchEntitiesByNameEN finds entities whose English canonical name contains
// any of the given terms as substrings. Same pattern as SearchEntitiesByTerms
// but operates on the name_en column for cross-language entity matching.
func (s *Store) SearchEntitiesByNameEN(ctx context.Context, terms []string, limit int) ([]Entity, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 50
	}

	var conditions []string
	var args []interface{}
	for _, t := range terms {
		if len(t) < 4 {
			continue
		}
		conditions = append(conditions, "name_en LIKE ?")
		args = append(args, "%"+t+"%")
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	query := "SELECT " + entityColumns + " FROM entities WHERE name_en IS NOT NULL AND (" +
		strings.Join(conditions, " OR ") +
		") LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// --- Diagnostic helpers (used by eval ground-truth checks) ---

// ChunkMatch holds the result of a content substring search.
type ChunkMatch struct {
	ChunkID    int64  `json:"chunk_id"`
	Heading    string `json:"heading"`
	PageNumber int    `json:"page_number"`
}

// SearchChunksByContent searches all chunks for a case-insensitive substring match.
func (s *Store) SearchChunksByContent(ctx context.Context, substring string) ([]ChunkMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, heading, page_number FROM chunks
		WHERE LOWER(content) LIKE '%' || LOWER(?) || '%'
	`, substring)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []ChunkMatch
	for rows.Next() {
		var m ChunkMatch
		if err := rows.Scan(&m.ChunkID, &m.Heading, &m.PageNumber); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ChunkHasEmbedding checks if a specific chunk has a vector embedding.
func (s *Store) ChunkHasEmbedding(ctx context.Context, chunkID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_chunks WHERE chunk_id = ?", chunkID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DBStats holds counts of key database objects.
type DBStats struct {
	Chunks        int `json:"chunks"`
	Embeddings    int `json:"embeddings"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Communities   int `json:"communities"`
	Documents     int `json:"documents"`
}

// DBStats returns counts of chunks, embeddings, entities, relationships, communities, and documents.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM communities", &stats.Communities},
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// SampleChunks returns up to n chunks sampled from the database.
// Used for language detection and other heuristics.
func (s *Store) SampleChunks(ctx context.Context, n int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, parent_chunk_id, content, chunk_type, heading,
			page_number, position_in_doc, token_count, metadata, content_hash
		FROM chunks ORDER BY RANDOM() LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ParentChunkID, &c.Content,
			&c.ChunkType, &c.Heading, &c.PageNumber, &c.PositionInDoc,
			&c.TokenCount, &metadata, &c.ContentHash); err != nil {
			return nil, err
		}
		c.Metadata = metadata.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
