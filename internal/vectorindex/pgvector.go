package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

// PGVector stores chunks in Postgres with the pgvector extension.
type PGVector struct {
	db   *sql.DB
	dims int
}

var _ Index = (*PGVector)(nil)

// OpenPGVector connects, pings and creates the schema if needed.
func OpenPGVector(ctx context.Context, dsn string, dims int) (*PGVector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("VECTOR_DATABASE_URL is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	p := &PGVector{db: db, dims: dims}
	if err := p.bootstrap(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return p, nil
}

func (p *PGVector) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *PGVector) bootstrap(ctx context.Context) error {
	// No ANN index: pgvector's hnsw/ivfflat cap out at 2000 dimensions and
	// every query is already narrowed to a single chat by a B-tree index.
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id         TEXT PRIMARY KEY,
			chat_id    TEXT NOT NULL,
			file_id    TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			page       INT  NOT NULL DEFAULT 0,
			text       TEXT NOT NULL,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.dims),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_chat ON document_chunks (chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_file ON document_chunks (chat_id, file_id)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Upsert writes all chunks in one transaction. Re-inserting an id replaces
// the row.
func (p *PGVector) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validate(chunks, p.dims); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks (id, chat_id, file_id, source, page, text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			file_id = EXCLUDED.file_id,
			source = EXCLUDED.source,
			page = EXCLUDED.page,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		c := &chunks[i]
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.ChatID, c.FileID, c.Source, c.Page, c.Text, pgvector.NewVector(c.Vector),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Search ranks chunks in scope by cosine distance.
func (p *PGVector) Search(ctx context.Context, scope Scope, vector []float32, k int) ([]Match, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	where, args := scopeClause(scope, 2)
	q := fmt.Sprintf(`
		SELECT id, chat_id, file_id, source, page, text, 1 - (embedding <=> $1) AS score
		FROM document_chunks
		WHERE %s
		ORDER BY embedding <=> $1, id
		LIMIT %d
	`, where, k)

	rows, err := p.db.QueryContext(ctx, q, append([]any{pgvector.NewVector(vector)}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.ChatID, &m.FileID, &m.Source, &m.Page, &m.Text, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PGVector) Delete(ctx context.Context, scope Scope) (int, error) {
	if err := scope.check(); err != nil {
		return 0, err
	}
	where, args := scopeClause(scope, 1)
	res, err := p.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE `+where, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PGVector) Count(ctx context.Context, scope Scope) (int, error) {
	if err := scope.check(); err != nil {
		return 0, err
	}
	where, args := scopeClause(scope, 1)
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks WHERE `+where, args...).Scan(&n)
	return n, err
}

// scopeClause renders the WHERE predicate for scope with placeholders
// numbered from first.
func scopeClause(s Scope, first int) (string, []any) {
	if s.fileID == "" {
		return fmt.Sprintf("chat_id = $%d", first), []any{s.chatID}
	}
	return fmt.Sprintf("chat_id = $%d AND file_id = $%d", first, first+1), []any{s.chatID, s.fileID}
}
