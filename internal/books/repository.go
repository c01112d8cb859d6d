// Package books reads and writes the books table.
package books

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"bookshelf/internal/db"
	"bookshelf/internal/domain"
)

const columns = `id,book_name,book_description,genre,embedding,created_at,updated_at`

type Repository struct {
	db  *db.DB
	now func() time.Time
}

func NewRepository(d *db.DB) *Repository {
	return &Repository{db: d, now: time.Now}
}

// Create inserts b with a fresh id. The embedding is left empty until the
// embed job fills it.
func (r *Repository) Create(ctx context.Context, b domain.Book) (domain.Book, error) {
	if strings.TrimSpace(b.Name) == "" {
		return domain.Book{}, errors.Wrap(domain.ErrInvalidJob, "book_name is required")
	}
	b.ID = uuid.NewString()
	b.Embedding = ""
	now := r.now()
	b.CreatedAt = db.FromMillis(db.Millis(now))
	b.UpdatedAt = b.CreatedAt

	_, err := r.db.Exec(ctx, `
INSERT INTO books (`+columns+`)
VALUES (?,?,?,?,NULL,?,?)`,
		b.ID, b.Name, b.Description, b.Genre, db.Millis(now), db.Millis(now))
	if err != nil {
		return domain.Book{}, errors.Wrapf(err, "create book %q", b.Name)
	}
	return b, nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Book, error) {
	var (
		b                domain.Book
		embedding        sql.NullString
		created, updated int64
	)
	err := r.db.QueryRow(ctx, `SELECT `+columns+` FROM books WHERE id=?`, []any{id},
		&b.ID, &b.Name, &b.Description, &b.Genre, &embedding, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Book{}, errors.Wrapf(domain.ErrNotFound, "book %s", id)
	}
	if err != nil {
		return domain.Book{}, errors.Wrapf(err, "get book %s", id)
	}
	b.Embedding = embedding.String
	b.CreatedAt = db.FromMillis(created)
	b.UpdatedAt = db.FromMillis(updated)
	return b, nil
}

// SetEmbedding overwrites the derived embedding of a book.
func (r *Repository) SetEmbedding(ctx context.Context, id, embedding string) error {
	res, err := r.db.Exec(ctx, `UPDATE books SET embedding=?, updated_at=? WHERE id=?`,
		embedding, db.Millis(r.now()), id)
	if err != nil {
		return errors.Wrapf(err, "set embedding of book %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "book %s", id)
	}
	return nil
}
