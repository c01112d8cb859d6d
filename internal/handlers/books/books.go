// Package books holds the job handlers that operate on books.
package books

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"bookshelf/internal/domain"
	"bookshelf/internal/embed"
	"bookshelf/internal/logging"
	"bookshelf/internal/worker"
)

// Job kinds. Every payload is a book id.
const (
	KindEmbed   = "embed_book"
	KindProcess = "process_book"
	KindEnqueue = "enqueue_book"
)

// Repository is the book accessor the handlers need.
type Repository interface {
	Get(ctx context.Context, id string) (domain.Book, error)
	SetEmbedding(ctx context.Context, id, embedding string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind, payload string) (string, error)
}

type Handlers struct {
	books    Repository
	embedder embed.Embedder
	enqueuer Enqueuer
	log      zerolog.Logger
}

func New(books Repository, embedder embed.Embedder, enqueuer Enqueuer) *Handlers {
	if embedder == nil {
		embedder = embed.Mock{}
	}
	return &Handlers{
		books:    books,
		embedder: embedder,
		enqueuer: enqueuer,
		log:      logging.Component("books"),
	}
}

// Register installs every book handler in r.
func (h *Handlers) Register(r *worker.Registry) {
	r.Register(KindEmbed, h.Embed)
	r.Register(KindProcess, h.Process)
	r.Register(KindEnqueue, h.Enqueue)
}

// Embed computes and stores the embedding of a book. A book that no longer
// exists is logged and treated as done.
func (h *Handlers) Embed(ctx context.Context, bookID string) error {
	h.log.Info().Str("book_id", bookID).Msg("creating embedding")
	book, err := h.books.Get(ctx, bookID)
	if errors.Is(err, domain.ErrNotFound) {
		h.log.Warn().Str("book_id", bookID).Msg("book not found")
		return nil
	}
	if err != nil {
		return err
	}

	embedding, err := h.embedder.Embed(ctx, book.Name)
	if err != nil {
		return errors.Wrapf(err, "embed book %s", bookID)
	}
	if err := h.books.SetEmbedding(ctx, bookID, embedding); err != nil {
		return err
	}
	h.log.Info().Str("book_id", bookID).Msg("embedding created")
	return nil
}

func (h *Handlers) Process(ctx context.Context, bookID string) error {
	book, err := h.books.Get(ctx, bookID)
	if errors.Is(err, domain.ErrNotFound) {
		h.log.Warn().Str("book_id", bookID).Msg("book not found")
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info().
		Str("book_id", book.ID).
		Str("book_name", book.Name).
		Str("genre", book.Genre).
		Bool("embedded", book.Embedding != "").
		Msg("processing book")
	return nil
}

// Enqueue fans a book out to a process_book job.
func (h *Handlers) Enqueue(ctx context.Context, bookID string) error {
	id, err := h.enqueuer.Enqueue(ctx, KindProcess, bookID)
	if err != nil {
		return err
	}
	h.log.Info().Str("book_id", bookID).Str("job_id", id).Msg("process job enqueued")
	return nil
}
