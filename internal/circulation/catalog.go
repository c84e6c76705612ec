package circulation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/oplog"
)

// AddBook catalogues a new title with every copy available.
func (s *Service) AddBook(ctx context.Context, book *entities.Book) (*entities.Book, error) {
	if book.Title == "" {
		return nil, invalid("title is required")
	}
	if book.TotalQuantity < 0 {
		return nil, invalid("total quantity must not be negative")
	}
	if book.Price.IsNegative() {
		return nil, invalid("price must not be negative")
	}

	intent := oplog.Intent{Table: book.TableName(), Type: entities.OperationInsert, New: book}
	var opID string
	created, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.Book, error) {
		opID = oplog.OperationID(ctx)
		if err := s.books.Create(ctx, book); err != nil {
			return nil, err
		}
		return book, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.RecordChange(ctx, entities.AuditActionCreate, created.TableName(), created.ID, nil, created,
		map[string]any{"operation_id": opID})
	return created, nil
}

// RegisterReader issues a reader card in the given category.
func (s *Service) RegisterReader(ctx context.Context, reader *entities.Reader) (*entities.Reader, error) {
	if reader.ReaderNo == "" || reader.Name == "" {
		return nil, invalid("reader number and name are required")
	}

	intent := oplog.Intent{Table: reader.TableName(), Type: entities.OperationInsert, New: reader}
	var opID string
	created, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.Reader, error) {
		opID = oplog.OperationID(ctx)
		err := s.readers.Create(ctx, reader)
		if errors.Is(err, versioned.ErrRecordNotFound) {
			return nil, invalid("reader category %d does not exist", reader.CategoryID)
		}
		if err != nil {
			return nil, err
		}
		return reader, nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.RecordChange(ctx, entities.AuditActionCreate, created.TableName(), created.ID, nil, created,
		map[string]any{"operation_id": opID})
	return created, nil
}

func (s *Service) GetBook(ctx context.Context, id uint) (*entities.Book, error) {
	book, err := s.books.Get(ctx, id)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("book %d not found", id)
	}
	return book, err
}

func (s *Service) GetReader(ctx context.Context, id uint) (*entities.Reader, error) {
	reader, err := s.readers.Get(ctx, id)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("reader %d not found", id)
	}
	return reader, err
}

// AddCopies changes the number of copies held. Positive n adds shelf copies;
// negative n withdraws copies that are on the shelf.
func (s *Service) AddCopies(ctx context.Context, bookID uint, n int64) (*entities.Book, error) {
	if n == 0 {
		return nil, invalid("copy count change must not be zero")
	}
	before, err := s.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	intent := oplog.Intent{
		Table:    before.TableName(),
		RecordID: before.ID,
		Type:     entities.OperationUpdate,
		Old:      before,
		New:      map[string]any{"copies": n},
	}
	var opID string
	book, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.Book, error) {
		opID = oplog.OperationID(ctx)
		var updated *entities.Book
		err := s.transact(ctx, func(st stores) error {
			var err error
			updated, err = addCopies(ctx, st, bookID, n)
			return err
		})
		return updated, err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "book copies changed",
		slog.Uint64("book_id", uint64(bookID)),
		slog.Int64("delta", n),
		slog.Int64("total", book.TotalQuantity))
	s.audit.RecordChange(ctx, entities.AuditActionUpdate, book.TableName(), book.ID, before, book,
		map[string]any{"operation_id": opID})
	return book, nil
}

// addCopies moves total and available together. The version returned by the
// first adjustment is the one the second must see.
func addCopies(ctx context.Context, st stores, bookID uint, n int64) (*entities.Book, error) {
	book, err := st.books.Get(ctx, bookID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("book %d not found", bookID)
	}
	if err != nil {
		return nil, err
	}
	if n < 0 && book.AvailableQuantity+n < 0 {
		return nil, outOfStock("only %d copies of %q are on the shelf", book.AvailableQuantity, book.Title)
	}

	version := book.Version
	if n > 0 {
		// Grow total first so available stays within it.
		ok, err := st.books.AdjustTotal(ctx, book.ID, n, version, book.AvailableQuantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &staleWrite{table: book.TableName(), id: book.ID}
		}
		version++
		ok, err = st.books.AdjustAvailable(ctx, book.ID, n, version, book.TotalQuantity+n)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &staleWrite{table: book.TableName(), id: book.ID}
		}
	} else {
		ok, err := st.books.AdjustAvailable(ctx, book.ID, n, version, book.TotalQuantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, explain(ctx, st.books.Versions(), book.ID, version,
				outOfStock("only %d copies of %q are on the shelf", book.AvailableQuantity, book.Title))
		}
		version++
		ok, err = st.books.AdjustTotal(ctx, book.ID, n, version, book.AvailableQuantity+n)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &staleWrite{table: book.TableName(), id: book.ID}
		}
	}

	book.TotalQuantity += n
	book.AvailableQuantity += n
	book.Version = version + 1
	return book, nil
}

// SetBookStatus changes the condition of a title. A non-normal book cannot be
// borrowed; loans already out are unaffected.
func (s *Service) SetBookStatus(ctx context.Context, bookID uint, status entities.BookStatus) (*entities.Book, error) {
	switch status {
	case entities.BookStatusNormal, entities.BookStatusDamaged, entities.BookStatusLost, entities.BookStatusDestroyed:
	default:
		return nil, invalid("unknown book status %q", status)
	}
	before, err := s.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}

	intent := oplog.Intent{
		Table:    before.TableName(),
		RecordID: before.ID,
		Type:     entities.OperationUpdate,
		Old:      before,
		New:      map[string]any{"status": status},
	}
	var opID string
	version, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (int64, error) {
		opID = oplog.OperationID(ctx)
		store := s.books.Versions().WithSleeper(s.sleep)
		return store.RetryConditionalUpdate(ctx, bookID, map[string]any{"status": status}, s.cfg.ConflictRetries, nil)
	})
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("book %d not found", bookID)
	}
	if err != nil {
		return nil, err
	}

	after := *before
	after.Status = status
	after.Version = version
	s.audit.RecordChange(ctx, entities.AuditActionUpdate, after.TableName(), after.ID, before, &after,
		map[string]any{"operation_id": opID})
	return &after, nil
}
