package circulation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mrlokans/circulation/internal/actor"
	"github.com/mrlokans/circulation/internal/database/softdelete"
	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/oplog"
)

// lifecycle is the soft-delete surface shared by the catalog repositories.
type lifecycle[T any] interface {
	GetIncludingDeleted(ctx context.Context, id uint) (*T, error)
	SoftDelete(ctx context.Context, id uint, actorID uint, reason string) (bool, error)
	Restore(ctx context.Context, id uint, actorID uint) (bool, error)
	BatchSoftDelete(ctx context.Context, ids []uint, actorID uint, reason string) (int64, error)
	ListDeleted(ctx context.Context, limit, offset int) ([]T, int64, error)
	Purge(ctx context.Context, id uint) (bool, error)
}

// Archive soft-deletes, restores and purges rows of one governed table.
// Every change is journaled and audited.
type Archive[T any] struct {
	table   string
	repo    lifecycle[T]
	journal *oplog.Journal
	audit   AuditRecorder
	logger  *slog.Logger
}

// Books returns the archive of the book catalog.
func (s *Service) Books() *Archive[entities.Book] {
	return newArchive[entities.Book](entities.Book{}.TableName(), s.books, s)
}

// LoanRecords returns the archive of closed loan records. Open loans can
// be neither deleted nor purged.
func (s *Service) LoanRecords() *Archive[entities.BorrowingRecord] {
	return newArchive[entities.BorrowingRecord](entities.BorrowingRecord{}.TableName(), s.loans, s)
}

// Readers returns the archive of reader cards.
func (s *Service) Readers() *Archive[entities.Reader] {
	return newArchive[entities.Reader](entities.Reader{}.TableName(), s.readers, s)
}

func newArchive[T any](table string, repo lifecycle[T], s *Service) *Archive[T] {
	return &Archive[T]{
		table:   table,
		repo:    repo,
		journal: s.journal,
		audit:   s.audit,
		logger:  s.logger.With(slog.String("table", table)),
	}
}

func (a *Archive[T]) load(ctx context.Context, id uint) (*T, error) {
	row, err := a.repo.GetIncludingDeleted(ctx, id)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("%s %d not found", a.table, id)
	}
	return row, err
}

// Delete hides a row from active queries. Loans already out are unaffected.
func (a *Archive[T]) Delete(ctx context.Context, id uint, reason string) error {
	before, err := a.load(ctx, id)
	if err != nil {
		return err
	}

	intent := oplog.Intent{
		Table:    a.table,
		RecordID: id,
		Type:     entities.OperationUpdate,
		Old:      before,
		New:      map[string]any{"is_deleted": true, "delete_reason": reason},
	}
	var opID string
	_, err = oplog.WithIntent(ctx, a.journal, intent, func(ctx context.Context) (bool, error) {
		opID = oplog.OperationID(ctx)
		ok, err := a.repo.SoftDelete(ctx, id, actor.ID(ctx), reason)
		if errors.Is(err, softdelete.ErrReferenced) {
			return false, rejected("%s", err.Error())
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, rejected("%s %d is already deleted", a.table, id)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	a.audit.RecordChange(ctx, entities.AuditActionSoftDelete, a.table, id, before, nil,
		map[string]any{"operation_id": opID, "reason": reason})
	return nil
}

// Restore brings a soft-deleted row back.
func (a *Archive[T]) Restore(ctx context.Context, id uint) error {
	before, err := a.load(ctx, id)
	if err != nil {
		return err
	}

	intent := oplog.Intent{
		Table:    a.table,
		RecordID: id,
		Type:     entities.OperationUpdate,
		Old:      before,
		New:      map[string]any{"is_deleted": false},
	}
	var opID string
	_, err = oplog.WithIntent(ctx, a.journal, intent, func(ctx context.Context) (bool, error) {
		opID = oplog.OperationID(ctx)
		ok, err := a.repo.Restore(ctx, id, actor.ID(ctx))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, rejected("%s %d is not deleted", a.table, id)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	a.audit.RecordChange(ctx, entities.AuditActionRestore, a.table, id, nil, nil,
		map[string]any{"operation_id": opID})
	return nil
}

// BatchDelete soft-deletes every active row in ids and returns how many
// changed. Rows already deleted or missing are skipped.
func (a *Archive[T]) BatchDelete(ctx context.Context, ids []uint, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, invalid("no ids given")
	}

	intent := oplog.Intent{
		Table: a.table,
		Type:  entities.OperationUpdate,
		New:   map[string]any{"ids": ids, "is_deleted": true, "delete_reason": reason},
	}
	var opID string
	n, err := oplog.WithIntent(ctx, a.journal, intent, func(ctx context.Context) (int64, error) {
		opID = oplog.OperationID(ctx)
		return a.repo.BatchSoftDelete(ctx, ids, actor.ID(ctx), reason)
	})
	if err != nil {
		return 0, err
	}

	a.audit.RecordChange(ctx, entities.AuditActionSoftDelete, a.table, 0, nil, nil,
		map[string]any{"operation_id": opID, "ids": ids, "deleted": n, "reason": reason})
	return n, nil
}

// Purge removes a row for good. Rows still referenced by open loans are kept.
func (a *Archive[T]) Purge(ctx context.Context, id uint) error {
	before, err := a.load(ctx, id)
	if err != nil {
		return err
	}

	intent := oplog.Intent{Table: a.table, RecordID: id, Type: entities.OperationDelete, Old: before}
	var opID string
	_, err = oplog.WithIntent(ctx, a.journal, intent, func(ctx context.Context) (bool, error) {
		opID = oplog.OperationID(ctx)
		ok, err := a.repo.Purge(ctx, id)
		if errors.Is(err, softdelete.ErrReferenced) {
			return false, rejected("%s", err.Error())
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, notFound("%s %d not found", a.table, id)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	a.logger.WarnContext(ctx, "row purged", slog.Uint64("id", uint64(id)))
	a.audit.RecordChange(ctx, entities.AuditActionPurge, a.table, id, before, nil,
		map[string]any{"operation_id": opID})
	return nil
}

// Deleted lists soft-deleted rows, most recently deleted first.
func (a *Archive[T]) Deleted(ctx context.Context, limit, offset int) ([]T, int64, error) {
	return a.repo.ListDeleted(ctx, limit, offset)
}
