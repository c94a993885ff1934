package data

import (
	"context"

	"github.com/R3E-Network/insight_runtime/internal/engine/metrics"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

// UpsertPaths are the backend calls behind an upsert with the
// permission-denied fallback.
type UpsertPaths struct {
	// Upsert writes records and returns the stored rows.
	Upsert func(ctx context.Context, records []Record) ([]Record, error)
	// UpsertMinimal writes records without returning them.
	UpsertMinimal func(ctx context.Context, records []Record) error
	// FetchByIDs reads rows back by id.
	FetchByIDs func(ctx context.Context, ids []any) ([]Record, error)
}

// UpsertWithFallback runs paths.Upsert. If the backend denies it, the
// write is retried once through UpsertMinimal and the rows are read back by
// id. A missing id or a failed read-back yields an empty, successful result.
func UpsertWithFallback(ctx context.Context, collection string, records []Record, paths UpsertPaths, rec metrics.Recorder, log *logger.Logger) ([]Record, error) {
	rows, err := paths.Upsert(ctx, records)
	if err == nil {
		return rows, nil
	}
	if !IsPermissionDenied(err) {
		return nil, err
	}

	metrics.OrNoOp(rec).RecordUpsertFallback(collection)
	log = logger.OrDefault(log, "data")
	log.WithField("collection", collection).WithError(err).Debug("upsert denied, retrying minimal write")

	if err := paths.UpsertMinimal(ctx, records); err != nil {
		return nil, err
	}

	ids := IDs(records)
	if len(ids) == 0 {
		return []Record{}, nil
	}
	rows, err = paths.FetchByIDs(ctx, ids)
	if err != nil {
		log.WithField("collection", collection).WithError(err).Warn("read-back after minimal upsert failed")
		return []Record{}, nil
	}
	if rows == nil {
		rows = []Record{}
	}
	return rows, nil
}
