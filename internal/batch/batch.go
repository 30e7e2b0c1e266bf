// Package batch runs one operation over a list of items in order and
// accounts for every item, successful or not.
package batch

import (
	"context"
	"log/slog"

	"github.com/pavelanni/speakexam/internal/model"
)

// Item is the outcome for one input.
type Item[T any] struct {
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Value   T      `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
	err     error
}

// Err returns the item's failure, if any.
func (i Item[T]) Err() error { return i.err }

// Report is the aggregate of one run. Items are in input order.
type Report[T any] struct {
	Processed    int       `json:"processed"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	Items        []Item[T] `json:"results"`
}

// Options tune a run.
type Options struct {
	// Name labels log lines.
	Name   string
	Logger *slog.Logger
	// Progress is called after every item with the running tally.
	Progress func(model.BatchProgress)
}

// Run calls fn for each id, one at a time. A failing item never stops the
// run. Once ctx is done the remaining items are recorded as failed without
// calling fn.
func Run[T any](ctx context.Context, ids []int64, opts Options, fn func(ctx context.Context, id int64) (T, error)) Report[T] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("batch", opts.Name)

	rep := Report[T]{Items: make([]Item[T], 0, len(ids))}
	progress := model.BatchProgress{Total: len(ids)}
	logger.Info("batch started", "total", len(ids))

	for i, id := range ids {
		item := Item[T]{ID: id}
		var (
			v   T
			err error
		)
		if err = ctx.Err(); err == nil {
			v, err = fn(ctx, id)
		}
		if err != nil {
			item.err = err
			item.Error = err.Error()
			rep.FailureCount++
			progress.FailedCount++
			logger.Warn("batch item failed", "item", i+1, "id", id, "error", err)
		} else {
			item.Success = true
			item.Value = v
			rep.SuccessCount++
			progress.SuccessCount++
			logger.Info("batch item done", "item", i+1, "id", id)
		}
		rep.Items = append(rep.Items, item)
		rep.Processed++

		progress.Current = i + 1
		if opts.Progress != nil {
			opts.Progress(progress)
		}
	}

	logger.Info("batch finished", "processed", rep.Processed,
		"success", rep.SuccessCount, "failed", rep.FailureCount)
	return rep
}
