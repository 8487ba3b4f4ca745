// Package docstore abstracts the watched document database: resumable change
// feeds in, conditional point writes out.
package docstore

import (
	"context"
	"errors"

	"github.com/mongoclaw/mongoclaw/pkg/models"
)

// ErrFeedInvalidated signals that the store can no longer resume from the
// supplied token (history trimmed past it). The watcher treats this as a feed
// reset and restarts from "now".
var ErrFeedInvalidated = errors.New("change feed resume token invalidated")

// ErrFeedClosed is returned by Next after Close.
var ErrFeedClosed = errors.New("change feed closed")

// ChangeFeed is one open change stream subscription.
type ChangeFeed interface {
	// Next blocks until an event, a feed error, or ctx cancellation. The
	// returned event carries the resume token that covers it.
	Next(ctx context.Context) (*models.ChangeEvent, error)
	Close(ctx context.Context) error
}

// Store is the document store the pipeline reads from and writes to.
type Store interface {
	// Subscribe opens a change feed over db.coll. A nil resumeToken starts
	// from "now".
	Subscribe(ctx context.Context, db, coll string, resumeToken any) (ChangeFeed, error)

	// UpdateOne applies a single conditional update and reports how many
	// documents matched and were modified.
	UpdateOne(ctx context.Context, db, coll string, filter, update map[string]any) (matched, modified int64, err error)
}
