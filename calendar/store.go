package calendar

import (
	"context"
)

// =============================================================================
// BACKEND - Remote read/write contract
// =============================================================================

// Backend is the durable home of a user's entities. The synchronizer is the
// only caller. Catalog writes wait on it only to read entities outside the
// mirrored window, and never while holding the mutation lock.
//
// Writes are compare-and-set on revisions: base is the revision the local
// copy was derived from (zero for entities the backend has never accepted).
// If the backend holds a newer revision the write fails with a
// *StaleWriteError and the stored value is left untouched. Transient
// failures are reported as *RemoteError.
type Backend interface {
	// Profile returns the owner's profile or ErrEntityNotFound.
	Profile(ctx context.Context, owner UserID) (Profile, error)

	// FetchTasks returns the owner's tasks whose anchor lies inside w.
	FetchTasks(ctx context.Context, owner UserID, w Window) ([]Task, error)
	FetchCategories(ctx context.Context, owner UserID) ([]Category, error)
	FetchSubjects(ctx context.Context, owner UserID) ([]Subject, error)

	// FetchTasksReferencing returns every task of the owner filed under ref,
	// a category or subject key, wherever its anchor lies.
	FetchTasksReferencing(ctx context.Context, owner UserID, ref Key) ([]Task, error)

	// Get returns one entity or ErrEntityNotFound.
	Get(ctx context.Context, owner UserID, key Key) (Entity, error)

	// Put stores e if the backend's revision for it equals base and returns
	// the newly assigned revision.
	Put(ctx context.Context, owner UserID, e Entity, base Revision) (Revision, error)

	// Delete removes the entity if the backend's revision equals base.
	// Deleting an absent entity succeeds.
	Delete(ctx context.Context, owner UserID, key Key, base Revision) error

	// AppendHistory replicates one entry. Appending an id twice is a no-op.
	AppendHistory(ctx context.Context, owner UserID, entry HistoryEntry) error
	LoadHistory(ctx context.Context, owner UserID) ([]HistoryEntry, error)

	Close() error
}

// NextRevision applies the compare-and-set rule every backend shares.
// current is the stored revision, zero when the key is absent. tomb is the
// revision a delete left behind for the key, so a re-created entity keeps
// counting up from where the deleted one stopped.
func NextRevision(key Key, current, tomb, base Revision) (Revision, error) {
	if current > base {
		return 0, &StaleWriteError{Key: key, Base: base, Current: current}
	}
	return max(current, tomb) + 1, nil
}

// CheckReference rejects keys tasks cannot be filed under.
func CheckReference(ref Key) error {
	switch ref.Kind {
	case KindCategory, KindSubject:
		if ref.ID == "" {
			return &ValidationError{Field: "ref", Reason: "id required"}
		}
		return nil
	}
	return &ValidationError{Field: "ref", Reason: "tasks are filed under categories and subjects, not " + string(ref.Kind)}
}

// Op is the kind of change carried by a Delta.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Delta is one change observed on the backend.
type Delta struct {
	Key      Key      `json:"key"`
	Op       Op       `json:"op"`
	Entity   *Entity  `json:"entity,omitempty"`
	Revision Revision `json:"revision"`
}

// Watcher is implemented by backends that can push their change feed.
// The channel is closed when ctx is done or the feed breaks.
type Watcher interface {
	Watch(ctx context.Context, owner UserID) (<-chan Delta, error)
}

// =============================================================================
// HISTORY LOG - Synchronous local journal
// =============================================================================

// HistoryLog durably stores history entries on the mutation path. It must
// not perform network I/O: Record blocks the mutation lock while it runs.
type HistoryLog interface {
	Append(ctx context.Context, entry HistoryEntry) error
	Entries(ctx context.Context) ([]HistoryEntry, error)
}
