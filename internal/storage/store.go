// Package storage defines the event log abstraction (C1) and its adapters.
//
// Every adapter satisfies the same Store interface so the aggregate
// coordinator never imports a driver package directly; cmd/coordinator
// chooses the concrete adapter from config.Storage.Kind.
package storage

import (
	"context"
	"fmt"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// StreamKey addresses one aggregate's event stream.
type StreamKey struct {
	Domain string
	Root   [16]byte
}

// Store is the event log's storage contract (spec §4.1).
//
// Sequencing is dense and zero-based per (domain, root): the first
// appended page is sequence 0. Append enforces optimistic concurrency via
// expectedSequence unless forceWrite is set, in which case the check is
// skipped entirely (administrative bypass, §4.1 force-write).
type Store interface {
	// Load returns the full stored EventBook for key. The book carries
	// pages only; a retained snapshot is read with ReadSnapshot. Returns an
	// empty EventBook (no error) if the stream has never been appended to.
	Load(ctx context.Context, key StreamKey) (*angzarrpb.EventBook, error)

	// LoadRange returns the pages in [from, to) for key. to == 0 means
	// through the current tail.
	LoadRange(ctx context.Context, key StreamKey, from, to uint32) ([]*angzarrpb.EventPage, error)

	// LoadAsOfSequence returns the pages with sequence <= seq.
	LoadAsOfSequence(ctx context.Context, key StreamKey, seq uint32) ([]*angzarrpb.EventPage, error)

	// Append stores pages as the next sequence(s) after the stream's
	// current tail. If forceWrite is false, the append is rejected with a
	// ConcurrencyConflict CoordinatorError when the stream's current tail
	// sequence does not equal expectedSequence. Returns the pages as
	// stored, stamped with their assigned sequence numbers.
	Append(ctx context.Context, key StreamKey, pages []*angzarrpb.EventPage, expectedSequence uint32, forceWrite bool) ([]*angzarrpb.EventPage, error)

	// Tail returns the sequence number of the last appended page, or 0
	// with ok=false if the stream is empty.
	Tail(ctx context.Context, key StreamKey) (seq uint32, ok bool, err error)

	// WriteSnapshot persists a domain-supplied state checkpoint alongside
	// the stream. Idempotent per (cover, snapshot.sequence).
	WriteSnapshot(ctx context.Context, snapshot *angzarrpb.Snapshot) error

	// ReadSnapshot returns the most recently written snapshot for key, or
	// nil if none has ever been written.
	ReadSnapshot(ctx context.Context, key StreamKey) (*angzarrpb.Snapshot, error)

	// ListRoots invokes yield once per root that has ever had a page
	// appended under domain, in no particular order, stopping and
	// returning the error the first time yield does. Used for
	// replay/rebuild (§4.1 list_roots).
	ListRoots(ctx context.Context, domain string, yield func(root [16]byte) error) error

	// GetPosition returns the last sequence (projector, key) has
	// successfully processed, or ok=false if it has never processed any.
	GetPosition(ctx context.Context, projector string, key StreamKey) (seq uint32, ok bool, err error)

	// SetPosition records that (projector, key) has processed through
	// seq. Monotonic: if the stored position is already >= seq, SetPosition
	// is a no-op (spec invariant: "projector position is monotonically
	// non-decreasing").
	SetPosition(ctx context.Context, projector string, key StreamKey, seq uint32) error
}

// ErrEmptyStream is returned by callers that need to distinguish "no such
// stream" from a storage failure; Store implementations themselves signal
// this via Tail's ok=false rather than an error.
var ErrEmptyStream = angerr.New(angerr.StorageCorrupt, "stream has no pages")

// ValidateDense checks that pages form a dense, zero-based, gapless
// sequence starting at start. Adapters call this after a read to catch
// storage corruption before it reaches the coordinator.
func ValidateDense(pages []*angzarrpb.EventPage, start uint32) error {
	for i, p := range pages {
		want := start + uint32(i)
		if p.GetSequence() != want {
			return angerr.Wrap(angerr.StorageCorrupt,
				fmt.Sprintf("expected sequence %d at position %d, got %d", want, i, p.GetSequence()), nil)
		}
	}
	return nil
}
