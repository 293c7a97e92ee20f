// Package coordinator implements the coordinator set that is the core of
// this specification (spec §1): the aggregate coordinator (C4), saga
// coordinator (C6), process-manager coordinator (C7), and projector
// coordinator (C5), plus the compensation channel (C8) that threads
// through all of them. Query/stream services (C9) live in internal/query,
// which does not import this package; it uses internal/storage and
// internal/upcaster directly.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/eventbookcache"
	"github.com/angzarr-io/angzarr/internal/lease"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
	"github.com/angzarr-io/angzarr/internal/upcaster"
)

var (
	errCascadeDepthExceeded = angerr.New(angerr.CascadeDepthExceeded, "sync cascade exceeded max_cascade_depth")
	errCascadeCycleDetected = angerr.New(angerr.CascadeCycleDetected, "sync cascade revisited a (domain, root) already seen in this lineage")
)

// Config holds the coordinator-wide tunables named in spec §6.
type Config struct {
	MaxCascadeDepth int
	AppendRetries   int
	CallTimeout     time.Duration
	SnapshotEveryN  int
	LeaseTTL        time.Duration

	// DefaultSyncMode is substituted for SYNC_MODE_NONE on inbound
	// SubmitCommand requests when ingress.sync_mode_default (spec §6) names
	// something other than NONE -- SYNC_MODE_NONE is the proto zero value,
	// so a caller that omits sync_mode entirely gets this default rather
	// than always falling through to no cascade at all.
	DefaultSyncMode angzarrpb.SyncMode
}

// DefaultConfig matches internal/config.Default()'s coordinator section.
func DefaultConfig() Config {
	return Config{
		MaxCascadeDepth: 32,
		AppendRetries:   5,
		CallTimeout:     10 * time.Second,
		LeaseTTL:        2 * time.Second,
	}
}

// Router dispatches a CommandBook to whichever coordinator owns its
// target domain -- the seam that lets recursive cascade routing (spec
// §4.4 step 8, §4.6, §4.7) work identically whether the target domain's
// coordinator lives in the same process (standalone) or behind the bus in
// a sidecar (distributed).
type Router interface {
	Route(ctx context.Context, book *angzarrpb.CommandBook, mode angzarrpb.SyncMode) (*angzarrpb.CommandResponse, error)
}

// Deps bundles the infrastructure every coordinator variant shares, so
// each concrete coordinator's constructor takes one struct instead of a
// long, easily-misordered parameter list.
type Deps struct {
	Store     storage.Store
	Bus       bus.Bus
	Upcasters *upcaster.Pipeline
	Cache     *eventbookcache.Cache
	Leaser    lease.Leaser
	Metrics   *telemetry.Metrics
	Tracer    oteltrace.TracerProvider
	Log       *zap.Logger
	Cfg       Config
}
