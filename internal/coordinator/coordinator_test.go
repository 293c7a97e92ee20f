package coordinator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/eventbookcache"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
	"github.com/angzarr-io/angzarr/internal/upcaster"
)

// testDeps builds a Deps bundle backed by real, cheap infrastructure --
// a BoltDB file in t.TempDir(), a ChanBus, an empty upcaster pipeline, and
// a fresh Prometheus registry -- instead of mocking storage.Store/bus.Bus,
// mirroring boltstore_test.go's and chanbus_test.go's "exercise the real
// adapter, don't fake it" approach.
func testDeps(t *testing.T) Deps {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening bolt store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	reg := prometheus.NewRegistry()

	return Deps{
		Store:     store,
		Bus:       bus.NewChanBus(),
		Upcasters: upcaster.New(map[string][]upcaster.Client{}, log),
		Cache:     eventbookcache.New(0, 0),
		Log:       log,
		Metrics:   telemetry.NewMetrics(reg),
		Tracer:    sdktrace.NewTracerProvider(),
		Cfg:       DefaultConfig(),
	}
}

// fakeAggregateClient is a hand-written stand-in for the generated
// AggregateServiceClient, grounded on internal/upcaster's fakeClient
// pattern for the same reason: AggregateClient is already a narrow,
// hand-declared interface.
type fakeAggregateClient struct {
	handle func(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error)
}

func (f *fakeAggregateClient) Handle(ctx context.Context, in *angzarrpb.HandleCommandRequest) (*angzarrpb.HandleCommandResponse, error) {
	return f.handle(ctx, in)
}

func (f *fakeAggregateClient) Replay(ctx context.Context, in *angzarrpb.ReplayRequest) (*angzarrpb.ReplayResponse, error) {
	return &angzarrpb.ReplayResponse{Mergeable: true}, nil
}

func (f *fakeAggregateClient) MergeStrategyOf(ctx context.Context, in *angzarrpb.DescribeRequest) (*angzarrpb.MergeStrategyResponse, error) {
	return &angzarrpb.MergeStrategyResponse{}, nil
}

// eventsResponse builds a HandleCommandResponse carrying a plain events
// outcome with one page of typeURL, for the common "command succeeds"
// fixture.
func eventsResponse(typeURL string) *angzarrpb.HandleCommandResponse {
	return &angzarrpb.HandleCommandResponse{
		Result: &angzarrpb.BusinessResponse{
			Outcome: &angzarrpb.BusinessResponse_Events{
				Events: &angzarrpb.EventBook{
					Pages: []*angzarrpb.EventPage{{Event: anyOf(typeURL)}},
				},
			},
		},
	}
}

func revocationResponse(action angzarrpb.RevocationAction, reason string) *angzarrpb.HandleCommandResponse {
	return &angzarrpb.HandleCommandResponse{
		Result: &angzarrpb.BusinessResponse{
			Outcome: &angzarrpb.BusinessResponse_Revocation{
				Revocation: &angzarrpb.RevocationResponse{Action: action, Reason: reason},
			},
		},
	}
}

func testCover(domain string, root byte) *angzarrpb.Cover {
	return &angzarrpb.Cover{Domain: domain, Root: &angzarrpb.UUID{Value: rootBytes(root)}}
}

// rootBytes pads a single discriminating byte out to the 16-byte root
// streamKeyOf requires (it accepts only 0 or 16 byte roots).
func rootBytes(b byte) []byte {
	v := make([]byte, 16)
	v[0] = b
	return v
}

func testCommandBook(cover *angzarrpb.Cover, typeURL string) *angzarrpb.CommandBook {
	return &angzarrpb.CommandBook{
		Cover:       cover,
		Pages:       []*angzarrpb.CommandPage{{Command: anyOf(typeURL)}},
		Expectation: &angzarrpb.CommandBook_ExpectedSequence{ExpectedSequence: 0},
	}
}

func anyOf(typeURL string) *anypb.Any {
	return &anypb.Any{TypeUrl: typeURL}
}
