package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/upcaster"
)

func anyOfQ(typeURL string) *anypb.Any {
	return &anypb.Any{TypeUrl: typeURL}
}

// fakeGetEventsStream stands in for the generated
// EventQueryService_GetEventsServer/_SubscribeServer, grounded on the
// "embed grpc.ServerStream and override Send/Context" pattern used by
// wrappedStream in the pack's OVASABI example -- only Send and Context are
// ever called by query.go, so the embedded nil ServerStream covers the
// rest of the interface without needing a real transport.
type fakeGetEventsStream struct {
	grpc.ServerStream
	ctx      context.Context
	received []*angzarrpb.GetEventsResponse
}

func (f *fakeGetEventsStream) Send(resp *angzarrpb.GetEventsResponse) error {
	f.received = append(f.received, resp)
	return nil
}

func (f *fakeGetEventsStream) Context() context.Context {
	if f.ctx == nil {
		return context.Background()
	}
	return f.ctx
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testQueryCover(domain string, root byte) *angzarrpb.Cover {
	v := make([]byte, 16)
	v[0] = root
	return &angzarrpb.Cover{Domain: domain, Root: &angzarrpb.UUID{Value: v}}
}

func TestEventQueryServer_GetEvents_Range(t *testing.T) {
	store := newTestStore(t)
	cover := testQueryCover("orders", 0x01)
	key, err := streamKeyOf(cover)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), key, []*angzarrpb.EventPage{
		{Event: anyOfQ("orders.v1.OrderPlaced")},
		{Event: anyOfQ("orders.v1.OrderConfirmed")},
		{Event: anyOfQ("orders.v1.OrderShipped")},
	}, 0, false)
	require.NoError(t, err)

	s := &EventQueryServer{Store: store, Upcasters: upcaster.New(map[string][]upcaster.Client{}, zap.NewNop()), Tracer: sdktrace.NewTracerProvider()}
	req := &angzarrpb.GetEventsRequest{Query: &angzarrpb.Query{
		Cover:     cover,
		Selection: &angzarrpb.Query_Range{Range: &angzarrpb.SequenceRange{From: 1, To: 3}},
	}}
	stream := &fakeGetEventsStream{}
	require.NoError(t, s.GetEvents(req, stream))
	require.Len(t, stream.received, 2)
	assert.Equal(t, "orders.v1.OrderConfirmed", stream.received[0].GetPage().GetEvent().GetTypeUrl())
	assert.Equal(t, "orders.v1.OrderShipped", stream.received[1].GetPage().GetEvent().GetTypeUrl())
}

func TestEventQueryServer_GetEvents_AsOfSequence(t *testing.T) {
	store := newTestStore(t)
	cover := testQueryCover("orders", 0x02)
	key, err := streamKeyOf(cover)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), key, []*angzarrpb.EventPage{
		{Event: anyOfQ("orders.v1.OrderPlaced")},
		{Event: anyOfQ("orders.v1.OrderConfirmed")},
	}, 0, false)
	require.NoError(t, err)

	s := &EventQueryServer{Store: store, Upcasters: upcaster.New(map[string][]upcaster.Client{}, zap.NewNop()), Tracer: sdktrace.NewTracerProvider()}
	req := &angzarrpb.GetEventsRequest{Query: &angzarrpb.Query{
		Cover: cover,
		Selection: &angzarrpb.Query_Temporal{Temporal: &angzarrpb.TemporalQuery{
			Selector: &angzarrpb.TemporalQuery_AsOfSequence{AsOfSequence: 0},
		}},
	}}
	stream := &fakeGetEventsStream{}
	require.NoError(t, s.GetEvents(req, stream))
	require.Len(t, stream.received, 1)
	assert.Equal(t, "orders.v1.OrderPlaced", stream.received[0].GetPage().GetEvent().GetTypeUrl())
}

func TestEventQueryServer_GetEvents_AsOfTime(t *testing.T) {
	store := newTestStore(t)
	cover := testQueryCover("orders", 0x03)
	key, err := streamKeyOf(cover)
	require.NoError(t, err)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	_, err = store.Append(context.Background(), key, []*angzarrpb.EventPage{
		{Event: anyOfQ("orders.v1.OrderPlaced"), RecordedAt: timestamppb.New(early)},
		{Event: anyOfQ("orders.v1.OrderShipped"), RecordedAt: timestamppb.New(late)},
	}, 0, false)
	require.NoError(t, err)

	s := &EventQueryServer{Store: store, Upcasters: upcaster.New(map[string][]upcaster.Client{}, zap.NewNop()), Tracer: sdktrace.NewTracerProvider()}
	cutoff := early.Add(time.Minute)
	req := &angzarrpb.GetEventsRequest{Query: &angzarrpb.Query{
		Cover: cover,
		Selection: &angzarrpb.Query_Temporal{Temporal: &angzarrpb.TemporalQuery{
			Selector: &angzarrpb.TemporalQuery_AsOfTime{AsOfTime: timestamppb.New(cutoff)},
		}},
	}}
	stream := &fakeGetEventsStream{}
	require.NoError(t, s.GetEvents(req, stream))
	require.Len(t, stream.received, 1)
	assert.Equal(t, "orders.v1.OrderPlaced", stream.received[0].GetPage().GetEvent().GetTypeUrl())
}

func TestEventQueryServer_GetEvents_NoSelectionLoadsWholeBook(t *testing.T) {
	store := newTestStore(t)
	cover := testQueryCover("orders", 0x04)
	key, err := streamKeyOf(cover)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), key, []*angzarrpb.EventPage{{Event: anyOfQ("orders.v1.OrderPlaced")}}, 0, false)
	require.NoError(t, err)

	s := &EventQueryServer{Store: store, Upcasters: upcaster.New(map[string][]upcaster.Client{}, zap.NewNop()), Tracer: sdktrace.NewTracerProvider()}
	req := &angzarrpb.GetEventsRequest{Query: &angzarrpb.Query{Cover: cover}}
	stream := &fakeGetEventsStream{}
	require.NoError(t, s.GetEvents(req, stream))
	require.Len(t, stream.received, 1)
}

func TestEventQueryServer_Subscribe_FiltersFromSequenceAndStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	b := bus.NewChanBus()
	s := &EventQueryServer{Store: store, Upcasters: upcaster.New(map[string][]upcaster.Client{}, zap.NewNop()), Bus: b, Tracer: sdktrace.NewTracerProvider()}

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeGetEventsStream{ctx: ctx}

	req := &angzarrpb.SubscribeRequest{Domain: "orders", FromSequence: 2}
	done := make(chan error, 1)
	go func() { done <- s.Subscribe(req, stream) }()

	// Give Subscribe time to register before publishing.
	time.Sleep(20 * time.Millisecond)

	cover := testQueryCover("orders", 0x05)
	require.NoError(t, b.PublishEvent(context.Background(), &bus.EventEnvelope{
		Cover: cover, Page: &angzarrpb.EventPage{Event: anyOfQ("orders.v1.OrderPlaced"), Sequence: 1},
	}))
	require.NoError(t, b.PublishEvent(context.Background(), &bus.EventEnvelope{
		Cover: cover, Page: &angzarrpb.EventPage{Event: anyOfQ("orders.v1.OrderConfirmed"), Sequence: 2},
	}))

	require.Eventually(t, func() bool { return len(stream.received) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "orders.v1.OrderConfirmed", stream.received[0].GetPage().GetEvent().GetTypeUrl())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("expected Subscribe to return once the stream context is cancelled")
	}
}

func TestStreamKeyOf_RejectsWrongLengthRoot(t *testing.T) {
	cover := &angzarrpb.Cover{Domain: "orders", Root: &angzarrpb.UUID{Value: []byte{1, 2, 3}}}
	_, err := streamKeyOf(cover)
	require.Error(t, err)
}
