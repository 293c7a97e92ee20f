// Package upcaster implements the read-path upcasting pipeline (C3): a
// fixed, per-domain ordered chain of external gRPC upcasters applied to
// every stored EventPage before a coordinator (or query service) ever
// returns it.
//
// There is no upcaster in the retrieved teacher snapshot beyond the wire
// shape named in client/go/upcaster.go (an UpcasterClient wrapper with no
// corresponding server); this package supplies the missing coordinator-side
// half the same way it supplies missing coordinator halves elsewhere in
// the pack (spec §4.3, §9 "Upcaster chain").
package upcaster

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/angerr"
)

// Client is the subset of the generated UpcasterServiceClient the pipeline
// calls.
//
//go:generate mockgen -destination=mock_client_test.go -package=upcaster . Client
type Client interface {
	Upcast(ctx context.Context, in *angzarrpb.UpcastRequest) (*angzarrpb.UpcastResponse, error)
}

// maxChainLength bounds how many times a single page may be transformed
// before the pipeline gives up and treats the chain as non-terminating --
// a chain should reach a fixed point (transformed=false) well before this;
// hitting it indicates a misbehaving upcaster loop, not legitimate history
// depth.
const maxChainLength = 64

// Pipeline applies a fixed, ordered chain of upcasters per domain.
type Pipeline struct {
	chains map[string][]Client
	log    *zap.Logger
}

// New builds a pipeline from a per-domain ordered chain map. Ordering
// within each slice is the application order (spec §4.3: "applied in
// order during load").
func New(chains map[string][]Client, log *zap.Logger) *Pipeline {
	return &Pipeline{chains: chains, log: log}
}

// Apply runs page through domain's upcaster chain, repeatedly re-offering
// the result to the chain from the start until no upcaster transforms it
// (a fixed point), or maxChainLength is hit. Returns the stable, current
// form of the page.
func (p *Pipeline) Apply(ctx context.Context, domain string, page *angzarrpb.EventPage) (*angzarrpb.EventPage, error) {
	chain := p.chains[domain]
	if len(chain) == 0 {
		return page, nil
	}
	current := page
	for iter := 0; iter < maxChainLength; iter++ {
		changed := false
		for _, upcaster := range chain {
			resp, err := upcaster.Upcast(ctx, &angzarrpb.UpcastRequest{Page: current})
			if err != nil {
				return nil, angerr.Wrap(angerr.UpcastFailure,
					fmt.Sprintf("upcaster chain failed for domain %s sequence %d", domain, current.GetSequence()), err)
			}
			if resp.GetTransformed() {
				current = resp.GetPage()
				changed = true
				if p.log != nil {
					p.log.Debug("upcast applied",
						zap.String("domain", domain), zap.Uint32("sequence", current.GetSequence()))
				}
			}
		}
		if !changed {
			return current, nil
		}
	}
	return nil, angerr.New(angerr.UpcastFailure,
		fmt.Sprintf("upcaster chain for domain %s did not reach a fixed point within %d iterations", domain, maxChainLength))
}

// ApplyBook upcasts every page in book, returning a new EventBook
// with the same cover and snapshot.
func (p *Pipeline) ApplyBook(ctx context.Context, domain string, book *angzarrpb.EventBook) (*angzarrpb.EventBook, error) {
	out := &angzarrpb.EventBook{Cover: book.GetCover(), Snapshot: book.GetSnapshot()}
	for _, page := range book.GetPages() {
		upcast, err := p.Apply(ctx, domain, page)
		if err != nil {
			return nil, err
		}
		out.Pages = append(out.Pages, upcast)
	}
	return out, nil
}
