// Command gateway runs an optional REST/JSON reverse proxy in front of the
// coordinator's EventQueryService and SpeculativeService (SPEC_FULL Part
// C, C9 — optional, non-core), translating HTTP+JSON requests into gRPC
// calls against a running coordinator.
//
// This is the one component whose dependency the teacher's own snapshot
// never wired up: `gateway/go.mod` names grpc-gateway/v2 but ships no
// source, the same build-step-not-committed convention this module follows
// for gen/angzarrpb itself (see DESIGN.md). This command is that wiring:
// a grpc-gateway runtime.ServeMux registered against the not-yet-generated
// angzarrpb Register*Handler stubs, dialed at a coordinator address.
//
// Grounded on cmd/coordinator/main.go's cobra root + persistent-flag
// pattern, scaled down to the gateway's much smaller configuration
// surface (it has nothing to read from a YAML file -- just two
// addresses).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/telemetry"
)

func main() {
	var coordinatorAddr, httpAddr string

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Runs the REST/JSON reverse proxy in front of the coordinator's query surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(coordinatorAddr, httpAddr)
		},
	}
	root.PersistentFlags().StringVar(&coordinatorAddr, "coordinator-addr", "localhost:50051", "gRPC address of the coordinator to proxy")
	root.PersistentFlags().StringVar(&httpAddr, "http-addr", ":8081", "address the REST/JSON gateway listens on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(coordinatorAddr, httpAddr string) error {
	log, err := telemetry.NewLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := grpc.NewClient(coordinatorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing coordinator at %s: %w", coordinatorAddr, err)
	}
	defer conn.Close()

	mux := runtime.NewServeMux()
	if err := angzarrpb.RegisterEventQueryServiceHandler(ctx, mux, conn); err != nil {
		return fmt.Errorf("registering EventQueryService REST handlers: %w", err)
	}
	if err := angzarrpb.RegisterSpeculativeServiceHandler(ctx, mux, conn); err != nil {
		return fmt.Errorf("registering SpeculativeService REST handlers: %w", err)
	}

	log.Info("gateway listening", zap.String("http_addr", httpAddr), zap.String("coordinator_addr", coordinatorAddr))
	if err := http.ListenAndServe(httpAddr, mux); err != nil {
		return fmt.Errorf("gateway server stopped: %w", err)
	}
	return nil
}
