// Package identity derives deterministic aggregate roots.
//
// Generalized from examples/go/angzarr/identity.go's per-domain root
// helpers (CustomerRoot, ProductRoot, ...), which all reduced to the same
// ComputeRoot(domain, businessKey) call. The aggregate coordinator never
// calls this -- it is root-agnostic -- but the process-manager coordinator
// uses ComputeRoot to derive PM roots, and domain binaries can depend on it.
package identity

import (
	"github.com/google/uuid"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
)

// ComputeRoot derives a deterministic UUIDv5 from a domain name and a
// business key: hash("angzarr" + domain + businessKey) in the OID
// namespace. The same (domain, businessKey) pair always yields the same
// root, letting independently-deployed services agree on an aggregate's
// identity without a lookup.
func ComputeRoot(domain, businessKey string) uuid.UUID {
	seed := "angzarr" + domain + businessKey
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

// ToProto converts a uuid.UUID to the wire UUID message.
func ToProto(id uuid.UUID) *angzarrpb.UUID {
	b := id[:]
	return &angzarrpb.UUID{Value: b}
}

// FromProto converts a wire UUID message back to a uuid.UUID.
func FromProto(id *angzarrpb.UUID) (uuid.UUID, error) {
	return uuid.FromBytes(id.GetValue())
}
