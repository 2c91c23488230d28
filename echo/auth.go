package echo

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// checkAuthContext verifies the call's transport security type and
// authenticated peer identity against the values the client expects. The
// call must carry exactly one transport security property. When no
// identity is expected the peer must be unauthenticated with no identity
// at all; otherwise exactly one identity must match.
func checkAuthContext(ctx context.Context, wantSecurity, wantIdentity string) error {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr.AuthInfo == nil {
		return status.Error(codes.FailedPrecondition, "no auth context on call")
	}
	if got := pr.AuthInfo.AuthType(); got != wantSecurity {
		return status.Errorf(codes.FailedPrecondition, "transport security type %q, want %q", got, wantSecurity)
	}
	identities := peerIdentities(pr.AuthInfo)
	if wantIdentity == "" {
		if len(identities) != 0 {
			return status.Errorf(codes.FailedPrecondition, "unexpected peer identity %q", identities[0])
		}
		return nil
	}
	if len(identities) != 1 {
		return status.Errorf(codes.FailedPrecondition, "got %d peer identities, want exactly 1", len(identities))
	}
	if identities[0] != wantIdentity {
		return status.Errorf(codes.FailedPrecondition, "peer identity %q, want %q", identities[0], wantIdentity)
	}
	return nil
}

// peerIdentities extracts the authenticated identities from the call's
// auth info. Only TLS carries identities; every other transport security
// type yields none.
func peerIdentities(ai credentials.AuthInfo) []string {
	tlsInfo, ok := ai.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return nil
	}
	leaf := tlsInfo.State.PeerCertificates[0]
	if leaf.Subject.CommonName == "" {
		return nil
	}
	return []string{leaf.Subject.CommonName}
}
