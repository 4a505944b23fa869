// Package tokenserver wires the Verifier, Node Allocator, User Ledger, and
// Token Issuer into the single token-issuance operation the HTTP surface
// exposes at GET /1.0/{app}/{version}.
package tokenserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/ledger"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/nodes"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/token"
	"github.com/mozilla-services/syncstorage-go/pkg/tokenserver/verifier"
)

// NodeResolver looks up a node's id and URL; the ledger only stores ids so
// the service needs to resolve a URL for the api_endpoint response field.
type NodeResolver interface {
	URLForID(ctx context.Context, nodeID int64) (string, error)
}

// Service implements the tokenserver's single externally visible
// operation: exchanging a verified bearer token for a storage credential.
type Service struct {
	verifier verifier.Verifier
	ledger   *ledger.Ledger
	issuer   *token.Issuer
	chain    token.SecretChain
	nodes    NodeResolver
	service  string // logical service name, e.g. "sync-1.5"
}

// NewService creates a Service.
func NewService(v verifier.Verifier, l *ledger.Ledger, issuer *token.Issuer, chain token.SecretChain, nodeResolver NodeResolver, serviceName string) *Service {
	return &Service{verifier: v, ledger: l, issuer: issuer, chain: chain, nodes: nodeResolver, service: serviceName}
}

// allocatorAdapter adapts a nodes.Allocator to ledger.Allocator, returning
// only the node id the ledger persists.
type allocatorAdapter struct{ a *nodes.Allocator }

// NewAllocatorAdapter wraps a node allocator for ledger consumption.
func NewAllocatorAdapter(a *nodes.Allocator) ledger.Allocator { return &allocatorAdapter{a: a} }

func (w *allocatorAdapter) Assign(ctx context.Context, service string) (int64, error) {
	n, err := w.a.Assign(ctx, service)
	if err != nil {
		return 0, err
	}
	return n.ID, nil
}

// IssueResult is the response body for a successful credential exchange.
type IssueResult struct {
	ID             string
	Key            string
	UID            int64
	APIEndpoint    string
	Duration       int
	HashAlg        string
	HashedFxaUID   string
	NodeType       string
	FirstSeenAt    int64
}

// IssueRequest carries everything extracted from the inbound HTTP request.
type IssueRequest struct {
	BearerToken        string
	KeyIDHeader        string
	ClientStateHeader  string // optional X-Client-State cross-check
	RequestedDuration  int
}

// Issue validates the bearer token, resolves/rotates the user's ledger
// record, and mints a signed storage credential.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	principal, err := s.verifier.Verify(ctx, req.BearerToken)
	if err != nil {
		return IssueResult{}, err
	}

	kca, clientState, err := verifier.ParseKeyID(req.KeyIDHeader)
	if err != nil {
		return IssueResult{}, err
	}

	if req.ClientStateHeader != "" && req.ClientStateHeader != clientState {
		return IssueResult{}, &verifier.Error{Kind: verifier.KindBadRequest, Msg: "X-Client-State does not match X-KeyID"}
	}

	current, err := s.ledger.GetUser(ctx, s.service, principal.FxaUID)
	if err != nil {
		return IssueResult{}, err
	}

	if err := ledger.CheckAuthorization(current, principal.Generation, &kca); err != nil {
		return IssueResult{}, err
	}

	updated, err := s.ledger.Update(ctx, current, ledger.UpdateRequest{
		Generation:    principal.Generation,
		KeysChangedAt: &kca,
		ClientState:   &clientState,
	})
	if err != nil {
		return IssueResult{}, err
	}

	nodeURL, err := s.nodes.URLForID(ctx, *updated.NodeID)
	if err != nil {
		return IssueResult{}, fmt.Errorf("resolving node url: %w", err)
	}

	duration := s.issuer.ClampDuration(req.RequestedDuration)
	tokenID := uuid.New().String()

	payload := token.Payload{
		UID:          updated.UID,
		Node:         nodeURL,
		FxaUID:       principal.FxaUID,
		FxaKid:       fmt.Sprintf("%019d-%s", kca, clientState),
		HashedFxaUID: hashIdentifier(principal.FxaUID),
		Salt:         tokenID,
		Expires:      time.Now().Add(time.Duration(duration) * time.Second).Unix(),
	}

	signed, err := s.issuer.Issue(payload)
	if err != nil {
		return IssueResult{}, fmt.Errorf("issuing token: %w", err)
	}

	sessionSecret, err := token.DeriveNodeSecret(s.chain.Newest(), tokenID, nodeURL)
	if err != nil {
		return IssueResult{}, fmt.Errorf("deriving session secret: %w", err)
	}

	return IssueResult{
		ID:           signed,
		Key:          base64.RawURLEncoding.EncodeToString(sessionSecret),
		UID:          updated.UID,
		APIEndpoint:  nodeURL,
		Duration:     duration,
		HashAlg:      "sha256",
		HashedFxaUID: payload.HashedFxaUID,
		NodeType:     "mysql", // legacy field clients parse but no longer act on
		FirstSeenAt:  updated.CreatedAt.Unix(),
	}, nil
}

func hashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
