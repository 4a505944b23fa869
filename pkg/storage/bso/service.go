package bso

import (
	"context"
	"errors"
	"fmt"

	"github.com/mozilla-services/syncstorage-go/internal/clock"
	"github.com/mozilla-services/syncstorage-go/internal/telemetry"
	"github.com/mozilla-services/syncstorage-go/pkg/storage/collections"
)

// CryptoCollectionName is the one reserved collection subject to the
// weak-IV payload rejection rule (spec.md §4.7).
const CryptoCollectionName = "crypto"

// ErrWeakIV is returned when a write to the crypto collection carries the
// known-bad fixed IV value.
var ErrWeakIV = errors.New("bso: payload uses a known-weak IV")

// ErrPayloadTooLarge is returned when a payload exceeds the configured
// per-record limit.
var ErrPayloadTooLarge = errors.New("bso: payload exceeds max_record_payload_bytes")

// Limits bundles the storage-surface size limits relevant to a single BSO
// write; the request/post/total limits live at the handler and batch
// layers, which see the whole body rather than one record at a time.
type Limits struct {
	MaxRecordPayloadBytes int64
	DefaultTTLSeconds     int64
	QuotaSizeKB           int64
}

// Service implements the BSO store's business rules on top of a Store: TTL
// resolution, the crypto weak-IV rule, quota accounting, and field
// preserve-on-omit semantics for PUT/POST.
type Service struct {
	store    Store
	registry *collections.Registry
	clock    *clock.Clock
	limits   Limits
}

// NewService creates a Service.
func NewService(store Store, registry *collections.Registry, clk *clock.Clock, limits Limits) *Service {
	return &Service{store: store, registry: registry, clock: clk, limits: limits}
}

// InfoCollections returns name -> modified (centiseconds) for every
// collection with at least one non-expired BSO.
func (s *Service) InfoCollections(ctx context.Context, k Key) (map[string]int64, error) {
	modifieds, err := s.store.CollectionModifieds(ctx, k)
	if err != nil {
		return nil, err
	}
	return s.namedMap(ctx, modifieds)
}

// InfoCollectionCounts returns name -> count of non-expired BSOs.
func (s *Service) InfoCollectionCounts(ctx context.Context, k Key) (map[string]int64, error) {
	counts, err := s.store.CollectionCounts(ctx, k)
	if err != nil {
		return nil, err
	}
	return s.namedMap(ctx, counts)
}

// InfoCollectionUsage returns name -> usage in KB (sum(len(payload))/1024).
func (s *Service) InfoCollectionUsage(ctx context.Context, k Key) (map[string]float64, error) {
	usage, err := s.store.CollectionUsageBytes(ctx, k)
	if err != nil {
		return nil, err
	}
	named, err := s.namedMap(ctx, usage)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(named))
	for name, bytes := range named {
		out[name] = float64(bytes) / 1024.0
	}
	return out, nil
}

// InfoQuota returns [used_kb, limit_kb?]. limit_kb is nil when no quota is
// configured (QuotaSizeKB <= 0).
func (s *Service) InfoQuota(ctx context.Context, k Key) (usedKB float64, limitKB *int64, err error) {
	bytes, err := s.store.QuotaUsageBytes(ctx, k)
	if err != nil {
		return 0, nil, err
	}
	usedKB = float64(bytes) / 1024.0
	if s.limits.QuotaSizeKB > 0 {
		limitKB = &s.limits.QuotaSizeKB
	}
	return usedKB, limitKB, nil
}

func (s *Service) namedMap(ctx context.Context, byID map[int64]int64) (map[string]int64, error) {
	out := make(map[string]int64, len(byID))
	for id, v := range byID {
		name, err := s.registry.NameForID(ctx, id)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// CollectionModified returns one collection's modified timestamp and
// whether it has any non-expired BSOs at all (false means an empty or
// nonexistent collection, used for conditional-GET and 304 handling).
func (s *Service) CollectionModified(ctx context.Context, k Key, collectionID int64) (modified int64, ok bool, err error) {
	modifieds, err := s.store.CollectionModifieds(ctx, k)
	if err != nil {
		return 0, false, err
	}
	m, ok := modifieds[collectionID]
	return m, ok, nil
}

// GetBSO fetches one full BSO.
func (s *Service) GetBSO(ctx context.Context, k Key, collectionID int64, id string) (BSO, error) {
	telemetry.BSOReadsTotal.Inc()
	return s.store.GetBSO(ctx, k, collectionID, id, s.clock.Centiseconds())
}

// List fetches a page of BSOs per params.
func (s *Service) List(ctx context.Context, k Key, collectionID int64, params ListParams) (ListResult, error) {
	telemetry.BSOReadsTotal.Inc()
	return s.store.ListBSOs(ctx, k, collectionID, params, s.clock.Centiseconds())
}

// PutResult reports the commit timestamp and remaining quota headroom
// after a successful write.
type PutResult struct {
	Modified        int64
	QuotaRemainingKB float64
}

// Put resolves in against any existing row (preserving omitted fields),
// applies TTL defaults, enforces the crypto weak-IV rule and quota, and
// upserts. collectionName is needed only to apply the crypto-specific rule.
func (s *Service) Put(ctx context.Context, k Key, collectionID int64, collectionName string, in Input, modified int64) (PutResult, error) {
	if in.Payload != nil {
		if int64(len(*in.Payload)) > s.limits.MaxRecordPayloadBytes {
			return PutResult{}, ErrPayloadTooLarge
		}
		if collectionName == CryptoCollectionName && HasWeakIV(*in.Payload) {
			return PutResult{}, ErrWeakIV
		}
	}

	existing, err := s.store.GetBSO(ctx, k, collectionID, in.ID, modified)
	isNew := errors.Is(err, ErrNotFound)
	if err != nil && !isNew {
		return PutResult{}, err
	}

	payload := ""
	var sortIndex *int64
	expiry := existing.Expiry
	touchesModified := in.Payload != nil || in.SortIndex != nil

	if !isNew {
		payload = existing.Payload
		sortIndex = existing.SortIndex
	}
	if in.Payload != nil {
		payload = *in.Payload
	}
	if in.SortIndex != nil {
		sortIndex = in.SortIndex
	}

	ttlProvided := in.TTL != nil
	if isNew {
		touchesModified = true
		ttl := s.limits.DefaultTTLSeconds
		if ttlProvided {
			ttl = *in.TTL
		}
		expiry = modified + ttl*100
	} else if ttlProvided {
		expiry = modified + *in.TTL*100
	}

	if touchesModified {
		usedBytes, err := s.store.QuotaUsageBytes(ctx, k)
		if err != nil {
			return PutResult{}, err
		}
		var priorSize int64
		if !isNew {
			priorSize = int64(len(existing.Payload))
		}
		projected := usedBytes - priorSize + int64(len(payload))
		if s.limits.QuotaSizeKB > 0 && projected > s.limits.QuotaSizeKB*1024 {
			telemetry.QuotaExceededTotal.Inc()
			return PutResult{}, ErrQuotaExceeded
		}
	}

	writeModified := existing.Modified
	if touchesModified {
		writeModified = modified
	}

	if err := s.store.PutBSO(ctx, k, collectionID, in.ID, payload, sortIndex, writeModified, expiry); err != nil {
		return PutResult{}, err
	}
	telemetry.BSOWritesTotal.Inc()

	remaining, err := s.quotaRemainingKB(ctx, k)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{Modified: writeModified, QuotaRemainingKB: remaining}, nil
}

func (s *Service) quotaRemainingKB(ctx context.Context, k Key) (float64, error) {
	if s.limits.QuotaSizeKB <= 0 {
		return 0, nil
	}
	usedBytes, err := s.store.QuotaUsageBytes(ctx, k)
	if err != nil {
		return 0, err
	}
	return float64(s.limits.QuotaSizeKB) - float64(usedBytes)/1024.0, nil
}

// ItemResult is one entry in a multi-upsert (POST or batch commit)
// response: the id succeeded, or failed with a human-readable reason.
type ItemResult struct {
	ID     string
	Failed string // empty on success
}

// PutMany applies a list of inputs to one collection, matching each item's
// failure independently rather than failing the whole request — exactly
// the contract a non-batched POST and a batch commit both share.
func (s *Service) PutMany(ctx context.Context, k Key, collectionID int64, collectionName string, items []Input, modified int64) (succeeded []string, failed map[string]string, err error) {
	failed = make(map[string]string)
	for _, item := range items {
		if errs := item.Validate(s.limits.MaxRecordPayloadBytes); len(errs) > 0 {
			failed[item.ID] = errs[0].Descr
			continue
		}

		result, putErr := s.Put(ctx, k, collectionID, collectionName, item, modified)
		switch {
		case putErr == nil:
			succeeded = append(succeeded, item.ID)
			_ = result
		case errors.Is(putErr, ErrWeakIV):
			failed[item.ID] = "known-bad payload rejected"
		case errors.Is(putErr, ErrPayloadTooLarge):
			failed[item.ID] = "retry bytes"
		case errors.Is(putErr, ErrQuotaExceeded):
			return succeeded, failed, ErrQuotaExceeded
		default:
			return succeeded, failed, fmt.Errorf("writing bso %q: %w", item.ID, putErr)
		}
	}
	return succeeded, failed, nil
}

// Delete removes one BSO.
func (s *Service) Delete(ctx context.Context, k Key, collectionID int64, id string) error {
	return s.store.DeleteBSO(ctx, k, collectionID, id, s.clock.Centiseconds())
}

// DeleteCollection removes a whole collection, or just the given ids
// within it when ids is non-empty.
func (s *Service) DeleteCollection(ctx context.Context, k Key, collectionID int64, ids []string) error {
	if len(ids) > 0 {
		return s.store.DeleteBSOs(ctx, k, collectionID, ids)
	}
	return s.store.DeleteCollection(ctx, k, collectionID)
}

// DeleteAll wipes every collection belonging to k.
func (s *Service) DeleteAll(ctx context.Context, k Key) error {
	return s.store.DeleteAll(ctx, k)
}
