// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-toolauth/instrumentation"
	"github.com/giantswarm/mcp-toolauth/internal/util"
	"github.com/giantswarm/mcp-toolauth/security"
	"github.com/giantswarm/mcp-toolauth/storage"
)

// codeLogLength is the number of characters to include when logging codes.
// Enough uniqueness for debugging without disclosing the secret.
const codeLogLength = 8

// Store is an in-memory implementation of storage.ClientStore and
// storage.GrantStore.
type Store struct {
	mu sync.RWMutex

	clients      map[string]*storage.Client
	clientsPerIP map[string]int

	grants map[string]*storage.AuthorizationGrant

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	clientsCountAtomic atomic.Int64
	grantsCountAtomic  atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.GrantStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]int),
		grants:          make(map[string]*storage.AuthorizationGrant),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.mu.Unlock()

	if inst != nil {
		// Storage size gauges give visibility into grant backlog and
		// registration growth without taking the store lock.
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.grantsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client and tracks the registering IP
// for DoS protection.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
		if client.RegisteredByIP != "" {
			s.clientsPerIP[client.RegisteredByIP]++
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations so response timing does
	// not reveal whether a client exists.

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test").
	// Ensures a bcrypt comparison happens even when the client is unknown.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.IsPublic() {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// The bcrypt comparison runs for unknown clients too, against the
	// dummy hash, so lookup misses take the same time as secret mismatches.
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	// Public clients carry no secret; their proof of possession is PKCE.
	if isPublicClient && err == nil {
		return nil
	}

	if err != nil {
		return storage.ErrInvalidClientSecret
	}
	if bcryptErr != nil {
		return storage.ErrInvalidClientSecret
	}

	return nil
}

// CountClientsByIP returns how many clients an IP has registered
func (s *Store) CountClientsByIP(ctx context.Context, ip string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clientsPerIP[ip], nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant persists an authorization grant keyed by its code
func (s *Store) SaveGrant(ctx context.Context, grant *storage.AuthorizationGrant) error {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil || grant.Code == "" {
		err = fmt.Errorf("invalid authorization grant")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.grants[grant.Code]

	s.grants[grant.Code] = grant
	if !existed {
		s.grantsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization grant",
		"code_prefix", util.SafeTruncate(grant.Code, codeLogLength),
		"client_id", grant.ClientID)
	return nil
}

// RedeemGrant atomically retrieves and deletes an authorization grant.
//
// SECURITY: This operation is atomic - of N concurrent redemption attempts
// for the same code, exactly one receives the grant; all others receive
// ErrGrantNotFound. Expired grants are also deleted on redemption attempt,
// so a code never outlives its first exchange request.
func (s *Store) RedeemGrant(ctx context.Context, code string) (*storage.AuthorizationGrant, error) {
	ctx, span := s.startStorageSpan(ctx, "redeem_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_grant", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok {
		err = fmt.Errorf("%w: unknown or already redeemed", storage.ErrGrantNotFound)
		return nil, err
	}

	// ATOMIC DELETE - ensures only one request succeeds
	delete(s.grants, code)
	s.grantsCountAtomic.Add(-1)

	// Check expiry with clock skew grace period, after the delete: an
	// expired code is consumed too, never retryable.
	if security.IsTokenExpired(grant.ExpiresAt) {
		err = fmt.Errorf("%w: code expired at %s", storage.ErrGrantExpired, grant.ExpiresAt.Format(time.RFC3339))
		return nil, err
	}

	s.logger.Debug("Redeemed authorization grant",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", grant.ClientID)

	return grant, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired grants. Abandoned flows (client died mid-exchange)
// are bounded by the grant TTL, not by explicit cancellation.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for code, grant := range s.grants {
		if security.IsTokenExpired(grant.ExpiresAt) {
			delete(s.grants, code)
			s.grantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired grants", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrStorageResult, result))

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
