// Package accountsvc implements the provider-account lifecycle of spec §4.2:
// OAuth start/complete, manual import, and the cross-process refresh
// coordinator. Grounded on the teacher's TokenManager
// (internal/runtime/executor/token_manager.go) for the in-process
// singleflight + Clone-before-refresh discipline, generalized here to a
// DB-backed advisory lease since the teacher's own manager only coordinates
// within one process.
package accountsvc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kleis/kleis/internal/domain"
	"github.com/kleis/kleis/internal/oauthadapter"
	"github.com/kleis/kleis/internal/store"
)

const (
	refreshLockTTL     = 20 * time.Second
	refreshWaitPoll    = 150 * time.Millisecond
	refreshWaitDeadline = 3 * time.Second
)

// ErrRefreshInProgress is returned when a waiter's deadline expires while
// another holder still has the account's refresh lease.
var ErrRefreshInProgress = errors.New("accountsvc: refresh in progress")

// ErrAccountMissing indicates no primary account exists for the requested provider.
var ErrAccountMissing = errors.New("accountsvc: no primary account for provider")

type Service struct {
	repo      store.Repository
	adapters  *oauthadapter.Registry
	inflight  singleflight.Group // collapses concurrent callers within this process before touching the DB lease
}

func NewService(repo store.Repository, adapters *oauthadapter.Registry) *Service {
	return &Service{repo: repo, adapters: adapters}
}

// StartProviderOAuth begins the adapter's flow and persists the resulting
// OAuthState.
func (s *Service) StartProviderOAuth(ctx context.Context, provider domain.Provider) (*oauthadapter.StartResult, error) {
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return nil, err
	}
	result, err := adapter.StartOAuth(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertOAuthState(ctx, domain.OAuthState{
		State:        result.State,
		Provider:     provider,
		PKCEVerifier: result.PKCEVerifier,
		MetadataJSON: result.MetadataJSON,
		ExpiresAt:    result.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("accountsvc: persist oauth state: %w", err)
	}
	return result, nil
}

// CompleteProviderOAuth consumes the OAuthState exactly once (§8 invariant)
// and upserts the resulting account.
func (s *Service) CompleteProviderOAuth(ctx context.Context, provider domain.Provider, stateValue, code string, now time.Time) (*domain.ProviderAccount, error) {
	state, err := s.repo.ConsumeOAuthState(ctx, stateValue, provider, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("accountsvc: state missing or expired")
		}
		return nil, fmt.Errorf("accountsvc: consume oauth state: %w", err)
	}

	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return nil, err
	}

	result, err := adapter.CompleteOAuth(ctx, *state, oauthadapter.CompleteParams{Code: code})
	if err != nil {
		return nil, err
	}

	return s.repo.UpsertProviderAccount(ctx, domain.ProviderAccount{
		Provider:     provider,
		AccountID:    result.AccountID,
		Label:        result.Label,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.Expiry,
		Metadata:     result.Metadata,
	})
}

// ImportProviderAccount registers an account from caller-supplied tokens
// without running an OAuth flow (e.g. migrating credentials from another tool).
func (s *Service) ImportProviderAccount(ctx context.Context, account domain.ProviderAccount) (*domain.ProviderAccount, error) {
	return s.repo.UpsertProviderAccount(ctx, account)
}

// GetPrimaryProviderAccount is the hot path of §4.2: return the primary
// account unchanged if still valid, else drive the refresh coordinator.
func (s *Service) GetPrimaryProviderAccount(ctx context.Context, provider domain.Provider, now time.Time) (*domain.ProviderAccount, error) {
	account, err := s.repo.GetPrimaryProviderAccount(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("accountsvc: lookup primary account: %w", err)
	}
	if account == nil {
		return nil, ErrAccountMissing
	}
	if account.ExpiresAt.After(now) {
		return account, nil
	}
	return s.RefreshProviderAccount(ctx, account.ID, now)
}

// RefreshProviderAccount runs the at-most-one-in-flight refresh algorithm of
// §4.2. It first collapses concurrent in-process callers via singleflight
// (cheap, avoids redundant DB round-trips under the common case of many
// goroutines in the same process racing the same expired account), then
// falls back to the DB-backed advisory lease for cross-process exclusion.
func (s *Service) RefreshProviderAccount(ctx context.Context, accountID string, now time.Time) (*domain.ProviderAccount, error) {
	result, err, _ := s.inflight.Do(accountID, func() (any, error) {
		return s.refreshViaLease(ctx, accountID, now)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.ProviderAccount), nil
}

func (s *Service) refreshViaLease(ctx context.Context, accountID string, now time.Time) (*domain.ProviderAccount, error) {
	lockToken, err := randomLockToken()
	if err != nil {
		return nil, fmt.Errorf("accountsvc: generate lock token: %w", err)
	}

	held, err := s.repo.TryAcquireProviderAccountRefreshLock(ctx, accountID, lockToken, now, now.Add(refreshLockTTL))
	if err != nil {
		return nil, fmt.Errorf("accountsvc: acquire refresh lock: %w", err)
	}

	if held {
		return s.doRefresh(ctx, accountID, lockToken, now)
	}
	return s.waitForRefresh(ctx, accountID, now)
}

// doRefresh runs once the caller holds the lease: re-read in case a prior
// holder just finished, then call the adapter and persist conditionally on
// still owning the lease.
func (s *Service) doRefresh(ctx context.Context, accountID, lockToken string, now time.Time) (*domain.ProviderAccount, error) {
	account, err := s.repo.GetProviderAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("accountsvc: account vanished during refresh")
		}
		return nil, fmt.Errorf("accountsvc: re-read account: %w", err)
	}
	if account.ExpiresAt.After(now) {
		_ = s.repo.ReleaseProviderAccountRefreshLock(ctx, accountID, lockToken)
		return account, nil
	}

	adapter, err := s.adapters.Get(account.Provider)
	if err != nil {
		_ = s.markFailed(ctx, accountID, lockToken, now)
		return nil, err
	}

	result, err := adapter.RefreshAccount(ctx, account.Clone())
	if err != nil {
		_ = s.markFailed(ctx, accountID, lockToken, now)
		return nil, fmt.Errorf("accountsvc: adapter refresh failed: %w", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" || !result.Expiry.After(now) {
		_ = s.markFailed(ctx, accountID, lockToken, now)
		return nil, fmt.Errorf("accountsvc: adapter returned unusable tokens")
	}

	updated, err := s.repo.UpdateProviderAccountTokens(ctx, accountID, store.TokenUpdate{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.Expiry,
		AccountID:    result.AccountID,
		Metadata:     &result.Metadata,
	}, &lockToken)
	if err != nil {
		return nil, fmt.Errorf("accountsvc: persist refreshed tokens: %w", err)
	}
	if updated == nil {
		// Lease expired and a successor already wrote fresher tokens; read
		// whatever is current rather than surface spurious failure.
		return s.repo.GetProviderAccount(ctx, accountID)
	}

	_ = s.repo.ReleaseProviderAccountRefreshLock(ctx, accountID, lockToken)
	return updated, nil
}

func (s *Service) markFailed(ctx context.Context, accountID, lockToken string, now time.Time) error {
	if err := s.repo.MarkProviderAccountRefreshFailed(ctx, accountID, &lockToken, now); err != nil {
		return err
	}
	return s.repo.ReleaseProviderAccountRefreshLock(ctx, accountID, lockToken)
}

// waitForRefresh implements §4.2 step 3: poll at 150ms intervals up to 3s,
// exiting early once the lock clears, the token becomes valid, or the row
// disappears; afterward attempt one more claim before giving up.
func (s *Service) waitForRefresh(ctx context.Context, accountID string, now time.Time) (*domain.ProviderAccount, error) {
	deadline := time.Now().Add(refreshWaitDeadline)
	ticker := time.NewTicker(refreshWaitPoll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		account, err := s.repo.GetProviderAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("accountsvc: account vanished while waiting for refresh")
			}
			return nil, fmt.Errorf("accountsvc: poll account during wait: %w", err)
		}

		if account.ExpiresAt.After(now) {
			return account, nil
		}
		if !account.RefreshLockHeld(time.Now()) {
			break
		}
	}

	account, err := s.repo.GetProviderAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("accountsvc: re-check account after wait: %w", err)
	}
	if account.ExpiresAt.After(now) {
		return account, nil
	}

	lockToken, err := randomLockToken()
	if err != nil {
		return nil, fmt.Errorf("accountsvc: generate lock token: %w", err)
	}
	held, err := s.repo.TryAcquireProviderAccountRefreshLock(ctx, accountID, lockToken, time.Now(), time.Now().Add(refreshLockTTL))
	if err != nil {
		return nil, fmt.Errorf("accountsvc: retry acquire refresh lock: %w", err)
	}
	if !held {
		return nil, ErrRefreshInProgress
	}
	return s.doRefresh(ctx, accountID, lockToken, time.Now())
}

func randomLockToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SetPrimaryProviderAccount promotes id to primary for its provider.
func (s *Service) SetPrimaryProviderAccount(ctx context.Context, id string, now time.Time) (*domain.ProviderAccount, error) {
	return s.repo.SetPrimaryProviderAccount(ctx, id, now)
}

// DeleteProviderAccount hard-deletes an account, re-electing a new primary
// if necessary (delegated to the repository per §6.5).
func (s *Service) DeleteProviderAccount(ctx context.Context, id string) error {
	return s.repo.DeleteProviderAccount(ctx, id)
}

// ListProviderAccounts returns accounts, optionally filtered by provider.
func (s *Service) ListProviderAccounts(ctx context.Context, provider *domain.Provider) ([]domain.ProviderAccount, error) {
	return s.repo.ListProviderAccounts(ctx, provider)
}
