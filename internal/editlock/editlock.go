// Package editlock keeps short Redis leases on documents that are open in an
// editor so two people do not rework the same settlement at once. Leases carry
// no ledger state; expiry alone frees an abandoned document.
package editlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/floraexport/cartera/internal/shared"
)

const (
	// DefaultTTL applies when the locker is built without a TTL.
	DefaultTTL = 2 * time.Minute
	tokenSep   = "|"
)

var (
	// ErrHeld indicates another editor holds the lease.
	ErrHeld = errors.New("editlock: held by another editor")
	// ErrNotHeld indicates the token no longer owns the lease.
	ErrNotHeld = errors.New("editlock: lease not held")
	// ErrInvalid indicates a malformed entity, id, owner or token.
	ErrInvalid = errors.New("editlock: invalid request")
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease is a granted edit lock. Token must be presented to refresh or release.
type Lease struct {
	Entity    string    `json:"entity"`
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Holder describes the current owner of a lease.
type Holder struct {
	Owner string        `json:"owner"`
	TTL   time.Duration `json:"ttl"`
}

// HeldError reports who holds a lease. It matches ErrHeld.
type HeldError struct {
	Holder Holder
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: %s for another %s", ErrHeld.Error(), e.Holder.Owner, e.Holder.TTL.Round(time.Second))
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Locker grants and manages leases.
type Locker struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// New builds a Locker. A non-positive ttl falls back to DefaultTTL.
func New(client redis.UniversalClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, ttl: ttl, now: time.Now}
}

// TTL reports the lease duration.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// Acquire grants the lease to owner when nobody else holds it.
func (l *Locker) Acquire(ctx context.Context, entity string, id int64, owner string) (Lease, error) {
	if err := checkTarget(entity, id); err != nil {
		return Lease{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" || strings.Contains(owner, tokenSep) {
		return Lease{}, fmt.Errorf("%w: owner required", ErrInvalid)
	}
	token := owner + tokenSep + uuid.NewString()
	key := shared.EditLockKey(entity, id)

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("editlock: acquire: %w", err)
	}
	if !ok {
		holder, found, err := l.Holder(ctx, entity, id)
		if err != nil {
			return Lease{}, err
		}
		if !found {
			// Expired between SETNX and GET; let the caller retry.
			return Lease{}, &HeldError{Holder: Holder{Owner: "unknown"}}
		}
		return Lease{}, &HeldError{Holder: holder}
	}
	return Lease{Entity: entity, ID: id, Owner: owner, Token: token, ExpiresAt: l.now().Add(l.ttl)}, nil
}

// Refresh extends the lease by a full TTL when token still owns it.
func (l *Locker) Refresh(ctx context.Context, entity string, id int64, token string) (Lease, error) {
	if err := checkTarget(entity, id); err != nil {
		return Lease{}, err
	}
	owner, err := ownerOf(token)
	if err != nil {
		return Lease{}, err
	}
	res, err := refreshScript.Run(ctx, l.client, []string{shared.EditLockKey(entity, id)}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return Lease{}, fmt.Errorf("editlock: refresh: %w", err)
	}
	if res == 0 {
		return Lease{}, ErrNotHeld
	}
	return Lease{Entity: entity, ID: id, Owner: owner, Token: token, ExpiresAt: l.now().Add(l.ttl)}, nil
}

// Release frees the lease when token still owns it.
func (l *Locker) Release(ctx context.Context, entity string, id int64, token string) error {
	if err := checkTarget(entity, id); err != nil {
		return err
	}
	if _, err := ownerOf(token); err != nil {
		return err
	}
	res, err := releaseScript.Run(ctx, l.client, []string{shared.EditLockKey(entity, id)}, token).Int64()
	if err != nil {
		return fmt.Errorf("editlock: release: %w", err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Holder returns the current owner of the lease, if any.
func (l *Locker) Holder(ctx context.Context, entity string, id int64) (Holder, bool, error) {
	if err := checkTarget(entity, id); err != nil {
		return Holder{}, false, err
	}
	key := shared.EditLockKey(entity, id)
	token, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, fmt.Errorf("editlock: holder: %w", err)
	}
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return Holder{}, false, fmt.Errorf("editlock: holder ttl: %w", err)
	}
	owner, _ := ownerOf(token)
	return Holder{Owner: owner, TTL: ttl}, true, nil
}

func checkTarget(entity string, id int64) error {
	if strings.TrimSpace(entity) == "" || strings.Contains(entity, ":") {
		return fmt.Errorf("%w: entity required", ErrInvalid)
	}
	if id <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalid)
	}
	return nil
}

func ownerOf(token string) (string, error) {
	owner, _, ok := strings.Cut(token, tokenSep)
	if !ok || owner == "" {
		return "", fmt.Errorf("%w: malformed token", ErrInvalid)
	}
	return owner, nil
}
