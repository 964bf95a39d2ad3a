package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var (
	ErrDeadlock    = errors.New("deadlock detected")
	ErrLockTimeout = errors.New("lock acquisition timeout")
	ErrNotHeld     = errors.New("lock not held")
)

// LockType represents the type of lock
type LockType int

const (
	ReadLock LockType = iota
	WriteLock
)

func (lt LockType) String() string {
	switch lt {
	case ReadLock:
		return "READ"
	case WriteLock:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Lock represents a single lock held by an owner. Owners are transaction ids
// or the id of a single-key mutation.
type Lock struct {
	Owner      string
	Key        string
	Type       LockType
	AcquiredAt time.Time
}

// LockRequest represents a request for acquiring a lock
type LockRequest struct {
	Owner      string
	Key        string
	Type       LockType
	AcquiredCh chan error
}

// LockManager is the key lock table of one partition.
type LockManager struct {
	// lockTable maps key -> list of locks on that key
	lockTable map[string][]*Lock
	// ownerLocks maps owner -> list of locks held by that owner
	ownerLocks map[string][]*Lock
	// waitingRequests maps key -> queue of waiting lock requests
	waitingRequests map[string][]*LockRequest
	// waitingFor maps owner -> key it is blocked on
	waitingFor map[string]string
	mutex      sync.RWMutex
}

// NewLockManager creates a new lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		lockTable:       make(map[string][]*Lock),
		ownerLocks:      make(map[string][]*Lock),
		waitingRequests: make(map[string][]*LockRequest),
		waitingFor:      make(map[string]string),
	}
}

// AcquireLock grants the lock immediately when possible, otherwise blocks
// until it is granted, timeout elapses or ctx is done. A timeout of zero waits
// on ctx alone. Re-acquiring a lock already held is a no-op.
func (lm *LockManager) AcquireLock(ctx context.Context, owner, key string, lockType LockType, timeout time.Duration) error {
	lm.mutex.Lock()

	if lm.holds(owner, key, lockType) {
		lm.mutex.Unlock()
		return nil
	}

	if lm.canGrantLock(key, lockType, owner) {
		lm.grantLock(&Lock{Owner: owner, Key: key, Type: lockType, AcquiredAt: time.Now()})
		lm.mutex.Unlock()
		return nil
	}

	if lm.wouldCauseDeadlock(owner, key) {
		lm.mutex.Unlock()
		return fmt.Errorf("%w: %s waiting on key %s", ErrDeadlock, owner, key)
	}

	request := &LockRequest{
		Owner:      owner,
		Key:        key,
		Type:       lockType,
		AcquiredCh: make(chan error, 1),
	}
	lm.waitingRequests[key] = append(lm.waitingRequests[key], request)
	lm.waitingFor[owner] = key
	lm.mutex.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-request.AcquiredCh:
		return err
	case <-expired:
		if lm.abandon(request) {
			return nil
		}
		return fmt.Errorf("%w for %s on key %s after %s", ErrLockTimeout, owner, key, timeout)
	case <-ctx.Done():
		if lm.abandon(request) {
			return nil
		}
		return fmt.Errorf("%s waiting on key %s: %w", owner, key, ctx.Err())
	}
}

// TryAcquireLock attempts to acquire a lock without blocking
func (lm *LockManager) TryAcquireLock(owner, key string, lockType LockType) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.holds(owner, key, lockType) {
		return true
	}
	if !lm.canGrantLock(key, lockType, owner) {
		return false
	}
	lm.grantLock(&Lock{Owner: owner, Key: key, Type: lockType, AcquiredAt: time.Now()})
	return true
}

// ReleaseLock releases every lock owner holds on key.
func (lm *LockManager) ReleaseLock(owner, key string) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	return lm.releaseLock(owner, key)
}

// ReleaseAllLocks releases all locks held by owner.
func (lm *LockManager) ReleaseAllLocks(owner string) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	locks, exists := lm.ownerLocks[owner]
	if !exists {
		return nil
	}

	keys := make([]string, 0, len(locks))
	seen := make(map[string]struct{}, len(locks))
	for _, lock := range locks {
		if _, ok := seen[lock.Key]; !ok {
			seen[lock.Key] = struct{}{}
			keys = append(keys, lock.Key)
		}
	}

	var err error
	for _, key := range keys {
		err = multierr.Append(err, lm.releaseLock(owner, key))
	}
	return err
}

// HasLock checks if owner holds a lock on key at least as strong as lockType.
func (lm *LockManager) HasLock(owner, key string, lockType LockType) bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	return lm.holds(owner, key, lockType)
}

// LockedBy returns the owners currently holding key.
func (lm *LockManager) LockedBy(key string) []string {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	var owners []string
	for _, lock := range lm.lockTable[key] {
		owners = append(owners, lock.Owner)
	}
	return owners
}

func (lm *LockManager) holds(owner, key string, lockType LockType) bool {
	for _, lock := range lm.ownerLocks[owner] {
		if lock.Key == key && lock.Type >= lockType {
			return true
		}
	}
	return false
}

// canGrantLock checks if a lock can be granted immediately
func (lm *LockManager) canGrantLock(key string, lockType LockType, owner string) bool {
	for _, existingLock := range lm.lockTable[key] {
		// Own locks never block an upgrade.
		if existingLock.Owner == owner {
			continue
		}
		if !areLocksCompatible(existingLock.Type, lockType) {
			return false
		}
	}
	return true
}

// areLocksCompatible checks if two lock types are compatible
func areLocksCompatible(existing, requested LockType) bool {
	return existing == ReadLock && requested == ReadLock
}

func (lm *LockManager) grantLock(lock *Lock) {
	lm.lockTable[lock.Key] = append(lm.lockTable[lock.Key], lock)
	lm.ownerLocks[lock.Owner] = append(lm.ownerLocks[lock.Owner], lock)
	delete(lm.waitingFor, lock.Owner)
	slog.Debug("lock granted", "owner", lock.Owner, "key", lock.Key, "type", lock.Type)
}

func (lm *LockManager) releaseLock(owner, key string) error {
	locks := lm.lockTable[key]
	newLocks := make([]*Lock, 0, len(locks))
	found := false

	for _, lock := range locks {
		if lock.Owner == owner {
			found = true
			continue
		}
		newLocks = append(newLocks, lock)
	}

	if !found {
		return fmt.Errorf("%w: %s on key %s", ErrNotHeld, owner, key)
	}

	if len(newLocks) == 0 {
		delete(lm.lockTable, key)
	} else {
		lm.lockTable[key] = newLocks
	}

	ownerLocks := lm.ownerLocks[owner]
	newOwnerLocks := make([]*Lock, 0, len(ownerLocks))
	for _, lock := range ownerLocks {
		if lock.Key == key {
			continue
		}
		newOwnerLocks = append(newOwnerLocks, lock)
	}

	if len(newOwnerLocks) == 0 {
		delete(lm.ownerLocks, owner)
	} else {
		lm.ownerLocks[owner] = newOwnerLocks
	}

	lm.processWaitingRequests(key)
	return nil
}

// processWaitingRequests grants queued requests for key in arrival order. A
// request that cannot be granted blocks the ones behind it so writers are not
// starved by a stream of readers.
func (lm *LockManager) processWaitingRequests(key string) {
	waitingQueue := lm.waitingRequests[key]
	if len(waitingQueue) == 0 {
		return
	}

	granted := 0
	for _, request := range waitingQueue {
		if !lm.canGrantLock(key, request.Type, request.Owner) {
			break
		}
		lm.grantLock(&Lock{
			Owner:      request.Owner,
			Key:        key,
			Type:       request.Type,
			AcquiredAt: time.Now(),
		})
		request.AcquiredCh <- nil
		granted++
	}

	if granted == len(waitingQueue) {
		delete(lm.waitingRequests, key)
	} else {
		lm.waitingRequests[key] = waitingQueue[granted:]
	}
}

// abandon removes a request that gave up waiting. It reports true if the lock
// was granted in the meantime, in which case the caller owns it.
func (lm *LockManager) abandon(request *LockRequest) bool {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	select {
	case err := <-request.AcquiredCh:
		return err == nil
	default:
	}

	waitingQueue := lm.waitingRequests[request.Key]
	newQueue := make([]*LockRequest, 0, len(waitingQueue))
	for _, r := range waitingQueue {
		if r != request {
			newQueue = append(newQueue, r)
		}
	}

	if len(newQueue) == 0 {
		delete(lm.waitingRequests, request.Key)
	} else {
		lm.waitingRequests[request.Key] = newQueue
	}
	delete(lm.waitingFor, request.Owner)

	// The head of the queue may have been blocked behind this request.
	lm.processWaitingRequests(request.Key)
	return false
}

// wouldCauseDeadlock follows the wait-for graph from the holders of key and
// reports whether it leads back to owner.
func (lm *LockManager) wouldCauseDeadlock(owner, key string) bool {
	visited := make(map[string]bool)
	var reaches func(k string) bool
	reaches = func(k string) bool {
		for _, lock := range lm.lockTable[k] {
			holder := lock.Owner
			if holder == owner {
				continue
			}
			if visited[holder] {
				continue
			}
			visited[holder] = true

			next, waiting := lm.waitingFor[holder]
			if !waiting {
				continue
			}
			if lm.holdsAny(owner, next) || reaches(next) {
				return true
			}
		}
		return false
	}
	return reaches(key)
}

func (lm *LockManager) holdsAny(owner, key string) bool {
	for _, lock := range lm.lockTable[key] {
		if lock.Owner == owner {
			return true
		}
	}
	return false
}

// GetLockStatistics returns lock statistics for monitoring
func (lm *LockManager) GetLockStatistics() map[string]any {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	totalWaiting := 0
	for _, requests := range lm.waitingRequests {
		totalWaiting += len(requests)
	}

	return map[string]any{
		"total_keys_locked": len(lm.lockTable),
		"active_owners":     len(lm.ownerLocks),
		"waiting_requests":  totalWaiting,
	}
}
