// Package locks provides the process-wide table lock registry.
//
// Every write path acquires the exclusive mutex for its
// (project, bucket, table) key; read paths open the table file read-only
// and never touch the registry. A handler holds at most one table lock
// at a time, so no lock ordering is needed.
package locks

import (
	"context"
	"strings"
	"sync"
)

// Registry maps (project, bucket, table) to an exclusive mutex. Locks
// are created lazily on first acquire and removed explicitly when the
// table, bucket, or project is deleted.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem     chan struct{} // capacity 1; holding the token = holding the lock
	waiters int           // acquires in flight, guarded by Registry.mu
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

func key(project, bucket, table string) string {
	// "/" cannot appear in identifiers, so the join is unambiguous.
	return project + "/" + bucket + "/" + table
}

// Acquire blocks until the exclusive lock for the table is held or ctx
// is done. The returned release function must be called exactly once on
// every exit path; calling it more than once is a no-op.
func (r *Registry) Acquire(ctx context.Context, project, bucket, table string) (release func(), err error) {
	k := key(project, bucket, table)

	r.mu.Lock()
	e, ok := r.locks[k]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.locks[k] = e
	}
	e.waiters++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.mu.Lock()
		e.waiters--
		r.mu.Unlock()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.mu.Lock()
			e.waiters--
			r.mu.Unlock()
		})
	}, nil
}

// TryAcquire acquires the lock without blocking. It returns nil when the
// lock is currently held by someone else.
func (r *Registry) TryAcquire(project, bucket, table string) (release func()) {
	k := key(project, bucket, table)

	r.mu.Lock()
	e, ok := r.locks[k]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.locks[k] = e
	}
	e.waiters++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	default:
		r.mu.Lock()
		e.waiters--
		r.mu.Unlock()
		return nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			r.mu.Lock()
			e.waiters--
			r.mu.Unlock()
		})
	}
}

// Remove drops the registry entry for a deleted table. A lock that is
// still held or waited on is left in place; the final release does not
// resurrect it because removal only deletes the map entry.
func (r *Registry) Remove(project, bucket, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(project, bucket, table)
	if e, ok := r.locks[k]; ok && e.waiters == 0 && len(e.sem) == 0 {
		delete(r.locks, k)
	}
}

// RemovePrefix drops all idle entries under a project or bucket, for
// cascade deletes. Pass an empty bucket to match the whole project.
func (r *Registry) RemovePrefix(project, bucket string) {
	prefix := project + "/"
	if bucket != "" {
		prefix += bucket + "/"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.locks {
		if strings.HasPrefix(k, prefix) && e.waiters == 0 && len(e.sem) == 0 {
			delete(r.locks, k)
		}
	}
}

// ActiveLocks returns the number of currently held table locks, for
// observability.
func (r *Registry) ActiveLocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.locks {
		if len(e.sem) > 0 {
			n++
		}
	}
	return n
}

// Size returns the number of registered keys, held or not.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
