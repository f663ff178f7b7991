package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockSafety is the sentinel for lock safety violations. A violation is a
// programming error: the operation touched a table it did not declare.
var ErrLockSafety = errors.New("lock safety violation")

// LockSafetyError describes a lock safety violation.
type LockSafetyError struct {
	Op       string
	Declared TableSet
	Touched  TableSet
}

func (e *LockSafetyError) Error() string {
	return fmt.Sprintf("%v: %s touched %s outside declared lock set %s",
		ErrLockSafety, e.Op, e.Touched, e.Declared)
}

// Unwrap lets errors.Is match ErrLockSafety.
func (e *LockSafetyError) Unwrap() error {
	return ErrLockSafety
}

// tableLocks holds one mutex per table, implemented as a buffered channel so
// that acquisition can be abandoned when the context is cancelled.
type tableLocks struct {
	sems [numTables + 1]chan struct{}
}

func newTableLocks() *tableLocks {
	l := &tableLocks{}
	for i := range l.sems {
		l.sems[i] = make(chan struct{}, 1)
	}
	return l
}

// acquire locks every table in set in table order. Either all tables are
// locked on return or none are.
func (l *tableLocks) acquire(ctx context.Context, set TableSet) error {
	held := make([]Table, 0, set.Len())
	for _, t := range set.List() {
		select {
		case l.sems[t] <- struct{}{}:
			held = append(held, t)
		case <-ctx.Done():
			for _, h := range held {
				<-l.sems[h]
			}
			return ctx.Err()
		}
	}
	return nil
}

func (l *tableLocks) release(set TableSet) {
	for _, t := range set.List() {
		<-l.sems[t]
	}
}
