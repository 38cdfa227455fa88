package utils

import "sync"

// OptionalMutex is a mutex that only locks when UseMutex is set. Components that are normally driven from
// a single owner thread embed it so callers that cannot guarantee that can opt into internal locking.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
