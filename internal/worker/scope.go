package worker

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"strata/internal/errs"
)

// Maintenance resources. A job locks every resource it reads or mutates.
const (
	ResourceFiles   = "files"
	ResourceMemory  = "memory"
	ResourceBackups = "backups"
)

// Resources lists every lockable maintenance resource.
var Resources = []string{ResourceFiles, ResourceMemory, ResourceBackups}

// ScopeLocks keeps maintenance jobs over overlapping resources from
// running together. Acquisition is all-or-nothing and never waits. With
// Dir set each resource is also a lock file, so jobs started by other
// processes on the same archive are excluded too.
type ScopeLocks struct {
	Dir string

	mu    sync.Mutex
	held  map[string]string
	files map[string]*FileLock
}

// NewScopeLocks returns locks shared through the lock files in dir.
func NewScopeLocks(dir string) *ScopeLocks {
	return &ScopeLocks{Dir: dir}
}

// Acquire takes every resource for owner or fails with a conflict naming
// the job that holds one of them.
func (s *ScopeLocks) Acquire(owner string, resources ...string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(map[string]string)
		s.files = make(map[string]*FileLock)
	}

	for _, r := range resources {
		if holder, ok := s.held[r]; ok {
			return nil, busy(r, holder)
		}
	}

	taken := make(map[string]*FileLock, len(resources))
	if s.Dir != "" {
		for _, r := range resources {
			path := s.path(r)
			fl, err := LockFile(path, false)
			if err != nil {
				for _, t := range taken {
					_ = t.Unlock()
				}
				if errors.Is(err, ErrLocked) {
					holder := LockOwner(path)
					if holder == "" {
						holder = "another process"
					}
					return nil, busy(r, holder)
				}
				return nil, errs.Internal(fmt.Errorf("lock maintenance scope %q: %w", r, err))
			}
			_ = fl.SetOwner(owner)
			taken[r] = fl
		}
	}
	for _, r := range resources {
		s.held[r] = owner
		if fl, ok := taken[r]; ok {
			s.files[r] = fl
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, r := range resources {
				if s.held[r] != owner {
					continue
				}
				delete(s.held, r)
				if fl, ok := s.files[r]; ok {
					_ = fl.Unlock()
					delete(s.files, r)
				}
			}
		})
	}, nil
}

// Held lists the resources currently locked by this process or, with Dir
// set, by any other, sorted.
func (s *ScopeLocks) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.held))
	for r := range s.held {
		out = append(out, r)
	}
	if s.Dir != "" {
		for _, r := range Resources {
			if _, ok := s.held[r]; !ok && IsLocked(s.path(r)) {
				out = append(out, r)
			}
		}
	}
	sort.Strings(out)
	return out
}

// String renders the held set for logs.
func (s *ScopeLocks) String() string {
	return strings.Join(s.Held(), ",")
}

func (s *ScopeLocks) path(resource string) string {
	return filepath.Join(s.Dir, resource+".lock")
}

func busy(resource, holder string) error {
	return errs.Conflict(fmt.Errorf("maintenance scope %q is busy (held by %s)", resource, holder), errs.CodeMaintenanceBusy)
}
