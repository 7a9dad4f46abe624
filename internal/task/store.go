package task

import (
	"sort"
	"sync"
	"time"
)

// Store is the in-memory task table. One lock covers every task; reads
// return copies.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

func (s *Store) Create(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrExists
	}
	c := t.Clone()
	s.tasks[t.ID] = &c
	return nil
}

func (s *Store) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

// Update runs fn on the stored task under the lock and returns the result.
// When fn returns an error the task must be left untouched and the error is
// returned as is.
func (s *Store) Update(id string, fn func(*Task) error) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if err := fn(t); err != nil {
		return t.Clone(), err
	}
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

func (s *Store) Remove(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	delete(s.tasks, id)
	return *t, nil
}

// List returns all tasks ordered by creation time.
func (s *Store) List() []Task {
	return s.ListByStatus()
}

// ListByStatus returns the tasks in any of the given statuses, ordered by
// creation time. No statuses means all tasks.
func (s *Store) ListByStatus(statuses ...Status) []Task {
	s.mu.Lock()
	list := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if len(statuses) > 0 && !hasStatus(statuses, t.Status) {
			continue
		}
		list = append(list, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func hasStatus(statuses []Status, s Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(Snapshot, len(s.tasks))
	for id, t := range s.tasks {
		snap[id] = t.Clone()
	}
	return snap
}

// Replace swaps the whole table for snap.
func (s *Store) Replace(snap Snapshot) {
	tasks := make(map[string]*Task, len(snap))
	for id, t := range snap {
		c := t.Clone()
		tasks[id] = &c
	}
	s.mu.Lock()
	s.tasks = tasks
	s.mu.Unlock()
}

// Clear drops every task and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	s.tasks = make(map[string]*Task)
	return n
}

func (s *Store) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
