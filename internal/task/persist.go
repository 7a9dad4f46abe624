package task

import (
	"log/slog"
	"sync"
	"time"

	"ytdlp-web/internal/metrics"
)

// DefaultSaveInterval is the minimum time between two non-forced writes.
const DefaultSaveInterval = time.Second

// Repository stores snapshots durably. Save must replace the previous
// snapshot atomically.
type Repository interface {
	Save(Snapshot) error
	Load() (Snapshot, error)
}

// Persister throttles writes to a Repository.
type Persister struct {
	mu       sync.Mutex
	repo     Repository
	interval time.Duration
	last     time.Time
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewPersister(repo Repository, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Persister {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		repo:     repo,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "persister"),
		metrics:  m,
	}
}

// Save writes the snapshot produced by source unless the last write was less
// than the interval ago and force is false. The snapshot is taken under the
// persister lock so concurrent writers serialize and the newest state wins.
// A failed write keeps the previous timestamp so the next call retries.
func (p *Persister) Save(source func() Snapshot, force bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !force && !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.metrics.PersistSkipped()
		return false, nil
	}

	if err := p.write(source(), now, force); err != nil {
		return false, err
	}
	return true, nil
}

// SaveAfter runs mutate and then force-writes the snapshot from source
// without releasing the persister lock in between. Saves issued meanwhile
// wait and are then throttled against this write.
func (p *Persister) SaveAfter(mutate func(), source func() Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mutate()
	return p.write(source(), p.now(), true)
}

func (p *Persister) write(snap Snapshot, now time.Time, force bool) error {
	if err := p.repo.Save(snap); err != nil {
		p.metrics.PersistWrite(err)
		p.logger.Error("failed to save tasks", "error", err, "tasks", len(snap), "force", force)
		return err
	}
	p.metrics.PersistWrite(nil)
	p.last = now
	return nil
}

// Load reads the stored snapshot. Errors are logged and yield an empty
// snapshot. Records without an id or with an unknown status are dropped.
func (p *Persister) Load() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.repo.Load()
	if err != nil {
		p.logger.Warn("could not load tasks, starting empty", "error", err)
		return Snapshot{}
	}
	if snap == nil {
		return Snapshot{}
	}
	for key, t := range snap {
		if t.ID == "" || !t.Status.Valid() {
			p.logger.Warn("dropping invalid task record", "key", key, "status", t.Status)
			delete(snap, key)
			continue
		}
		if key != t.ID {
			delete(snap, key)
			snap[t.ID] = t
		}
	}
	return snap
}
