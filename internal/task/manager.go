package task

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"ytdlp-web/internal/destination"
	"ytdlp-web/internal/downloader"
	playlist "ytdlp-web/internal/m3u8"
	"ytdlp-web/internal/metrics"
	"ytdlp-web/internal/process"
	"ytdlp-web/internal/progress"
)

const (
	DefaultMaxLogLines = 200
	probeTimeout       = 15 * time.Second
	interruptedMessage = "interrupted: downloader process no longer running"
	// maxOutputLine bounds one stored log line.
	maxOutputLine = 4096
)

// Options are the per-request start options.
type Options struct {
	// Date is the VOD date, YYYY-MM-DD. Empty uses the upload date.
	Date string
}

// Config wires a Manager to its collaborators. Zero values get defaults.
type Config struct {
	Builder     *downloader.Builder
	Resolver    *destination.Resolver
	Supervisor  *process.Supervisor
	Persister   *Persister
	Prober      *playlist.Prober
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	MaxLogLines int
	// MaxTasks triggers pruning of the oldest terminal tasks; 0 disables it.
	MaxTasks          int
	MaxFilenameLength int
	// Shortcuts writes a .url file next to every finished download.
	Shortcuts bool
}

// Manager owns the task store and the live downloader processes.
type Manager struct {
	store     *Store
	persister *Persister
	procs     *process.Supervisor
	builder   *downloader.Builder
	resolver  *destination.Resolver
	prober    *playlist.Prober
	metrics   *metrics.Metrics
	logger    *slog.Logger

	maxLogLines int
	maxTasks    int
	maxNameLen  int
	shortcuts   bool

	startedAt time.Time
	now       func() time.Time
	newID     func() string
	wg        sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:       NewStore(),
		persister:   cfg.Persister,
		procs:       cfg.Supervisor,
		builder:     cfg.Builder,
		resolver:    cfg.Resolver,
		prober:      cfg.Prober,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "task_manager"),
		maxLogLines: cfg.MaxLogLines,
		maxTasks:    cfg.MaxTasks,
		maxNameLen:  cfg.MaxFilenameLength,
		shortcuts:   cfg.Shortcuts,
		now:         time.Now,
		newID:       newTaskID,
	}
	if m.persister == nil {
		m.persister = NewPersister(NewJSONFile("tasks.json"), DefaultSaveInterval, logger, cfg.Metrics)
	}
	if m.procs == nil {
		m.procs = process.NewSupervisor(process.DefaultGracePeriod)
	}
	if m.builder == nil {
		m.builder = &downloader.Builder{}
	}
	if m.resolver == nil {
		m.resolver = &destination.Resolver{FallbackDir: "downloads", Logger: logger}
	}
	if m.maxLogLines <= 0 {
		m.maxLogLines = DefaultMaxLogLines
	}
	m.startedAt = m.now()
	return m
}

// newTaskID returns task_<16 hex>_<unix seconds>. The hex part is the
// time-ordered half of a UUIDv7.
func newTaskID() string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return "task_" + hex.EncodeToString(u[:8]) + "_" + strconv.FormatInt(time.Now().Unix(), 10)
}

func (m *Manager) save(force bool) {
	// Errors are logged and counted by the persister.
	_, _ = m.persister.Save(m.store.Snapshot, force)
}

// Load restores the persisted tasks. Tasks that were still running when the
// previous process stopped are marked as errors.
func (m *Manager) Load() int {
	snap := m.persister.Load()
	now := m.now()
	reconciled := 0
	for id, t := range snap {
		if t.Status.IsTerminal() {
			continue
		}
		t.Status = StatusError
		t.ErrorMessage = interruptedMessage
		t.UpdatedAt = now
		t.appendLog(now, "[ERROR] "+interruptedMessage, m.maxLogLines)
		snap[id] = t
		reconciled++
	}
	m.store.Replace(snap)
	if reconciled > 0 {
		m.logger.Info("reconciled interrupted tasks", "count", reconciled)
		m.save(true)
	}
	m.logger.Info("loaded tasks", "count", len(snap))
	return len(snap)
}

func (m *Manager) StartDownload(rawURL string) (string, error) {
	return m.Start(rawURL, KindRegular, Options{})
}

func (m *Manager) StartVODDownload(rawURL, date string) (string, error) {
	return m.Start(rawURL, KindVOD, Options{Date: date})
}

// Start spawns a downloader for rawURL and returns the new task id. When the
// process cannot be spawned no task is created and the *process.SpawnError
// is returned.
func (m *Manager) Start(rawURL string, kind Kind, opts Options) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("%w: url is empty", ErrInvalidInput)
	}
	if kind == "" {
		kind = KindRegular
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	date := strings.TrimSpace(opts.Date)
	if kind != KindVOD {
		date = ""
	}
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return "", fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidInput, date)
		}
	}

	m.limitTasks()

	dir := m.resolver.Dir(kind == KindVOD)
	output := destination.Template{
		BaseDir:       dir,
		VOD:           kind == KindVOD,
		Date:          date,
		MaxNameLength: m.maxNameLen,
	}.String()
	args := m.builder.Args(rawURL, output)

	id := m.newID()
	h, err := m.procs.Spawn(id, m.builder.Command(), args, dir)
	if err != nil {
		m.metrics.SpawnFailed()
		m.logger.Error("failed to start downloader", "url", rawURL, "dir", dir, "error", err)
		return "", err
	}

	now := m.now()
	t := Task{
		ID:        id,
		URL:       rawURL,
		Kind:      kind,
		Date:      date,
		Status:    StatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.appendLog(now, "Starting "+m.builder.Command()+" (pid "+strconv.Itoa(h.Pid())+")", m.maxLogLines)
	if err := m.store.Create(t); err != nil {
		m.procs.Terminate(id)
		go h.Wait()
		return "", err
	}
	m.save(true)
	m.metrics.TaskStarted(string(kind))
	m.metrics.SetActive(m.procs.Count())
	m.logger.Info("download started", "task_id", id, "kind", kind, "url", rawURL, "dir", dir)

	m.wg.Add(1)
	go m.run(id, h, dir, now)

	if m.prober != nil && playlist.IsPlaylistURL(rawURL) {
		m.wg.Add(1)
		go m.probe(id, rawURL)
	}
	return id, nil
}

// run drains the process output into the task and records the outcome. It
// is the only reader of h and always reaps it.
func (m *Manager) run(id string, h *process.Handle, dir string, started time.Time) {
	defer m.wg.Done()
	log := m.logger.With("task_id", id)
	hint := m.builder.Tool()

	var (
		last          string
		criticalLine  string
		completedSeen bool
	)
	for line := range h.Lines() {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxOutputLine {
			line = strings.ToValidUTF8(line[:maxOutputLine], "") + "..."
		}
		last = line
		u, ok := progress.Parse(line, hint)
		if ok && u.Critical && criticalLine == "" {
			criticalLine = line
		}
		if ok && u.Completed {
			completedSeen = true
		}

		_, err := m.store.Update(id, func(t *Task) error {
			t.appendLog(m.now(), line, m.maxLogLines)
			if t.Status.IsTerminal() {
				return nil
			}
			t.Status = StatusProcessing
			if ok {
				t.applyProgress(u)
			}
			if completedSeen {
				t.Progress = 100
			}
			return nil
		})
		if errors.Is(err, ErrNotFound) {
			// Removed while running; keep draining so the process can exit.
			continue
		}
		m.save(false)
	}

	if err := h.Err(); err != nil {
		log.Warn("reading downloader output failed", "error", err)
	}
	code, waitErr := h.Wait()
	m.procs.Remove(id, h)
	m.metrics.SetActive(m.procs.Count())
	if waitErr != nil {
		log.Warn("wait for downloader failed", "error", waitErr)
	}

	elapsed := m.now().Sub(started)
	t, err := m.store.Update(id, func(t *Task) error {
		t.ExitCode = &code
		if t.Status.IsTerminal() {
			return nil
		}
		now := m.now()
		switch {
		case criticalLine != "":
			t.Status = StatusError
			t.ErrorMessage = criticalLine
			t.appendLog(now, "[ERROR] "+criticalLine, m.maxLogLines)
		case completedSeen || code == 0:
			t.Status = StatusFinished
			t.Progress = 100
			t.ETA = ""
			t.appendLog(now, "[SUCCESS] Download completed (duration "+elapsed.Round(time.Second).String()+")", m.maxLogLines)
		default:
			t.Status = StatusError
			t.ErrorMessage = fmt.Sprintf("exit code %d: %s", code, last)
			t.appendLog(now, "[ERROR] Download failed with exit code "+strconv.Itoa(code), m.maxLogLines)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		log.Debug("task removed before downloader exited", "exit_code", code)
		return
	}
	if t.Status == StatusFinished && m.shortcuts && t.Destination != "" {
		m.writeShortcut(log, t, dir)
	}
	m.save(true)

	if t.Status == StatusFinished {
		if n, perr := humanize.ParseBytes(t.FileSize); perr == nil {
			m.metrics.BytesDownloaded(n)
		}
	}
	if t.Status != StatusCancelled {
		// cancelled tasks were counted by Cancel
		m.metrics.TaskCompleted(string(t.Status), elapsed)
	}
	log.Info("downloader exited", "status", t.Status, "exit_code", code, "elapsed", elapsed.Round(time.Millisecond))
}

// writeShortcut leaves a .url file pointing at the source page next to the
// downloaded file.
func (m *Manager) writeShortcut(log *slog.Logger, t Task, dir string) {
	dest := t.Destination
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(dir, dest)
	}
	path, err := m.resolver.WriteShortcut(dest, t.URL)
	line := "[LINK] Created URL shortcut: " + path
	if err != nil {
		log.Warn("could not create url shortcut", "destination", dest, "error", err)
		line = "[WARNING] Could not create URL shortcut: " + err.Error()
	} else {
		log.Info("created url shortcut", "path", path)
	}
	_, _ = m.store.Update(t.ID, func(t *Task) error {
		t.appendLog(m.now(), line, m.maxLogLines)
		return nil
	})
}

func (m *Manager) probe(id, rawURL string) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	info, err := m.prober.Probe(ctx, rawURL)
	if err != nil {
		m.logger.Debug("hls probe failed", "task_id", id, "error", err)
		return
	}
	_, err = m.store.Update(id, func(t *Task) error {
		t.Stream = info
		if t.Title == "" && info.Resolution != "" {
			t.Title = info.Resolution + " HLS stream"
		}
		return nil
	})
	if err == nil {
		m.save(false)
	}
}

// limitTasks makes room for one more task by removing the oldest terminal
// tasks once MaxTasks is reached.
func (m *Manager) limitTasks() {
	if m.maxTasks <= 0 {
		return
	}
	excess := m.store.Len() + 1 - m.maxTasks
	if excess <= 0 {
		return
	}
	removed := 0
	for _, t := range m.store.ListByStatus(StatusFinished, StatusError, StatusCancelled) {
		if removed == excess {
			break
		}
		if _, err := m.store.Remove(t.ID); err == nil {
			removed++
			m.logger.Info("removing task to maintain limit", "task_id", t.ID)
		}
	}
	if removed > 0 {
		m.save(true)
	}
}

func (m *Manager) Status(id string) (Task, error) {
	return m.store.Get(id)
}

// Cancel marks the task cancelled and then signals its process. A second
// call returns ErrAlreadyTerminal.
func (m *Manager) Cancel(id string) error {
	t, err := m.store.Update(id, func(t *Task) error {
		if t.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		t.Status = StatusCancelled
		t.ETA = ""
		t.Speed = ""
		t.appendLog(m.now(), "[CANCELLED] Download cancelled by user", m.maxLogLines)
		return nil
	})
	if err != nil {
		return err
	}

	signalled := m.procs.Terminate(id)
	m.save(true)
	m.metrics.TaskCompleted(string(StatusCancelled), m.now().Sub(t.CreatedAt))
	m.logger.Info("download cancelled", "task_id", id, "signalled", signalled)
	return nil
}

// Remove deletes the task, stopping its process first if it is running.
func (m *Manager) Remove(id string) error {
	if err := m.remove(id); err != nil {
		return err
	}
	m.save(true)
	return nil
}

func (m *Manager) remove(id string) error {
	t, err := m.store.Remove(id)
	if err != nil {
		return err
	}
	if m.procs.Terminate(id) {
		m.logger.Info("stopped downloader of removed task", "task_id", id)
	}
	m.logger.Info("task removed", "task_id", id, "status", t.Status)
	return nil
}

type RemoveResult struct {
	ID  string
	Err error
}

// BatchRemove removes each id independently and saves once.
func (m *Manager) BatchRemove(ids []string) []RemoveResult {
	results := make([]RemoveResult, 0, len(ids))
	removed := 0
	for _, id := range ids {
		err := m.remove(id)
		if err == nil {
			removed++
		}
		results = append(results, RemoveResult{ID: id, Err: err})
	}
	if removed > 0 {
		m.save(true)
	}
	return results
}

func (m *Manager) List() []Task {
	return m.store.List()
}

type Statistics struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	LiveProcesses int            `json:"live_processes"`
	ByStatus      map[Status]int `json:"by_status"`
}

func (m *Manager) Statistics() Statistics {
	counts := m.store.Counts()
	s := Statistics{ByStatus: counts, LiveProcesses: m.procs.Count()}
	for st, n := range counts {
		s.Total += n
		if !st.IsTerminal() {
			s.Active += n
		}
	}
	return s
}

// Clear stops every live process, drops all tasks and saves once. The store
// is emptied and written under the persister lock, so a read loop can't add
// a second write in between.
func (m *Manager) Clear() int {
	var n int
	// Errors are logged and counted by the persister.
	_ = m.persister.SaveAfter(func() { n = m.store.Clear() }, m.store.Snapshot)
	stopped := m.procs.TerminateAll()
	m.metrics.SetActive(0)
	m.logger.Info("all tasks cleared", "tasks", n, "stopped", stopped)
	return n
}

type Health struct {
	LiveProcesses int           `json:"active_processes"`
	ActiveTasks   int           `json:"active_tasks"`
	TotalTasks    int           `json:"total_tasks"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        time.Duration `json:"-"`
}

func (m *Manager) Health() Health {
	s := m.Statistics()
	return Health{
		LiveProcesses: s.LiveProcesses,
		ActiveTasks:   s.Active,
		TotalTasks:    s.Total,
		StartedAt:     m.startedAt,
		Uptime:        m.now().Sub(m.startedAt),
	}
}

// RemoveExpired drops tasks created more than maxAge ago, stopping any that
// still run.
func (m *Manager) RemoveExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, t := range m.store.List() {
		if !t.CreatedAt.Before(cutoff) {
			// List is ordered by creation time.
			break
		}
		if err := m.remove(t.ID); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.save(true)
		m.logger.Info("removed expired tasks", "count", removed, "max_age", maxAge)
	}
	return removed
}

// Shutdown cancels all running downloads, waits for their read loops until
// ctx is done and writes the final state.
func (m *Manager) Shutdown(ctx context.Context) error {
	cancelled := 0
	for _, t := range m.store.ListByStatus(StatusStarted, StatusProcessing) {
		_, err := m.store.Update(t.ID, func(t *Task) error {
			if t.Status.IsTerminal() {
				return ErrAlreadyTerminal
			}
			t.Status = StatusCancelled
			t.appendLog(m.now(), "[CANCELLED] Server shutting down", m.maxLogLines)
			return nil
		})
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyTerminal):
			// finished or removed since it was listed
		default:
			m.logger.Warn("could not cancel task on shutdown", "task_id", t.ID, "error", err)
		}
	}
	stopped := m.procs.TerminateAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.save(true)
	m.logger.Info("task manager stopped", "cancelled", cancelled, "stopped", stopped, "error", err)
	return err
}
