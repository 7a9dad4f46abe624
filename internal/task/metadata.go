package task

import (
	"errors"
	"time"

	playlist "ytdlp-web/internal/m3u8"
	"ytdlp-web/internal/progress"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already terminal")
	ErrExists          = errors.New("task already exists")
)

type Status string

const (
	StatusStarted    Status = "started"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusStarted, StatusProcessing, StatusFinished, StatusError, StatusCancelled}

// IsTerminal reports whether no further status transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type Kind string

const (
	KindRegular Kind = "regular"
	KindVOD     Kind = "vod"
)

func (k Kind) Valid() bool { return k == KindRegular || k == KindVOD }

type Task struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	Kind         Kind           `json:"type"`
	Date         string         `json:"date,omitempty"`
	Status       Status         `json:"status"`
	Progress     float64        `json:"progress"`
	FileSize     string         `json:"file_size"`
	Speed        string         `json:"speed"`
	ETA          string         `json:"eta"`
	Title        string         `json:"title"`
	Destination  string         `json:"destination,omitempty"`
	Output       []string       `json:"output"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	Stream       *playlist.Info `json:"stream,omitempty"`
}

// Clone returns a copy that shares no memory with t.
func (t *Task) Clone() Task {
	c := *t
	if t.Output != nil {
		c.Output = make([]string, len(t.Output))
		copy(c.Output, t.Output)
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		c.ExitCode = &code
	}
	if t.Stream != nil {
		s := *t.Stream
		c.Stream = &s
	}
	return c
}

// appendLog adds a timestamped line and keeps only the newest limit lines.
func (t *Task) appendLog(now time.Time, line string, limit int) {
	t.Output = append(t.Output, "["+now.Format("15:04:05")+"] "+line)
	if limit > 0 && len(t.Output) > limit {
		n := copy(t.Output, t.Output[len(t.Output)-limit:])
		clear(t.Output[n:])
		t.Output = t.Output[:n]
	}
}

// applyProgress merges the fields present in u. Progress never goes down.
func (t *Task) applyProgress(u progress.Update) {
	if u.HasPercent && u.Percent > t.Progress {
		t.Progress = u.Percent
	}
	if u.FileSize != "" {
		t.FileSize = u.FileSize
	}
	if u.Speed != "" {
		t.Speed = u.Speed
	}
	if u.ETA != "" {
		t.ETA = u.ETA
	}
	if u.Destination != "" {
		t.Destination = u.Destination
	}
	if u.Title != "" {
		t.Title = u.Title
	}
}

// Snapshot is the full task set keyed by id, as persisted.
type Snapshot map[string]Task
