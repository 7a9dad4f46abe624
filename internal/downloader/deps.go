package downloader

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"time"
)

const DefaultCheckTimeout = 10 * time.Second

type Dependency struct {
	Installed bool   `json:"installed"`
	Info      string `json:"info"`
}

type Report struct {
	YTDLP    Dependency  `json:"yt_dlp"`
	Aria2c   Dependency  `json:"aria2c"`
	Aria2RPC *Dependency `json:"aria2_rpc,omitempty"`
	AllOK    bool        `json:"all_ok"`
}

// Checker probes the external tools. aria2c only counts towards AllOK when
// RequireAria2 is set; the RPC daemon only when RPC is configured.
type Checker struct {
	YTDLP        string
	Aria2c       string
	RequireAria2 bool
	RPC          *Aria2Client
	Timeout      time.Duration
}

func (c *Checker) Check(ctx context.Context) Report {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ytdlp := c.YTDLP
	if ytdlp == "" {
		ytdlp = "yt-dlp"
	}
	aria2 := c.Aria2c
	if aria2 == "" {
		aria2 = "aria2c"
	}

	r := Report{
		YTDLP:  probeVersion(ctx, ytdlp, timeout),
		Aria2c: probeVersion(ctx, aria2, timeout),
	}
	r.AllOK = r.YTDLP.Installed && (r.Aria2c.Installed || !c.RequireAria2)

	if c.RPC != nil && c.RPC.RPCUrl != "" {
		dep := c.checkRPC(ctx, timeout)
		r.Aria2RPC = &dep
		r.AllOK = r.AllOK && dep.Installed
	}
	return r
}

func (c *Checker) checkRPC(ctx context.Context, timeout time.Duration) Dependency {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := c.RPC.GetVersion(ctx)
	if err != nil {
		return Dependency{Info: err.Error()}
	}
	info := "aria2 " + v.Version
	if stat, err := c.RPC.GetGlobalStat(ctx); err == nil {
		info += " (active " + stat.NumActive + ", waiting " + stat.NumWaiting + ")"
	}
	return Dependency{Installed: true, Info: info}
}

// probeVersion runs "<command> --version" and keeps the first output line.
func probeVersion(ctx context.Context, command string, timeout time.Duration) Dependency {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, command, "--version").Output()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return Dependency{Info: command + " not found"}
		}
		if ctx.Err() != nil {
			return Dependency{Info: command + " timed out"}
		}
		return Dependency{Info: command + " command failed"}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return Dependency{Installed: true, Info: strings.TrimSpace(line)}
}
