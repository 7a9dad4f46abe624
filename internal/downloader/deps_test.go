//go:build unix

package downloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeTool(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCheckAllInstalled(t *testing.T) {
	c := &Checker{
		YTDLP:        fakeTool(t, "yt-dlp", "echo 2024.08.06"),
		Aria2c:       fakeTool(t, "aria2c", "echo 'aria2 version 1.37.0'; echo 'Copyright (C) 2006'"),
		RequireAria2: true,
	}

	r := c.Check(context.Background())
	assert.True(t, r.AllOK)
	assert.Equal(t, Dependency{Installed: true, Info: "2024.08.06"}, r.YTDLP)
	assert.Equal(t, Dependency{Installed: true, Info: "aria2 version 1.37.0"}, r.Aria2c)
	assert.Nil(t, r.Aria2RPC)
}

func TestCheckMissingAria2(t *testing.T) {
	c := &Checker{
		YTDLP:  fakeTool(t, "yt-dlp", "echo 2024.08.06"),
		Aria2c: filepath.Join(t.TempDir(), "aria2c"),
	}

	r := c.Check(context.Background())
	assert.True(t, r.AllOK, "aria2c is optional unless required")
	assert.False(t, r.Aria2c.Installed)
	assert.Contains(t, r.Aria2c.Info, "not found")

	c.RequireAria2 = true
	assert.False(t, c.Check(context.Background()).AllOK)
}

func TestCheckFailingAndSlowTools(t *testing.T) {
	c := &Checker{
		YTDLP:   fakeTool(t, "yt-dlp", "exit 2"),
		Aria2c:  fakeTool(t, "aria2c", "exec sleep 5"),
		Timeout: 200 * time.Millisecond,
	}

	r := c.Check(context.Background())
	assert.False(t, r.AllOK)
	assert.Equal(t, Dependency{Info: c.YTDLP + " command failed"}, r.YTDLP)
	assert.Equal(t, Dependency{Info: c.Aria2c + " timed out"}, r.Aria2c)
}

func TestCheckRPC(t *testing.T) {
	srv := newRPCServer(t, "")
	c := &Checker{
		YTDLP: fakeTool(t, "yt-dlp", "echo 2024.08.06"),
		RPC:   NewAria2Client(srv.URL, ""),
	}

	r := c.Check(context.Background())
	require.NotNil(t, r.Aria2RPC)
	assert.True(t, r.Aria2RPC.Installed)
	assert.Equal(t, "aria2 1.37.0 (active 2, waiting 1)", r.Aria2RPC.Info)

	srv.Close()
	r = c.Check(context.Background())
	assert.False(t, r.Aria2RPC.Installed)
	assert.False(t, r.AllOK)
}
