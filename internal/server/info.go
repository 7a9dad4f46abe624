package server

import (
	"encoding/json"
	"net/http"

	"ytdlp-web/internal/downloader"
)

const (
	appName    = "YT-DLP Web Downloader"
	appVersion = "2.0.0"
)

type infoResponse struct {
	Application   string            `json:"application"`
	Version       string            `json:"version"`
	Features      map[string]bool   `json:"features"`
	Codecs        []string          `json:"supported_codecs_priority"`
	Dependencies  downloader.Report `json:"dependencies"`
	Configuration infoLimits        `json:"configuration"`
}

type infoLimits struct {
	MaxTasks          int     `json:"max_tasks"`
	MaxLogLines       int     `json:"max_log_lines"`
	MaxFilenameLength int     `json:"max_filename_length"`
	RetentionHours    float64 `json:"retention_hours"`
	SaveInterval      string  `json:"save_interval"`
	TerminateGrace    string  `json:"terminate_grace"`
	StoreBackend      string  `json:"store_backend"`
}

// handleInfo reports what this server can do with the tools it found.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	cfg := s.cfg

	resp := infoResponse{
		Application: appName,
		Version:     appVersion,
		Features: map[string]bool{
			"aria2c_acceleration": cfg.UseAria2c && report.Aria2c.Installed,
			"av1_codec_priority":  true,
			"subtitle_download":   true,
			"url_shortcut_saving": cfg.CreateShortcuts,
			"metadata_embedding":  true,
			"hls_stream_info":     cfg.ProbeHLS,
			"progress_tracking":   true,
			"vod_downloads":       true,
		},
		Codecs:       downloader.CodecPriority,
		Dependencies: report,
		Configuration: infoLimits{
			MaxTasks:          cfg.MaxTasks,
			MaxLogLines:       cfg.MaxLogLines,
			MaxFilenameLength: cfg.MaxFilenameLength,
			RetentionHours:    cfg.TaskRetention.Std().Hours(),
			SaveInterval:      cfg.SaveInterval.String(),
			TerminateGrace:    cfg.TerminateGrace.String(),
			StoreBackend:      cfg.StoreBackend,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode info response", "error", err)
	}
}
