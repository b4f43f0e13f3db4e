package gateway

import (
	"net/http"
	"path/filepath"
	"strings"
)

func (s *Server) matchCanvas(r *http.Request) bool {
	cfg := s.cfg.Holder.Current().Canvas
	if !cfg.Enabled {
		return false
	}
	return r.URL.Path == cfg.BasePath || strings.HasPrefix(r.URL.Path, cfg.BasePath+"/")
}

// handleCanvas hosts canvas documents as static files.
func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Holder.Current().Canvas
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fs := http.StripPrefix(cfg.BasePath, http.FileServer(http.Dir(cfg.RootDir)))
	fs.ServeHTTP(w, r)
}

// handleAvatar serves the control UI's avatar image.
func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Holder.Current().ControlUI
	if !cfg.Enabled || cfg.AssetsDir == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(cfg.AssetsDir, "avatar.png"))
}

func (s *Server) matchControlUI(r *http.Request) bool {
	cfg := s.cfg.Holder.Current().ControlUI
	if !cfg.Enabled || r.Method != http.MethodGet {
		return false
	}
	base := cfg.BasePath
	if base == "" {
		base = "/"
	}
	return r.URL.Path == base || strings.HasPrefix(r.URL.Path, strings.TrimSuffix(base, "/")+"/")
}

// handleControlUI serves the control UI's static bundle.
func (s *Server) handleControlUI(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Holder.Current().ControlUI
	base := cfg.BasePath
	if base == "" {
		base = "/"
	}
	fs := http.StripPrefix(strings.TrimSuffix(base, "/"), http.FileServer(http.Dir(cfg.AssetsDir)))
	fs.ServeHTTP(w, r)
}
