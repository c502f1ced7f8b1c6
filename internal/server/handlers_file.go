package server

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/opencode-core/engine/pkg/types"
)

// FileInfo describes one directory entry.
type FileInfo struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
}

// listFiles handles GET /file?path=...
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = getDirectory(r.Context())
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrorUnknown, err.Error())
		return
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, _ := entry.Info()
		var size int64
		if info != nil {
			size = info.Size()
		}
		files = append(files, FileInfo{Name: entry.Name(), IsDirectory: entry.IsDir(), Size: size})
	}

	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// searchFiles handles GET /find/files?query=...
func (s *Server) searchFiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, types.ErrorUnknown, "query is required")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		path = getDirectory(r.Context())
	}

	cmd := exec.Command("rg", "--files", "--glob", query)
	cmd.Dir = path
	output, _ := cmd.Output()

	var result []string
	for _, f := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if f != "" {
			result = append(result, filepath.Clean(f))
		}
	}

	const maxFiles = 100
	if len(result) > maxFiles {
		result = result[:maxFiles]
	}

	writeJSON(w, http.StatusOK, map[string]any{"files": result, "count": len(result)})
}
