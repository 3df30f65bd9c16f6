package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Widget HTML files shipped in the assets directory and advertised as
// ui://widget/ resources.
var widgetFiles = []struct {
	uri  string
	file string
	name string
}{
	{callPanelWidget, "call-panel.html", "Call panel"},
	{trendsWidget, "attendance-trends.html", "Attendance trends"},
}

// registerWidgets exposes the widget HTML as MCP resources. Content is
// re-read from disk on every fetch so UI rebuilds propagate without a
// restart.
func (s *Server) registerWidgets() {
	for _, w := range widgetFiles {
		w := w
		s.mcp.AddResource(&mcp.Resource{
			URI:      w.uri,
			Name:     w.name,
			MIMEType: "text/html",
		}, func(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			data, err := os.ReadFile(filepath.Join(s.cfg.Server.AssetsDir, w.file))
			if err != nil {
				return nil, fmt.Errorf("reading widget %s: %w", w.file, err)
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{
					URI:      req.Params.URI,
					MIMEType: "text/html",
					Text:     string(data),
				}},
			}, nil
		})
	}
}

// serveAsset serves widget artifacts from the assets directory. Paths that
// escape the directory are rejected; content is never cached so rebuilt
// widgets show up immediately.
func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/assets/")
	if name == "" || name != path.Clean(name) || strings.Contains(name, "..") || path.IsAbs(name) {
		http.Error(w, "invalid asset path", http.StatusBadRequest)
		return
	}

	full := filepath.Join(s.cfg.Server.AssetsDir, filepath.FromSlash(name))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		slog.Error("reading asset failed", "asset", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}
