// Package mcpserver exposes the call tooling to external hosts over the
// Model Context Protocol: tools to open the call panel, place and inspect
// calls, and query the roster, plus the widget HTML resources those tools
// reference.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
	"github.com/edusignal/callbridge/internal/roster"
	"github.com/edusignal/callbridge/internal/summary"
	"github.com/edusignal/callbridge/internal/telephony"
	"github.com/edusignal/callbridge/internal/viewertoken"
)

// Server bundles the MCP surface with its backing services.
type Server struct {
	store     *callsession.Store
	control   *telephony.Control
	summaries *summary.Synthesizer
	tokens    *viewertoken.Minter
	roster    *roster.Store
	cfg       *config.Config

	mcp *mcp.Server
}

// New assembles the MCP server and registers all tools and widget resources.
// roster may be nil when the roster database is disabled.
func New(
	store *callsession.Store,
	control *telephony.Control,
	summaries *summary.Synthesizer,
	tokens *viewertoken.Minter,
	rosterStore *roster.Store,
	cfg *config.Config,
) *Server {
	s := &Server{
		store:     store,
		control:   control,
		summaries: summaries,
		tokens:    tokens,
		roster:    rosterStore,
		cfg:       cfg,
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "callbridge",
		Version: "1.0.0",
	}, nil)

	s.registerTools()
	s.registerWidgets()
	return s
}

// Register mounts the MCP transport and the asset endpoint on mux. The SSE
// transport answers GET on /mcp and routes client posts via /mcp/messages.
func (s *Server) Register(mux *http.ServeMux) {
	handler := mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/messages", handler)
	mux.HandleFunc("GET /assets/", s.serveAsset)
}
