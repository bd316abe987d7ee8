package rpc

import "github.com/jcdickinson/implindex/internal/index"

// LoadRequest is the request body for POST /load.
type LoadRequest struct {
	Dirs []string `json:"dirs,omitempty"`
	URLs []string `json:"urls,omitempty"`
}

// LoadResult reports one fragment source.
type LoadResult struct {
	Source  string `json:"source"`
	Group   string `json:"group,omitempty"`
	Crates  int    `json:"crates"`
	Records int    `json:"records"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LoadResponse collects the results streamed from POST /load.
type LoadResponse struct {
	LoadID  string       `json:"load_id"`
	Results []LoadResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// ProgressLine is a single line of NDJSON streamed from the load endpoint.
type ProgressLine struct {
	Type    string      `json:"type"` // "progress", "result" or "done"
	Message string      `json:"message,omitempty"`
	Result  *LoadResult `json:"result,omitempty"`
	LoadID  string      `json:"load_id,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// LookupRequest is the request body for POST /lookup and POST /render.
type LookupRequest struct {
	Group  string `json:"group"`
	Format string `json:"format,omitempty"` // render only: "markdown" (default) or "html"
}

// LookupResponse is the response body for POST /lookup. Implementors is an ordered
// JSON object: crate → implementor records.
type LookupResponse struct {
	Group        string              `json:"group"`
	Implementors *index.Contribution `json:"implementors"`
}

// RenderResponse is the response body for POST /render.
type RenderResponse struct {
	Group   string `json:"group"`
	Format  string `json:"format"`
	Content string `json:"content"`
}

// GroupsResponse is the response body for GET /groups.
type GroupsResponse struct {
	Groups []string `json:"groups"`
}

// InitializeResponse is the response body for POST /initialize.
type InitializeResponse struct {
	Groups int `json:"groups"`
}

// StatusResponse is the response body for GET /status.
type StatusResponse struct {
	Ready     bool             `json:"ready"`
	Groups    int              `json:"groups"`
	Pending   int              `json:"pending"`
	Fragments []FragmentStatus `json:"fragments,omitempty"`
}

type FragmentStatus struct {
	Group              string `json:"group"`
	Source             string `json:"source"`
	Crates             int    `json:"crates"`
	Records            int    `json:"records"`
	ArrivedBeforeReady bool   `json:"arrived_before_ready"`
	Pending            bool   `json:"pending"` // still held in the buffer
}
