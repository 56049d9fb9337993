package protocol

// ClientInfo identifies this client release to the work server.
type ClientInfo struct {
	Version string `json:"version"`
	APIKey  string `json:"apikey"`
}

// EngineInfo identifies the engine build and the options it runs with, as
// collected during the UCI handshake.
type EngineInfo struct {
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

// Request is the identity envelope sent with every call to the work
// server.
type Request struct {
	Fishnet ClientInfo `json:"fishnet"`
	Engine  EngineInfo `json:"engine"`
}

// AnalysisReport is the body for analysis progress and completion posts.
// Progress snapshots carry null entries for plies not yet reached; the
// final report has every entry populated or skipped.
type AnalysisReport struct {
	Request
	Analysis []*AnalysisRecord `json:"analysis"`
}

// MoveReport is the body for a finished move search.
type MoveReport struct {
	Request
	Move MoveResult `json:"move"`
}
