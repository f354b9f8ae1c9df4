package progress

import (
	"github.com/google/uuid"

	"leadpilot/models"
)

// Event is one progress notification of a run. The set of implementations is closed.
type Event interface {
	Name() string
	isEvent()
}

const (
	NameStatus         = "status"
	NameSourceComplete = "source_complete"
	NameLeadCreated    = "lead_created"
	NameComplete       = "complete"
	NameError          = "error"
)

type Status struct {
	Message string `json:"message"`
}

// SourceComplete is emitted when a connector returns, before its leads are processed.
// Per-source added counts are reported in Complete.
type SourceComplete struct {
	Source string `json:"source"`
	Found  int    `json:"found"`
	Error  string `json:"error,omitempty"`
}

type LeadCreated struct {
	Lead models.Lead `json:"lead"`
}

// Complete is always the last event of a run.
type Complete struct {
	RunID            uuid.UUID              `json:"runId"`
	SearchResults    []models.SourceOutcome `json:"searchResults"`
	TotalFound       int                    `json:"totalFound"`
	LeadsCreated     int                    `json:"leadsCreated"`
	Leads            []models.Lead          `json:"leads"`
	SourcesAllFailed bool                   `json:"sourcesAllFailed"`
}

// Error terminates a stream without a Complete event.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const CodeSessionExpired = "session_expired"

func (Status) Name() string         { return NameStatus }
func (SourceComplete) Name() string { return NameSourceComplete }
func (LeadCreated) Name() string    { return NameLeadCreated }
func (Complete) Name() string       { return NameComplete }
func (Error) Name() string          { return NameError }

func (Status) isEvent()         {}
func (SourceComplete) isEvent() {}
func (LeadCreated) isEvent()    {}
func (Complete) isEvent()       {}
func (Error) isEvent()          {}
