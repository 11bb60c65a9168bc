package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type GapType string

const (
	GapMissingTool       GapType = "missing_tool"
	GapIncompleteResults GapType = "incomplete_results"
	GapMissingParameter  GapType = "missing_parameter"
	GapWrongFormat       GapType = "wrong_format"
	GapOther             GapType = "other"
)

// ParseGapType never fails: empty or unknown input falls back to GapOther.
func ParseGapType(s string) GapType {
	switch g := GapType(normalizeEnum(s)); g {
	case GapMissingTool, GapIncompleteResults, GapMissingParameter, GapWrongFormat, GapOther:
		return g
	default:
		return GapOther
	}
}

type Resolution string

const (
	ResolutionNone         Resolution = ""
	ResolutionBlocked      Resolution = "blocked"
	ResolutionWorkedAround Resolution = "worked_around"
	ResolutionPartial      Resolution = "partial"
)

// ParseResolution has no catch-all; anything outside the enum is rejected.
func ParseResolution(s string) (Resolution, bool) {
	switch r := Resolution(normalizeEnum(s)); r {
	case ResolutionNone, ResolutionBlocked, ResolutionWorkedAround, ResolutionPartial:
		return r, true
	default:
		return ResolutionNone, false
	}
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}

// ToolList decodes from either a JSON array of strings or a single
// comma-separated string.
type ToolList []string

func (t *ToolList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ToolList{}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = NormalizeTools(list)
		return nil
	}
	var csv string
	if err := json.Unmarshal(data, &csv); err != nil {
		return fmt.Errorf("tools_available must be a list or a comma-separated string")
	}
	*t = NormalizeTools(strings.Split(csv, ","))
	return nil
}

// NormalizeTools trims entries and drops empty ones, keeping order.
func NormalizeTools(raw []string) ToolList {
	out := make(ToolList, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FeedbackInput is the inbound submission before validation.
type FeedbackInput struct {
	ServerName     string   `json:"server_name"`
	WhatINeeded    string   `json:"what_i_needed"`
	WhatITried     string   `json:"what_i_tried"`
	GapType        string   `json:"gap_type"`
	Suggestion     string   `json:"suggestion"`
	UserGoal       string   `json:"user_goal"`
	Resolution     string   `json:"resolution"`
	ToolsAvailable ToolList `json:"tools_available"`
	AgentModel     string   `json:"agent_model"`
	SessionID      string   `json:"session_id"`
	ClientType     string   `json:"client_type"`
}

type DraftPR struct {
	URL       string    `json:"url"`
	Branch    string    `json:"branch"`
	Number    int       `json:"number,omitempty"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

type FeedbackItem struct {
	ID             string     `json:"id"`
	ServerName     string     `json:"server_name"`
	WhatINeeded    string     `json:"what_i_needed"`
	WhatITried     string     `json:"what_i_tried"`
	GapType        GapType    `json:"gap_type"`
	Suggestion     string     `json:"suggestion"`
	UserGoal       string     `json:"user_goal"`
	Resolution     Resolution `json:"resolution"`
	ToolsAvailable ToolList   `json:"tools_available"`
	AgentModel     string     `json:"agent_model"`
	SessionID      string     `json:"session_id"`
	ClientType     string     `json:"client_type"`
	Reviewed       bool       `json:"reviewed"`
	CreatedAt      time.Time  `json:"created_at"`
	DraftPR        *DraftPR   `json:"draft_pr"`
	DraftAttempts  int        `json:"draft_attempts"`
	Notes          []Note     `json:"notes,omitempty"`
}

type Note struct {
	ID         string    `json:"id"`
	FeedbackID string    `json:"feedback_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Filter is a conjunction; nil/empty fields do not constrain the result.
type Filter struct {
	ServerName string
	GapType    string
	Reviewed   *bool
	Resolution string
	SessionID  string
	Limit      int
	Offset     int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

type CountByKey struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Stats struct {
	Total        int          `json:"total"`
	Unreviewed   int          `json:"unreviewed"`
	NoteCount    int          `json:"note_count"`
	ByServer     []CountByKey `json:"by_server"`
	ByGapType    []CountByKey `json:"by_gap_type"`
	ByResolution []CountByKey `json:"by_resolution"`
}
