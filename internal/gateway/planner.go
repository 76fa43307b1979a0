package gateway

import (
	"context"
	"strings"

	"switchboard/internal/pipeline"
)

// KeywordPlanner is the built-in fallback planner. It classifies a turn
// with keyword heuristics so the gateway stays usable without an LLM
// backend; a configured Planner collaborator takes precedence.
type KeywordPlanner struct{}

var researchMarkers = []string{
	"research", "search for", "look up", "find out", "investigate",
}

var attachmentMarkers = []string{
	"send me", "write a report", "write up", "as a file", "as a document",
	"document about",
}

func (KeywordPlanner) Plan(ctx context.Context, sessionKey, text string, hints pipeline.PlanHints) (pipeline.PlannerDecision, error) {
	lower := strings.ToLower(text)

	wantsAttachment := containsAny(lower, attachmentMarkers)
	wantsResearch := containsAny(lower, researchMarkers)

	switch {
	case wantsAttachment:
		return pipeline.PlannerDecision{
			Intent:         "web_research",
			Worker:         true,
			SendAttachment: true,
		}, nil
	case wantsResearch:
		return pipeline.PlannerDecision{
			Intent: "web_research",
			Worker: true,
		}, nil
	default:
		return pipeline.PlannerDecision{
			Intent: "chat",
			Reply:  "Noted. Ask me to research a topic or request a report if you need more.",
		}, nil
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
