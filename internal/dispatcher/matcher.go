package dispatcher

import (
	"strings"

	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/domain"
	"github.com/whatsapp-web-enhancement/flow-orchestrator/internal/normalize"
)

// matchFlow scores every active flow's trigger against the inbound event's
// candidate surfaces (free text, interactive reply title, interactive reply
// id) and returns the best match (spec.md §4.3.1).
//
// Scoring per flow, all of which can stack:
//   - +6 if the trigger appears as a token or substring on any surface
//   - +2 if the full text equals the trigger exactly
//   - +1 if the interactive title equals the trigger exactly
//   - +1 if the interactive id equals the trigger exactly
//   - +1 if the trigger literal is "default"
//
// The highest score wins; ties go to the most recently updated flow. When no
// flow scores above zero, the first flow in input order is used instead —
// nil is only returned when flows is empty.
func matchFlow(flows []*domain.Flow, fullText, interactiveTitle, interactiveID string) *domain.Flow {
	if len(flows) == 0 {
		return nil
	}

	normalizedText := normalize.Keyword(fullText)
	normalizedTitle := normalize.Keyword(interactiveTitle)
	normalizedID := normalize.Keyword(interactiveID)

	textTokens := map[string]struct{}{}
	if normalizedText != "" {
		for _, w := range strings.Fields(normalizedText) {
			textTokens[w] = struct{}{}
		}
	}

	var best *domain.Flow
	bestScore := 0

	for _, f := range flows {
		trigger := normalize.Keyword(f.Trigger)
		if trigger == "" {
			continue
		}

		score := 0

		_, isToken := textTokens[trigger]
		substringOfText := normalizedText != "" && strings.Contains(normalizedText, trigger)
		substringOfTitle := normalizedTitle != "" && strings.Contains(normalizedTitle, trigger)
		substringOfID := normalizedID != "" && strings.Contains(normalizedID, trigger)
		if isToken || substringOfText || substringOfTitle || substringOfID {
			score += 6
		}
		if normalizedText != "" && normalizedText == trigger {
			score += 2
		}
		if normalizedTitle != "" && normalizedTitle == trigger {
			score++
		}
		if normalizedID != "" && normalizedID == trigger {
			score++
		}
		if trigger == "default" {
			score++
		}

		if score == 0 {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && f.UpdatedAt.After(best.UpdatedAt)) {
			best = f
			bestScore = score
		}
	}

	if best != nil {
		return best
	}
	return flows[0]
}
