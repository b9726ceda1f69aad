package persistence

import (
	"github.com/robotjaol/crucible/pkg/models"
)

// MergeSessionData resolves a write conflict between the stored (server)
// payload and the in-memory (client) payload. The policy is the core
// correctness contract:
//
//   - decisions_made: union by decision id; on an id collision the client
//     version wins; the merged list is re-sorted by timestamp ascending.
//     Decisions are never lost across a conflict.
//   - state_history: the longer array wins outright — more visited states
//     means more progress. Ties keep the server array.
//   - time_spent_seconds, pause_count, hints_used: max(server, client) —
//     monotonic counters never regress.
//   - current_context: shallow merge, client keys override server keys.
func MergeSessionData(server, client models.SessionData) models.SessionData {
	out := client.Clone()

	// Union decisions by id, client wins on collision.
	byID := make(map[string]models.SessionDecision, len(server.Decisions)+len(client.Decisions))
	order := make([]string, 0, len(server.Decisions)+len(client.Decisions))
	for _, d := range server.Decisions {
		if _, seen := byID[d.ID]; !seen {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}
	for _, d := range client.Decisions {
		if _, seen := byID[d.ID]; !seen {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}
	out.Decisions = make([]models.SessionDecision, 0, len(order))
	for _, id := range order {
		out.Decisions = append(out.Decisions, byID[id])
	}
	out.SortDecisions()

	// Longer history wins whole; ties keep the server's.
	if len(server.StateHistory) >= len(client.StateHistory) {
		out.StateHistory = append([]string(nil), server.StateHistory...)
	}

	out.TimeSpentSeconds = maxInt(server.TimeSpentSeconds, client.TimeSpentSeconds)
	out.PauseCount = maxInt(server.PauseCount, client.PauseCount)
	out.HintsUsed = maxInt(server.HintsUsed, client.HintsUsed)

	if len(server.Context) > 0 || len(client.Context) > 0 {
		merged := make(map[string]string, len(server.Context)+len(client.Context))
		for k, v := range server.Context {
			merged[k] = v
		}
		for k, v := range client.Context {
			merged[k] = v
		}
		out.Context = merged
	}

	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
