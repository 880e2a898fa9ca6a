package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Categories is the closed category list offered to the model.
var Categories = []string{
	"constraints", "dimensions", "materials", "logistics", "timeline",
	"stakeholders", "budget", "preferences", "risks", "other",
}

// SystemPrompt instructs the model how to extract fact atoms from a chunk.
var SystemPrompt = `You extract atomic facts from project conversation text.

Rules:
1. Every fact is one self-contained statement. Split compound claims.
2. Write each fact in the language of the bundle text.
3. When a fact is stated in the bundle, set sourceTier to "user_evidence" and quote the supporting text in evidence.
4. When a fact goes beyond what the text states, set sourceTier to "hypothesis"; evidence is optional.
5. Keep statements short. Do not add commentary.
6. scopeType is "project" or "item". Set itemId only when the fact clearly concerns one catalog item.
7. category must be one of: ` + strings.Join(Categories, ", ") + `.
8. key is optional. Use it only for a clear, reusable field name (for example "budget_cap"), never invent one per fact.
9. When the fact sets a single field, give value and valueType ("string", "number", "boolean", "date", "note").
10. confidence is between 0 and 1. importance is an integer from 1 to 5.
11. Each evidence entry has quote (copied verbatim), start and end character offsets within the TURN BUNDLE text (use 0 when unknown), sourceSection (for example "USER_ANSWERS", "FREE_CHAT", "AGENT_OUTPUT") and sourceKind ("user", "doc" or "agentOutput").

Do not re-extract facts already listed under Accepted Facts.

Respond with a JSON object only:
{"facts": [{"text": "...", "category": "...", "importance": 3, "sourceTier": "user_evidence", "confidence": 0.9, "scopeType": "project", "itemId": null, "key": null, "valueType": null, "value": null, "evidence": [{"quote": "...", "start": 0, "end": 0, "sourceSection": "FREE_CHAT", "sourceKind": "user"}]}]}`

// SnapshotItem is a catalog entry shown to the model.
type SnapshotItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SnapshotFact is an already-accepted fact shown to the model for context.
type SnapshotFact struct {
	Text      string  `json:"text"`
	ScopeType string  `json:"scopeType"`
	ItemID    *string `json:"itemId"`
}

// Snapshot is the context sent with every chunk of a run.
type Snapshot struct {
	Items         []SnapshotItem
	AcceptedFacts []SnapshotFact
}

// BuildUserPrompt renders the per-chunk user message.
func BuildUserPrompt(chunkText string, snap Snapshot) (string, error) {
	items := snap.Items
	if items == nil {
		items = []SnapshotItem{}
	}
	facts := snap.AcceptedFacts
	if facts == nil {
		facts = []SnapshotFact{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding items: %w", err)
	}
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return "", fmt.Errorf("encoding accepted facts: %w", err)
	}

	return strings.Join([]string{
		"CONTEXT SNAPSHOT:",
		"Items: " + string(itemsJSON),
		"Accepted Facts: " + string(factsJSON),
		"",
		"TURN BUNDLE:",
		chunkText,
	}, "\n"), nil
}
