package domain

// Scenario describes a roleplay practice scenario as served by the Pelajari API.
type Scenario struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Difficulty         string          `json:"difficulty"`
	EstimatedDuration  int             `json:"estimated_duration"`
	TargetCompetencies []string        `json:"target_competencies"`
	Tags               []string        `json:"tags"`
	Detail             *ScenarioDetail `json:"scenario,omitempty"`
}

// ScenarioDetail carries the narrative setup for a scenario.
type ScenarioDetail struct {
	Context         string   `json:"context"`
	Setting         string   `json:"setting"`
	YourRole        string   `json:"your_role"`
	AIRole          string   `json:"ai_role"`
	Objectives      []string `json:"objectives"`
	SuccessCriteria []string `json:"success_criteria"`
}
