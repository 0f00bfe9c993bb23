package domain

import (
	"time"
)

// SessionStatus describes the lifecycle state of a roleplay session record.
type SessionStatus string

// Session statuses.
const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
)

// RoleplaySession identifies an active or ended practice session.
type RoleplaySession struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	ScenarioID  string        `json:"scenario_id"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// IsActive returns true if the session still accepts messages.
func (s *RoleplaySession) IsActive() bool {
	return s.Status == StatusActive
}

// SessionEvaluation is the AI-produced assessment returned when a session ends.
type SessionEvaluation struct {
	OverallScore        float64            `json:"overall_score"`
	CompetencyScores    map[string]float64 `json:"competency_scores"`
	Strengths           []string           `json:"strengths"`
	AreasForImprovement []string           `json:"areas_for_improvement"`
	DetailedFeedback    string             `json:"detailed_feedback"`
	Recommendations     []string           `json:"recommendations"`
}
