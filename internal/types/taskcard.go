package types

import "time"

// =============================================================================
// TASK CARDS
// =============================================================================

// CardStatus is the lifecycle state of a generated task card. Cards move
// generated → viewed → approved → completed; dismissed is reachable from
// any non-terminal state, and completed/dismissed are terminal.
type CardStatus string

const (
	CardGenerated CardStatus = "generated"
	CardViewed    CardStatus = "viewed"
	CardApproved  CardStatus = "approved"
	CardCompleted CardStatus = "completed"
	CardDismissed CardStatus = "dismissed"
)

// AllCardStatuses lists the card lifecycle states.
var AllCardStatuses = []CardStatus{
	CardGenerated, CardViewed, CardApproved, CardCompleted, CardDismissed,
}

// TaskCard is one unit of proposed work emitted by a telemetry analyzer.
// Dependencies name prerequisite card ids; a card is only actionable once
// every prerequisite has completed.
type TaskCard struct {
	ID           string     `json:"id"`
	Analyzer     string     `json:"analyzer"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Confidence   float64    `json:"confidence"`
	Status       CardStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
}

// Terminal reports whether the card can transition no further.
func (c *TaskCard) Terminal() bool {
	return c.Status == CardCompleted || c.Status == CardDismissed
}

// FunnelMetrics summarizes how one window's cohort of generated cards
// moved through the lifecycle. Rates are fractions of the cohort, so a
// card generated before the window does not count here even if it was
// approved inside it.
type FunnelMetrics struct {
	Window    time.Duration `json:"window"`
	Generated int           `json:"generated"`
	Viewed    int           `json:"viewed"`
	Approved  int           `json:"approved"`
	Completed int           `json:"completed"`
	Dismissed int           `json:"dismissed"`

	// Health weighs the stage conversions 0.3 view + 0.3 approve +
	// 0.4 complete. Zero when the cohort is empty.
	Health float64 `json:"health"`
}
