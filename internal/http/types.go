package http

// TurnRequest is the body of POST /api/v1/sessions/:id/turns.
type TurnRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

// ProfileRequest is the body of PUT /api/v1/users/:id/profile. Fields are
// merged into the stored profile and a null value removes a field.
type ProfileRequest struct {
	Fields map[string]any `json:"fields"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Tiers  map[string]string `json:"tiers"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Message string `json:"message"`
}
