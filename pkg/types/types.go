// Package types holds the wire-level payloads of the chatd HTTP API.
package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: live updates unavailable
	Error string `json:"error" example:"live updates unavailable"`
	// HTTP status code.
	// example: 503
	Code int `json:"code" example:"503"`
}
