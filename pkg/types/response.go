// Package types holds the wire shapes shared across API handlers.
package types

// SuccessEnvelope wraps every successful storefront API response.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public face of a pkg/errors Error: the stable code,
// a customer-safe message, and optional details such as the understocked
// SKU or the rejected order action.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorEnvelope wraps every failed storefront API response.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
