// Package pepipost implements a Provider that sends emails through the
// Pepipost (Netcore Email API) v5.1 mail/send endpoint.
package pepipost

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// recipient is an entry of a personalization's to/cc/bcc list, and the
// shape of the top-level from field.
type recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// content is a single body part.
type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// attachment is a base64-encoded file.
type attachment struct {
	Content string `json:"content"`
	Name    string `json:"name"`
}

// sendResponse is the envelope Pepipost wraps every reply in. data is an
// object on success and an empty array on failure.
type sendResponse struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Error   []apiErrorItem  `json:"error"`
}

type apiErrorItem struct {
	Message     string `json:"message"`
	Field       string `json:"field"`
	Description string `json:"description"`
}

type sendData struct {
	MessageID string `json:"message_id"`
}

// APIError is returned when the endpoint answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Pepipost API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Permanent reports whether resending the same payload cannot succeed.
// Rate limiting and server errors are temporary; other 4xx are not.
func (e *APIError) Permanent() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return false
	}
	return e.StatusCode >= 400
}

// newAPIError extracts the most specific message available from body.
func newAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    http.StatusText(statusCode),
		Body:       body,
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if len(body) > 0 {
			apiErr.Message = string(body)
		}
		return apiErr
	}

	switch {
	case len(resp.Error) > 0 && resp.Error[0].Message != "":
		apiErr.Message = resp.Error[0].Message
		if resp.Error[0].Field != "" {
			apiErr.Message += " (field: " + resp.Error[0].Field + ")"
		}
	case resp.Message != "":
		apiErr.Message = resp.Message
	}
	return apiErr
}
