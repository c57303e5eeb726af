package session

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4096

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// StatusError is returned for transport failures and non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Method     string
	URL        string
	Body       string
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error: %v", e.Method, e.URL, e.Class, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %s error (status %d): %s", e.Method, e.URL, e.Class, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: %s error (status %d)", e.Method, e.URL, e.Class, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StatusError) Unwrap() error {
	return e.Err
}

// Classify categorizes an HTTP status code.
func Classify(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// checkStatus converts non-2xx responses into *StatusError, draining and
// closing their bodies.
func checkStatus(req *http.Request, resp *http.Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return NewResponse(resp), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	class := Classify(resp.StatusCode)
	if class == "" {
		class = ErrorClassClient
	}
	return nil, &StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Method:     req.Method,
		URL:        req.URL.String(),
		Body:       strings.TrimSpace(string(body)),
		Class:      class,
	}
}
