package codec

import "fmt"

// FaultError reports a SOAP Fault found in a response.
type FaultError struct {
	Code    string
	Message string
	Detail  string
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("SOAP Fault: %s", e.Detail)
	}
	return fmt.Sprintf("SOAP Fault %s: %s", e.Code, e.Message)
}
