package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

// Classify maps a fetch error or HTTP status to an outcome. Soft
// failures are transient and worth retrying: timeouts, connection
// problems, throttling, server errors. Hard failures will not improve
// with retries: client errors and requests the fetcher refuses outright.
func Classify(err error, statusCode int) (fleet.Outcome, string) {
	if err != nil {
		switch {
		case fleet.IsValidation(err):
			return fleet.OutcomeHardFailure, err.Error()
		case errors.Is(err, context.DeadlineExceeded):
			return fleet.OutcomeSoftFailure, "fetch timeout"
		case isNetTimeout(err):
			return fleet.OutcomeSoftFailure, "network timeout: " + err.Error()
		default:
			return fleet.OutcomeSoftFailure, err.Error()
		}
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fleet.OutcomeSoftFailure, "throttled (429)"
	case statusCode >= 500:
		return fleet.OutcomeSoftFailure, fmt.Sprintf("server error (%d)", statusCode)
	case statusCode >= 400:
		return fleet.OutcomeHardFailure, fmt.Sprintf("client error (%d)", statusCode)
	default:
		return fleet.OutcomeSuccess, ""
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
