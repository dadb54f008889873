package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrRetryFailed      = errors.New("request failed after all attempts") // Wraps the last underlying error
	ErrBlocked          = errors.New("blocking response")                 // 403, 429, 503
	ErrPermanentHTTP    = errors.New("non-retryable HTTP status")         // Any other non-200
	ErrTransport        = errors.New("transport error")                   // Dial, TLS, timeout, reset
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrExtraction       = errors.New("extraction error") // Page did not yield the expected structure
	ErrParsing          = errors.New("parsing error")    // Wraps specific parsing error (HTML, URL, JSON, date)
	ErrFilesystem       = errors.New("filesystem error") // Wraps os errors
	ErrDatabase         = errors.New("database error")   // Wraps badger or postgres errors
	ErrConfigValidation = errors.New("configuration validation error")
	ErrExport           = errors.New("export error")
)

// WrapErrorf wraps a sentinel with a formatted message, keeping it matchable via errors.Is.
func WrapErrorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		switch {
		case errors.Is(err, ErrBlocked):
			return "RetryFailed_Blocked"
		case errors.Is(err, ErrTransport):
			if isTimeout(err) {
				return "RetryFailed_NetworkTimeout"
			}
			return "RetryFailed_Transport"
		}
		return "RetryFailed_Unknown"
	case errors.Is(err, ErrBlocked):
		msg := err.Error()
		for _, code := range []string{"403", "429", "503"} {
			if strings.Contains(msg, " "+code) {
				return "HTTP_" + code
			}
		}
		return "HTTP_Blocked"
	case errors.Is(err, ErrPermanentHTTP):
		msg := err.Error()
		if strings.Contains(msg, " 404") {
			return "HTTP_404"
		}
		if strings.Contains(msg, " 5") {
			return "HTTP_5xx"
		}
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrTransport):
		if isTimeout(err) {
			return "Network_Timeout"
		}
		return "Network_Transport"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrExtraction):
		return "Content_Extraction"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrExport):
		return "Export_Failed"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}
	if isTimeout(err) {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
