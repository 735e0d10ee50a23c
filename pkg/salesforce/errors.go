package salesforce

import (
	"strings"

	"github.com/sells-group/autopilot/internal/resilience"
)

// Salesforce error codes that will fail again on retry.
var permanentCodes = []string{
	"INVALID_FIELD",
	"INVALID_TYPE",
	"INVALID_ID_FIELD",
	"MALFORMED_ID",
	"NOT_FOUND",
	"ENTITY_IS_DELETED",
	"REQUIRED_FIELD_MISSING",
	"FIELD_CUSTOM_VALIDATION_EXCEPTION",
	"STRING_TOO_LONG",
	"DUPLICATE_VALUE",
	"INVALID_CROSS_REFERENCE_KEY",
	"JSON_PARSER_ERROR",
	"INSUFFICIENT_ACCESS",
}

// Salesforce error codes for conditions that clear on their own.
var transientCodes = []string{
	"REQUEST_LIMIT_EXCEEDED",
	"UNABLE_TO_LOCK_ROW",
	"SERVER_UNAVAILABLE",
	"QUERY_TIMEOUT",
	"API_CURRENTLY_DISABLED",
}

// classify marks err as transient or permanent from the Salesforce error
// codes in its message. Errors without a known code are left as they are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, code := range transientCodes {
		if strings.Contains(msg, code) {
			return resilience.NewTransientError(err, 0)
		}
	}
	for _, code := range permanentCodes {
		if strings.Contains(msg, code) {
			return resilience.Permanent(err)
		}
	}
	return err
}
