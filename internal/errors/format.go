package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	ie, ok := asIndexError(err)
	if !ok {
		ie = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", ie.Message))

	var oe *OperationError
	if stderrors.As(err, &oe) {
		sb.WriteString(fmt.Sprintf("  Index: %s (%s)\n", oe.Index, oe.Op))
	}
	if ie.Cause != nil && ie.Cause.Error() != ie.Message {
		sb.WriteString(fmt.Sprintf("  Cause: %v\n", ie.Cause))
	}
	if ie.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", ie.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", ie.Code))

	return sb.String()
}

// LogAttrs returns slog attributes describing err.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	ie, ok := asIndexError(err)
	if !ok {
		return []any{slog.String("error", err.Error())}
	}

	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("error_code", ie.Code),
		slog.String("category", string(ie.Category)),
		slog.String("severity", string(ie.Severity)),
		slog.Bool("retryable", ie.Retryable),
	}
	for k, v := range ie.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
