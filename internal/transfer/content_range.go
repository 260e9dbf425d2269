package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// parseContentRange parses "bytes start-end/total". total is -1 for "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range unit: %q", header)
	}

	rangePart, totalPart, ok := strings.Cut(strings.TrimPrefix(header, "bytes "), "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: end before start", header)
	}

	if totalPart == "*" {
		return start, end, -1, nil
	}

	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, end, total, nil
}
