package queue

import (
	"strings"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// Priority orders requests across classes. Higher values dequeue first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical

	numClasses = 4
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority reads an X-Priority header value. The empty string is
// MEDIUM.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return Medium, nil
	case "CRITICAL":
		return Critical, nil
	case "HIGH":
		return High, nil
	case "MEDIUM":
		return Medium, nil
	case "LOW":
		return Low, nil
	default:
		return Medium, errx.Newf(errx.KindInvalidArgument, "invalid priority %q", s)
	}
}
