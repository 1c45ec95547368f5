package queue

import (
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/timecapsule/errors"
)

// Command verbs of the wire protocol
const (
	CommandStore = "STORE"
	CommandFetch = "FETCH"
	CommandStats = "STATS"
	CommandAck   = "ACK"
)

// Verb returns the first whitespace-delimited token of a frame
func Verb(frame string) string {
	fields := strings.Fields(frame)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ParseStore parses "STORE <queue> <date>". The date is a single token.
func ParseStore(command string) (string, time.Time, error) {
	fields := strings.Fields(command)
	if len(fields) != 3 || fields[0] != CommandStore {
		return "", time.Time{}, errors.NewInvalidStoreCommand(command)
	}

	embargo, err := ParseDate(fields[2])
	if err != nil {
		return "", time.Time{}, err
	}
	return fields[1], embargo, nil
}

// ParseFetch parses "FETCH <queue>"
func ParseFetch(command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) != 2 || fields[0] != CommandFetch {
		return "", errors.NewInvalidFetchCommand(command)
	}
	return fields[1], nil
}

// ParseStats parses "STATS [queue]"; an empty queue means every queue
func ParseStats(command string) string {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"2 Jan 06 15:04 -0700",
	"2 Jan 06 15:04 MST",
}

// ParseDate parses an embargo date. Accepted forms are RFC 3339 and ISO
// dates, the RFC 2822 family with one- or two-digit days, and integer epoch
// milliseconds. Timestamps without a zone are UTC. Instants before the epoch
// are rejected.
//
// A STORE line is split on whitespace into exactly three tokens, so only the
// forms without spaces (RFC 3339, ISO dates, epoch milliseconds) can arrive
// that way. The RFC 2822 forms serve callers holding a whole date string.
func ParseDate(token string) (time.Time, error) {
	token = strings.TrimSpace(token)

	if ms, err := strconv.ParseInt(token, 10, 64); err == nil {
		if ms < 0 {
			return time.Time{}, errors.NewInvalidDate(token)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, token)
		if err != nil {
			continue
		}
		if t.UnixMilli() < 0 {
			return time.Time{}, errors.NewInvalidDate(token)
		}
		return t.UTC(), nil
	}

	return time.Time{}, errors.NewInvalidDate(token)
}
