package queue

import (
	"fmt"
	"strconv"
	"time"
)

// Item is one stored message
type Item struct {
	ID      int64
	Queue   string
	Embargo int64 // epoch milliseconds
	Payload []byte
}

// EmbargoTime returns the embargo as a time value
func (i *Item) EmbargoTime() time.Time {
	return time.UnixMilli(i.Embargo).UTC()
}

// fields is the hash layout of a stored item
func (i *Item) fields() map[string]interface{} {
	return map[string]interface{}{
		"id":   i.ID,
		"date": i.Embargo,
		"data": i.Payload,
	}
}

// itemFromHash rebuilds an item from its hash. An empty hash means the
// entry does not exist and yields nil.
func itemFromHash(queue string, hash map[string]string) (*Item, error) {
	if len(hash) == 0 {
		return nil, nil
	}

	id, err := strconv.ParseInt(hash["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed id %q: %w", hash["id"], err)
	}
	date, err := strconv.ParseInt(hash["date"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed date %q: %w", hash["date"], err)
	}

	return &Item{
		ID:      id,
		Queue:   queue,
		Embargo: date,
		Payload: []byte(hash["data"]),
	}, nil
}
