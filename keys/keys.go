// Package keys maps logical names onto backing-store key strings.
//
// Every key lives under a configured namespace prefix. Queue scoped keys
// take the form "<prefix>.<queue>.__<kind>", global keys "<prefix>.__<kind>".
// The kind is always the final dotted segment, so two different (kind, queue)
// pairs never produce the same key as long as queue names are non-empty.
package keys

import (
	"strconv"
	"strings"
)

// Kind identifies one of the backing-store structures.
type Kind string

const (
	Queues      Kind = "queues"      // SET of known queue names
	List        Kind = "list"        // LIST of ids ready for delivery
	Index       Kind = "index"       // ZSET of ids scored by embargo ms
	Data        Kind = "data"        // HASH per item, suffixed with ":<id>"
	ID          Kind = "id"          // counter
	RequeueLock Kind = "requeueLock" // promoter lease
)

// DefaultNamespace is used when no prefix is configured.
const DefaultNamespace = "timeCapsule"

// Namer builds key names for a single namespace.
type Namer struct {
	namespace string
}

// NewNamer returns a Namer for the given namespace prefix.
func NewNamer(namespace string) Namer {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Namer{namespace: namespace}
}

// Namespace returns the configured prefix.
func (n Namer) Namespace() string {
	return n.namespace
}

// Name returns the key for kind, scoped to queue when queue is non-empty.
func (n Namer) Name(kind Kind, queue string) string {
	var b strings.Builder
	b.Grow(len(n.namespace) + len(queue) + len(kind) + 4)
	b.WriteString(n.namespace)
	b.WriteByte('.')
	if queue != "" {
		b.WriteString(queue)
		b.WriteByte('.')
	}
	b.WriteString("__")
	b.WriteString(string(kind))
	return b.String()
}

// QueuesKey is the directory set.
func (n Namer) QueuesKey() string {
	return n.Name(Queues, "")
}

// ListKey is the pending list of queue.
func (n Namer) ListKey(queue string) string {
	return n.Name(List, queue)
}

// IndexKey is the delayed index of queue.
func (n Namer) IndexKey(queue string) string {
	return n.Name(Index, queue)
}

// IDKey is the id counter of queue.
func (n Namer) IDKey(queue string) string {
	return n.Name(ID, queue)
}

// LockKey is the promotion lease of queue.
func (n Namer) LockKey(queue string) string {
	return n.Name(RequeueLock, queue)
}

// DataKey is the payload hash of a single item.
func (n Namer) DataKey(queue string, id int64) string {
	return n.Name(Data, queue) + ":" + strconv.FormatInt(id, 10)
}
