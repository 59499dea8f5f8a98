package domain

import "time"

// NoBatchID is the batch id a source returns when it has nothing to deliver.
const NoBatchID int64 = -1

// EventType is the kind of a change event.
type EventType string

const (
	EventInsert           EventType = "INSERT"
	EventUpdate           EventType = "UPDATE"
	EventDelete           EventType = "DELETE"
	EventDDL              EventType = "DDL"
	EventTransactionBegin EventType = "TRANSACTIONBEGIN"
	EventTransactionEnd   EventType = "TRANSACTIONEND"
)

// IsTransaction reports whether the event only marks a transaction boundary.
func (t EventType) IsTransaction() bool {
	return t == EventTransactionBegin || t == EventTransactionEnd
}

// Entry is one decoded change event.
type Entry struct {
	Schema      string            `json:"schema"`
	Table       string            `json:"table"`
	Type        EventType         `json:"type"`
	ExecuteTime time.Time         `json:"execute_time"`
	PrimaryKeys []string          `json:"primary_keys,omitempty"`
	Columns     map[string]string `json:"columns,omitempty"`
}

// FullName is the schema qualified table name.
func (e Entry) FullName() string {
	return e.Schema + "." + e.Table
}

// Batch is a unit of change events fetched from the source.
type Batch struct {
	ID         int64    `json:"id"`
	Raw        bool     `json:"raw"`
	Entries    []Entry  `json:"entries,omitempty"`
	RawEntries [][]byte `json:"-"`
}

// Size is the number of records in the representation the batch carries.
func (b *Batch) Size() int {
	if b == nil {
		return 0
	}
	if b.Raw {
		return len(b.RawEntries)
	}
	return len(b.Entries)
}

// Empty reports whether the batch holds nothing to forward.
func (b *Batch) Empty() bool {
	return b == nil || b.ID == NoBatchID || b.Size() == 0
}

// FlatMessage is the flattened JSON form of an entry written to the queue.
type FlatMessage struct {
	SchemaName string            `json:"schema_name"`
	TableName  string            `json:"table_name"`
	Timestamp  int64             `json:"timestamp"`
	Operation  string            `json:"operation"`
	Data       map[string]string `json:"data"`
}

// NewFlatMessage flattens an entry.
func NewFlatMessage(e Entry) FlatMessage {
	return FlatMessage{
		SchemaName: e.Schema,
		TableName:  e.Table,
		Timestamp:  e.ExecuteTime.UnixMilli(),
		Operation:  string(e.Type),
		Data:       e.Columns,
	}
}
