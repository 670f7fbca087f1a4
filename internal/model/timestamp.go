package model

import (
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision, independent of
// any time zone.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Now returns the current wall-clock time.
func Now() Timestamp { return TimestampFromTime(time.Now()) }

// Time converts back to a UTC time.Time.
func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, int64(t.Nanos)).UTC() }

func (t Timestamp) IsZero() bool { return t.Seconds == 0 && t.Nanos == 0 }

func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seconds < other.Seconds:
		return -1
	case t.Seconds > other.Seconds:
		return 1
	case t.Nanos < other.Nanos:
		return -1
	case t.Nanos > other.Nanos:
		return 1
	}
	return 0
}

func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }
func (t Timestamp) After(other Timestamp) bool  { return t.Compare(other) > 0 }

// Micros returns the timestamp truncated to microseconds since the epoch.
func (t Timestamp) Micros() int64 { return t.Seconds*1_000_000 + int64(t.Nanos)/1_000 }

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// RFC3339 renders the timestamp for the wire.
func (t Timestamp) RFC3339() string { return t.Time().Format(time.RFC3339Nano) }

// ParseTimestamp parses an RFC 3339 timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	tm, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return TimestampFromTime(tm), nil
}

// SnapshotVersion is the server commit time a document or snapshot
// reflects. The zero value is the minimum version.
type SnapshotVersion struct {
	Timestamp Timestamp
}

// MinVersion precedes every real version.
var MinVersion = SnapshotVersion{}

// MaxVersion follows every real version.
var MaxVersion = SnapshotVersion{Timestamp: Timestamp{Seconds: 253402300799, Nanos: 999999999}}

// NewSnapshotVersion wraps a timestamp.
func NewSnapshotVersion(ts Timestamp) SnapshotVersion { return SnapshotVersion{Timestamp: ts} }

func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.Timestamp.Compare(other.Timestamp)
}
func (v SnapshotVersion) Equal(other SnapshotVersion) bool  { return v.Compare(other) == 0 }
func (v SnapshotVersion) IsMin() bool                       { return v.Timestamp.IsZero() }
func (v SnapshotVersion) Before(other SnapshotVersion) bool { return v.Compare(other) < 0 }
func (v SnapshotVersion) After(other SnapshotVersion) bool  { return v.Compare(other) > 0 }
func (v SnapshotVersion) String() string                    { return "SnapshotVersion(" + v.Timestamp.String() + ")" }

// TargetID identifies a listen target. Ids allocated by the local cache are
// even; ids for limbo resolution are odd.
type TargetID int32

// BatchID identifies a mutation batch; ids increase monotonically.
type BatchID int32

// UnknownBatchID marks an absent batch.
const UnknownBatchID BatchID = -1

// ListenSequenceNumber orders target and document activity for garbage
// collection.
type ListenSequenceNumber int64

// InvalidSequenceNumber marks an absent sequence number.
const InvalidSequenceNumber ListenSequenceNumber = -1
