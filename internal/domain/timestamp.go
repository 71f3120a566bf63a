package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is milliseconds since the Unix epoch. Every stream is normalized
// to this unit when decoded.
type Timestamp int64

// Timestamped is implemented by every sample kept in a time series.
type Timestamped interface {
	At() Timestamp
}

// Bounds for open-ended windows.
const (
	MinTimestamp Timestamp = math.MinInt64
	MaxTimestamp Timestamp = math.MaxInt64
)

// TimestampOf converts a wall clock time.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts back to a UTC wall clock time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Add shifts the timestamp by d, truncated to milliseconds.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d.Milliseconds())
}

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t-u) * time.Millisecond
}

// UnmarshalJSON accepts epoch milliseconds or an RFC 3339 string. Producers
// disagree on the encoding of receive times, so both are normalized here.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("timestamp: empty value")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = Timestamp(ms)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: invalid time %q: %w", s, err)
		}
		*t = TimestampOf(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil {
			return fmt.Errorf("timestamp: invalid number %s", b)
		}
		ms = int64(f)
	}
	*t = Timestamp(ms)
	return nil
}
