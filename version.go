package eventlog

import "fmt"

const (
	expectedAny          int64 = -1
	expectedNoStream     int64 = -2
	expectedStreamExists int64 = -3
)

const (
	// InitialStreamVersion can be used as an initial exact version for
	// new streams (as an argument to Exact)
	InitialStreamVersion int = 0
)

// ExpectedVersion represents the stream version a writer expects to find
// at commit time. It is checked atomically against the stored version
// by AppendStream
type ExpectedVersion struct {
	value int64
}

// Any returns an ExpectedVersion that skips the concurrency check entirely
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedAny}
}

// NoStream returns an ExpectedVersion that requires the stream to have
// no committed events yet
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedNoStream}
}

// StreamExists returns an ExpectedVersion that requires the stream to have
// at least one committed event (the exact version is not checked)
func StreamExists() ExpectedVersion {
	return ExpectedVersion{value: expectedStreamExists}
}

// Exact returns an ExpectedVersion that requires the stream to be at
// exactly the provided version (use InitialStreamVersion for new streams).
// Panics if version is negative since that is a programming error
func Exact(version int) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version cannot be negative, got %d", version))
	}

	return ExpectedVersion{value: int64(version)}
}

// IsAny reports whether the check is skipped
func (v ExpectedVersion) IsAny() bool { return v.value == expectedAny }

// IsNoStream reports whether the stream is required not to exist
func (v ExpectedVersion) IsNoStream() bool { return v.value == expectedNoStream }

// IsStreamExists reports whether the stream is required to exist
func (v ExpectedVersion) IsStreamExists() bool { return v.value == expectedStreamExists }

// IsExact reports whether an exact version is required
func (v ExpectedVersion) IsExact() bool { return v.value >= 0 }

// Value returns the exact version if IsExact, otherwise 0
func (v ExpectedVersion) Value() int {
	if v.value < 0 {
		return 0
	}

	return int(v.value)
}

// String implements fmt.Stringer
func (v ExpectedVersion) String() string {
	switch v.value {
	case expectedAny:
		return "Any"
	case expectedNoStream:
		return "NoStream"
	case expectedStreamExists:
		return "StreamExists"
	default:
		return fmt.Sprintf("Exact(%d)", v.value)
	}
}
