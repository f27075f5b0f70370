package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameEvent describes one frame produced by the upstream pipeline and
// eligible for analysis. It is consumed at most once by the dispatch worker.
type FrameEvent struct {
	SequenceNumber uint64
	SourceID       uint32
	Timestamp      uint64
	Width          uint32
	Height         uint32
	Format         string
}

// AnalysisResult is the outcome of one analysis call, owned by the stream
// log once appended.
type AnalysisResult struct {
	SequenceNumber  uint64
	SourceID        uint32
	ResponsePayload string
	ModelVersion    string
	ProducedAt      uint64
}

// StreamEntry is one immutable record in a named stream.
type StreamEntry struct {
	ID     string
	Stream string
	Fields map[string]string
}

// EntryID is the parsed form of a stream entry ID ("<unix_millis>-<seq>").
// The zero value sorts before every real ID and doubles as the
// beginning-of-log cursor.
type EntryID struct {
	Ms  uint64
	Seq uint64
}

func (id EntryID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

func (id EntryID) IsZero() bool { return id.Ms == 0 && id.Seq == 0 }

// Compare orders IDs by millisecond, then sequence.
func (id EntryID) Compare(other EntryID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func (id EntryID) Less(other EntryID) bool { return id.Compare(other) < 0 }

// ParseEntryID parses "<millis>-<seq>". A bare "<millis>" is accepted with
// sequence 0, matching how external readers derive range bounds from
// coarse timestamps.
func ParseEntryID(raw string) (EntryID, error) {
	ms, seq, ok := strings.Cut(raw, "-")
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("parse entry id %q: %w", raw, err)
	}
	if !ok {
		return EntryID{Ms: msv}, nil
	}
	seqv, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return EntryID{}, fmt.Errorf("parse entry id %q: %w", raw, err)
	}
	return EntryID{Ms: msv, Seq: seqv}, nil
}

// GroupStats reports a consumer group's position over one stream.
type GroupStats struct {
	Name            string
	LastDeliveredID string
	Pending         int
	Lag             int64
}

// StreamStats reports one stream's size and per-group lag.
type StreamStats struct {
	Stream     string
	EntryCount int64
	LastID     string
	Groups     []GroupStats
}
