package socket

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	in := []byte("hello")
	var b bytes.Buffer
	if err := WriteFrame(&b, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadFrame(bufio.NewReader(&b))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(in) {
		t.Fatalf("got %q", out)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	tooBig := make([]byte, MaxFrameSize+1)
	var b bytes.Buffer
	if err := WriteFrame(&b, tooBig); err == nil {
		t.Fatal("expected error")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	req := &SocketRequest{RequestId: "1", Operation: int32(OperationLatestResults), Latest: &LatestResultsQuery{Count: 5, BlockMs: 100}}
	payload, err := MarshalMessage(req)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalRequest(payload)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestId != "1" || Operation(decoded.Operation) != OperationLatestResults {
		t.Fatalf("bad decode: %+v", decoded)
	}
	if decoded.Latest == nil || decoded.Latest.Count != 5 || decoded.Latest.BlockMs != 100 {
		t.Fatalf("bad query: %+v", decoded.Latest)
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name string
		req  *SocketRequest
		ok   bool
	}{
		{"ping", &SocketRequest{Operation: int32(OperationPing)}, true},
		{"latest without query", &SocketRequest{Operation: int32(OperationLatestResults)}, false},
		{"latest negative count", &SocketRequest{Operation: int32(OperationLatestResults), Latest: &LatestResultsQuery{Count: -1}}, false},
		{"range inverted", &SocketRequest{Operation: int32(OperationResultsRange), Range: &RangeQuery{StartMs: 10, EndMs: 5}}, false},
		{"ack without id", &SocketRequest{Operation: int32(OperationAck), Ack: &AckRequest{Stream: "analysis-results"}}, false},
		{"ack complete", &SocketRequest{Operation: int32(OperationAck), Ack: &AckRequest{Stream: "analysis-results", Id: "1-0"}}, true},
		{"unknown op", &SocketRequest{Operation: 99}, false},
	}
	for _, tc := range cases {
		err := ValidateRequest(tc.req)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
