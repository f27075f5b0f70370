package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown          Operation = 0
	OperationPing             Operation = 1
	OperationHealth           Operation = 2
	OperationLatestResults    Operation = 3
	OperationResultsRange     Operation = 4
	OperationResultsForSource Operation = 5
	OperationAck              Operation = 6
	OperationStats            Operation = 7
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
	ErrorCodeInternal        ErrorCode = 4
)

type SocketRequest struct {
	RequestId string              `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string              `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32               `protobuf:"varint,3,opt,name=operation,proto3"`
	Latest    *LatestResultsQuery `protobuf:"bytes,4,opt,name=latest,proto3"`
	Range     *RangeQuery         `protobuf:"bytes,5,opt,name=range,proto3"`
	BySource  *SourceQuery        `protobuf:"bytes,6,opt,name=by_source,json=bySource,proto3"`
	Ack       *AckRequest         `protobuf:"bytes,7,opt,name=ack,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type LatestResultsQuery struct {
	Count   int32 `protobuf:"varint,1,opt,name=count,proto3"`
	BlockMs int64 `protobuf:"varint,2,opt,name=block_ms,json=blockMs,proto3"`
}

func (*LatestResultsQuery) Reset()         {}
func (*LatestResultsQuery) String() string { return "LatestResultsQuery" }
func (*LatestResultsQuery) ProtoMessage()  {}

type RangeQuery struct {
	StartMs uint64 `protobuf:"varint,1,opt,name=start_ms,json=startMs,proto3"`
	EndMs   uint64 `protobuf:"varint,2,opt,name=end_ms,json=endMs,proto3"`
	Count   int32  `protobuf:"varint,3,opt,name=count,proto3"`
}

func (*RangeQuery) Reset()         {}
func (*RangeQuery) String() string { return "RangeQuery" }
func (*RangeQuery) ProtoMessage()  {}

type SourceQuery struct {
	SourceId uint32 `protobuf:"varint,1,opt,name=source_id,json=sourceId,proto3"`
	Count    int32  `protobuf:"varint,2,opt,name=count,proto3"`
}

func (*SourceQuery) Reset()         {}
func (*SourceQuery) String() string { return "SourceQuery" }
func (*SourceQuery) ProtoMessage()  {}

type AckRequest struct {
	Stream string `protobuf:"bytes,1,opt,name=stream,proto3"`
	Id     string `protobuf:"bytes,2,opt,name=id,proto3"`
}

func (*AckRequest) Reset()         {}
func (*AckRequest) String() string { return "AckRequest" }
func (*AckRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,5,opt,name=health,proto3"`
	Entries      *EntryList      `protobuf:"bytes,6,opt,name=entries,proto3"`
	Ack          *AckResponse    `protobuf:"bytes,7,opt,name=ack,proto3"`
	Stats        *StatsResponse  `protobuf:"bytes,8,opt,name=stats,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

type EntryField struct {
	Key   string `protobuf:"bytes,1,opt,name=key,proto3"`
	Value string `protobuf:"bytes,2,opt,name=value,proto3"`
}

func (*EntryField) Reset()         {}
func (*EntryField) String() string { return "EntryField" }
func (*EntryField) ProtoMessage()  {}

type Entry struct {
	Id     string        `protobuf:"bytes,1,opt,name=id,proto3"`
	Stream string        `protobuf:"bytes,2,opt,name=stream,proto3"`
	Fields []*EntryField `protobuf:"bytes,3,rep,name=fields,proto3"`
}

func (*Entry) Reset()         {}
func (*Entry) String() string { return "Entry" }
func (*Entry) ProtoMessage()  {}

type EntryList struct {
	Entries []*Entry `protobuf:"bytes,1,rep,name=entries,proto3"`
}

func (*EntryList) Reset()         {}
func (*EntryList) String() string { return "EntryList" }
func (*EntryList) ProtoMessage()  {}

type AckResponse struct {
	Acked bool `protobuf:"varint,1,opt,name=acked,proto3"`
}

func (*AckResponse) Reset()         {}
func (*AckResponse) String() string { return "AckResponse" }
func (*AckResponse) ProtoMessage()  {}

type GroupStatsMsg struct {
	Name            string `protobuf:"bytes,1,opt,name=name,proto3"`
	LastDeliveredId string `protobuf:"bytes,2,opt,name=last_delivered_id,json=lastDeliveredId,proto3"`
	Pending         int64  `protobuf:"varint,3,opt,name=pending,proto3"`
	Lag             int64  `protobuf:"varint,4,opt,name=lag,proto3"`
}

func (*GroupStatsMsg) Reset()         {}
func (*GroupStatsMsg) String() string { return "GroupStatsMsg" }
func (*GroupStatsMsg) ProtoMessage()  {}

type StreamStatsMsg struct {
	Stream     string           `protobuf:"bytes,1,opt,name=stream,proto3"`
	EntryCount int64            `protobuf:"varint,2,opt,name=entry_count,json=entryCount,proto3"`
	LastId     string           `protobuf:"bytes,3,opt,name=last_id,json=lastId,proto3"`
	Groups     []*GroupStatsMsg `protobuf:"bytes,4,rep,name=groups,proto3"`
}

func (*StreamStatsMsg) Reset()         {}
func (*StreamStatsMsg) String() string { return "StreamStatsMsg" }
func (*StreamStatsMsg) ProtoMessage()  {}

type StatsResponse struct {
	Streams []*StreamStatsMsg `protobuf:"bytes,1,rep,name=streams,proto3"`
}

func (*StatsResponse) Reset()         {}
func (*StatsResponse) String() string { return "StatsResponse" }
func (*StatsResponse) ProtoMessage()  {}

func MarshalMessage(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	req := &SocketRequest{}
	if err := proto.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	res := &SocketResponse{}
	if err := proto.Unmarshal(payload, res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}

func ValidateRequest(req *SocketRequest) error {
	switch Operation(req.Operation) {
	case OperationPing, OperationHealth, OperationStats:
		return nil
	case OperationLatestResults:
		if req.Latest == nil {
			return fmt.Errorf("latest query required")
		}
		if req.Latest.Count < 0 || req.Latest.BlockMs < 0 {
			return fmt.Errorf("latest query count and block_ms must be non-negative")
		}
		return nil
	case OperationResultsRange:
		if req.Range == nil {
			return fmt.Errorf("range query required")
		}
		if req.Range.EndMs < req.Range.StartMs {
			return fmt.Errorf("range end_ms before start_ms")
		}
		return nil
	case OperationResultsForSource:
		if req.BySource == nil {
			return fmt.Errorf("by_source query required")
		}
		return nil
	case OperationAck:
		if req.Ack == nil || req.Ack.Stream == "" || req.Ack.Id == "" {
			return fmt.Errorf("ack stream and id required")
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %d", req.Operation)
	}
}
