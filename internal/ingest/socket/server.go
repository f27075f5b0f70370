package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"framestream/internal/domain"
)

// MaxBlock caps how long a blocking LatestResults request may hold a
// worker. Clients that want to wait longer re-issue the request.
const MaxBlock = 30 * time.Second

type Engine interface {
	LatestResults(context.Context, int, time.Duration) ([]domain.StreamEntry, error)
	ResultsInRange(context.Context, uint64, uint64, int) ([]domain.StreamEntry, error)
	ResultsForSource(context.Context, uint32, int) ([]domain.StreamEntry, error)
	Ack(context.Context, string, string) (bool, error)
	Stats() []domain.StreamStats
	Health(context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit, Workers      int
	TLSConfig                                   *tls.Config
	Logger                                      *slog.Logger
}

type Server struct {
	cfg    Config
	engine Engine
	logger *slog.Logger
	ln     net.Listener
	addr   atomic.Value
	reqQ   chan queuedRequest
	closed atomic.Bool
	wg     sync.WaitGroup
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, engine: engine, logger: logger, reqQ: make(chan queuedRequest, cfg.GlobalQueueLimit)}
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.logger.Info("socket server listening", "network", s.cfg.Network, "addr", ln.Addr().String())

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.reqQ)
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() { defer s.wg.Done(); defer raw.Close(); defer close(conn.writerQ); s.readLoop(ctx, conn) }()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-conn.inflight }}
		select {
		case s.reqQ <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "server queue overloaded"})
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for req := range s.reqQ {
		res := s.handleRequest(req.ctx, req.req)
		req.release()
		s.send(req.conn, res)
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
	}
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationLatestResults:
		block := time.Duration(req.Latest.BlockMs) * time.Millisecond
		if block > MaxBlock {
			block = MaxBlock
		}
		entries, err := s.engine.LatestResults(ctx, int(req.Latest.Count), block)
		if err != nil {
			return internalErr(req, err)
		}
		res.Entries = toEntryList(entries)
	case OperationResultsRange:
		entries, err := s.engine.ResultsInRange(ctx, req.Range.StartMs, req.Range.EndMs, int(req.Range.Count))
		if err != nil {
			return internalErr(req, err)
		}
		res.Entries = toEntryList(entries)
	case OperationResultsForSource:
		entries, err := s.engine.ResultsForSource(ctx, req.BySource.SourceId, int(req.BySource.Count))
		if err != nil {
			return internalErr(req, err)
		}
		res.Entries = toEntryList(entries)
	case OperationAck:
		acked, err := s.engine.Ack(ctx, req.Ack.Stream, req.Ack.Id)
		if err != nil {
			return badReq(req, err.Error())
		}
		res.Ack = &AckResponse{Acked: acked}
	case OperationStats:
		res.Stats = toStatsResponse(s.engine.Stats())
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func internalErr(req *SocketRequest, err error) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeInternal), ErrorMessage: err.Error()}
}

func toEntryList(entries []domain.StreamEntry) *EntryList {
	out := &EntryList{}
	for _, e := range entries {
		entry := &Entry{Id: e.ID, Stream: e.Stream}
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entry.Fields = append(entry.Fields, &EntryField{Key: k, Value: e.Fields[k]})
		}
		out.Entries = append(out.Entries, entry)
	}
	return out
}

func toStatsResponse(stats []domain.StreamStats) *StatsResponse {
	out := &StatsResponse{}
	for _, st := range stats {
		msg := &StreamStatsMsg{Stream: st.Stream, EntryCount: int64(st.EntryCount), LastId: st.LastID}
		for _, g := range st.Groups {
			msg.Groups = append(msg.Groups, &GroupStatsMsg{Name: g.Name, LastDeliveredId: g.LastDeliveredID, Pending: int64(g.Pending), Lag: int64(g.Lag)})
		}
		out.Streams = append(out.Streams, msg)
	}
	return out
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
