package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
	mllpReadTimeout    = 30 * time.Second
	mllpWriteTimeout   = 10 * time.Second
)

// Acknowledgment codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// MessageHandler is called for each received HL7v2 message and returns
// the acknowledgment to send back, or nil to send none. ctx is cancelled
// when the server stops.
type MessageHandler func(ctx context.Context, msg *Message) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP.
type MLLPServer struct {
	addr        string
	handler     MessageHandler
	logger      zerolog.Logger
	readTimeout time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// MLLPOption configures an MLLPServer.
type MLLPOption func(*MLLPServer)

// WithLogger sets the logger for connection and parse errors.
func WithLogger(logger zerolog.Logger) MLLPOption {
	return func(s *MLLPServer) { s.logger = logger }
}

// WithReadTimeout sets how long an idle connection is kept open.
func WithReadTimeout(d time.Duration) MLLPOption {
	return func(s *MLLPServer) { s.readTimeout = d }
}

// NewMLLPServer creates a server that dispatches parsed messages on addr
// to handler.
func NewMLLPServer(addr string, handler MessageHandler, opts ...MLLPOption) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MLLPServer{
		addr:        addr,
		handler:     handler,
		logger:      zerolog.Nop(),
		readTimeout: mllpReadTimeout,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening. The accept loop runs in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Serve starts the server and blocks until ctx is done, then stops it.
func (s *MLLPServer) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.logger.Info().Str("addr", s.Addr()).Msg("MLLP listener started")
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and every open connection, then waits for all
// handlers to return. It is safe to call more than once.
func (s *MLLPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			err = s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound address, which differs from the configured one
// when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("mllp accept failed")
			}
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads frames until the peer disconnects, the connection
// idles past the read timeout with no partial frame buffered, or the server
// stops. Messages on one connection are handled in order.
func (s *MLLPServer) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for s.ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("mllp message exceeds max size, closing connection")
				return
			}
			for {
				raw, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(conn, raw, log)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

// processMessage answers unparsable input with an AR acknowledgment so the
// sender does not wait for a reply that never comes.
func (s *MLLPServer) processMessage(conn net.Conn, raw []byte, log zerolog.Logger) {
	var resp *Message
	msg, err := Parse(raw)
	if err != nil {
		log.Warn().Err(err).Msg("mllp parse failed")
		resp = GenerateACK(headerOnly(raw), AckReject, err.Error())
	} else {
		resp = s.handler(s.ctx, msg)
	}
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		log.Error().Err(err).Msg("mllp write failed")
	}
}

// headerOnly recovers what it can of MSH from a message Parse rejected, so
// the rejection still references the sender and control ID.
func headerOnly(raw []byte) *Message {
	line := string(raw)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	if !strings.HasPrefix(line, "MSH") || len(line) < 4 {
		return &Message{}
	}
	enc, err := readEncoding(line)
	if err != nil {
		return &Message{}
	}
	seg, err := parseSegment(line, enc)
	if err != nil {
		return &Message{}
	}
	m := &Message{Encoding: enc, Segments: []Segment{seg}}
	m.readHeader()
	return m
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data. It
// returns the payload, the bytes after the frame, and whether a frame was
// found. Bytes before the start block are discarded.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}
	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx += startIdx + 1
	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// GenerateACK builds the acknowledgment for incoming. The sender and
// receiver are swapped and MSA-2 references the original control ID.
// A non-empty text is escaped into MSA-3.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	trigger := incoming.TriggerEvent()
	version := incoming.Version
	if version == "" {
		version = "2.5"
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")

	ack := &Message{
		Type:         "ACK^" + trigger + "^ACK",
		ControlID:    controlID,
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Encoding:     DefaultEncoding,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			plainField("|"),
			plainField(DefaultEncoding.Characters()),
			plainField(ack.SendingApp),
			plainField(ack.SendingFac),
			plainField(ack.ReceivingApp),
			plainField(ack.ReceivingFac),
			plainField(timestamp),
			plainField(""),
			{Value: ack.Type, Components: []string{"ACK", trigger, "ACK"}},
			plainField(controlID),
			plainField("P"),
			plainField(version),
		},
	}

	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			plainField(ackCode),
			plainField(incoming.ControlID),
		},
	}
	if text != "" {
		msa.Fields = append(msa.Fields, plainField(DefaultEncoding.EscapeText(text)))
	}

	ack.Segments = []Segment{msh, msa}
	return ack
}

func plainField(v string) Field {
	return Field{Value: v, Components: []string{v}}
}

// SerializeMessage renders msg as raw HL7v2 with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself, so rendering starts at MSH-2.
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}

// Exchange sends raw over a fresh MLLP connection to addr and returns the
// parsed acknowledgment.
func Exchange(ctx context.Context, addr string, raw []byte) (*Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(mllpReadTimeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(FrameMessage(raw)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 1024)
	for {
		n, err := conn.Read(readBuf)
		buf = append(buf, readBuf[:n]...)
		if payload, _, found := UnframeMessage(buf); found {
			return Parse(payload)
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read: %w", err)
		}
	}
}
