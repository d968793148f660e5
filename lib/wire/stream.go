package wire

// Stream messages travel inside cells between the originator and the exit.

// Stream open status codes.
const (
	StreamOK uint8 = iota
	StreamRefused
	StreamUnreachable
	StreamExitDisabled
)

// Stream close reasons.
const (
	StreamClosedNormally uint8 = iota
	StreamClosedError
	StreamClosedCircuitLost
)

// StreamOpen asks the exit to connect to Host:Port.
type StreamOpen struct {
	StreamID uint32
	Host     string
	Port     uint16
}

func (*StreamOpen) Kind() Kind { return KindStreamOpen }

func (m *StreamOpen) encodePayload(w *Writer) {
	w.Uint32(m.StreamID)
	w.VarLenH([]byte(m.Host))
	w.Uint16(m.Port)
}

func decodeStreamOpen(r *Reader) *StreamOpen {
	return &StreamOpen{
		StreamID: r.Uint32("stream id"),
		Host:     string(r.VarLenH("host")),
		Port:     r.Uint16("port"),
	}
}

// StreamOpened reports the outcome of a StreamOpen.
type StreamOpened struct {
	StreamID uint32
	Status   uint8
}

func (*StreamOpened) Kind() Kind { return KindStreamOpened }

func (m *StreamOpened) encodePayload(w *Writer) {
	w.Uint32(m.StreamID)
	w.Uint8(m.Status)
}

func decodeStreamOpened(r *Reader) *StreamOpened {
	return &StreamOpened{StreamID: r.Uint32("stream id"), Status: r.Uint8("status")}
}

// StreamData carries one sequenced chunk of stream bytes.
type StreamData struct {
	StreamID uint32
	Seq      uint32
	Data     []byte
}

func (*StreamData) Kind() Kind { return KindStreamData }

func (m *StreamData) encodePayload(w *Writer) {
	w.Uint32(m.StreamID)
	w.Uint32(m.Seq)
	w.VarLenH(m.Data)
}

func decodeStreamData(r *Reader) *StreamData {
	return &StreamData{
		StreamID: r.Uint32("stream id"),
		Seq:      r.Uint32("sequence"),
		Data:     r.VarLenH("data"),
	}
}

// StreamAck acknowledges every chunk below Next.
type StreamAck struct {
	StreamID uint32
	Next     uint32
}

func (*StreamAck) Kind() Kind { return KindStreamAck }

func (m *StreamAck) encodePayload(w *Writer) {
	w.Uint32(m.StreamID)
	w.Uint32(m.Next)
}

func decodeStreamAck(r *Reader) *StreamAck {
	return &StreamAck{StreamID: r.Uint32("stream id"), Next: r.Uint32("next sequence")}
}

// StreamClose ends a stream in both directions.
type StreamClose struct {
	StreamID uint32
	Reason   uint8
}

func (*StreamClose) Kind() Kind { return KindStreamClose }

func (m *StreamClose) encodePayload(w *Writer) {
	w.Uint32(m.StreamID)
	w.Uint8(m.Reason)
}

func decodeStreamClose(r *Reader) *StreamClose {
	return &StreamClose{StreamID: r.Uint32("stream id"), Reason: r.Uint8("reason")}
}
