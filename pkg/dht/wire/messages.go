package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeMessage encodes a complete frame (header + payload), prefixed
// with an unsigned-varint total length, to binary.
func EncodeMessage(msg *Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to encode payload: %w", err)
	}

	header := encodeHeader(newHeader(msg.Type, FlagNone))
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	out := new(bytes.Buffer)
	if err := writeUvarint(out, uint64(len(frame))); err != nil {
		return nil, err
	}
	out.Write(frame)
	return out.Bytes(), nil
}

// DecodeMessage decodes a complete varint-length-prefixed frame from
// binary, returning the frame's length in bytes consumed.
func DecodeMessage(data []byte) (*Message, int, error) {
	r := bytes.NewReader(data)
	frameLen, err := readUvarint(r)
	if err != nil {
		return nil, 0, err
	}
	if frameLen > MaxMessageSize {
		return nil, 0, fmt.Errorf("wire: frame too large: %d bytes (max %d)", frameLen, MaxMessageSize)
	}
	prefixLen := len(data) - r.Len()

	if uint64(r.Len()) < frameLen {
		return nil, 0, fmt.Errorf("wire: incomplete frame: got %d bytes, need %d", r.Len(), frameLen)
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, 0, fmt.Errorf("wire: failed to read frame: %w", err)
	}

	if len(frame) < FixedHeaderSize {
		return nil, 0, fmt.Errorf("wire: frame shorter than fixed header")
	}
	header, err := decodeHeader(frame[:FixedHeaderSize])
	if err != nil {
		return nil, 0, err
	}

	msg, err := decodePayload(header.Type, frame[FixedHeaderSize:])
	if err != nil {
		return nil, 0, fmt.Errorf("wire: failed to decode payload: %w", err)
	}
	return msg, prefixLen + int(frameLen), nil
}

// ReadMessage reads one complete frame from an io.Reader.
func ReadMessage(r io.Reader) (*Message, error) {
	frameLen, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if frameLen > MaxMessageSize {
		return nil, fmt.Errorf("wire: frame too large: %d bytes (max %d)", frameLen, MaxMessageSize)
	}
	frame := make([]byte, frameLen)
	if frameLen > 0 {
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("wire: failed to read frame: %w", err)
		}
	}
	if len(frame) < FixedHeaderSize {
		return nil, fmt.Errorf("wire: frame shorter than fixed header")
	}
	header, err := decodeHeader(frame[:FixedHeaderSize])
	if err != nil {
		return nil, err
	}
	return decodePayload(header.Type, frame[FixedHeaderSize:])
}

// WriteMessage writes a complete frame to an io.Writer.
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: failed to write frame: %w", err)
	}
	return nil
}

func encodePayload(msg *Message) ([]byte, error) {
	buf := new(bytes.Buffer)

	writeBytes(buf, msg.Key)

	if msg.Record != nil {
		buf.WriteByte(1)
		writeRecord(buf, msg.Record)
	} else {
		buf.WriteByte(0)
	}

	writePeerList(buf, msg.CloserPeers)
	writePeerList(buf, msg.ProviderPeers)

	if err := binary.Write(buf, binary.BigEndian, msg.ClusterLevelRaw); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodePayload(msgType MsgType, data []byte) (*Message, error) {
	r := bytes.NewReader(data)
	msg := &Message{Type: msgType}

	key, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	msg.Key = key

	hasRecord, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("record presence flag: %w", err)
	}
	if hasRecord != 0 {
		rec, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record: %w", err)
		}
		msg.Record = rec
	}

	closer, err := readPeerList(r)
	if err != nil {
		return nil, fmt.Errorf("closer_peers: %w", err)
	}
	msg.CloserPeers = closer

	providers, err := readPeerList(r)
	if err != nil {
		return nil, fmt.Errorf("provider_peers: %w", err)
	}
	msg.ProviderPeers = providers

	// clusterLevelRaw is read but otherwise ignored, per spec. Decoding
	// stops here even if trailing bytes remain: unknown trailing fields
	// from a newer wire revision are skipped rather than rejected.
	if r.Len() >= 4 {
		var level int32
		if err := binary.Read(r, binary.BigEndian, &level); err == nil {
			msg.ClusterLevelRaw = level
		}
	}

	return msg, nil
}

func writeUvarintBuf(buf *bytes.Buffer, v uint64) {
	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, v)
	buf.Write(tmp[:n])
}

func readUvarintBuf(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarintBuf(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarintBuf(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if uint64(r.Len()) < n {
		return nil, fmt.Errorf("insufficient data: need %d bytes, have %d", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeRecord(buf *bytes.Buffer, rec *Record) {
	writeBytes(buf, rec.Key)
	writeBytes(buf, rec.Value)
	binary.Write(buf, binary.BigEndian, rec.TimeReceived)
}

func readRecord(r *bytes.Reader) (*Record, error) {
	key, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	value, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	var ts int64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return nil, fmt.Errorf("time_received: %w", err)
	}
	return &Record{Key: key, Value: value, TimeReceived: ts}, nil
}

func writePeerList(buf *bytes.Buffer, peers []Peer) {
	writeUvarintBuf(buf, uint64(len(peers)))
	for _, p := range peers {
		writeBytes(buf, p.ID)
		writeUvarintBuf(buf, uint64(len(p.Addrs)))
		for _, a := range p.Addrs {
			writeBytes(buf, a)
		}
		buf.WriteByte(byte(p.Connection))
	}
}

func readPeerList(r *bytes.Reader) ([]Peer, error) {
	count, err := readUvarintBuf(r)
	if err != nil {
		return nil, err
	}
	if count > MaxMessageSize {
		return nil, fmt.Errorf("peer list implausibly large: %d", count)
	}
	peers := make([]Peer, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("peer[%d].id: %w", i, err)
		}
		addrCount, err := readUvarintBuf(r)
		if err != nil {
			return nil, fmt.Errorf("peer[%d].addrs count: %w", i, err)
		}
		addrs := make([][]byte, 0, addrCount)
		for j := uint64(0); j < addrCount; j++ {
			a, err := readBytes(r)
			if err != nil {
				return nil, fmt.Errorf("peer[%d].addrs[%d]: %w", i, j, err)
			}
			addrs = append(addrs, a)
		}
		conn, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("peer[%d].connection: %w", i, err)
		}
		peers = append(peers, Peer{ID: id, Addrs: addrs, Connection: ConnectionType(conn)})
	}
	return peers, nil
}
