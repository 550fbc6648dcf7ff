package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()
	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, n, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(data), n)
	}
	return decoded
}

func TestRoundTripFindNode(t *testing.T) {
	msg := &Message{
		Type: MsgFindNode,
		Key:  []byte("target-key"),
		CloserPeers: []Peer{
			{ID: []byte("peer-a"), Addrs: [][]byte{[]byte("/ip4/1.2.3.4/udp/4001")}, Connection: Connected},
		},
	}
	got := roundTrip(t, msg)
	if got.Type != MsgFindNode {
		t.Fatalf("expected type FIND_NODE, got %v", got.Type)
	}
	if !bytes.Equal(got.Key, msg.Key) {
		t.Fatalf("key mismatch: got %q want %q", got.Key, msg.Key)
	}
	if len(got.CloserPeers) != 1 || !bytes.Equal(got.CloserPeers[0].ID, []byte("peer-a")) {
		t.Fatalf("closer_peers mismatch: %+v", got.CloserPeers)
	}
	if got.CloserPeers[0].Connection != Connected {
		t.Fatalf("expected Connected hint, got %v", got.CloserPeers[0].Connection)
	}
}

func TestRoundTripPutValue(t *testing.T) {
	msg := &Message{
		Type: MsgPutValue,
		Key:  []byte("record-key"),
		Record: &Record{
			Key:          []byte("record-key"),
			Value:        []byte("hello world"),
			TimeReceived: 1700000000,
		},
	}
	got := roundTrip(t, msg)
	if got.Record == nil {
		t.Fatal("expected record to round-trip")
	}
	if !bytes.Equal(got.Record.Value, msg.Record.Value) {
		t.Fatalf("value mismatch: got %q want %q", got.Record.Value, msg.Record.Value)
	}
	if got.Record.TimeReceived != msg.Record.TimeReceived {
		t.Fatalf("time_received mismatch: got %d want %d", got.Record.TimeReceived, msg.Record.TimeReceived)
	}
}

func TestRoundTripGetProvidersWithProviderPeers(t *testing.T) {
	msg := &Message{
		Type: MsgGetProviders,
		Key:  []byte("provider-key"),
		ProviderPeers: []Peer{
			{ID: []byte("provider-1"), Connection: CanConnect},
			{ID: []byte("provider-2"), Connection: NotConnected},
		},
	}
	got := roundTrip(t, msg)
	if len(got.ProviderPeers) != 2 {
		t.Fatalf("expected 2 provider peers, got %d", len(got.ProviderPeers))
	}
	if got.ProviderPeers[0].Connection != CanConnect {
		t.Fatalf("expected CanConnect, got %v", got.ProviderPeers[0].Connection)
	}
}

func TestRoundTripPing(t *testing.T) {
	msg := &Message{Type: MsgPing}
	got := roundTrip(t, msg)
	if got.Type != MsgPing {
		t.Fatalf("expected PING, got %v", got.Type)
	}
	if got.Key != nil {
		t.Fatalf("expected empty key, got %q", got.Key)
	}
}

func TestReadWriteMessageOverStream(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{Type: MsgAddProvider, Key: []byte("k"), ProviderPeers: []Peer{{ID: []byte("p")}}}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != MsgAddProvider {
		t.Fatalf("expected ADD_PROVIDER, got %v", got.Type)
	}
	if len(got.ProviderPeers) != 1 {
		t.Fatalf("expected 1 provider peer, got %d", len(got.ProviderPeers))
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	msg := &Message{Type: MsgPing}
	data, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Corrupt the version byte, located right after the varint length
	// prefix (1 byte for frames this small).
	data[1] = 0x7f
	if _, _, err := DecodeMessage(data); err == nil {
		t.Fatal("expected decode to reject unknown protocol version")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(4) // frame length
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(0xEE) // invalid type
	buf.Write([]byte{0, 0})
	if _, _, err := DecodeMessage(buf.Bytes()); err == nil {
		t.Fatal("expected decode to reject unknown message type")
	}
}
