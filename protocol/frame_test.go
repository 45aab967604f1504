package protocol

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		Type:      TypeRequest,
		CmdCode:   CmdRPCRequest,
		RequestID: 12345,
		CodecType: 0,
		Timeout:   1000,
		ClassName: "Ping",
		Header:    []byte("h"),
		Content:   []byte(`{"msg":"hi"}`),
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f, false); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Type != f.Type {
		t.Errorf("Type mismatch: got %v want %v", decoded.Type, f.Type)
	}
	if decoded.RequestID != f.RequestID {
		t.Errorf("RequestID mismatch: got %d want %d", decoded.RequestID, f.RequestID)
	}
	if decoded.ClassName != f.ClassName {
		t.Errorf("ClassName mismatch: got %q want %q", decoded.ClassName, f.ClassName)
	}
	if !bytes.Equal(decoded.Content, f.Content) {
		t.Errorf("Content mismatch: got %s want %s", decoded.Content, f.Content)
	}
}

func TestEncodeDecodeResponseStatus(t *testing.T) {
	f := &Frame{
		Type:      TypeResponse,
		CmdCode:   CmdRPCResponse,
		RequestID: 7,
		Status:    2,
		Content:   []byte("boom"),
	}
	var buf bytes.Buffer
	if err := Encode(&buf, f, false); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Status != 2 {
		t.Errorf("Status mismatch: got %d want 2", decoded.Status)
	}
}

func TestEncodeDecodeWithCRC(t *testing.T) {
	f := &Frame{
		Type:      TypeRequest,
		CmdCode:   CmdRPCRequest,
		RequestID: 99,
		Content:   []byte("crc-protected payload"),
	}
	var buf bytes.Buffer
	if err := Encode(&buf, f, true); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode with CRC failed: %v", err)
	}
	if !bytes.Equal(decoded.Content, f.Content) {
		t.Errorf("Content mismatch after CRC round-trip")
	}
}

func TestDecodeCRCMismatch(t *testing.T) {
	f := &Frame{Type: TypeRequest, CmdCode: CmdRPCRequest, RequestID: 1, Content: []byte("x")}
	var buf bytes.Buffer
	if err := Encode(&buf, f, true); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a bit in the trailing CRC

	_, err := Decode(bufio.NewReader(bytes.NewReader(corrupted)))
	if err != ErrCRCMismatch {
		t.Fatalf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestDecodeInvalidProto(t *testing.T) {
	raw := []byte{0x00, 0x00, byte(TypeRequest), 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	_, err := Decode(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for invalid proto byte")
	}
}

func TestHeartbeatFrames(t *testing.T) {
	req := HeartbeatFrame(5)
	var buf bytes.Buffer
	if err := Encode(&buf, req, false); err != nil {
		t.Fatalf("Encode heartbeat failed: %v", err)
	}
	decoded, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode heartbeat failed: %v", err)
	}
	if decoded.CmdCode != CmdHeartbeat || decoded.Type != TypeRequest {
		t.Fatalf("unexpected heartbeat decode: %+v", decoded)
	}

	ack := HeartbeatAck(5)
	buf.Reset()
	if err := Encode(&buf, ack, false); err != nil {
		t.Fatalf("Encode heartbeat ack failed: %v", err)
	}
	decodedAck, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode heartbeat ack failed: %v", err)
	}
	if decodedAck.Type != TypeResponse || decodedAck.Status != 0 {
		t.Fatalf("unexpected heartbeat ack decode: %+v", decodedAck)
	}
}

func TestDecodeStreamingRetainsTail(t *testing.T) {
	var buf bytes.Buffer
	f1 := &Frame{Type: TypeRequest, CmdCode: CmdRPCRequest, RequestID: 1, Content: []byte("one")}
	f2 := &Frame{Type: TypeRequest, CmdCode: CmdRPCRequest, RequestID: 2, Content: []byte("two")}
	if err := Encode(&buf, f1, false); err != nil {
		t.Fatal(err)
	}
	if err := Encode(&buf, f2, false); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	d1, err := Decode(r)
	if err != nil {
		t.Fatalf("first decode failed: %v", err)
	}
	d2, err := Decode(r)
	if err != nil {
		t.Fatalf("second decode failed: %v", err)
	}
	if d1.RequestID != 1 || d2.RequestID != 2 {
		t.Fatalf("frames decoded out of order: %d, %d", d1.RequestID, d2.RequestID)
	}
}
