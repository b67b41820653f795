package wire

import (
	"encoding/binary"
	"testing"
)

func roundTrip(t *testing.T, m Message) {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode(%+v): %v", m, err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode(Encode(%+v)): %v", m, err)
	}
	if got != m {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestRoundTripAllVariants(t *testing.T) {
	cases := []Message{
		{Type: SuccessorQuery, SearchTerm: 123, AppPort: 9001, IP: "10.0.0.1"},
		{Type: JoinSuccessorQuery, SearchTerm: 456, AppPort: 9002, IP: "10.0.0.2"},
		{Type: SuccessorResponse, SearchTerm: 789, AppPort: 9003, IP: "10.0.0.3"},
		{Type: ChordMapQuery, Seq: 1, IP: "10.0.0.4"},
		{Type: ChordMapResponse, Seq: 2, IP: "10.0.0.5"},
		{Type: UpdatePredecessor, AppPort: 9004, IP: "10.0.0.6"},
		{Type: UpdatePredecessorAck, HashedID: 0xDEADBEEF},
		{Type: StabilizeRequest, AppPort: 9005, IP: "10.0.0.7"},
		{Type: StabilizeResponse, AppPort: 9006, IP: "10.0.0.8"},
		{Type: StabilizeResponse, AppPort: 0, IP: ""}, // predecessor IP may be empty
		{Type: FingerQuery, SearchTerm: 111, AppPort: 9007, IP: "10.0.0.9"},
		{Type: FingerResponse, SearchTerm: 222, AppPort: 9008, IP: "10.0.0.10"},
	}
	for _, m := range cases {
		roundTrip(t, m)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding a datagram shorter than the header")
	}
}

func TestDecodeRejectsMissingNul(t *testing.T) {
	m := Message{Type: SuccessorQuery, SearchTerm: 1, AppPort: 2, IP: "1.2.3.4"}
	b, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	// Strip the NUL terminator and fix up the declared size to match.
	b = b[:len(b)-1]
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	if _, err := Decode(b); err == nil {
		t.Error("expected error decoding a trailing string with no NUL terminator")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	b, err := Encode(Message{Type: SuccessorQuery, SearchTerm: 1, AppPort: 2, IP: "x"})
	if err != nil {
		t.Fatal(err)
	}
	b[3] = 99 // corrupt the low byte of the type field
	if _, err := Decode(b); err == nil {
		t.Error("expected error decoding an unknown message type")
	}
}

func TestDecodeRejectsSizeLargerThanDatagram(t *testing.T) {
	b, err := Encode(Message{Type: ChordMapQuery, Seq: 1, IP: "x"})
	if err != nil {
		t.Fatal(err)
	}
	b = b[:len(b)-2] // truncate without fixing up the declared size
	if _, err := Decode(b); err == nil {
		t.Error("expected error decoding a datagram shorter than its declared size")
	}
}

func TestEncodeUnknownTypeFails(t *testing.T) {
	if _, err := Encode(Message{Type: Type(999)}); err == nil {
		t.Error("expected error encoding an unknown message type")
	}
}
