package protocol

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	srtData := make([]byte, 16)
	binary.BigEndian.PutUint32(srtData, 100) // bit 31 clear: data, seq=100

	srtAck := make([]byte, 16)
	binary.BigEndian.PutUint32(srtAck, 0x80000000|(2<<16)) // control, subtype ACK

	srtNak := make([]byte, 16)
	binary.BigEndian.PutUint32(srtNak, 0x80000000|(3<<16))

	tests := []struct {
		name string
		data []byte
		want Kind
	}{
		{"keepalive", BuildKeepalive(123), KindKeepalive},
		{"reg1", BuildReg1([SessionIDLen]byte{}), KindReg1},
		{"reg2", BuildReg2([SessionIDLen]byte{}), KindReg2},
		{"srt data", srtData, KindSRTData},
		{"srt ack", srtAck, KindSRTControl},
		{"srt nak", srtNak, KindSRTControl},
		{"too short", []byte{0x01}, KindUnknown},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.data); got != tc.want {
				t.Errorf("Classify(%q) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestSRTSequenceMasksControlBit(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, 0x80000000|100)
	seq, ok := SRTSequence(buf)
	if !ok || seq != 100 {
		t.Fatalf("SRTSequence = %d, %v, want 100, true", seq, ok)
	}
}

func TestIsSRTAckNakShutdown(t *testing.T) {
	t.Parallel()

	mk := func(subtype uint16) []byte {
		buf := make([]byte, 16)
		binary.BigEndian.PutUint32(buf, 0x80000000|(uint32(subtype)<<16))
		return buf
	}

	if !IsSRTAck(mk(2)) {
		t.Error("expected ACK subtype to be recognized")
	}
	if !IsSRTNak(mk(3)) {
		t.Error("expected NAK subtype to be recognized")
	}
	if !IsSRTShutdown(mk(5)) {
		t.Error("expected shutdown subtype to be recognized")
	}
	if IsSRTAck(mk(3)) {
		t.Error("NAK should not be classified as ACK")
	}
}

func TestParseSRTNakExpandsRanges(t *testing.T) {
	t.Parallel()

	header := make([]byte, srtControlHeaderLen)
	body := make([]byte, 0, 16)

	single := make([]byte, 4)
	binary.BigEndian.PutUint32(single, 200)
	body = append(body, single...)

	rangeStart := make([]byte, 4)
	binary.BigEndian.PutUint32(rangeStart, 0x80000000|300)
	rangeEnd := make([]byte, 4)
	binary.BigEndian.PutUint32(rangeEnd, 303)
	body = append(body, rangeStart...)
	body = append(body, rangeEnd...)

	data := append(header, body...)

	got, err := ParseSRTNak(data)
	if err != nil {
		t.Fatalf("ParseSRTNak: %v", err)
	}
	want := []uint32{200, 300, 301, 302, 303}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseSRTAck(t *testing.T) {
	t.Parallel()
	buf := make([]byte, srtControlHeaderLen+4)
	binary.BigEndian.PutUint32(buf, 0x80000000|(2<<16)) // control, subtype ACK
	binary.BigEndian.PutUint32(buf[srtControlHeaderLen:], 42)
	got, err := ParseSRTAck(buf)
	if err != nil {
		t.Fatalf("ParseSRTAck: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestRegFramesAreExactly258Bytes(t *testing.T) {
	t.Parallel()
	var id [SessionIDLen]byte
	if got := len(BuildReg1(id)); got != 258 {
		t.Errorf("REG1 length = %d, want 258", got)
	}
	if got := len(BuildReg2(id)); got != 258 {
		t.Errorf("REG2 length = %d, want 258", got)
	}
}

func TestKeepaliveFrameIsExactly10Bytes(t *testing.T) {
	t.Parallel()
	if got := len(BuildKeepalive(0)); got != 10 {
		t.Errorf("KEEPALIVE length = %d, want 10", got)
	}
}

func TestSRTLAAckRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 4+10*4)
	binary.BigEndian.PutUint16(buf, TypeACK)
	for i := 0; i < 10; i++ {
		binary.BigEndian.PutUint32(buf[4+i*4:], uint32(i*10))
	}
	if len(buf) != 44 {
		t.Fatalf("constructed SRTLA-ACK length = %d, want 44", len(buf))
	}

	got, err := ParseSRTLAAck(buf)
	if err != nil {
		t.Fatalf("ParseSRTLAAck: %v", err)
	}
	for i, v := range got {
		if v != uint32(i*10) {
			t.Errorf("seq[%d] = %d, want %d", i, v, i*10)
		}
	}
}

func TestSRTLADataRoundTrip(t *testing.T) {
	t.Parallel()

	ip := net.IPv4(10, 0, 0, 5)
	payload := []byte("srt-payload")

	frame, err := BuildSRTLAData(ip, 777, payload)
	if err != nil {
		t.Fatalf("BuildSRTLAData: %v", err)
	}

	got, err := ParseSRTLAData(frame)
	if err != nil {
		t.Fatalf("ParseSRTLAData: %v", err)
	}
	if !got.VirtualIP.Equal(ip) {
		t.Errorf("VirtualIP = %s, want %s", got.VirtualIP, ip)
	}
	if got.Sequence != 777 {
		t.Errorf("Sequence = %d, want 777", got.Sequence)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, payload)
	}
}

func TestReg2PrefixValidation(t *testing.T) {
	t.Parallel()

	var candidate [SessionIDLen]byte
	copy(candidate[:], []byte("candidate-prefix"))

	resp := BuildReg2(candidate)
	// Server fills the second half with different bytes.
	copy(resp[2+128:], bytes.Repeat([]byte{0xAB}, 128))

	full, err := ParseReg2(resp)
	if err != nil {
		t.Fatalf("ParseReg2: %v", err)
	}
	if !bytes.Equal(full[:128], candidate[:128]) {
		t.Errorf("first half mismatch")
	}
}
