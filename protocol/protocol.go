// Package protocol implements the SRTLA wire format: control packet
// framing, SRT header classification, and the fields the engine needs to
// pull out of SRT ACK/NAK/data packets. It is pure and allocation-light —
// no state, no I/O, just encode/decode.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Control packet types. The high nibble 0x9 distinguishes SRTLA control
// traffic from SRT's own framing.
const (
	TypeKeepalive uint16 = 0x9000
	TypeACK       uint16 = 0x9100 // SRTLA-ACK, not to be confused with SRT's own ACK
	TypeReg1      uint16 = 0x9200
	TypeReg2      uint16 = 0x9201
	TypeReg3      uint16 = 0x9202
	TypeRegErr    uint16 = 0x9210
	TypeRegNGP    uint16 = 0x9211
	TypeData      uint16 = 0x9300 // SRTLA-DATA framing, ingress-only in practice
)

// SessionIDLen is the fixed length of the SRTLA session identifier carried
// verbatim in REG1 and REG2.
const SessionIDLen = 256

// SRTLA-ACK carries exactly this many 32-bit sequence numbers per datagram.
const ackSeqCount = 10

// Kind classifies a datagram arriving on a path or local socket.
type Kind int

const (
	KindUnknown Kind = iota
	KindKeepalive
	KindSRTLAAck
	KindReg1
	KindReg2
	KindReg3
	KindRegErr
	KindRegNGP
	KindSRTLAData
	KindSRTData    // SRT data packet, bit 31 clear
	KindSRTControl // SRT control packet (ACK/NAK/shutdown/other)
)

// SRT control subtypes, read out of bits 16-30 of the first header word
// when bit 31 is set.
const (
	srtCtrlACK      = 2
	srtCtrlNAK      = 3
	srtCtrlShutdown = 5
)

// Classify determines the kind of an inbound datagram without allocating.
// It does not distinguish SRT ACK/NAK/shutdown from other SRT control
// subtypes; callers that need that distinction call IsSRTAck/IsSRTNak/
// IsSRTShutdown separately since those need the parsed subtype anyway.
func Classify(data []byte) Kind {
	if len(data) >= 2 {
		t := binary.BigEndian.Uint16(data[:2])
		if t&0xF000 == 0x9000 {
			switch t {
			case TypeKeepalive:
				return KindKeepalive
			case TypeACK:
				return KindSRTLAAck
			case TypeReg1:
				return KindReg1
			case TypeReg2:
				return KindReg2
			case TypeReg3:
				return KindReg3
			case TypeRegErr:
				return KindRegErr
			case TypeRegNGP:
				return KindRegNGP
			case TypeData:
				return KindSRTLAData
			default:
				return KindUnknown
			}
		}
	}
	if len(data) < 4 {
		return KindUnknown
	}
	header := binary.BigEndian.Uint32(data[:4])
	if header&0x80000000 != 0 {
		return KindSRTControl
	}
	return KindSRTData
}

// SRTSequence extracts the 31-bit SRT sequence number from the first word
// of an SRT data packet (bit 31 is the data/control discriminator, masked
// off here).
func SRTSequence(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[:4]) & 0x7FFFFFFF, true
}

// srtControlSubtype reads the 15-bit subtype out of an SRT control header's
// first word (bits 16-30).
func srtControlSubtype(data []byte) (uint16, bool) {
	if len(data) < 4 {
		return 0, false
	}
	header := binary.BigEndian.Uint32(data[:4])
	if header&0x80000000 == 0 {
		return 0, false
	}
	return uint16((header >> 16) & 0x7FFF), true
}

// IsSRTAck reports whether data is an SRT control packet with the ACK
// subtype.
func IsSRTAck(data []byte) bool {
	st, ok := srtControlSubtype(data)
	return ok && st == srtCtrlACK
}

// IsSRTNak reports whether data is an SRT control packet with the NAK
// subtype.
func IsSRTNak(data []byte) bool {
	st, ok := srtControlSubtype(data)
	return ok && st == srtCtrlNAK
}

// IsSRTShutdown reports whether data is an SRT control packet with the
// shutdown subtype.
func IsSRTShutdown(data []byte) bool {
	st, ok := srtControlSubtype(data)
	return ok && st == srtCtrlShutdown
}

// srtControlHeaderLen is the fixed length of an SRT control packet header
// that precedes any NAK/ACK payload.
const srtControlHeaderLen = 16

// ParseSRTAck extracts the cumulative acknowledged sequence number from an
// SRT ACK control packet: the first word after the control header.
func ParseSRTAck(data []byte) (uint32, error) {
	if len(data) < srtControlHeaderLen+4 {
		return 0, fmt.Errorf("protocol: SRT ACK too short (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint32(data[srtControlHeaderLen:]) & 0x7FFFFFFF, nil
}

// ParseSRTNak expands an SRT NAK control packet's loss-report field into
// the list of lost sequence numbers, following each 32-bit word after the
// header as either a single sequence or, when bit 31 is set, the start of
// an inclusive range whose end is the next word.
func ParseSRTNak(data []byte) ([]uint32, error) {
	if len(data) < srtControlHeaderLen {
		return nil, fmt.Errorf("protocol: SRT NAK too short (%d bytes)", len(data))
	}
	body := data[srtControlHeaderLen:]
	n := len(body) / 4

	lost := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		word := binary.BigEndian.Uint32(body[i*4:])
		if word&0x80000000 == 0 {
			lost = append(lost, word)
			continue
		}
		start := word & 0x7FFFFFFF
		if i+1 >= n {
			// Malformed: a range start with no end. Report the start alone.
			lost = append(lost, start)
			continue
		}
		i++
		end := binary.BigEndian.Uint32(body[i*4:])
		for seq := start; seq <= end; seq++ {
			lost = append(lost, seq)
			if seq == end {
				break // guards against end == 0xFFFFFFFF wraparound
			}
		}
	}
	return lost, nil
}

// BuildReg1 builds a REG1 packet carrying sessionID verbatim.
func BuildReg1(sessionID [SessionIDLen]byte) []byte {
	return buildReg(TypeReg1, sessionID)
}

// BuildReg2 builds a REG2 packet carrying sessionID verbatim.
func BuildReg2(sessionID [SessionIDLen]byte) []byte {
	return buildReg(TypeReg2, sessionID)
}

func buildReg(t uint16, sessionID [SessionIDLen]byte) []byte {
	buf := make([]byte, 2+SessionIDLen)
	binary.BigEndian.PutUint16(buf, t)
	copy(buf[2:], sessionID[:])
	return buf
}

// BuildKeepalive builds a KEEPALIVE packet carrying an opaque monotonic
// timestamp in milliseconds, used by the peer only for its own RTT bookkeeping.
func BuildKeepalive(timestampMs uint64) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf, TypeKeepalive)
	binary.BigEndian.PutUint64(buf[2:], timestampMs)
	return buf
}

// ParseSRTLAAck parses the fixed 44-byte SRTLA-ACK datagram into its ten
// embedded SRT sequence numbers.
func ParseSRTLAAck(data []byte) ([ackSeqCount]uint32, error) {
	var seqs [ackSeqCount]uint32
	if len(data) < 4+ackSeqCount*4 {
		return seqs, fmt.Errorf("protocol: SRTLA-ACK too short (%d bytes)", len(data))
	}
	for i := range seqs {
		seqs[i] = binary.BigEndian.Uint32(data[4+i*4:])
	}
	return seqs, nil
}

// ParseReg2 validates that resp is a well-formed REG2 response and returns
// its full 256-byte session id. Callers still must check the prefix
// against their own candidate id before trusting it (see engine).
func ParseReg2(resp []byte) ([SessionIDLen]byte, error) {
	var id [SessionIDLen]byte
	if len(resp) < 2+SessionIDLen {
		return id, fmt.Errorf("protocol: REG2 too short (%d bytes)", len(resp))
	}
	copy(id[:], resp[2:2+SessionIDLen])
	return id, nil
}

// DataFrame is the parsed form of an SRTLA-DATA (0x9300) packet:
// 2-byte type + 4-byte IPv4 + 4-byte sequence + SRT payload.
type DataFrame struct {
	VirtualIP net.IP
	Sequence  uint32
	Payload   []byte
}

const dataHeaderLen = 2 + 4 + 4

// BuildSRTLAData frames an SRT packet for SRTLA-DATA encapsulation. The
// reference sender never produces this frame on egress (see engine), but
// the codec supports it symmetrically for ingress compatibility and tests.
func BuildSRTLAData(virtualIP net.IP, sequence uint32, srt []byte) ([]byte, error) {
	v4 := virtualIP.To4()
	if v4 == nil {
		return nil, fmt.Errorf("protocol: %s is not an IPv4 address", virtualIP)
	}
	buf := make([]byte, dataHeaderLen+len(srt))
	binary.BigEndian.PutUint16(buf, TypeData)
	copy(buf[2:6], v4)
	binary.BigEndian.PutUint32(buf[6:10], sequence)
	copy(buf[dataHeaderLen:], srt)
	return buf, nil
}

// ParseSRTLAData decodes an SRTLA-DATA frame built by BuildSRTLAData. The
// returned Payload aliases data; callers that retain it past the life of
// the receive buffer must copy it.
func ParseSRTLAData(data []byte) (DataFrame, error) {
	var f DataFrame
	if len(data) < dataHeaderLen {
		return f, fmt.Errorf("protocol: SRTLA-DATA too short (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint16(data[:2]) != TypeData {
		return f, fmt.Errorf("protocol: not an SRTLA-DATA frame")
	}
	f.VirtualIP = net.IPv4(data[2], data[3], data[4], data[5])
	f.Sequence = binary.BigEndian.Uint32(data[6:10])
	f.Payload = data[dataHeaderLen:]
	return f, nil
}
