package wire

import "errors"

// Byte offsets for IPv4 header fields.
const (
	IPVersionIHL = 0
	IPLen        = 2
	IPTTL        = 8
	IPProto      = 9
	IPCheck      = 10
	IPSrc        = 12
	IPDst        = 16
)

// IP protocol numbers.
const (
	ProtoICMP byte = 1
	ProtoTCP  byte = 6
	ProtoUDP  byte = 17
)

const ipv4MinHeader = 20

// ErrTruncated is returned when a packet is too short to hold a valid header.
var ErrTruncated = errors.New("wire: truncated packet")

// ErrNotIPv4 is returned when the version nibble is not 4.
var ErrNotIPv4 = errors.New("wire: not an IPv4 packet")

// IPInfo is a parsed IPv4 header, referencing the original packet buffer.
type IPInfo struct {
	Version   uint8
	IHL       uint8
	TTL       uint8
	Protocol  uint8
	SrcAddr   uint32
	DstAddr   uint32
	HeaderLen int
	TotalLen  int
	L4Data    []byte
}

// ParseIPv4 parses an IPv4 header from pkt. Truncated total-length fields are
// tolerated: the total length is clamped to the bytes actually present.
func ParseIPv4(pkt []byte) (IPInfo, error) {
	var info IPInfo

	if len(pkt) < ipv4MinHeader {
		return info, ErrTruncated
	}

	verIHL := pkt[IPVersionIHL]
	if verIHL>>4 != 4 {
		return info, ErrNotIPv4
	}

	ihl := int(verIHL & 0x0F)
	headerLen := ihl * 4
	if headerLen < ipv4MinHeader || headerLen > len(pkt) {
		return info, ErrTruncated
	}

	totalLen := int(getU16(pkt[IPLen : IPLen+2]))
	if totalLen > len(pkt) {
		totalLen = len(pkt)
	}
	if totalLen < headerLen {
		return info, ErrTruncated
	}

	info.Version = 4
	info.IHL = uint8(ihl)
	info.TTL = pkt[IPTTL]
	info.Protocol = pkt[IPProto]
	info.SrcAddr = getU32(pkt[IPSrc : IPSrc+4])
	info.DstAddr = getU32(pkt[IPDst : IPDst+4])
	info.HeaderLen = headerLen
	info.TotalLen = totalLen
	info.L4Data = pkt[headerLen:totalLen]

	return info, nil
}
