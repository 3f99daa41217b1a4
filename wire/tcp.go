package wire

// Byte offsets for TCP header fields.
const (
	TCPSrcPort = 0
	TCPDstPort = 2
	TCPSeqNum  = 4
	TCPAckNum  = 8
	TCPDataOff = 12
	TCPFlags   = 13
	TCPWindow  = 14
	TCPCheck   = 16
)

// TCP flag bits.
const (
	FlagFIN byte = 0x01
	FlagSYN byte = 0x02
	FlagRST byte = 0x04
	FlagPSH byte = 0x08
	FlagACK byte = 0x10
	FlagURG byte = 0x20
)

const tcpMinHeader = 20

// TCPInfo is a parsed TCP segment, referencing the original packet buffer.
type TCPInfo struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       uint32
	Ack       uint32
	Flags     byte
	Window    uint16
	HeaderLen int
	Payload   []byte
}

// ParseTCP parses a TCP header from l4. The data-offset field is validated
// against the buffer length; option bytes are not decoded.
func ParseTCP(l4 []byte) (TCPInfo, error) {
	var info TCPInfo

	if len(l4) < tcpMinHeader {
		return info, ErrTruncated
	}

	dataOffset := int(l4[TCPDataOff]>>4) * 4
	if dataOffset < tcpMinHeader || dataOffset > len(l4) {
		return info, ErrTruncated
	}

	info.SrcPort = getU16(l4[TCPSrcPort : TCPSrcPort+2])
	info.DstPort = getU16(l4[TCPDstPort : TCPDstPort+2])
	info.Seq = getU32(l4[TCPSeqNum : TCPSeqNum+4])
	info.Ack = getU32(l4[TCPAckNum : TCPAckNum+4])
	info.Flags = l4[TCPFlags] & 0x3F
	info.Window = getU16(l4[TCPWindow : TCPWindow+2])
	info.HeaderLen = dataOffset
	info.Payload = l4[dataOffset:]

	return info, nil
}
