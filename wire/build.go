package wire

// BuildIPv4UDP constructs an IPv4+UDP packet with the given addresses,
// ports, and payload, filling in both checksums. TTL is fixed at 64.
func BuildIPv4UDP(srcAddr, dstAddr uint32, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	total := ipv4MinHeader + udpLen

	out := make([]byte, total)

	out[IPVersionIHL] = 0x45
	putU16(out[IPLen:IPLen+2], uint16(total))
	out[IPTTL] = 64
	out[IPProto] = ProtoUDP
	putU32(out[IPSrc:IPSrc+4], srcAddr)
	putU32(out[IPDst:IPDst+4], dstAddr)
	putU16(out[IPCheck:IPCheck+2], Checksum(out[:ipv4MinHeader]))

	udp := out[ipv4MinHeader:]
	putU16(udp[UDPSrcPort:UDPSrcPort+2], srcPort)
	putU16(udp[UDPDstPort:UDPDstPort+2], dstPort)
	putU16(udp[UDPLen:UDPLen+2], uint16(udpLen))
	copy(udp[udpHeaderLen:], payload)

	cksum := TransportChecksum(srcAddr, dstAddr, ProtoUDP, udp)
	if cksum == 0 {
		// RFC 768: a computed checksum of zero is transmitted as all-ones.
		cksum = 0xFFFF
	}
	putU16(udp[UDPCheck:UDPCheck+2], cksum)

	return out
}

// BuildUDPHeaderOnly constructs a bare UDP header plus payload, with the
// checksum left at zero (checksum is optional for IPv4 UDP; a raw socket
// that leaves IP header construction to the kernel has no pseudo-header
// addresses available to compute one anyway).
func BuildUDPHeaderOnly(srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	out := make([]byte, udpLen)
	putU16(out[UDPSrcPort:UDPSrcPort+2], srcPort)
	putU16(out[UDPDstPort:UDPDstPort+2], dstPort)
	putU16(out[UDPLen:UDPLen+2], uint16(udpLen))
	copy(out[udpHeaderLen:], payload)
	return out
}

// BuildIPv4TCP constructs an IPv4+TCP packet with the given addresses,
// ports, sequence numbers, flags, window and payload. TTL is fixed at 64.
// No TCP options are emitted; data offset is always 5 words.
func BuildIPv4TCP(srcAddr, dstAddr uint32, srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16, payload []byte) []byte {
	tcpLen := tcpMinHeader + len(payload)
	total := ipv4MinHeader + tcpLen

	out := make([]byte, total)

	out[IPVersionIHL] = 0x45
	putU16(out[IPLen:IPLen+2], uint16(total))
	out[IPTTL] = 64
	out[IPProto] = ProtoTCP
	putU32(out[IPSrc:IPSrc+4], srcAddr)
	putU32(out[IPDst:IPDst+4], dstAddr)
	putU16(out[IPCheck:IPCheck+2], Checksum(out[:ipv4MinHeader]))

	tcp := out[ipv4MinHeader:]
	putU16(tcp[TCPSrcPort:TCPSrcPort+2], srcPort)
	putU16(tcp[TCPDstPort:TCPDstPort+2], dstPort)
	putU32(tcp[TCPSeqNum:TCPSeqNum+4], seq)
	putU32(tcp[TCPAckNum:TCPAckNum+4], ack)
	tcp[TCPDataOff] = (tcpMinHeader / 4) << 4
	tcp[TCPFlags] = flags
	putU16(tcp[TCPWindow:TCPWindow+2], window)
	copy(tcp[tcpMinHeader:], payload)

	putU16(tcp[TCPCheck:TCPCheck+2], TransportChecksum(srcAddr, dstAddr, ProtoTCP, tcp))

	return out
}
