package relay

// Key identifies a UDP or TCP session by the 3-tuple the spec keys on: the
// app's ephemeral source port plus the flow's real destination. This
// generalizes the teacher's dense array (activeTCPFlows [65536]*TCPFlow)
// and the original C's linear-scan session arrays into a map key, per the
// hash-map upgrade the design explicitly sanctions.
type Key struct {
	SrcPort uint16
	DstAddr uint32
	DstPort uint16
}
