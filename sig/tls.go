// Package sig detects DPI-relevant handshake signatures — TLS ClientHello
// and QUIC Initial — in transport payloads.
package sig

// tlsContentTypeHandshake is the TLS record ContentType for a handshake message.
const tlsContentTypeHandshake = 0x16

// tlsHandshakeTypeClientHello is the Handshake.msg_type for ClientHello.
const tlsHandshakeTypeClientHello = 0x01

// IsTLSClientHello reports whether payload begins with a TLS handshake
// record whose first handshake message is a ClientHello. It never panics,
// even on payloads shorter than a full record header.
func IsTLSClientHello(payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	if payload[0] != tlsContentTypeHandshake {
		return false
	}
	return payload[5] == tlsHandshakeTypeClientHello
}
