package maskirovka

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/idna"
)

const (
	recordTypeHandshake  = 0x16
	handshakeClientHello = 0x01
	maxRecordLen         = 16384
	maxHostnameLen       = 255 // SNI host length field is one byte wide here
	clientRandomLen      = 32
)

// commonSignatureAlgs is the fixed RSA/ECDSA signature algorithm set emitted
// in every synthesized hello, independent of template.
var commonSignatureAlgs = []uint16{
	0x0403, 0x0804, 0x0401, 0x0503, 0x0805, 0x0501, 0x0806, 0x0601,
}

// Synthesize builds a byte-exact TLS-record-framed ClientHello from a
// fingerprint template and target hostname. random supplies the 32-byte
// client random verbatim; callers wanting an authenticating hello pass
// BuildAuthRandom output here. The function is a pure transform: no I/O,
// deterministic for fixed inputs.
//
// Length fields that depend on later content (record length, 24-bit
// handshake body length, extensions block length) are reserved first and
// back-patched once the payload is known.
func Synthesize(tpl *FingerprintTemplate, hostname string, random []byte) ([]byte, error) {
	if len(random) < clientRandomLen {
		return nil, fmt.Errorf("%w: need %d random bytes, have %d",
			ErrBufferTooSmall, clientRandomLen, len(random))
	}

	host, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedDomain, hostname, err)
	}
	if len(host) == 0 || len(host) > maxHostnameLen {
		return nil, fmt.Errorf("%w: %q (%d bytes)", ErrUnsupportedDomain, hostname, len(host))
	}

	b := make([]byte, 0, 256+len(host))

	// Record header: type + version, then a reserved length field.
	b = append(b, recordTypeHandshake, byte(tpl.Version>>8), byte(tpl.Version))
	recordLenOff := len(b)
	b = append(b, 0, 0)
	recordStart := len(b)

	// Handshake header: type + reserved 24-bit body length.
	b = append(b, handshakeClientHello)
	bodyLenOff := len(b)
	b = append(b, 0, 0, 0)
	bodyStart := len(b)

	// Client version, random, empty session ID.
	b = append(b, byte(tpl.Version>>8), byte(tpl.Version))
	b = append(b, random[:clientRandomLen]...)
	b = append(b, 0)

	// Cipher suites in template order.
	b = appendUint16(b, uint16(2*len(tpl.CipherSuites)))
	for _, cs := range tpl.CipherSuites {
		b = appendUint16(b, cs)
	}

	// Compression methods: null only.
	b = append(b, 1, 0)

	// Extensions block with reserved total length.
	extLenOff := len(b)
	b = append(b, 0, 0)
	extStart := len(b)
	for _, ext := range tpl.Extensions {
		b = appendExtension(b, ext, tpl, host)
	}

	// Back-patch the three reserved length fields.
	binary.BigEndian.PutUint16(b[extLenOff:], uint16(len(b)-extStart))
	bodyLen := len(b) - bodyStart
	b[bodyLenOff] = byte(bodyLen >> 16)
	b[bodyLenOff+1] = byte(bodyLen >> 8)
	b[bodyLenOff+2] = byte(bodyLen)
	binary.BigEndian.PutUint16(b[recordLenOff:], uint16(len(b)-recordStart))

	if len(b) > 5+maxRecordLen {
		return nil, fmt.Errorf("%w: frame %d exceeds record limit", ErrBufferTooSmall, len(b))
	}
	return b, nil
}

// appendExtension emits one extension as type(2) + length(2) + payload.
// Types without a recognized encoding become zero-length placeholders,
// which keeps the template's ordering realistic without requiring full
// semantics for every extension.
func appendExtension(b []byte, ext uint16, tpl *FingerprintTemplate, host string) []byte {
	b = appendUint16(b, ext)
	switch ext {
	case extServerName:
		b = appendUint16(b, uint16(2+3+len(host))) // extension length
		b = appendUint16(b, uint16(3+len(host)))   // server_name_list length
		b = append(b, 0)                           // name_type: host_name
		b = appendUint16(b, uint16(len(host)))
		b = append(b, host...)
	case extSupportedGroups:
		b = appendUint16(b, uint16(2+2*len(tpl.Curves)))
		b = appendUint16(b, uint16(2*len(tpl.Curves)))
		for _, c := range tpl.Curves {
			b = appendUint16(b, c)
		}
	case extSignatureAlgs:
		b = appendUint16(b, uint16(2+2*len(commonSignatureAlgs)))
		b = appendUint16(b, uint16(2*len(commonSignatureAlgs)))
		for _, a := range commonSignatureAlgs {
			b = appendUint16(b, a)
		}
	case extALPN:
		b = appendUint16(b, uint16(2+1+len(tpl.ALPN)))
		b = appendUint16(b, uint16(1+len(tpl.ALPN)))
		b = append(b, byte(len(tpl.ALPN)))
		b = append(b, tpl.ALPN...)
	case extSupportedVersions:
		b = appendUint16(b, 5)
		b = append(b, 4, 0x03, 0x04, 0x03, 0x03) // TLS 1.3, TLS 1.2
	case extECPointFormats:
		b = appendUint16(b, 2)
		b = append(b, 1, 0) // uncompressed only
	default:
		// extSessionTicket and any unrecognized type: empty payload.
		b = appendUint16(b, 0)
	}
	return b
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// helloInfo holds the fields extracted from a ClientHello handshake message.
type helloInfo struct {
	random     []byte
	sessionID  []byte
	serverName string

	// sniNameOffset is the offset of the SNI hostname bytes within the
	// full record, used by the fragmenter to split at the name boundary.
	// Negative when no SNI extension is present.
	sniNameOffset int
}

// parseClientHello extracts the client random, session ID, and SNI from a
// full TLS record (header included). All offsets are bounds-checked; the
// input is attacker-controlled.
func parseClientHello(record []byte) (*helloInfo, error) {
	if len(record) < 5 || record[0] != recordTypeHandshake {
		return nil, fmt.Errorf("not a TLS handshake record")
	}
	pos := 5
	if pos+4 > len(record) || record[pos] != handshakeClientHello {
		return nil, fmt.Errorf("not a ClientHello")
	}
	pos += 4 // handshake type + 24-bit length

	// client_version(2) + random(32)
	if pos+2+clientRandomLen > len(record) {
		return nil, fmt.Errorf("ClientHello truncated before random")
	}
	info := &helloInfo{sniNameOffset: -1}
	info.random = append([]byte(nil), record[pos+2:pos+2+clientRandomLen]...)
	pos += 2 + clientRandomLen

	if pos >= len(record) {
		return nil, fmt.Errorf("ClientHello truncated before session ID")
	}
	sidLen := int(record[pos])
	pos++
	if pos+sidLen > len(record) {
		return nil, fmt.Errorf("session ID exceeds record")
	}
	info.sessionID = append([]byte(nil), record[pos:pos+sidLen]...)
	pos += sidLen

	if pos+2 > len(record) {
		return nil, fmt.Errorf("ClientHello truncated before cipher suites")
	}
	pos += 2 + int(binary.BigEndian.Uint16(record[pos:]))
	if pos+1 > len(record) {
		return nil, fmt.Errorf("cipher suites exceed record")
	}
	pos += 1 + int(record[pos]) // compression methods
	if pos+2 > len(record) {
		// Extensions are optional; nothing more to extract.
		return info, nil
	}

	extEnd := pos + 2 + int(binary.BigEndian.Uint16(record[pos:]))
	if extEnd > len(record) {
		extEnd = len(record)
	}
	pos += 2
	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(record[pos:])
		extLen := int(binary.BigEndian.Uint16(record[pos+2:]))
		pos += 4
		if pos+extLen > extEnd {
			break
		}
		if extType == extServerName && extLen >= 5 {
			nameLen := int(binary.BigEndian.Uint16(record[pos+3:]))
			nameStart := pos + 5
			if nameStart+nameLen <= pos+extLen {
				info.serverName = string(record[nameStart : nameStart+nameLen])
				info.sniNameOffset = nameStart
			}
		}
		pos += extLen
	}
	return info, nil
}
