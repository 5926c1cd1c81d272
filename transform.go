package maskirovka

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// PatternTransformer is the operator-registered hook behind the
// CustomPattern method. Implementations must be pure byte transforms;
// Strip must invert Apply.
type PatternTransformer interface {
	Apply(plaintext []byte) ([]byte, error)
	Strip(frame []byte) ([]byte, error)
}

// httpRequestPreamble is the fixed disguise emitted by HttpSimple: a
// realistic browser GET request. The blank line terminating the header
// block doubles as the strip marker on the receiving side.
const httpRequestPreamble = "GET /assets/js/main.min.js?v=4.2.1 HTTP/1.1\r\n" +
	"Host: cdn.jsdelivr.net\r\n" +
	"User-Agent: Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36\r\n" +
	"Accept: */*\r\n" +
	"Accept-Language: en-US,en;q=0.9\r\n" +
	"Accept-Encoding: gzip, deflate, br\r\n" +
	"Connection: keep-alive\r\n" +
	"\r\n"

// ticketAuthHeader is the fixed TLS-1.2-looking ClientHello prefix used by
// Tls12TicketAuth. The length fields describe a 512-byte hello, matching
// the session-ticket-bearing hellos common in resumed browser connections.
var ticketAuthHeader = []byte{
	0x16, 0x03, 0x01, 0x02, 0x00, // record: handshake, TLS 1.0, 512 bytes
	0x01, 0x00, 0x01, 0xfc, // ClientHello, 508-byte body
	0x03, 0x03, // client version TLS 1.2
}

const (
	ticketAuthPadLen = 16
	randomHeadMinLen = 16
	randomHeadMaxLen = 80
	saltedHashTagLen = sha256.Size
)

// applyTransform disguises plaintext with the given concrete method.
// Adaptive and Hybrid must be resolved by the orchestrator before reaching
// the dispatcher. Methods requiring session key material return
// ErrInvalidMethodState when the material is absent.
func applyTransform(m Method, material *sessionMaterial, pattern PatternTransformer, plaintext []byte) ([]byte, error) {
	switch m {
	case MethodNone:
		return append([]byte(nil), plaintext...), nil

	case MethodHttpSimple:
		out := make([]byte, 0, len(httpRequestPreamble)+len(plaintext))
		out = append(out, httpRequestPreamble...)
		return append(out, plaintext...), nil

	case MethodTls12TicketAuth:
		if len(plaintext) > 0xffff {
			return nil, fmt.Errorf("%w: payload %d exceeds length prefix", ErrBufferTooSmall, len(plaintext))
		}
		out := make([]byte, 0, len(ticketAuthHeader)+2+len(plaintext)+ticketAuthPadLen)
		out = append(out, ticketAuthHeader...)
		out = appendUint16(out, uint16(len(plaintext)))
		out = append(out, plaintext...)
		pad := make([]byte, ticketAuthPadLen)
		if _, err := rand.Read(pad); err != nil {
			return nil, err
		}
		return append(out, pad...), nil

	case MethodRandomHead:
		headLen := randomHeadMinLen + randomInt(0, randomHeadMaxLen-randomHeadMinLen+1)
		out := make([]byte, headLen+len(plaintext))
		if _, err := rand.Read(out[:headLen]); err != nil {
			return nil, err
		}
		copy(out[headLen:], plaintext)
		return out, nil

	case MethodSaltedHash:
		if material == nil {
			return nil, fmt.Errorf("%w: salted hash needs session salt", ErrInvalidMethodState)
		}
		h := sha256.New()
		h.Write(material.salt)
		h.Write(plaintext)
		out := make([]byte, 0, saltedHashTagLen+len(plaintext))
		out = h.Sum(out)
		return append(out, plaintext...), nil

	case MethodXorMask:
		if material == nil {
			return nil, fmt.Errorf("%w: xor mask needs session key", ErrInvalidMethodState)
		}
		return xorMask(plaintext, material.maskKey), nil

	case MethodBase64:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(plaintext)))
		base64.StdEncoding.Encode(out, plaintext)
		return out, nil

	case MethodCustomPattern:
		if pattern == nil {
			return nil, fmt.Errorf("%w: no custom pattern registered", ErrInvalidMethodState)
		}
		return pattern.Apply(plaintext)

	default:
		return nil, fmt.Errorf("method %s is not a direct transform", m)
	}
}

// reverseTransform strips the disguise applied by a concrete method.
// RandomHead is one-way camouflage: its prefix length is unrecoverable and
// peers must strip it by an out-of-band convention. HttpSimple and
// SaltedHash reverse via their fixed markers (the blank header line and the
// fixed-width tag respectively).
func reverseTransform(m Method, material *sessionMaterial, pattern PatternTransformer, frame []byte) ([]byte, error) {
	switch m {
	case MethodNone:
		return append([]byte(nil), frame...), nil

	case MethodHttpSimple:
		idx := bytes.Index(frame, []byte("\r\n\r\n"))
		if idx < 0 {
			return nil, fmt.Errorf("http disguise missing header terminator")
		}
		return append([]byte(nil), frame[idx+4:]...), nil

	case MethodTls12TicketAuth:
		if len(frame) < len(ticketAuthHeader)+2+ticketAuthPadLen {
			return nil, fmt.Errorf("ticket auth frame too short")
		}
		if !bytes.Equal(frame[:len(ticketAuthHeader)], ticketAuthHeader) {
			return nil, fmt.Errorf("ticket auth header mismatch")
		}
		body := frame[len(ticketAuthHeader):]
		plen := int(body[0])<<8 | int(body[1])
		if 2+plen+ticketAuthPadLen > len(body) {
			return nil, fmt.Errorf("ticket auth length exceeds frame")
		}
		return append([]byte(nil), body[2:2+plen]...), nil

	case MethodRandomHead:
		return nil, ErrOneWayMethod

	case MethodSaltedHash:
		if material == nil {
			return nil, fmt.Errorf("%w: salted hash needs session salt", ErrInvalidMethodState)
		}
		if len(frame) < saltedHashTagLen {
			return nil, fmt.Errorf("salted hash frame too short")
		}
		plaintext := frame[saltedHashTagLen:]
		h := sha256.New()
		h.Write(material.salt)
		h.Write(plaintext)
		if !hmac.Equal(frame[:saltedHashTagLen], h.Sum(nil)) {
			return nil, fmt.Errorf("salted hash tag mismatch")
		}
		return append([]byte(nil), plaintext...), nil

	case MethodXorMask:
		if material == nil {
			return nil, fmt.Errorf("%w: xor mask needs session key", ErrInvalidMethodState)
		}
		return xorMask(frame, material.maskKey), nil

	case MethodBase64:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(frame)))
		n, err := base64.StdEncoding.Decode(out, frame)
		if err != nil {
			return nil, fmt.Errorf("base64 disguise: %w", err)
		}
		return out[:n], nil

	case MethodCustomPattern:
		if pattern == nil {
			return nil, fmt.Errorf("%w: no custom pattern registered", ErrInvalidMethodState)
		}
		return pattern.Strip(frame)

	default:
		return nil, fmt.Errorf("method %s is not a direct transform", m)
	}
}

// xorMask XORs data with a repeating key. The transform is an involution:
// applying it twice with the same key restores the input.
func xorMask(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}
