package maskirovka

import "fmt"

// Method identifies an obfuscation transform. Selection is data, not
// inheritance: the dispatcher switches exhaustively on the value.
type Method uint8

const (
	// MethodNone passes data through untouched.
	MethodNone Method = iota
	// MethodHttpSimple prepends a realistic HTTP/1.1 GET request.
	MethodHttpSimple
	// MethodTls12TicketAuth frames data behind a TLS-1.2-looking
	// ClientHello header with trailing random padding.
	MethodTls12TicketAuth
	// MethodRandomHead prepends 16-80 cryptographically random bytes.
	MethodRandomHead
	// MethodSaltedHash prepends SHA-256(salt || plaintext) as a visible
	// 32-byte tag used for traffic-shape camouflage, not secrecy.
	MethodSaltedHash
	// MethodXorMask XORs every byte with a repeating key derived from the
	// session salt. Applying it twice restores the original bytes.
	MethodXorMask
	// MethodBase64 encodes the payload with standard RFC 4648 Base64.
	MethodBase64
	// MethodCustomPattern applies an operator-registered transform.
	MethodCustomPattern
	// MethodAdaptive is resolved by the orchestrator to a concrete method
	// recommended by the anomaly feedback adapter.
	MethodAdaptive
	// MethodHybrid composes two concrete methods in sequence: an XOR mask
	// inner layer under the adapter-recommended outer disguise.
	MethodHybrid
)

var methodNames = map[Method]string{
	MethodNone:            "none",
	MethodHttpSimple:      "http_simple",
	MethodTls12TicketAuth: "tls1.2_ticket_auth",
	MethodRandomHead:      "random_head",
	MethodSaltedHash:      "salted_hash",
	MethodXorMask:         "xor_mask",
	MethodBase64:          "base64",
	MethodCustomPattern:   "custom_pattern",
	MethodAdaptive:        "adaptive",
	MethodHybrid:          "hybrid",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// Concrete reports whether the method is a direct byte transform, as opposed
// to the Adaptive/Hybrid selectors resolved by the orchestrator.
func (m Method) Concrete() bool {
	return m != MethodAdaptive && m != MethodHybrid
}

// ParseMethod maps a configuration string to a Method.
func ParseMethod(name string) (Method, error) {
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return MethodNone, fmt.Errorf("unknown obfuscation method %q", name)
}

// concreteMethods lists every method the dispatcher can apply directly.
var concreteMethods = []Method{
	MethodNone,
	MethodHttpSimple,
	MethodTls12TicketAuth,
	MethodRandomHead,
	MethodSaltedHash,
	MethodXorMask,
	MethodBase64,
	MethodCustomPattern,
}

// methodSet is the enabled-method whitelist, keyed for O(1) lookup.
type methodSet map[Method]bool

// newMethodSet builds the whitelist from configuration. An empty list
// enables all concrete methods. HttpSimple is always enabled: it is the
// fallback disguise and availability depends on it.
func newMethodSet(enabled []Method) methodSet {
	set := make(methodSet)
	if len(enabled) == 0 {
		for _, m := range concreteMethods {
			set[m] = true
		}
	} else {
		for _, m := range enabled {
			if m.Concrete() {
				set[m] = true
			}
		}
	}
	set[MethodHttpSimple] = true
	return set
}
