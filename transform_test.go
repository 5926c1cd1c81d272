package maskirovka

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func testMaterial(t *testing.T) *sessionMaterial {
	t.Helper()
	m, err := deriveSessionMaterial(testKeyMaterial(t))
	if err != nil {
		t.Fatalf("deriveSessionMaterial: %v", err)
	}
	return m
}

func TestTransformRoundTrips(t *testing.T) {
	material := testMaterial(t)
	payloads := [][]byte{
		nil,
		[]byte("x"),
		[]byte("hello obfuscation"),
		bytes.Repeat([]byte{0xab, 0x00, 0xff}, 500),
	}

	methods := []Method{
		MethodNone,
		MethodHttpSimple,
		MethodTls12TicketAuth,
		MethodSaltedHash,
		MethodXorMask,
		MethodBase64,
	}

	for _, m := range methods {
		for i, plaintext := range payloads {
			disguised, err := applyTransform(m, material, nil, plaintext)
			if err != nil {
				t.Fatalf("%s payload %d: apply: %v", m, i, err)
			}
			got, err := reverseTransform(m, material, nil, disguised)
			if err != nil {
				t.Fatalf("%s payload %d: reverse: %v", m, i, err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("%s payload %d: round trip altered data", m, i)
			}
		}
	}
}

func TestXorMaskInvolution(t *testing.T) {
	material := testMaterial(t)
	plaintext := []byte("involution property holds")

	once, err := applyTransform(MethodXorMask, material, nil, plaintext)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if bytes.Equal(once, plaintext) {
		t.Error("mask should change the bytes")
	}
	twice, err := applyTransform(MethodXorMask, material, nil, once)
	if err != nil {
		t.Fatalf("apply twice: %v", err)
	}
	if !bytes.Equal(twice, plaintext) {
		t.Error("applying the mask twice should restore the input")
	}
}

func TestHttpSimpleLooksLikeHTTP(t *testing.T) {
	disguised, err := applyTransform(MethodHttpSimple, nil, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !bytes.HasPrefix(disguised, []byte("GET ")) {
		t.Error("disguise should start with an HTTP request line")
	}
	if !bytes.Contains(disguised, []byte("\r\nHost: ")) {
		t.Error("disguise should carry a Host header")
	}
}

func TestTicketAuthPrefix(t *testing.T) {
	disguised, err := applyTransform(MethodTls12TicketAuth, nil, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if disguised[0] != 0x16 {
		t.Errorf("first byte = 0x%02x, want TLS handshake type 0x16", disguised[0])
	}
	if disguised[9] != 0x03 || disguised[10] != 0x03 {
		t.Error("client version bytes should read TLS 1.2")
	}
}

func TestRandomHeadBounds(t *testing.T) {
	plaintext := []byte("tail")
	for i := 0; i < 50; i++ {
		disguised, err := applyTransform(MethodRandomHead, nil, nil, plaintext)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		headLen := len(disguised) - len(plaintext)
		if headLen < randomHeadMinLen || headLen > randomHeadMaxLen {
			t.Fatalf("head length %d outside [%d, %d]", headLen, randomHeadMinLen, randomHeadMaxLen)
		}
		if !bytes.HasSuffix(disguised, plaintext) {
			t.Fatal("payload should follow the random head unchanged")
		}
	}
}

func TestRandomHeadOneWay(t *testing.T) {
	_, err := reverseTransform(MethodRandomHead, nil, nil, []byte("anything"))
	if !errors.Is(err, ErrOneWayMethod) {
		t.Errorf("error = %v, want ErrOneWayMethod", err)
	}
}

func TestSaltedHashTamperDetected(t *testing.T) {
	material := testMaterial(t)
	disguised, err := applyTransform(MethodSaltedHash, material, nil, []byte("payload"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	disguised[len(disguised)-1] ^= 0x01
	if _, err := reverseTransform(MethodSaltedHash, material, nil, disguised); err == nil {
		t.Error("tampered payload should fail the tag check")
	}
}

func TestKeyedMethodsRequireMaterial(t *testing.T) {
	for _, m := range []Method{MethodSaltedHash, MethodXorMask} {
		if _, err := applyTransform(m, nil, nil, []byte("x")); !errors.Is(err, ErrInvalidMethodState) {
			t.Errorf("%s without material: error = %v, want ErrInvalidMethodState", m, err)
		}
	}
}

func TestCustomPatternRequiresRegistration(t *testing.T) {
	if _, err := applyTransform(MethodCustomPattern, nil, nil, []byte("x")); !errors.Is(err, ErrInvalidMethodState) {
		t.Errorf("error = %v, want ErrInvalidMethodState", err)
	}
}

// reverserPattern is a trivial PatternTransformer for tests.
type reverserPattern struct{}

func (reverserPattern) Apply(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[len(plaintext)-1-i] = b
	}
	return out, nil
}

func (p reverserPattern) Strip(frame []byte) ([]byte, error) { return p.Apply(frame) }

func TestCustomPatternRoundTrip(t *testing.T) {
	plaintext := []byte("custom transform payload")
	disguised, err := applyTransform(MethodCustomPattern, nil, reverserPattern{}, plaintext)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := reverseTransform(MethodCustomPattern, nil, reverserPattern{}, disguised)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("custom pattern round trip altered data")
	}
}

func TestParseMethodRoundTrip(t *testing.T) {
	for _, m := range concreteMethods {
		got, err := ParseMethod(m.String())
		if err != nil {
			t.Fatalf("ParseMethod(%q): %v", m.String(), err)
		}
		if got != m {
			t.Errorf("ParseMethod(%q) = %v, want %v", m.String(), got, m)
		}
	}
	if _, err := ParseMethod("rot13"); err == nil {
		t.Error("unknown method name should be rejected")
	}
}

func TestMethodStringUnknown(t *testing.T) {
	got := Method(200).String()
	want := fmt.Sprintf("method(%d)", 200)
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
