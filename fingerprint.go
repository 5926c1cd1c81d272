package maskirovka

import (
	"sort"

	utls "github.com/refraction-networking/utls"
)

// FingerprintTemplate describes the observable TLS fingerprint of a real
// browser: cipher suite order, extension order, curve preferences, ALPN,
// and the record-size and inter-packet timing baselines the traffic shaper
// targets. Templates are immutable after load and safe for unrestricted
// concurrent reads.
type FingerprintTemplate struct {
	Name         string
	Version      uint16   // legacy record/hello version on the wire
	CipherSuites []uint16 // in emission order
	Extensions   []uint16 // extension types in emission order
	Curves       []uint16 // supported groups in preference order
	ALPN         string   // advertised application protocol
	RecordSize   int      // baseline record size, bytes
	TimingMs     int      // baseline inter-packet timing, milliseconds

	// HelloID selects the matching uTLS parrot for deployments where the
	// disguise must survive a real TLS-speaking intermediary.
	HelloID utls.ClientHelloID
}

// TLS extension type codepoints (IANA TLS ExtensionType registry).
const (
	extServerName        = 0x0000
	extStatusRequest     = 0x0005
	extSupportedGroups   = 0x000a
	extECPointFormats    = 0x000b
	extSignatureAlgs     = 0x000d
	extALPN              = 0x0010
	extSCT               = 0x0012
	extExtendedMS        = 0x0017
	extCompressCert      = 0x001b
	extRecordSizeLimit   = 0x001c
	extSessionTicket     = 0x0023
	extSupportedVersions = 0x002b
	extPSKModes          = 0x002d
	extKeyShare          = 0x0033
	extRenegotiation     = 0xff01
)

// templates is the immutable startup catalog, keyed by name for O(1)
// lookup. Never mutated after package init.
var templates = map[string]*FingerprintTemplate{
	"chrome_120": {
		Name:    "chrome_120",
		Version: 0x0303,
		CipherSuites: []uint16{
			0x1301, 0x1302, 0x1303, // TLS 1.3 suites
			0xc02b, 0xc02f, 0xc02c, 0xc030,
			0xcca9, 0xcca8,
			0xc013, 0xc014,
			0x009c, 0x009d, 0x002f, 0x0035,
		},
		Extensions: []uint16{
			extServerName, extExtendedMS, extRenegotiation,
			extSupportedGroups, extECPointFormats, extSessionTicket,
			extALPN, extSignatureAlgs, extSupportedVersions,
			extPSKModes, extKeyShare, extCompressCert,
		},
		Curves:     []uint16{0x001d, 0x0017, 0x0018},
		ALPN:       "h2",
		RecordSize: 1400,
		TimingMs:   15,
		HelloID:    utls.HelloChrome_Auto,
	},
	"firefox_121": {
		Name:    "firefox_121",
		Version: 0x0303,
		CipherSuites: []uint16{
			0x1301, 0x1303, 0x1302,
			0xc02b, 0xc02f, 0xcca9, 0xcca8, 0xc02c, 0xc030,
			0xc00a, 0xc009, 0xc013, 0xc014,
			0x009c, 0x009d, 0x002f, 0x0035,
		},
		Extensions: []uint16{
			extServerName, extExtendedMS, extRenegotiation,
			extSupportedGroups, extECPointFormats, extALPN,
			extStatusRequest, extSignatureAlgs, extKeyShare,
			extSupportedVersions, extPSKModes, extRecordSizeLimit,
		},
		Curves:     []uint16{0x001d, 0x0017, 0x0018, 0x0019},
		ALPN:       "h2",
		RecordSize: 1300,
		TimingMs:   25,
		HelloID:    utls.HelloFirefox_Auto,
	},
	"edge_120": {
		Name:    "edge_120",
		Version: 0x0303,
		CipherSuites: []uint16{
			0x1301, 0x1302, 0x1303,
			0xc02b, 0xc02f, 0xc02c, 0xc030,
			0xcca9, 0xcca8,
			0xc013, 0xc014,
			0x009c, 0x009d, 0x002f, 0x0035,
		},
		Extensions: []uint16{
			extServerName, extExtendedMS, extRenegotiation,
			extSupportedGroups, extECPointFormats, extSessionTicket,
			extALPN, extSignatureAlgs, extSupportedVersions,
			extPSKModes, extKeyShare, extCompressCert,
		},
		Curves:     []uint16{0x001d, 0x0017, 0x0018},
		ALPN:       "h2",
		RecordSize: 1400,
		TimingMs:   15,
		HelloID:    utls.HelloEdge_Auto,
	},
	"safari_17": {
		Name:    "safari_17",
		Version: 0x0303,
		CipherSuites: []uint16{
			0x1301, 0x1302, 0x1303,
			0xc02c, 0xc02b, 0xcca9, 0xc030, 0xc02f, 0xcca8,
			0xc00a, 0xc009, 0xc014, 0xc013,
		},
		Extensions: []uint16{
			extServerName, extExtendedMS, extRenegotiation,
			extSupportedGroups, extECPointFormats, extALPN,
			extStatusRequest, extSCT, extSignatureAlgs,
			extKeyShare, extPSKModes, extSupportedVersions,
			extCompressCert,
		},
		Curves:     []uint16{0x001d, 0x0017, 0x0018, 0x0019},
		ALPN:       "h2",
		RecordSize: 1200,
		TimingMs:   20,
		HelloID:    utls.HelloSafari_Auto,
	},
}

// LookupTemplate returns the named fingerprint template.
func LookupTemplate(name string) (*FingerprintTemplate, bool) {
	t, ok := templates[name]
	return t, ok
}

// TemplateNames returns the catalog names in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
