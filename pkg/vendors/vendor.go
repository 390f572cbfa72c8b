package vendors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Vendor identifies one of the supported firewall families
type Vendor string

const (
	PaloAlto  Vendor = "palo_alto"
	Fortigate Vendor = "fortigate"
	UniFi     Vendor = "unifi"
)

// All returns the closed set of supported vendors
func All() []Vendor {
	return []Vendor{PaloAlto, Fortigate, UniFi}
}

// ParseVendor validates a vendor name
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unsupported firewall type: %s", s)
}

// Credentials are resolved from the credential repository per poll
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Target is one registered firewall, ready to be fetched
type Target struct {
	Vendor      Vendor
	Hostname    string
	Credentials Credentials
	Params      map[string]string
}

func (t Target) param(key, fallback string) string {
	if v, ok := t.Params[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Section names one logical part of a vendor payload
type Section string

const (
	SectionSystem     Section = "system"
	SectionInterfaces Section = "interfaces"
	SectionTraffic    Section = "traffic"
)

// RawPayload is what an adapter hands to the normalizer: one JSON body per section
type RawPayload struct {
	Vendor      Vendor
	Hostname    string
	CollectedAt time.Time
	Sections    map[Section][]byte
}

// Adapter fetches current stats from one firewall. Implementations never retry.
type Adapter interface {
	Fetch(ctx context.Context, target Target) (*RawPayload, error)
}

// New returns the adapter for a vendor. A nil client uses a default transport.
func New(vendor Vendor, client *http.Client) (Adapter, error) {
	base := newBase(client)
	switch vendor {
	case PaloAlto:
		return &PaloAltoAdapter{base: base}, nil
	case Fortigate:
		return &FortigateAdapter{base: base}, nil
	case UniFi:
		return &UniFiAdapter{base: base}, nil
	default:
		return nil, fmt.Errorf("unsupported firewall type: %s", vendor)
	}
}

// NewSet builds one adapter per supported vendor, sharing the HTTP client
func NewSet(client *http.Client) map[Vendor]Adapter {
	set := make(map[Vendor]Adapter, len(All()))
	for _, v := range All() {
		a, _ := New(v, client)
		set[v] = a
	}
	return set
}
