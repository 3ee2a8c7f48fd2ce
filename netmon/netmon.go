// Package netmon tracks, per transport, which network interface may carry
// proxied traffic. System change notifications are turned into Available,
// CapabilitiesChanged and Lost events and applied serially in the monitor's
// own goroutine; registered observers receive a Status after every change.
package netmon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Transport identifies a physical egress path.
type Transport int

const (
	// Wifi is a wireless LAN interface.
	Wifi Transport = iota
	// Cellular is a mobile data interface.
	Cellular
)

const numTransports = 2

// Transports lists every supported transport.
var Transports = []Transport{Wifi, Cellular}

func (t Transport) String() string {
	switch t {
	case Wifi:
		return "wifi"
	case Cellular:
		return "cellular"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// ParseTransport parses "wifi" or "cellular".
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "wifi", "wlan":
		return Wifi, nil
	case "cellular", "cell", "mobile", "5g":
		return Cellular, nil
	}
	return 0, fmt.Errorf("netmon: unknown transport %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Transport) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Transport) UnmarshalText(b []byte) error {
	v, err := ParseTransport(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Network is a handle to one network on one interface. A handle is replaced,
// never mutated, when the interface goes away and comes back: two handles
// denote the same network only if their IDs match.
type Network struct {
	// ID is assigned by the monitor when the network becomes available.
	ID        uint64
	Index     int
	Name      string
	Transport Transport
	Addrs     []netip.Addr
}

// Same reports whether n and o are the same network handle.
func (n *Network) Same(o *Network) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID == o.ID && n.Index == o.Index && n.Name == o.Name
}

func (n *Network) String() string {
	if n == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d(%s)", n.Name, n.ID, n.Transport)
}

// Resolver returns a resolver whose DNS traffic leaves through n.
func (n *Network) Resolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return n.dialerFor(network).DialContext(ctx, network, address)
		},
	}
}

// Info describes an interface as observed by a Source.
type Info struct {
	Network

	// Up is true when the interface is administratively up and running.
	Up bool
	// Internet is true when the interface holds a global unicast address.
	Internet bool
	// Restricted marks interfaces reserved for signalling (IMS and similar).
	Restricted bool
	// Validated is true when a probe through the interface succeeded.
	Validated bool
}

// Candidate reports whether the interface can serve as a transport candidate.
func (i Info) Candidate() bool {
	return i.Up && i.Internet && !i.Restricted
}

// Grace holds the hysteresis windows applied while a listener is running.
type Grace struct {
	// Validated tolerates a transient loss of validation.
	Validated time.Duration
	// Data tolerates a transient loss of the data connection.
	Data time.Duration
}

// DefaultGrace returns 5s for both windows.
func DefaultGrace() Grace {
	return Grace{Validated: 5 * time.Second, Data: 5 * time.Second}
}

// Status is a snapshot of one transport's capability state.
type Status struct {
	Transport       Transport
	Candidate       *Network
	Validated       bool
	DataConnected   bool
	LastValidatedAt time.Time
	LastConnectedAt time.Time
}

// Usable reports whether a listener for the transport should be enabled.
// A candidate is required. Validation and data connectivity must each hold,
// either currently or, when the listener is already running, within their
// grace window.
func (s Status) Usable(running bool, now time.Time, g Grace) bool {
	if s.Candidate == nil {
		return false
	}
	validOK := s.Validated || (running && now.Sub(s.LastValidatedAt) <= g.Validated)
	dataOK := s.DataConnected || (running && now.Sub(s.LastConnectedAt) <= g.Data)
	return validOK && dataOK
}

// Observer receives status updates for one transport. Update is called from
// the monitor goroutine and must not block on the monitor.
type Observer interface {
	Update(Status)
	Running() bool
}
