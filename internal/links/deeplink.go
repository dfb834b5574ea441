package links

import (
	"errors"
	"fmt"
	"net/url"
)

// ConnectScheme is the deep-link scheme the desktop shell registers.
const ConnectScheme = "proxycast"

var (
	// ErrInvalidURL is returned when the link is not a well-formed
	// proxycast://connect URL.
	ErrInvalidURL = errors.New("invalid connect link")
	// ErrMissingRelay is returned when the relay parameter is absent.
	ErrMissingRelay = errors.New("connect link missing relay")
	// ErrMissingKey is returned when the key parameter is absent.
	ErrMissingKey = errors.New("connect link missing key")
)

// ConnectPayload is a parsed proxycast://connect link.
type ConnectPayload struct {
	Relay   string `json:"relay"`
	Key     string `json:"key"`
	Name    string `json:"name,omitempty"`
	RefCode string `json:"ref_code,omitempty"`
}

// KeyPrefix returns the loggable first 7 characters of the key.
func (p ConnectPayload) KeyPrefix() string {
	if len(p.Key) <= 7 {
		return p.Key
	}
	return p.Key[:7]
}

// ParseConnectLink parses proxycast://connect?relay=..&key=..&name=..&ref=..
// Every parameter round-trips; missing relay or key yields its
// specific error.
func ParseConnectLink(raw string) (ConnectPayload, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectPayload{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != ConnectScheme {
		return ConnectPayload{}, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	// proxycast://connect parses with "connect" as the host.
	action := u.Host
	if action == "" {
		action = u.Opaque
	}
	if action != "connect" {
		return ConnectPayload{}, fmt.Errorf("%w: unknown action %q", ErrInvalidURL, action)
	}

	q := u.Query()
	p := ConnectPayload{
		Relay:   q.Get("relay"),
		Key:     q.Get("key"),
		Name:    q.Get("name"),
		RefCode: q.Get("ref"),
	}
	if p.Relay == "" {
		return ConnectPayload{}, ErrMissingRelay
	}
	if p.Key == "" {
		return ConnectPayload{}, ErrMissingKey
	}
	return p, nil
}
