package types

import (
	"fmt"
	"net"
)

// IP is net.IP with JSON marshalling as a dotted-quad string.
type IP net.IP

func (i IP) String() string {
	return net.IP(i).String()
}

// MarshalJSON implements the json.Marshaler interface.
func (i IP) MarshalJSON() ([]byte, error) {
	if len(i) == 0 {
		return []byte(`""`), nil
	}
	return []byte(fmt.Sprintf("%q", i.String())), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (i *IP) UnmarshalJSON(data []byte) error {
	buff, err := unquote(data)
	if err != nil {
		return err
	}
	if buff == "" {
		*i = nil
		return nil
	}
	tmp, err := ParseIP(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal IP: input=%q", buff)
	}
	*i = *tmp
	return nil
}

// Equal reports whether i and other are the same address.
func (i IP) Equal(other IP) bool {
	return net.IP(i).Equal(net.IP(other))
}

// HardwareAddr is net.HardwareAddr in canonical lower-case
// colon-separated form.
type HardwareAddr net.HardwareAddr

func (h HardwareAddr) String() string {
	return net.HardwareAddr(h).String()
}

// MarshalJSON implements the json.Marshaler interface.
func (h HardwareAddr) MarshalJSON() ([]byte, error) {
	if len(h) == 0 {
		return []byte(`""`), nil
	}
	return []byte(fmt.Sprintf("%q", h.String())), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (h *HardwareAddr) UnmarshalJSON(data []byte) error {
	buff, err := unquote(data)
	if err != nil {
		return err
	}
	tmp, err := ParseMAC(buff)
	if err != nil {
		return fmt.Errorf("failed to unmarshal HardwareAddr: input=%q", buff)
	}
	*h = *tmp
	return nil
}

// Equal reports whether h and other are the same hardware address.
func (h HardwareAddr) Equal(other HardwareAddr) bool {
	return h.String() == other.String()
}

// ParseIP parses s as an IPv4 address.
func ParseIP(s string) (*IP, error) {
	i := net.ParseIP(s)
	if i == nil {
		return nil, fmt.Errorf("failed to parse IP: input=%q", s)
	}
	if v4 := i.To4(); v4 != nil {
		i = v4
	}
	ip := IP(i)
	return &ip, nil
}

// ParseMAC parses s and normalizes it to the canonical lower-case
// colon-separated form.
func ParseMAC(s string) (*HardwareAddr, error) {
	m, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	mac := HardwareAddr(m)
	return &mac, nil
}

func unquote(data []byte) (string, error) {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return "", fmt.Errorf("not a JSON string: %s", data)
	}
	return string(data[1 : len(data)-1]), nil
}
