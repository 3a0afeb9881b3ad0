// Package keaconf models the daemon's kea-dhcp4 configuration file as a
// mutable JSON document. The document keeps every setting it does not
// understand intact so that a parse/mutate/serialize round trip never
// drops daemon options this system knows nothing about.
package keaconf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/types"
)

// Document is a parsed kea-dhcp4 configuration. All mutations operate
// on the first subnet4 entry; this system manages a single flat subnet.
type Document struct {
	root map[string]interface{}
}

// Parse extracts the JSON object from data and parses it. The live file
// may carry comments or shell-style banners around the object, so
// everything outside the outermost braces is ignored.
func Parse(data []byte) (*Document, error) {
	first := bytes.IndexByte(data, '{')
	last := bytes.LastIndexByte(data, '}')
	if first == -1 || last <= first {
		return nil, fmt.Errorf("no JSON object found in configuration")
	}

	var root map[string]interface{}
	if err := json.Unmarshal(data[first:last+1], &root); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	d := &Document{root: root}
	if _, err := d.subnet(); err != nil {
		return nil, err
	}
	return d, nil
}

// Bytes serializes the document the way it is written to disk.
func (d *Document) Bytes() ([]byte, error) {
	out, err := json.MarshalIndent(d.root, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize configuration: %w", err)
	}
	return append(out, '\n'), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.root)
}

// Clone returns an independent deep copy of the document.
func (d *Document) Clone() (*Document, error) {
	raw, err := json.Marshal(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to clone configuration: %w", err)
	}
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("failed to clone configuration: %w", err)
	}
	return &Document{root: root}, nil
}

func (d *Document) subnet() (map[string]interface{}, error) {
	dhcp4, ok := d.root["Dhcp4"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("configuration has no Dhcp4 object")
	}
	subnets, ok := dhcp4["subnet4"].([]interface{})
	if !ok || len(subnets) == 0 {
		return nil, fmt.Errorf("configuration has no subnet4 entry")
	}
	sn, ok := subnets[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed subnet4 entry")
	}
	return sn, nil
}

// Reservations returns the subnet reservation list. Entries without a
// parseable hardware or IP address are reported as errors: the
// configuration is this system's own write target and must stay sound.
func (d *Document) Reservations() ([]dhcp.Reservation, error) {
	sn, err := d.subnet()
	if err != nil {
		return nil, err
	}
	raw, _ := sn["reservations"].([]interface{})

	reservations := make([]dhcp.Reservation, 0, len(raw))
	for i, e := range raw {
		entry, ok := e.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("malformed reservation entry %d", i)
		}
		r, err := parseEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("malformed reservation entry %d: %w", i, err)
		}
		reservations = append(reservations, r)
	}
	return reservations, nil
}

// UpsertReservation inserts or replaces the reservation keyed by its
// hardware address. It fails with dhcp.ConflictError when the target
// address is held by a different hardware address. Unknown fields on a
// replaced entry are preserved.
func (d *Document) UpsertReservation(r dhcp.Reservation) error {
	sn, err := d.subnet()
	if err != nil {
		return err
	}
	raw, _ := sn["reservations"].([]interface{})

	replace := -1
	for i, e := range raw {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		existing, err := parseEntry(entry)
		if err != nil {
			continue
		}
		if existing.HWAddress.Equal(r.HWAddress) {
			replace = i
			continue
		}
		if existing.IPAddress.Equal(r.IPAddress) {
			return &dhcp.ConflictError{IP: r.IPAddress, HWAddress: existing.HWAddress}
		}
	}

	if replace >= 0 {
		entry := raw[replace].(map[string]interface{})
		entry["hw-address"] = r.HWAddress.String()
		entry["ip-address"] = r.IPAddress.String()
		if r.Hostname != "" {
			entry["hostname"] = r.Hostname
		} else {
			delete(entry, "hostname")
		}
	} else {
		entry := map[string]interface{}{
			"hw-address": r.HWAddress.String(),
			"ip-address": r.IPAddress.String(),
		}
		if r.Hostname != "" {
			entry["hostname"] = r.Hostname
		}
		raw = append(raw, entry)
	}

	sn["reservations"] = raw
	return nil
}

// RemoveReservation removes the reservation matching identifier, which
// may be a hardware address or an IP address. It returns false when
// nothing matched.
func (d *Document) RemoveReservation(identifier string) (bool, error) {
	sn, err := d.subnet()
	if err != nil {
		return false, err
	}
	raw, _ := sn["reservations"].([]interface{})

	var mac string
	if m, err := types.ParseMAC(identifier); err == nil {
		mac = m.String()
	}
	var ip string
	if i, err := types.ParseIP(identifier); err == nil {
		ip = i.String()
	}

	kept := make([]interface{}, 0, len(raw))
	removed := false
	for _, e := range raw {
		entry, ok := e.(map[string]interface{})
		if ok {
			r, err := parseEntry(entry)
			if err == nil {
				if (mac != "" && r.HWAddress.String() == mac) ||
					(ip != "" && r.IPAddress.String() == ip) {
					removed = true
					continue
				}
			}
		}
		kept = append(kept, e)
	}

	if removed {
		sn["reservations"] = kept
	}
	return removed, nil
}

// Boundary derives the current boundary from the pool declaration: the
// pool starts at B+2, so B is the pool start octet minus two. When the
// subnet declares no pool the reserved-range hint decides, and an empty
// document reads as the maximum boundary. The result is clamped into
// the block so that a pool covering the whole block reads as the
// minimum boundary.
func (d *Document) Boundary(block dhcp.Block) (int, error) {
	sn, err := d.subnet()
	if err != nil {
		return 0, err
	}

	if start, _, ok := d.poolOctets(sn, block); ok {
		return clamp(start-2, block.First, block.Last), nil
	}
	if _, end, ok := d.reservedHintOctets(sn, block); ok {
		return clamp(end-1, block.First, block.Last), nil
	}
	return block.Last, nil
}

// SetBoundary rewrites the pool declaration to [b+2, Last] and the
// reserved-range hint to [First, b+1]. A boundary at the top of the
// block leaves the subnet without a pool. Reservation entries are not
// touched.
func (d *Document) SetBoundary(block dhcp.Block, boundary int) error {
	if !block.CheckBoundary(boundary) {
		return fmt.Errorf("boundary %d outside block octets [%d, %d]", boundary, block.First, block.Last)
	}
	sn, err := d.subnet()
	if err != nil {
		return err
	}

	if boundary+2 <= block.Last {
		start, err := block.Addr(boundary + 2)
		if err != nil {
			return err
		}
		end, err := block.Addr(block.Last)
		if err != nil {
			return err
		}
		sn["pools"] = []interface{}{
			map[string]interface{}{"pool": fmt.Sprintf("%s - %s", start, end)},
		}
	} else {
		sn["pools"] = []interface{}{}
	}

	rstart, err := block.Addr(block.First)
	if err != nil {
		return err
	}
	rend, err := block.Addr(boundary + 1)
	if err != nil {
		return err
	}
	uc, _ := sn["user-context"].(map[string]interface{})
	if uc == nil {
		uc = map[string]interface{}{}
	}
	uc["reserved-range"] = fmt.Sprintf("%s-%s", rstart, rend)
	sn["user-context"] = uc

	return nil
}

func (d *Document) poolOctets(sn map[string]interface{}, block dhcp.Block) (int, int, bool) {
	pools, _ := sn["pools"].([]interface{})
	if len(pools) == 0 {
		return 0, 0, false
	}
	entry, ok := pools[0].(map[string]interface{})
	if !ok {
		return 0, 0, false
	}
	spec, ok := entry["pool"].(string)
	if !ok {
		return 0, 0, false
	}
	return parseRange(spec, block)
}

func (d *Document) reservedHintOctets(sn map[string]interface{}, block dhcp.Block) (int, int, bool) {
	uc, _ := sn["user-context"].(map[string]interface{})
	spec, ok := uc["reserved-range"].(string)
	if !ok {
		return 0, 0, false
	}
	return parseRange(spec, block)
}

func parseRange(spec string, block dhcp.Block) (int, int, bool) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := types.ParseIP(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	end, err := types.ParseIP(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	so, ok := block.Octet(*start)
	if !ok {
		return 0, 0, false
	}
	eo, ok := block.Octet(*end)
	if !ok {
		return 0, 0, false
	}
	return so, eo, true
}

func parseEntry(entry map[string]interface{}) (dhcp.Reservation, error) {
	hw, _ := entry["hw-address"].(string)
	mac, err := types.ParseMAC(hw)
	if err != nil {
		return dhcp.Reservation{}, fmt.Errorf("bad hw-address %q: %w", hw, err)
	}
	addr, _ := entry["ip-address"].(string)
	ip, err := types.ParseIP(addr)
	if err != nil {
		return dhcp.Reservation{}, fmt.Errorf("bad ip-address %q: %w", addr, err)
	}
	hostname, _ := entry["hostname"].(string)
	return dhcp.Reservation{HWAddress: *mac, IPAddress: *ip, Hostname: hostname}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
