package dhcp

import (
	"fmt"
	"net"

	"github.com/keapin/keapin/types"
)

// Block is the contiguous address universe managed by this system: a
// /24-style network with host octets First through Last usable. The
// boundary B splits it into the reserved range [First, B+1] and the
// dynamic pool [B+2, Last].
type Block struct {
	Network *net.IPNet
	First   int
	Last    int
}

// DefaultBlock is the 192.168.123.2-192.168.123.250 universe.
func DefaultBlock() Block {
	_, network, _ := net.ParseCIDR("192.168.123.0/24")
	return Block{Network: network, First: 2, Last: 250}
}

// NewBlock parses cidr and validates the host octet bounds.
func NewBlock(cidr string, first, last int) (Block, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return Block{}, fmt.Errorf("failed to parse network %q: %w", cidr, err)
	}
	b := Block{Network: network, First: first, Last: last}
	if err := b.Validate(); err != nil {
		return Block{}, err
	}
	return b, nil
}

// Validate checks the block invariants. Last is capped one below the
// top host octet so that the reserved range end Last+1 is still a
// valid address.
func (b Block) Validate() error {
	if b.Network == nil || b.Network.IP.To4() == nil {
		return fmt.Errorf("block requires an IPv4 network")
	}
	if ones, bits := b.Network.Mask.Size(); bits != 32 || ones > 24 {
		return fmt.Errorf("block network %s must cover at least a /24", b.Network)
	}
	if b.First < 1 || b.First > b.Last || b.Last > 253 {
		return fmt.Errorf("invalid block octets: first=%d last=%d", b.First, b.Last)
	}
	return nil
}

// Addr returns the address with the given host octet.
func (b Block) Addr(octet int) (types.IP, error) {
	if octet < 1 || octet > 254 {
		return nil, fmt.Errorf("host octet %d out of range", octet)
	}
	base := b.Network.IP.To4()
	ip := net.IPv4(base[0], base[1], base[2], byte(octet)).To4()
	return types.IP(ip), nil
}

func (b Block) mustAddr(octet int) types.IP {
	ip, err := b.Addr(octet)
	if err != nil {
		panic(err)
	}
	return ip
}

// Octet returns the host octet of ip if it lies inside the block.
func (b Block) Octet(ip types.IP) (int, bool) {
	v4 := net.IP(ip).To4()
	if v4 == nil || !b.Network.Contains(v4) {
		return 0, false
	}
	octet := int(v4[3])
	if octet < b.First || octet > b.Last {
		return 0, false
	}
	return octet, true
}

// Contains reports whether ip lies inside the managed universe.
func (b Block) Contains(ip types.IP) bool {
	_, ok := b.Octet(ip)
	return ok
}

// Size returns the number of usable addresses in the block.
func (b Block) Size() int {
	return b.Last - b.First + 1
}

// CheckBoundary reports whether octet is a legal boundary value.
func (b Block) CheckBoundary(octet int) bool {
	return octet >= b.First && octet <= b.Last
}

// ReservedCapacity returns the number of addresses in [First, b+1].
func (b Block) ReservedCapacity(boundary int) int {
	return boundary + 1 - b.First + 1
}

// PoolCapacity returns the number of addresses in [b+2, Last].
func (b Block) PoolCapacity(boundary int) int {
	n := b.Last - (boundary + 1)
	if n < 0 {
		return 0
	}
	return n
}

// InReserved reports whether ip lies inside the reserved range for
// boundary b.
func (b Block) InReserved(ip types.IP, boundary int) bool {
	octet, ok := b.Octet(ip)
	return ok && octet >= b.First && octet <= boundary+1
}

// InPool reports whether ip lies inside the dynamic pool for boundary b.
func (b Block) InPool(ip types.IP, boundary int) bool {
	octet, ok := b.Octet(ip)
	return ok && octet >= boundary+2 && octet <= b.Last
}
