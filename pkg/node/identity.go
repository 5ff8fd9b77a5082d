package node

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

// DefaultPort is used when an address is given without one.
const DefaultPort = "7600"

var ErrBadIdentity = errors.New("node: bad identity")

// Identity names a node: where it listens and which tier it belongs to.
type Identity struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Tier int    `json:"tier" yaml:"tier"`
}

func (id Identity) Addr() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// String is "host:port/tier". ParseIdentity reads it back.
func (id Identity) String() string {
	return id.Addr() + "/" + strconv.Itoa(id.Tier)
}

func (id Identity) IsZero() bool { return id == Identity{} }

// ParseIdentity reads "host[:port][/tier]". Missing parts default to DefaultPort and tier 0.
func ParseIdentity(s string) (Identity, error) {
	addr := strings.TrimSpace(s)
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	addr, tierStr, hasTier := strings.Cut(addr, "/")
	tier := 0
	if hasTier {
		t, err := strconv.Atoi(tierStr)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: tier %q", ErrBadIdentity, tierStr)
		}
		tier = t
	}
	host, portStr, err := net.SplitHostPort(NormalizeHostPort(addr, DefaultPort))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xFFFF {
		return Identity{}, fmt.Errorf("%w: port %q", ErrBadIdentity, portStr)
	}
	if host == "" {
		return Identity{}, fmt.Errorf("%w: empty host in %q", ErrBadIdentity, s)
	}
	return Identity{Host: host, Port: port, Tier: tier}, nil
}

// ParseIdentities parses a comma separated list, skipping empty items.
func ParseIdentities(s string) ([]Identity, error) {
	var out []Identity
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, err := ParseIdentity(part)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// IdentityCodec encodes identities as [u32 port][u8 len][host][i32 tier].
type IdentityCodec struct{}

func (IdentityCodec) Append(dst []byte, id Identity) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, uint32(id.Port))
	dst, err := wire.AppendByteString(dst, []byte(id.Host))
	if err != nil {
		return dst, err
	}
	return binary.BigEndian.AppendUint32(dst, uint32(int32(id.Tier))), nil
}

func (IdentityCodec) Decode(b []byte) (Identity, int, error) {
	if len(b) < 4 {
		return Identity{}, 0, fmt.Errorf("%w: identity port", wire.ErrMalformedPacket)
	}
	port := binary.BigEndian.Uint32(b)
	host, rest, err := wire.ReadByteString(b[4:])
	if err != nil {
		return Identity{}, 0, err
	}
	if len(rest) < 4 {
		return Identity{}, 0, fmt.Errorf("%w: identity tier", wire.ErrMalformedPacket)
	}
	tier := int32(binary.BigEndian.Uint32(rest))
	used := len(b) - len(rest) + 4
	return Identity{Host: string(host), Port: int(port), Tier: int(tier)}, used, nil
}
