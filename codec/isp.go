package codec

import (
	"fmt"
	"maps"
	"net"
	"slices"
)

// ISPType identifies the carrier network an address belongs to. Values are bit flags so
// a host reachable over several carriers can be described by their union.
type ISPType uint32

const (
	ISPCTL   ISPType = 1 // China Telecom
	ISPCNC   ISPType = 2 // China Unicom
	ISPMulti ISPType = 3
	ISPCNII  ISPType = 4
	ISPEDU   ISPType = 8
	ISPWBN   ISPType = 16
	ISPMOB   ISPType = 32
	ISPBGP   ISPType = 64
	ISPHK    ISPType = 128
	ISPBRA   ISPType = 256
)

func (t ISPType) String() string {
	switch t {
	case ISPCTL:
		return "ctl"
	case ISPCNC:
		return "cnc"
	case ISPMulti:
		return "multi"
	case ISPCNII:
		return "cnii"
	case ISPEDU:
		return "edu"
	case ISPWBN:
		return "wbn"
	case ISPMOB:
		return "mob"
	case ISPBGP:
		return "bgp"
	case ISPHK:
		return "hk"
	case ISPBRA:
		return "bra"
	default:
		return fmt.Sprintf("isp(%d)", uint32(t))
	}
}

// ParseISP is the inverse of ISPType.String for the named carriers.
func ParseISP(s string) (ISPType, error) {
	for _, t := range []ISPType{ISPCTL, ISPCNC, ISPMulti, ISPCNII, ISPEDU, ISPWBN, ISPMOB, ISPBGP, ISPHK, ISPBRA} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("codec: unknown isp %q", s)
}

// IPv4ToUint32 packs ip with its first octet in the low byte, which is how the registry's
// peers store addresses. Non-IPv4 input is an error.
func IPv4ToUint32(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("codec: %v is not an IPv4 address", ip)
	}
	return uint32(v4[0]) | uint32(v4[1])<<8 | uint32(v4[2])<<16 | uint32(v4[3])<<24, nil
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) net.IP {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func packIPList(ips map[ISPType]uint32) []int64 {
	out := make([]int64, 0, len(ips))
	for _, isp := range slices.Sorted(maps.Keys(ips)) {
		out = append(out, int64(isp)<<32|int64(ips[isp]))
	}
	return out
}

func unpackIPList(packed []int64) map[ISPType]uint32 {
	ips := make(map[ISPType]uint32, len(packed))
	for _, v := range packed {
		ips[ISPType(uint64(v)>>32)] = uint32(v)
	}
	return ips
}

func splitProperties(props map[string]string) (keys, vals []string) {
	keys = slices.Sorted(maps.Keys(props))
	vals = make([]string, len(keys))
	for i, k := range keys {
		vals[i] = props[k]
	}
	return keys, vals
}
