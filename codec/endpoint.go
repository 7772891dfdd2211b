package codec

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"

	"mini-s2s/errdefs"
	"mini-s2s/message"
)

// Endpoint is the network descriptor a service publishes as its Meta payload: one
// address per carrier network, ports and free-form properties.
type Endpoint struct {
	ServerID   int64
	Name       string
	GroupID    int32
	Status     message.MetaStatus
	IPs        map[ISPType]net.IP
	TCPPort    uint32
	UDPPort    uint32 // 0 when not published
	Properties map[string]string
}

// IP returns the address of the lowest numbered ISP, or nil without addresses.
func (e *Endpoint) IP() net.IP {
	if len(e.IPs) == 0 {
		return nil
	}
	return e.IPs[slices.Min(slices.Collect(maps.Keys(e.IPs)))]
}

// Addr returns "ip:tcp_port" for IP, or "" when there is none.
func (e *Endpoint) Addr() string {
	ip := e.IP()
	if ip == nil {
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(uint64(e.TCPPort), 10))
}

// PropWeight is the property a service uses to advertise its relative capacity.
const PropWeight = "weight"

// Weight returns the "weight" property, or 1 when it is missing or not a positive
// integer.
func (e *Endpoint) Weight() int {
	w, err := strconv.Atoi(e.Properties[PropWeight])
	if err != nil || w <= 0 {
		return 1
	}
	return w
}

// Encoder writes the payload fields of e into a new document.
func (e *Endpoint) Encoder() (*Encoder, error) {
	ips := make(map[ISPType]uint32, len(e.IPs))
	for isp, ip := range e.IPs {
		v, err := IPv4ToUint32(ip)
		if err != nil {
			return nil, err
		}
		ips[isp] = v
	}
	enc := NewEncoder()
	if err := enc.WriteIPList(ips); err != nil {
		return nil, err
	}
	if err := enc.WriteTCPPort(e.TCPPort); err != nil {
		return nil, err
	}
	if e.UDPPort != 0 {
		if err := enc.WriteUDPPort(e.UDPPort); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteProperties(e.Properties); err != nil {
		return nil, err
	}
	return enc, nil
}

// Encode returns the payload of e in the encoding of t.
func (e *Endpoint) Encode(t message.MetaType) ([]byte, error) {
	c, err := ForType(t)
	if err != nil {
		return nil, err
	}
	enc, err := e.Encoder()
	if err != nil {
		return nil, err
	}
	return c.Encode(enc)
}

// DecodeEndpoint reads the descriptor published in m. The address list is required,
// ports and properties are optional.
func DecodeEndpoint(m *message.Meta) (*Endpoint, error) {
	c, err := ForType(m.Type)
	if err != nil {
		return nil, err
	}
	d, err := c.Decode(m.Data)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s/%d: %w", m.Name, m.ServerID, err)
	}

	ep := &Endpoint{
		ServerID: m.ServerID,
		Name:     m.Name,
		GroupID:  m.GroupID,
		Status:   m.Status,
	}
	ips, err := d.ReadIPList()
	if err != nil {
		return nil, fmt.Errorf("endpoint %s/%d: %w", m.Name, m.ServerID, err)
	}
	ep.IPs = make(map[ISPType]net.IP, len(ips))
	for isp, v := range ips {
		ep.IPs[isp] = Uint32ToIPv4(v)
	}
	if ep.TCPPort, err = optional(d.ReadTCPPort()); err != nil {
		return nil, err
	}
	if ep.UDPPort, err = optional(d.ReadUDPPort()); err != nil {
		return nil, err
	}
	if ep.Properties, err = d.ReadProperties(); err != nil {
		return nil, err
	}
	return ep, nil
}

func optional(v uint32, err error) (uint32, error) {
	if errors.Is(err, errdefs.ErrNotFound) {
		return 0, nil
	}
	return v, err
}
