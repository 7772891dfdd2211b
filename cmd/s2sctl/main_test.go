package main

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-s2s/codec"
	"mini-s2s/message"
)

func TestBuildEndpoint(t *testing.T) {
	ep, err := buildEndpoint([]string{"ctl=10.0.0.1", "cnc=10.0.1.1"}, 8080, 0, []string{"weight=3", "zone=a=b"})
	require.NoError(t, err)
	assert.Equal(t, net.IPv4(10, 0, 0, 1).To4(), ep.IPs[codec.ISPCTL])
	assert.Equal(t, net.IPv4(10, 0, 1, 1).To4(), ep.IPs[codec.ISPCNC])
	assert.Equal(t, "10.0.0.1:8080", ep.Addr())
	assert.Equal(t, 3, ep.Weight())
	assert.Equal(t, "a=b", ep.Properties["zone"])

	for _, bad := range [][]string{{"10.0.0.1"}, {"mars=10.0.0.1"}, {"ctl=::1"}} {
		_, err := buildEndpoint(bad, 1, 0, nil)
		assert.Error(t, err, bad)
	}
	_, err = buildEndpoint([]string{"ctl=10.0.0.1"}, 1, 0, []string{"=x"})
	assert.Error(t, err)
}

func TestPrintEndpoint(t *testing.T) {
	ep, err := buildEndpoint([]string{"ctl=10.0.0.1"}, 80, 53, []string{"b=2", "a=1"})
	require.NoError(t, err)
	ep.Name, ep.ServerID, ep.GroupID = "svcB", 42, 7

	var buf bytes.Buffer
	printEndpoint(&buf, ep)
	assert.Equal(t, "ok    svcB server_id=42 group=7 addr=10.0.0.1:80 udp=53 props=[a=1 b=2]\n", buf.String())

	buf.Reset()
	printMeta(&buf, message.Meta{Name: "svcB", ServerID: 1, Status: message.MetaDied, Type: message.TextPlain, Data: []byte("x")})
	assert.Equal(t, "died  svcB server_id=1 group=0 type=textplain ts=0 data=\"x\"\n", buf.String())
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["watch"])
	assert.True(t, names["register"])
	assert.True(t, names["fake-server"])
}
