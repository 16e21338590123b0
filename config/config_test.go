package config_test

import (
	"testing"

	"github.com/Blockstream/bitcoinfibre/config"
	"github.com/stretchr/testify/require"
)

func TestParsePortBinding(t *testing.T) {
	c := config.New("test")
	require.NoError(t, c.Parse([]string{"-udpport=9000,high", "-udpport=9001,low,10"}))
	require.Len(t, c.Ports, 2)
	require.Equal(t, config.PortBinding{Port: 9000, Group: "high", Mbps: 1024}, c.Ports[0])
	require.Equal(t, config.PortBinding{Port: 9001, Group: "low", Mbps: 10}, c.Ports[1])
}

func TestParsePortBindingRejectsBadPort(t *testing.T) {
	c := config.New("test")
	err := c.Parse([]string{"-udpport=notaport,high"})
	require.Error(t, err)
}

func TestParseUnicastPeerAndTrustedVariant(t *testing.T) {
	c := config.New("test")
	require.NoError(t, c.Parse([]string{
		"-addudpnode=10.0.0.1:8336,lp,rp",
		"-addtrustedudpnode=10.0.0.2:8336,lp2,rp2,backfill",
	}))
	require.Len(t, c.UnicastPeers, 2)
	require.Equal(t, "10.0.0.1", c.UnicastPeers[0].Host)
	require.Equal(t, 8336, c.UnicastPeers[0].Port)
	require.False(t, c.UnicastPeers[0].Trusted)
	require.True(t, c.UnicastPeers[1].Trusted)
	require.Equal(t, "backfill", c.UnicastPeers[1].Group)
}

func TestParseMulticastRx(t *testing.T) {
	c := config.New("test")
	require.NoError(t, c.Parse([]string{
		"-udpmulticast=eth0,239.1.1.1:9000,203.0.113.5,1,fibre",
	}))
	require.Len(t, c.MulticastRx, 1)
	rx := c.MulticastRx[0]
	require.Equal(t, "eth0", rx.Iface)
	require.Equal(t, "239.1.1.1", rx.GroupHost)
	require.Equal(t, 9000, rx.GroupPort)
	require.Equal(t, "203.0.113.5", rx.TxIP)
	require.True(t, rx.Trusted)
	require.Equal(t, "fibre", rx.GroupName)
}

func TestParseMulticastTxWithOptionalFields(t *testing.T) {
	c := config.New("test")
	require.NoError(t, c.Parse([]string{
		"-udpmulticasttx=eth0,239.1.1.1:9001,1000000,100,4,2000,0,0,1",
	}))
	require.Len(t, c.MulticastTx, 1)
	tx := c.MulticastTx[0]
	require.Equal(t, 1000000.0, tx.BandwidthBps)
	require.Equal(t, 100.0, tx.TxnPerSec)
	require.Equal(t, 4, tx.TTL)
	require.Equal(t, int64(2000), tx.Depth)
	require.Equal(t, 1, tx.Interleave)
}

func TestParseMulticastTxDefaultsTTL(t *testing.T) {
	c := config.New("test")
	require.NoError(t, c.Parse([]string{"-udpmulticasttx=eth0,239.1.1.1:9001,1000000,100"}))
	require.Equal(t, 1, c.MulticastTx[0].TTL)
}

func TestParseLogInterval(t *testing.T) {
	c := config.New("test")
	require.NoError(t, c.Parse([]string{"-udpmulticastloginterval=30"}))
	require.Equal(t, 30*1000000000, int(c.LogInterval()))
}

func TestParseRejectsMalformedHostPort(t *testing.T) {
	c := config.New("test")
	err := c.Parse([]string{"-addudpnode=not-a-hostport,lp,rp"})
	require.Error(t, err)
}
