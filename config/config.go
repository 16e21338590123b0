// Package config parses the CLI options named in §6: repeatable
// udpport=/addudpnode=/addtrustedudpnode=/udpmulticast=/udpmulticasttx=
// entries plus the single udpmulticastloginterval= value. Parse never
// calls os.Exit; per the error handling policy a configuration parse
// error is fatal to the process, and it is the caller's (cmd/udprelay's)
// job to act on that by refusing to start.
package config

import (
	"flag"
	"time"
)

// Config holds every parsed CLI option.
type Config struct {
	Flagset *flag.FlagSet

	Ports        []PortBinding
	UnicastPeers []UnicastPeer
	MulticastRx  []MulticastRx
	MulticastTx  []MulticastTx

	LogIntervalSeconds int
}

// New constructs a Config with its flag set registered but not yet
// parsed, in the same style as cmd/common's GlobalFlags.
func New(name string) *Config {
	c := &Config{
		Flagset:            flag.NewFlagSet(name, flag.ContinueOnError),
		LogIntervalSeconds: 60,
	}
	c.Flagset.Var(portBindingList{out: &c.Ports}, "udpport",
		"P,G[,Mbps]: bind group G to UDP port P at rate Mbps (repeatable)")
	c.Flagset.Var(unicastPeerList{out: &c.UnicastPeers, trusted: false}, "addudpnode",
		"host:port,local_pass,remote_pass[,group]: persistent unicast peer (repeatable)")
	c.Flagset.Var(unicastPeerList{out: &c.UnicastPeers, trusted: true}, "addtrustedudpnode",
		"same as addudpnode, marked trusted (repeatable)")
	c.Flagset.Var(multicastRxList{out: &c.MulticastRx}, "udpmulticast",
		"iface,ip:port,tx_ip[,trusted[,groupname]]: receive multicast stream (repeatable)")
	c.Flagset.Var(multicastTxList{out: &c.MulticastTx}, "udpmulticasttx",
		"iface,ip:port,bw_bps,txn_per_sec[,ttl[,depth[,offset[,dscp[,interleave]]]]]: transmit multicast stream (repeatable)")
	c.Flagset.IntVar(&c.LogIntervalSeconds, "udpmulticastloginterval", 60,
		"stats log interval in seconds")
	return c
}

// Parse parses args (typically os.Args[1:]) into the Config's fields.
func (c *Config) Parse(args []string) error {
	return c.Flagset.Parse(args)
}

// LogInterval returns the stats log interval as a time.Duration.
func (c *Config) LogInterval() time.Duration {
	return time.Duration(c.LogIntervalSeconds) * time.Second
}
