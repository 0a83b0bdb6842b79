package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	pnshare "github.com/portalnode/portalnode/share"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [options]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(1)
}

// repeatable flag value, e.g. --outlet name=host:port --outlet other=host:port
type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func splitPair(v string) (string, string, error) {
	i := strings.Index(v, "=")
	if i <= 0 {
		return "", "", fmt.Errorf("expected name=value, got %q", v)
	}
	return v[:i], v[i+1:], nil
}

func main() {
	name := flag.String("name", "node", "node name used as log prefix")
	listen := flag.String("listen", "", "TCP link listen address, e.g. :9000")
	wsListen := flag.String("ws-listen", "", "websocket link listen address, e.g. :9001")
	seed := flag.String("seed", "", "deterministic identity seed (insecure; testing only)")
	authFile := flag.String("authfile", "", "path to authorized peer fingerprints file")
	debug := flag.Bool("debug", false, "enable debug logging")
	printVersion := flag.Bool("version", false, "print version and exit")

	var peers, outlets, socksOutlets, inlets, echoes multiFlag
	flag.Var(&peers, "peer", "outbound link as name=url (tcp://, ws:// or wss://); repeatable")
	flag.Var(&outlets, "outlet", "outlet as address=target-host:port; repeatable")
	flag.Var(&socksOutlets, "socks-outlet", "SOCKS5 outlet address; repeatable")
	flag.Var(&inlets, "inlet", "inlet as listen-addr=remote-outlet-address; repeatable")
	flag.Var(&echoes, "echo", "echo worker address; repeatable")

	flag.Usage = usage
	flag.Parse()

	if *printVersion {
		fmt.Println(pnshare.BuildVersion)
		return
	}

	cfg := &pnshare.NodeConfig{
		Name:                *name,
		ListenAddr:          *listen,
		WSListenAddr:        *wsListen,
		IdentitySeed:        *seed,
		AuthorizedPeersFile: *authFile,
		Debug:               *debug,
	}

	node, err := pnshare.NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "node start failed: %s\n", err)
		os.Exit(1)
	}

	fail := func(err error) {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		node.Close()
		os.Exit(1)
	}

	for _, p := range peers {
		pname, url, err := splitPair(p)
		if err != nil {
			fail(err)
		}
		if err := node.AddPeer(pname, url); err != nil {
			fail(err)
		}
	}
	for _, o := range outlets {
		addr, target, err := splitPair(o)
		if err != nil {
			fail(err)
		}
		if err := node.CreateOutlet(pnshare.Address(addr), target); err != nil {
			fail(err)
		}
	}
	for _, addr := range socksOutlets {
		if err := node.CreateSocksOutlet(pnshare.Address(addr)); err != nil {
			fail(err)
		}
	}
	for _, addr := range echoes {
		if err := node.CreateEcho(pnshare.Address(addr)); err != nil {
			fail(err)
		}
	}
	for i, in := range inlets {
		laddr, remote, err := splitPair(in)
		if err != nil {
			fail(err)
		}
		handle := fmt.Sprintf("inlet-%d", i)
		if _, err := node.CreateInlet(handle, laddr, pnshare.Address(remote)); err != nil {
			fail(err)
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		node.StartShutdown(nil)
	}()

	if err := node.WaitShutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "node exited: %s\n", err)
		os.Exit(1)
	}
}
