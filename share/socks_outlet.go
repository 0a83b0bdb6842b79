package pnshare

import (
	"context"
	"io/ioutil"
	"log"
	"net"
	"os"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"
)

// NewSocksOutlet creates an outlet worker at addr whose portal sessions are
// served by an embedded SOCKS5 proxy instead of a fixed TCP target. The proxy
// listens on no port; each session gets one end of a socket pair and the
// proxy serves the other end, so remote inlets can reach arbitrary
// destinations through this node.
func NewSocksOutlet(logger Logger, router *Router, addr Address, cfg *NodeConfig) (*Outlet, error) {
	socksConfig := &socks5.Config{}
	if logger.GetLogLevel() >= LogLevelDebug {
		socksConfig.Logger = log.New(os.Stdout, "[socks]", log.Ldate|log.Ltime)
	} else {
		socksConfig.Logger = log.New(ioutil.Discard, "", 0)
	}
	socksServer, err := socks5.New(socksConfig)
	if err != nil {
		return nil, err
	}

	dial := func(ctx context.Context) (net.Conn, error) {
		// the session relays to one end of a socket pair; the proxy owns the
		// other end and dials wherever the SOCKS request asks
		sessConn, socksConn, err := socketpair.New("unix")
		if err != nil {
			return nil, err
		}
		go func() {
			if serr := socksServer.ServeConn(socksConn); serr != nil {
				logger.DLogf("SOCKS5 session ended: %s", serr)
			}
		}()
		return sessConn, nil
	}

	return newOutletWorker(logger, router, addr, "socks5", dial, cfg)
}
