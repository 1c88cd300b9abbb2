// Command throttlenode runs a standalone libp2p host speaking a tiny
// echo protocol wrapped in throttled request/response framing. It
// exists to exercise the throttle engine against a real network stack
// and to expose its budget/credit counters over Prometheus.
package main

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/throttled-reqresp/reqresp"
	"github.com/ethereum-optimism/throttled-reqresp/throttle"
)

const echoProtocol protocol.ID = "/throttlenode/echo/1"

func main() {
	app := &cli.App{
		Name:  "throttlenode",
		Usage: "run a libp2p host with per-peer request throttling",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "/ip4/0.0.0.0/tcp/0", Usage: "multiaddr to listen on"},
			&cli.StringFlag{Name: "metrics-addr", Value: "127.0.0.1:6060", Usage: "address to serve /metrics on"},
			&cli.UintFlag{Name: "default-limit", Value: 8, Usage: "default inbound requests granted per peer"},
			&cli.IntFlag{Name: "offline-cache-size", Value: 8192, Usage: "offline peer cache LRU capacity"},
			&cli.StringSliceFlag{Name: "peer", Usage: "multiaddr of a peer to dial on startup"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// EchoRequest and EchoResponse are the demo application payload types the
// JSON codec frames underneath the throttle header.
type EchoRequest struct {
	Text string `json:"text"`
}

type EchoResponse struct {
	Text string `json:"text"`
}

func run(cctx *cli.Context) error {
	logger := log.New("app", "throttlenode")
	log.Root().SetHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(true)))

	listenAddr, err := ma.NewMultiaddr(cctx.String("listen"))
	if err != nil {
		return fmt.Errorf("invalid --listen: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(listenAddr))
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	defer h.Close()

	logger.Info("host created", "id", h.ID(), "addrs", h.Addrs())

	cfg := throttle.DefaultConfig()
	cfg.DefaultReceiveLimit = uint16(cctx.Uint("default-limit"))
	cfg.OfflineCacheSize = cctx.Int("offline-cache-size")

	appCodec := throttle.NewJSONCodec[EchoRequest, EchoResponse](echoProtocol)
	framing := throttle.NewFramingCodec[EchoRequest, EchoResponse](appCodec, cfg.MaxFrameSize)
	inner := reqresp.NewLibP2PBehaviour[throttle.WireRequest[EchoRequest], throttle.WireResponse[EchoResponse]](
		logger, h, framing, reqresp.InboundOutbound)

	engine := throttle.NewEngine[EchoRequest, EchoResponse](logger, randomInstanceID(), inner, cfg)
	defer engine.Close()

	h.Network().Notify(&notifiee{engine: engine})

	for _, addrStr := range cctx.StringSlice("peer") {
		addr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			logger.Warn("invalid --peer multiaddr", "addr", addrStr, "err", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			logger.Warn("invalid --peer multiaddr", "addr", addrStr, "err", err)
			continue
		}
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		if err := h.Connect(context.Background(), *info); err != nil {
			logger.Warn("failed to dial peer", "peer", info.ID, "err", err)
		}
	}

	go serveMetrics(logger, cctx.String("metrics-addr"))
	go respondToEchoes(logger, engine)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// respondToEchoes answers every inbound EchoRequest with the same text,
// demonstrating the throttle.Engine.SendResponse credit-replenishment
// path.
func respondToEchoes(logger log.Logger, engine *throttle.Engine[EchoRequest, EchoResponse]) {
	for ev := range engine.Events() {
		switch v := ev.(type) {
		case throttle.RequestReceived[EchoRequest, EchoResponse]:
			logger.Info("request received", "peer", v.Peer, "text", v.Request.Text)
			engine.SendResponse(v.Channel, EchoResponse{Text: v.Request.Text})
		case throttle.ResponseReceived[EchoRequest, EchoResponse]:
			logger.Info("response received", "peer", v.Peer, "text", v.Response.Text)
		case throttle.TooManyInboundRequests[EchoRequest, EchoResponse]:
			logger.Warn("peer exceeded recv_budget", "peer", v.Peer)
		case throttle.ResumeSending[EchoRequest, EchoResponse]:
			logger.Info("resumed sending", "peer", v.Peer)
		case throttle.OutboundFailure[EchoRequest, EchoResponse]:
			logger.Warn("outbound failure", "peer", v.Peer, "err", v.Err)
		case throttle.InboundFailure[EchoRequest, EchoResponse]:
			logger.Warn("inbound failure", "peer", v.Peer, "err", v.Err)
		}
	}
}

func serveMetrics(logger log.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

// notifiee adapts libp2p's connection-lifecycle callbacks onto the
// direct-call lifecycle hooks the throttle engine expects.
type notifiee struct {
	engine *throttle.Engine[EchoRequest, EchoResponse]
}

func (n *notifiee) Connected(_ network.Network, c network.Conn) {
	n.engine.Connected(c.RemotePeer())
}

func (n *notifiee) Disconnected(_ network.Network, c network.Conn) {
	n.engine.Disconnected(c.RemotePeer())
}

func (n *notifiee) ClosedStream(network.Network, network.Stream) {}
func (n *notifiee) OpenedStream(network.Network, network.Stream) {}
func (n *notifiee) Listen(network.Network, ma.Multiaddr)         {}
func (n *notifiee) ListenClose(network.Network, ma.Multiaddr)    {}

// randomInstanceID mints the per-process correlation id threaded through
// every throttle.Engine log line. The engine treats the random source as
// the host's concern, not its own.
func randomInstanceID() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 1
	}
	return binary.BigEndian.Uint64(buf[:])
}
