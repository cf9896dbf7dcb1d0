// Package discovery answers agent discovery probes over UDP so a fresh agent
// can find its server without manual configuration.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/server/config"
)

const (
	serviceAgent  = "sysmanage-agent"
	serviceServer = "sysmanage-server"

	maxDatagram  = 4096
	replyTimeout = 5 * time.Second
)

// request is a discovery probe from an agent.
type request struct {
	Service       string `json:"service"`
	Hostname      string `json:"hostname"`
	RequestConfig bool   `json:"request_config,omitempty"`
}

// response describes this server to the probing agent.
type response struct {
	Service     string         `json:"service"`
	Version     string         `json:"version"`
	Timestamp   string         `json:"timestamp"`
	ServerInfo  serverInfo     `json:"server_info"`
	Config      map[string]any `json:"default_config,omitempty"`
	NetworkInfo networkInfo    `json:"network_info"`
}

type serverInfo struct {
	Hostname             string `json:"hostname"`
	APIPort              int    `json:"api_port"`
	WebUIPort            int    `json:"webui_port"`
	UseSSL               bool   `json:"use_ssl"`
	WebsocketEndpoint    string `json:"websocket_endpoint"`
	RegistrationEndpoint string `json:"registration_endpoint"`
}

type networkInfo struct {
	Addresses []string `json:"addresses"`
}

// Beacon is the UDP responder.
type Beacon struct {
	cfg     *config.Config
	version string

	conn   *net.UDPConn
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg *config.Config, version string) *Beacon {
	return &Beacon{cfg: cfg, version: version}
}

// Start binds the configured address and begins answering probes. When
// announce is enabled a single best-effort broadcast tells already-running
// agents the server is back.
func (b *Beacon) Start(ctx context.Context) error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(b.cfg.Discovery.BindAddress),
		Port: b.cfg.Discovery.Port,
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind discovery socket: %w", err)
	}
	b.conn = conn
	slog.Info("discovery beacon listening", "addr", conn.LocalAddr())

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.serve(ctx)

	if b.cfg.Discovery.Announce {
		b.announce()
	}
	return nil
}

func (b *Beacon) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.wg.Wait()
}

// Addr returns the bound address, for callers that asked for an ephemeral
// port.
func (b *Beacon) Addr() net.Addr {
	return b.conn.LocalAddr()
}

func (b *Beacon) serve(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			slog.Warn("discovery read failed", "err", err)
			return
		}
		b.handle(buf[:n], peer)
	}
}

// handle answers one probe. Malformed or foreign datagrams are dropped
// without a reply; an open UDP port must not confirm its identity to
// arbitrary senders.
func (b *Beacon) handle(datagram []byte, peer *net.UDPAddr) {
	var req request
	if err := json.Unmarshal(datagram, &req); err != nil {
		return
	}
	if req.Service != serviceAgent || req.Hostname == "" {
		return
	}

	resp := b.describe(req.RequestConfig)
	blob, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode discovery response", "err", err)
		return
	}

	b.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	if _, err := b.conn.WriteToUDP(blob, peer); err != nil {
		slog.Warn("failed to answer discovery probe", "peer", peer, "err", err)
		return
	}
	slog.Debug("answered discovery probe", "peer", peer, "hostname", req.Hostname)
}

func (b *Beacon) describe(withConfig bool) response {
	hostname, _ := os.Hostname()
	scheme := "ws"
	if b.cfg.API.UseSSL {
		scheme = "wss"
	}

	resp := response{
		Service:   serviceServer,
		Version:   b.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ServerInfo: serverInfo{
			Hostname:             hostname,
			APIPort:              b.cfg.API.Port,
			WebUIPort:            b.cfg.WebUI.Port,
			UseSSL:               b.cfg.API.UseSSL,
			WebsocketEndpoint:    fmt.Sprintf("%s://%s:%d/api/agent/connect", scheme, hostname, b.cfg.API.Port),
			RegistrationEndpoint: "/host/register",
		},
		NetworkInfo: networkInfo{Addresses: localAddresses()},
	}
	if withConfig {
		resp.Config = map[string]any{
			"server": map[string]any{
				"hostname": hostname,
				"port":     b.cfg.API.Port,
				"use_ssl":  b.cfg.API.UseSSL,
			},
		}
	}
	return resp
}

// announce broadcasts a one-shot presence datagram. Failures are logged and
// ignored; discovery still works by probe.
func (b *Beacon) announce() {
	payload, err := json.Marshal(map[string]any{
		"service":   serviceServer,
		"event":     "server_announcement",
		"version":   b.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: b.cfg.Discovery.Port}
	conn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		slog.Debug("announcement skipped", "err", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		slog.Debug("announcement failed", "err", err)
	}
}

// localAddresses lists the machine's non-loopback IPv4 addresses.
func localAddresses() []string {
	var out []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				out = append(out, ipnet.IP.String())
			}
		}
	}
	return out
}
