// Package config loads mtunnel settings from an optional TOML file and
// parses the server and group addresses given on the command line.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/js-labs/mtunnel/internal/protocol"
	"github.com/js-labs/mtunnel/internal/tunnel"
)

// Config is the complete runtime configuration. Durations are whole seconds.
type Config struct {
	Server        string
	Groups        []string
	Interface     string
	PingInterval  int
	DeadAfter     int
	SendQueue     int
	MetricsListen string
	Emit          bool
	EmitTTL       int
	Logfile       string
	Syslog        bool
	Verbose       bool
	Debug         bool
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		PingInterval: int(tunnel.DefaultPingInterval / time.Second),
		DeadAfter:    int(tunnel.DefaultDeadAfter / time.Second),
		SendQueue:    tunnel.DefaultSendQueue,
		EmitTTL:      1,
	}
}

type fileConfig struct {
	Server        string   `toml:"server"`
	Groups        []string `toml:"groups"`
	Interface     string   `toml:"interface"`
	PingInterval  int      `toml:"ping_interval"`
	DeadAfter     int      `toml:"dead_after"`
	SendQueue     int      `toml:"send_queue"`
	MetricsListen string   `toml:"metrics_listen"`
	Emit          bool     `toml:"emit"`
	EmitTTL       int      `toml:"emit_ttl"`
	Logfile       string   `toml:"logfile"`
	Syslog        bool     `toml:"syslog"`
	Verbose       bool     `toml:"verbose"`
	Debug         bool     `toml:"debug"`
}

// Load applies the keys defined in the TOML file at path onto cfg. Keys
// missing from the file leave cfg unchanged.
func Load(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("groups") {
		cfg.Groups = normalize(raw.Groups)
	}
	if meta.IsDefined("interface") {
		cfg.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("ping_interval") {
		cfg.PingInterval = raw.PingInterval
	}
	if meta.IsDefined("dead_after") {
		cfg.DeadAfter = raw.DeadAfter
	}
	if meta.IsDefined("send_queue") {
		cfg.SendQueue = raw.SendQueue
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("emit") {
		cfg.Emit = raw.Emit
	}
	if meta.IsDefined("emit_ttl") {
		cfg.EmitTTL = raw.EmitTTL
	}
	if meta.IsDefined("logfile") {
		cfg.Logfile = strings.TrimSpace(raw.Logfile)
	}
	if meta.IsDefined("syslog") {
		cfg.Syslog = raw.Syslog
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Mode says which side of the tunnel a process runs.
type Mode int

const (
	ModeServer Mode = iota
	ModeClient
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// ServerSpec is the parsed -s argument.
type ServerSpec struct {
	Mode Mode
	// Addr is the listen address in server mode and the server address in
	// client mode.
	Addr string
}

// ParseServerSpec interprets a bare port (or :port) as server mode and
// host:port as client mode.
func ParseServerSpec(s string) (ServerSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ServerSpec{}, errors.New("no server address")
	}
	if !strings.Contains(s, ":") {
		port, err := parsePort(s)
		if err != nil {
			return ServerSpec{}, err
		}
		return ServerSpec{Mode: ModeServer, Addr: net.JoinHostPort("", strconv.Itoa(int(port)))}, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ServerSpec{}, fmt.Errorf("invalid server address %q: %w", s, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return ServerSpec{}, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if host == "" {
		return ServerSpec{Mode: ModeServer, Addr: addr}, nil
	}
	return ServerSpec{Mode: ModeClient, Addr: addr}, nil
}

// ParseGroup parses group:port, resolving a host name if necessary.
// IPv4-mapped IPv6 addresses are returned in their IPv4 form.
func ParseGroup(ctx context.Context, s string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid group %q: %w", s, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid group %q: %w", s, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		addrs, lerr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if lerr != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid group %q: %w", s, lerr)
		}
		if len(addrs) == 0 {
			return netip.AddrPort{}, fmt.Errorf("invalid group %q: no address", s)
		}
		addr = addrs[0]
	}
	return netip.AddrPortFrom(addr.Unmap().WithZone(""), port), nil
}

// ParseGroups parses every group in order.
func ParseGroups(ctx context.Context, in []string) ([]netip.AddrPort, error) {
	groups := make([]netip.AddrPort, 0, len(in))
	for _, s := range in {
		g, err := ParseGroup(ctx, s)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	spec, err := ParseServerSpec(c.Server)
	if err != nil {
		errs = append(errs, err)
	} else if spec.Mode == ModeClient {
		if len(c.Groups) == 0 {
			errs = append(errs, errors.New("client mode needs at least one group"))
		}
		if len(c.Groups) > protocol.MaxGroups {
			errs = append(errs, fmt.Errorf("%d groups given, at most %d allowed", len(c.Groups), protocol.MaxGroups))
		}
	}
	if c.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("ping interval %d is negative", c.PingInterval))
	}
	if c.DeadAfter < 0 {
		errs = append(errs, fmt.Errorf("dead-after %d is negative", c.DeadAfter))
	}
	if c.DeadAfter > 0 && c.PingInterval > 0 && c.DeadAfter <= c.PingInterval {
		errs = append(errs, fmt.Errorf("dead-after %ds must exceed ping interval %ds", c.DeadAfter, c.PingInterval))
	}
	if c.DeadAfter > 0 && c.PingInterval == 0 {
		errs = append(errs, errors.New("dead-after requires a ping interval"))
	}
	if c.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("send queue %d must be positive", c.SendQueue))
	}
	return errors.Join(errs...)
}

// Tunnel returns the session settings.
func (c Config) Tunnel() tunnel.Config {
	return tunnel.Config{
		PingInterval: time.Duration(c.PingInterval) * time.Second,
		DeadAfter:    time.Duration(c.DeadAfter) * time.Second,
		SendQueue:    c.SendQueue,
		WriteTimeout: tunnel.DefaultWriteTimeout,
	}
}
