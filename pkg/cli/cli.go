package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/go-peerwatch/pkg/bootstrap"
	tlsx "github.com/amirimatin/go-peerwatch/pkg/security/tlsconfig"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

// AddAll attaches peerwatch subcommands (run/snapshot/status/refresh/watch) to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewSnapshotCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewRefreshCmd())
	root.AddCommand(NewWatchCmd())
}

// NewPeersCommand returns a parent command "peers" containing the same
// subcommands, for services that embed them under their own root.
func NewPeersCommand() *cobra.Command {
	parent := &cobra.Command{Use: "peers", Short: "peer discovery commands"}
	AddAll(parent)
	return parent
}

// NewRunCmd returns the "run" command used to start a discovery node. Flags
// override values loaded from --config.
func NewRunCmd() *cobra.Command {
	var (
		configPath string
		over       bootstrap.Config
		file       bootstrap.FileConfig
		dns        bootstrap.DNSConfig
		kube       bootstrap.KubeConfig
		etcd       bootstrap.EtcdConfig
		gossip     bootstrap.GossipConfig
		tlsOpts    tlsx.Options
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a discovery node",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg bootstrap.Config
			if configPath != "" {
				c, err := bootstrap.LoadFile(configPath)
				if err != nil {
					return err
				}
				cfg = c
			}
			applyRunFlags(cmd.Flags(), &cfg, over, file, dns, kube, etcd, gossip, tlsOpts)

			ctx, cancel := signalContext()
			defer cancel()
			node, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peerwatch running (mgmt %s). Press Ctrl+C to exit.\n", node.MgmtAddr())
			select {
			case <-ctx.Done():
			case <-node.Done():
			}
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return errors.Join(node.Err(), node.Stop(sctx))
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.StringVar(&over.NodeID, "id", "", "node id (default $POD_NAME, hostname, or a random uuid)")
	f.StringVar(&over.AdvertiseHost, "advertise-host", "", "address peers reach this node on (default $POD_IP)")
	f.IntVar(&over.AdvertisePort, "advertise-port", 0, "port peers reach this node on; with --advertise-host it identifies this node in discovery results")
	f.DurationVar(&over.Debounce, "debounce", 0, "coalescing window for raw updates (negative disables)")
	f.IntVar(&over.FlapTolerance, "flap-tolerance", 0, "cycles a peer may be absent or not ready before removal")
	f.DurationVar(&over.CycleInterval, "cycle", 0, "flap tolerance cycle for watch backends")
	f.BoolVar(&over.Probe.Enable, "probe", false, "connect to each discovered peer before accepting it")
	f.StringVar(&over.Mgmt.Addr, "mgmt-addr", "", "management address (host:port); empty disables the API")
	f.StringVar(&over.Mgmt.Proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	f.StringVar(&over.Log.Format, "log-format", "", "log format: console|json (default $PEERWATCH_LOG_FORMAT)")
	f.StringVar(&over.Log.Level, "log-level", "", "log level: debug|info|warn|error")
	f.BoolVar(&over.Trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")

	f.StringVar(&file.Path, "file", "", "static peer document: path or s3://bucket/key")
	f.StringVar(&file.Env, "file-env", "", "ENV var holding CSV host:port peers; overrides the document")
	f.DurationVar(&file.ReloadInterval, "file-reload", 0, "reload interval for the peer document")
	f.StringVar(&dns.Name, "dns-name", "", "SRV name to poll (e.g. _peer._tcp.example.com)")
	f.StringVar(&dns.Service, "dns-service", "", "service for the SRV name (default $SERVICE_NAME)")
	f.StringVar(&dns.Namespace, "dns-namespace", "", "namespace for the SRV name (default $NAMESPACE)")
	f.StringVar(&dns.PortName, "dns-port-name", "", "port name for the SRV name (default $SERVICE_PORT_NAME)")
	f.DurationVar(&dns.Interval, "dns-interval", 0, "DNS poll interval")
	f.StringSliceVar(&dns.Servers, "dns-servers", nil, "query these nameservers directly (host:port)")
	f.StringVar(&kube.Namespace, "kube-namespace", "", "namespace to watch pods in (default $NAMESPACE)")
	f.StringVar(&kube.LabelSelector, "kube-selector", "", "pod label selector")
	f.IntVar(&kube.Port, "kube-port", 0, "peer port")
	f.StringVar(&kube.PortName, "kube-port-name", "", "named container port used when --kube-port is unset")
	f.StringSliceVar(&etcd.Endpoints, "etcd-endpoints", nil, "etcd endpoints")
	f.StringVar(&etcd.Prefix, "etcd-prefix", "", "etcd registration prefix")
	f.StringVar(&gossip.Bind, "gossip-bind", "", "seed a memberlist pool bound to this address (host:port)")
	f.IntVar(&gossip.Port, "gossip-port", 0, "join discovered peers on this gossip port")
	addServerTLSFlags(f, &tlsOpts)
	return cmd
}

// applyRunFlags copies explicitly set flags onto cfg.
func applyRunFlags(f *pflag.FlagSet, cfg *bootstrap.Config, over bootstrap.Config,
	file bootstrap.FileConfig, dns bootstrap.DNSConfig, kube bootstrap.KubeConfig,
	etcd bootstrap.EtcdConfig, gossip bootstrap.GossipConfig, tlsOpts tlsx.Options) {
	set := f.Changed
	if set("id") {
		cfg.NodeID = over.NodeID
	}
	if set("advertise-host") {
		cfg.AdvertiseHost = over.AdvertiseHost
	}
	if set("advertise-port") {
		cfg.AdvertisePort = over.AdvertisePort
	}
	if set("debounce") {
		cfg.Debounce = over.Debounce
	}
	if set("flap-tolerance") {
		cfg.FlapTolerance = over.FlapTolerance
	}
	if set("cycle") {
		cfg.CycleInterval = over.CycleInterval
	}
	if set("probe") {
		cfg.Probe.Enable = over.Probe.Enable
	}
	if set("mgmt-addr") {
		cfg.Mgmt.Addr = over.Mgmt.Addr
	}
	if set("mgmt-proto") || cfg.Mgmt.Proto == "" {
		cfg.Mgmt.Proto = over.Mgmt.Proto
	}
	if set("log-format") {
		cfg.Log.Format = over.Log.Format
	}
	if set("log-level") {
		cfg.Log.Level = over.Log.Level
	}
	if set("trace") {
		cfg.Trace = over.Trace
	}

	if set("file") || set("file-env") || set("file-reload") {
		if cfg.File == nil {
			cfg.File = &bootstrap.FileConfig{}
		}
		if set("file") {
			cfg.File.Path = file.Path
		}
		if set("file-env") {
			cfg.File.Env = file.Env
		}
		if set("file-reload") {
			cfg.File.ReloadInterval = file.ReloadInterval
		}
	}
	if set("dns-name") || set("dns-service") || set("dns-namespace") || set("dns-port-name") || set("dns-interval") || set("dns-servers") {
		if cfg.DNS == nil {
			cfg.DNS = &bootstrap.DNSConfig{}
		}
		if set("dns-name") {
			cfg.DNS.Name = dns.Name
		}
		if set("dns-service") {
			cfg.DNS.Service = dns.Service
		}
		if set("dns-namespace") {
			cfg.DNS.Namespace = dns.Namespace
		}
		if set("dns-port-name") {
			cfg.DNS.PortName = dns.PortName
		}
		if set("dns-interval") {
			cfg.DNS.Interval = dns.Interval
		}
		if set("dns-servers") {
			cfg.DNS.Servers = dns.Servers
		}
	}
	if set("kube-namespace") || set("kube-selector") || set("kube-port") || set("kube-port-name") {
		if cfg.Kube == nil {
			cfg.Kube = &bootstrap.KubeConfig{}
		}
		if set("kube-namespace") {
			cfg.Kube.Namespace = kube.Namespace
		}
		if set("kube-selector") {
			cfg.Kube.LabelSelector = kube.LabelSelector
		}
		if set("kube-port") {
			cfg.Kube.Port = kube.Port
		}
		if set("kube-port-name") {
			cfg.Kube.PortName = kube.PortName
		}
	}
	if set("etcd-endpoints") || set("etcd-prefix") {
		if cfg.Etcd == nil {
			cfg.Etcd = &bootstrap.EtcdConfig{}
		}
		if set("etcd-endpoints") {
			cfg.Etcd.Endpoints = etcd.Endpoints
		}
		if set("etcd-prefix") {
			cfg.Etcd.Prefix = etcd.Prefix
		}
	}
	if set("gossip-bind") || set("gossip-port") {
		if cfg.Gossip == nil {
			cfg.Gossip = &bootstrap.GossipConfig{}
		}
		if set("gossip-bind") {
			cfg.Gossip.Bind = gossip.Bind
		}
		if set("gossip-port") {
			cfg.Gossip.Port = gossip.Port
		}
	}
	if set("tls-enable") {
		cfg.Mgmt.TLS = tlsOpts
	}
}

// clientFlags are shared by every command that talks to a running node.
type clientFlags struct {
	addr    string
	proto   string
	timeout time.Duration
	tls     tlsx.Options
}

func (c *clientFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port or URL)")
	f.StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
	f.BoolVar(&c.tls.Enable, "tls-enable", false, "enable mTLS for management transport")
	f.StringVar(&c.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
	f.StringVar(&c.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
	f.StringVar(&c.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
	f.BoolVar(&c.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	f.StringVar(&c.tls.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) client() (transport.RPCClient, error) {
	cli, err := bootstrap.NewClient(bootstrap.MgmtConfig{Proto: c.proto, TLS: c.tls}, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("tls client config: %w", err)
	}
	return cli, nil
}

func addServerTLSFlags(f *pflag.FlagSet, o *tlsx.Options) {
	f.BoolVar(&o.Enable, "tls-enable", false, "enable TLS (mTLS with --tls-ca) for the management API")
	f.StringVar(&o.CAFile, "tls-ca", "", "path to CA cert used to verify clients (PEM)")
	f.StringVar(&o.CertFile, "tls-cert", "", "path to node certificate (PEM)")
	f.StringVar(&o.KeyFile, "tls-key", "", "path to node private key (PEM)")
	f.BoolVar(&o.HotReload, "tls-hot-reload", false, "re-read the key pair on rotation")
}

// NewSnapshotCmd returns the "snapshot" command.
func NewSnapshotCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current membership snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			snap, err := cli.GetSnapshot(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("snapshot error: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cf.register(cmd)
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			data, err := cli.GetStatus(ctx, cf.addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			out := cmd.OutOrStdout()
			out.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				out.Write([]byte("\n"))
			}
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

// NewRefreshCmd returns the "refresh" command.
func NewRefreshCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Ask a node to re-query its discovery backend now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
			defer cancel()
			if err := cli.PostRefresh(ctx, cf.addr); err != nil {
				return fmt.Errorf("refresh error: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "refresh requested")
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

var errEnough = errors.New("enough frames")

// NewWatchCmd returns the "watch" command. It prints the snapshot and then
// every membership event as one JSON object per line.
func NewWatchCmd() *cobra.Command {
	var (
		cf    clientFlags
		count int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the snapshot and membership events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cf.client()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			err = cli.Watch(ctx, cf.addr, func(m transport.StreamMessage) error {
				if err := enc.Encode(m); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return errEnough
				}
				return nil
			})
			if err != nil && !errors.Is(err, errEnough) {
				return fmt.Errorf("watch error: %w", err)
			}
			return nil
		},
	}
	cf.register(cmd)
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many frames (0 = until interrupted)")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
