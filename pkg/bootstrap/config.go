package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/amirimatin/go-peerwatch/pkg/cluster"
	dFile "github.com/amirimatin/go-peerwatch/pkg/discovery/file"
	tlsx "github.com/amirimatin/go-peerwatch/pkg/security/tlsconfig"
)

// Environment variables consulted for defaults. They match what a pod gets
// from the downward API and its service definition.
const (
	EnvPodName         = "POD_NAME"
	EnvPodIP           = "POD_IP"
	EnvServiceName     = "SERVICE_NAME"
	EnvNamespace       = "NAMESPACE"
	EnvServicePortName = "SERVICE_PORT_NAME"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("bootstrap: invalid config")

// Config defines the inputs needed to assemble a node. Exactly one of DNS,
// Kube, Etcd and File must be set.
type Config struct {
	// NodeID defaults to $POD_NAME, then the hostname, then a random UUID.
	NodeID string `yaml:"nodeId"`
	// AdvertiseHost is how peers reach this node; defaults to $POD_IP.
	AdvertiseHost string `yaml:"advertiseHost"`
	// AdvertisePort narrows self detection to host:port, which matters when
	// several nodes share a host. Etcd registration uses it as its default port.
	AdvertisePort int `yaml:"advertisePort" validate:"gte=0,lte=65535"`

	DNS  *DNSConfig  `yaml:"dns" validate:"omitempty"`
	Kube *KubeConfig `yaml:"kube" validate:"omitempty"`
	Etcd *EtcdConfig `yaml:"etcd" validate:"omitempty"`
	File *FileConfig `yaml:"file" validate:"omitempty"`

	// Debounce: zero uses the cluster default, negative disables.
	Debounce         time.Duration `yaml:"debounce"`
	FlapTolerance    int           `yaml:"flapTolerance" validate:"gte=0"`
	CycleInterval    time.Duration `yaml:"cycleInterval" validate:"gte=0"`
	SubscriberBuffer int           `yaml:"subscriberBuffer" validate:"gte=0"`

	Probe  ProbeConfig   `yaml:"probe"`
	Mgmt   MgmtConfig    `yaml:"mgmt"`
	Gossip *GossipConfig `yaml:"gossip" validate:"omitempty"`
	Log    LogConfig     `yaml:"log"`
	Trace  bool          `yaml:"trace"`

	// Logger overrides Log when set.
	Logger *zap.Logger `yaml:"-" validate:"-"`
	// Handlers receive every committed event.
	Handlers []cluster.EventHandler `yaml:"-" validate:"-"`
}

// DNSConfig selects SRV polling. Name wins over the parts it is built from.
type DNSConfig struct {
	Name      string `yaml:"name"`
	PortName  string `yaml:"portName" validate:"required_without=Name"`
	Service   string `yaml:"service" validate:"required_without=Name"`
	Namespace string `yaml:"namespace" validate:"required_without=Name"`
	Domain    string `yaml:"domain"`

	Interval       time.Duration `yaml:"interval" validate:"gte=0"`
	CacheTTL       time.Duration `yaml:"cacheTTL" validate:"gte=0"`
	StalenessBound time.Duration `yaml:"stalenessBound" validate:"gte=0"`

	// Resolver "miekg" queries Servers (or resolv.conf) directly; the default
	// uses the system resolver.
	Resolver string        `yaml:"resolver" validate:"omitempty,oneof=system miekg"`
	Servers  []string      `yaml:"servers"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`

	Backoff BackoffConfig `yaml:",inline"`
}

// BackoffConfig bounds the retry delay after a failed query or a dropped
// watch. Zero values use the backend defaults (500ms doubling to 30s).
type BackoffConfig struct {
	BackoffInitial time.Duration `yaml:"backoffInitial" validate:"gte=0"`
	BackoffMax     time.Duration `yaml:"backoffMax" validate:"gte=0"`
}

// KubeConfig selects the pods watch.
type KubeConfig struct {
	APIServer     string `yaml:"apiServer" validate:"omitempty,url"`
	Namespace     string `yaml:"namespace" validate:"required"`
	LabelSelector string `yaml:"labelSelector"`
	Port          int    `yaml:"port" validate:"required_without=PortName,gte=0,lte=65535"`
	PortName      string `yaml:"portName"`
	TokenFile     string `yaml:"tokenFile"`
	CAFile        string `yaml:"caFile"`

	Backoff BackoffConfig `yaml:",inline"`
}

// EtcdConfig selects the etcd prefix watch.
type EtcdConfig struct {
	Endpoints   []string        `yaml:"endpoints" validate:"required,min=1,dive,required"`
	DialTimeout time.Duration   `yaml:"dialTimeout" validate:"gte=0"`
	Username    string          `yaml:"username"`
	Password    string          `yaml:"password"`
	Prefix      string          `yaml:"prefix"`
	Register    *RegisterConfig `yaml:"register" validate:"omitempty"`

	Backoff BackoffConfig `yaml:",inline"`
}

// RegisterConfig publishes this node under the etcd prefix.
type RegisterConfig struct {
	// Host and Port default to Config.AdvertiseHost and AdvertisePort.
	Host string        `yaml:"host" validate:"required"`
	Port int           `yaml:"port" validate:"required,min=1,max=65535"`
	TTL  time.Duration `yaml:"ttl" validate:"gte=0"`
}

// FileConfig selects the static peer document.
type FileConfig struct {
	Path           string          `yaml:"path" validate:"required_without=Env"`
	Env            string          `yaml:"env"`
	ReloadInterval time.Duration   `yaml:"reloadInterval" validate:"gte=0"`
	S3             dFile.S3Options `yaml:"s3"`
}

// ProbeConfig enables the connect handshake before a peer is accepted.
type ProbeConfig struct {
	Enable      bool          `yaml:"enable"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
}

// MgmtConfig configures the management API. An empty Addr disables it.
type MgmtConfig struct {
	Addr  string       `yaml:"addr"`
	Proto string       `yaml:"proto" validate:"omitempty,oneof=http grpc"`
	TLS   tlsx.Options `yaml:"tls"`
}

// GossipConfig enables the memberlist seeder.
type GossipConfig struct {
	Bind      string `yaml:"bind" validate:"required"`
	Advertise string `yaml:"advertise"`
	// Port joins peers on this port instead of their discovered one.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

type LogConfig struct {
	Format string `yaml:"format" validate:"omitempty,oneof=console text json"`
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(oneBackend, Config{})
	return v
}

func oneBackend(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	n := 0
	for _, set := range []bool{c.DNS != nil, c.Kube != nil, c.Etcd != nil, c.File != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		sl.ReportError(n, "backend", "Backend", "exactly_one", strconv.Itoa(n))
	}
}

// LoadFile reads a YAML config. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("bootstrap: read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("bootstrap: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields from the environment.
func (c *Config) ApplyDefaults() {
	c.applyDefaults(os.Getenv, os.Hostname)
}

func (c *Config) applyDefaults(getenv func(string) string, hostname func() (string, error)) {
	if c.NodeID == "" {
		c.NodeID = getenv(EnvPodName)
	}
	if c.NodeID == "" {
		if h, err := hostname(); err == nil {
			c.NodeID = h
		}
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.AdvertiseHost == "" {
		c.AdvertiseHost = getenv(EnvPodIP)
	}
	if d := c.DNS; d != nil && d.Name == "" {
		d.Service = orEnv(d.Service, getenv, EnvServiceName)
		d.Namespace = orEnv(d.Namespace, getenv, EnvNamespace)
		d.PortName = orEnv(d.PortName, getenv, EnvServicePortName)
	}
	if k := c.Kube; k != nil {
		k.Namespace = orEnv(k.Namespace, getenv, EnvNamespace)
	}
	if e := c.Etcd; e != nil && e.Register != nil {
		if e.Register.Host == "" {
			e.Register.Host = c.AdvertiseHost
		}
		if e.Register.Port == 0 {
			e.Register.Port = c.AdvertisePort
		}
	}
	if c.Mgmt.Proto == "" {
		c.Mgmt.Proto = "http"
	}
}

func orEnv(v string, getenv func(string) string, key string) string {
	if v != "" {
		return v
	}
	return getenv(key)
}

// SelfAddrs returns the advertised addresses that identify this node in
// discovery results: host:port when a port is known, else the bare host.
func (c Config) SelfAddrs() []string {
	if c.AdvertiseHost == "" {
		return nil
	}
	port := c.AdvertisePort
	if port == 0 && c.Etcd != nil && c.Etcd.Register != nil {
		port = c.Etcd.Register.Port
	}
	if port == 0 {
		return []string{c.AdvertiseHost}
	}
	return []string{net.JoinHostPort(c.AdvertiseHost, strconv.Itoa(port))}
}

// Validate checks field rules and that exactly one backend is configured.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, describe(e))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describe(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "exactly_one":
		return fmt.Sprintf("exactly one of dns, kube, etcd, file must be configured (found %s)", e.Param())
	case "required":
		return field + ": field is required"
	case "required_without":
		return fmt.Sprintf("%s: required when %s is empty", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s]", field, e.Param())
	case "gte", "min":
		return fmt.Sprintf("%s: must be at least %s", field, e.Param())
	case "lte", "max":
		return fmt.Sprintf("%s: must not exceed %s", field, e.Param())
	default:
		return fmt.Sprintf("%s: validation failed (%s)", field, e.Tag())
	}
}
