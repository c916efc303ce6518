// mqttctl publishes and subscribes from the command line using the
// mqttasync client over the paho engine.
//
// Usage:
//
//	mqttctl pub -t sensors/temp -m 21.5 [flags]
//	mqttctl sub -t 'sensors/#' [-t other/topic] [flags]
//
// Connection settings come from an optional YAML file (--config) and are
// overridden by flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vitalvas/mqttasync"
	"github.com/vitalvas/mqttasync/config"
	"github.com/vitalvas/mqttasync/pahoengine"
)

// newEngine creates the engine for a run. Tests replace it.
var newEngine = func(logger mqttasync.Logger) mqttasync.Engine {
	pahoengine.RouteLogging(logger)
	return pahoengine.New(pahoengine.WithLogger(logger))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	configFile string
	servers    []string
	clientID   string
	username   string
	password   string
	protocol   uint8
	keepAlive  uint16
	logLevel   string
	caFile     string
	certFile   string
	keyFile    string
	insecure   bool
	proxy      string
	timeout    time.Duration
}

func (f *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configFile, "config", "c", "", "path to YAML configuration file")
	fs.StringSliceVarP(&f.servers, "server", "s", nil, "broker URI, repeatable (tcp://, ssl://, ws://, wss://, unix://, quic://)")
	fs.StringVarP(&f.clientID, "client-id", "i", "", "client identifier (default: random UUID)")
	fs.StringVarP(&f.username, "username", "u", "", "username")
	fs.StringVarP(&f.password, "password", "P", "", "password")
	fs.Uint8Var(&f.protocol, "protocol", mqttasync.ProtocolV311, "MQTT protocol version (4 or 5)")
	fs.Uint16Var(&f.keepAlive, "keep-alive", 60, "keep alive interval in seconds")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error, none")
	fs.StringVar(&f.caFile, "ca-file", "", "CA certificate file for TLS")
	fs.StringVar(&f.certFile, "cert-file", "", "client certificate file for mutual TLS")
	fs.StringVar(&f.keyFile, "key-file", "", "client key file for mutual TLS")
	fs.BoolVar(&f.insecure, "insecure", false, "skip TLS certificate verification")
	fs.StringVar(&f.proxy, "proxy", "", "proxy URL (http://, https://, socks5://)")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "timeout for connect and acknowledgements")
}

// load reads the configuration file and applies the flags that were set.
func (f *commonFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}

	if fs.Changed("server") {
		cfg.Connection.Servers = f.servers
	}
	if fs.Changed("client-id") {
		cfg.Connection.ClientID = f.clientID
	}
	if fs.Changed("username") {
		cfg.Connection.Username = f.username
	}
	if fs.Changed("password") {
		cfg.Connection.Password = f.password
	}
	if fs.Changed("protocol") {
		cfg.Connection.ProtocolVersion = f.protocol
	}
	if fs.Changed("keep-alive") {
		cfg.Connection.KeepAlive = f.keepAlive
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("ca-file") {
		cfg.TLS.Enabled = true
		cfg.TLS.CAFile = f.caFile
	}
	if fs.Changed("cert-file") || fs.Changed("key-file") {
		cfg.TLS.Enabled = true
		cfg.TLS.CertFile = f.certFile
		cfg.TLS.KeyFile = f.keyFile
	}
	if fs.Changed("insecure") {
		cfg.TLS.Enabled = true
		cfg.TLS.InsecureSkipVerify = f.insecure
	}
	if fs.Changed("proxy") {
		cfg.Proxy.URL = f.proxy
	}
	if fs.Changed("timeout") {
		cfg.Connection.ConnectTimeout = f.timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("missing command")
	}

	switch args[0] {
	case "pub", "publish":
		return runPub(ctx, args[1:], stdin, stderr)
	case "sub", "subscribe":
		return runSub(ctx, args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `mqttctl publishes and subscribes to an MQTT broker.

Usage:
  mqttctl pub -t TOPIC [-m MESSAGE | --stdin] [flags]
  mqttctl sub -t FILTER [-t FILTER ...] [flags]

Run "mqttctl pub --help" or "mqttctl sub --help" for the flags.
`)
}

// session connects a client built from cfg. The caller must call the
// returned close function.
func session(cfg *config.Config, stderr io.Writer, timeout time.Duration) (*mqttasync.Client, func(), error) {
	logger := cfg.Logger(stderr)

	opts, err := cfg.ConnectOptions()
	if err != nil {
		return nil, nil, err
	}

	client := mqttasync.NewClient(newEngine(logger), cfg.ClientOptions(logger)...)
	if _, err := client.Connect(opts).WaitTimeout(timeout); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	closeFn := func() {
		if err := client.Disconnect(250 * time.Millisecond).WaitTimeout(timeout); err != nil {
			logger.Warn("disconnect failed", mqttasync.LogFields{mqttasync.LogFieldError: err.Error()})
		}
		client.Close()
	}
	return client, closeFn, nil
}
