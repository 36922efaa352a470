package config

import (
	"bytes"
	"debug/buildinfo"
	"encoding"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/romshark/stdin2tcp/engine"
	"github.com/romshark/stdin2tcp/internal/addrfilter"
	"github.com/romshark/stdin2tcp/internal/log"

	"github.com/romshark/yamagiconf"
)

// ArgEnableHTTP is the optional positional argument enabling the HTTP preamble.
const ArgEnableHTTP = "--enable-http"

var (
	// ErrUsage is returned by Parse when command line arguments are missing
	// or malformed.
	ErrUsage = errors.New("command line argument(s) is/are missing")

	// ErrVersion is returned by Parse when the -version flag is set.
	ErrVersion = errors.New("version requested")
)

type Config struct {
	// Host is the IPv4 address to bind the server socket to.
	// Example: "127.0.0.1".
	Host string `yaml:"host" validate:"required"`

	// Port is the TCP port to bind the server socket to.
	// Must be a user port in the exclusive range of (1024-49151).
	Port uint16 `yaml:"port" validate:"required"`

	// HTTP enables writing HTTP response headers to every client
	// before streaming, which allows clients like browsers and media players
	// to consume the stream.
	HTTP bool `yaml:"http"`

	// MaxClients is the number of clients served simultaneously.
	MaxClients uint32 `yaml:"max-clients" validate:"gte=1"`

	// BufferSize is the maximum number of bytes read from the input at once.
	BufferSize uint32 `yaml:"buffer-size" validate:"gte=1"`

	// WriteTimeout bounds every write to a client connection.
	// A client that can't receive a chunk in time is disconnected.
	// Zero disables the timeout.
	WriteTimeout time.Duration `yaml:"write-timeout"`

	// Allow defines glob expressions matching the IP addresses
	// of clients allowed to connect. All clients are allowed when empty.
	// Example: "192.168.1.*".
	Allow GlobList `yaml:"allow"`

	Input ConfigInput `yaml:"input"`

	// Metrics is optional, Prometheus metrics aren't served if nil.
	Metrics *ConfigMetrics `yaml:"metrics"`

	// Log specifies logging related configurations.
	Log ConfigLog `yaml:"log"`
}

func (c Config) Validate() error {
	if err := engine.ValidateHost(c.Host); err != nil {
		return err
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("negative write-timeout: %s", c.WriteTimeout)
	}
	if err := c.Allow.Validate(); err != nil {
		return fmt.Errorf("allow: %w", err)
	}
	return engine.ValidatePort(int(c.Port))
}

type ConfigInput struct {
	// Cmd is an optional shell command whose standard output is broadcast
	// instead of the standard input. Cmd is executed with `sh -c`.
	Cmd CmdStr `yaml:"cmd"`
}

type ConfigMetrics struct {
	// Host is the metrics HTTP server host address.
	// Example: "127.0.0.1:9100".
	Host string `yaml:"host" validate:"hostname_port,required"`
}

type ConfigLog struct {
	// Level accepts either of:
	//  - "": empty string is the same as "erronly"
	//  - "erronly": error logs only.
	//  - "verbose": verbose logging of relevant events.
	//  - "debug": verbose debug logging.
	Level LogLevel `yaml:"level"`
}

// Engine returns the engine configuration.
func (c *Config) Engine() engine.Config {
	conf := engine.Config{
		Host:         c.Host,
		Port:         int(c.Port),
		HTTPPreamble: c.HTTP,
		MaxClients:   int(c.MaxClients),
		BufferSize:   int(c.BufferSize),
		WriteTimeout: c.WriteTimeout,
		Allow:        []string(c.Allow),
	}
	if c.Metrics != nil {
		conf.MetricsHost = c.Metrics.Host
	}
	return conf
}

type LogLevel slog.Level

var _ encoding.TextUnmarshaler = new(LogLevel)

func (l *LogLevel) UnmarshalText(text []byte) error {
	lvl, err := log.ParseLevel(string(text))
	if err != nil {
		return fmt.Errorf("invalid log option %q: %w", string(text), err)
	}
	*l = LogLevel(lvl)
	return nil
}

// Level implements slog.Leveler.
func (l LogLevel) Level() slog.Level { return slog.Level(l) }

type CmdStr string

func (c *CmdStr) UnmarshalText(t []byte) error {
	*c = CmdStr(bytes.Trim(t, " \t\n\r"))
	return nil
}

// Cmd returns only the command without arguments.
func (c CmdStr) Cmd() string {
	if c == "" {
		return ""
	}
	return strings.Fields(string(c))[0]
}

type GlobList []string

func (e GlobList) Validate() error {
	for i, expr := range e {
		if _, err := addrfilter.Compile(expr); err != nil {
			return fmt.Errorf("at index %d: %w", i, err)
		}
	}
	return nil
}

// Default returns the configuration used when no config file is loaded.
func Default() Config {
	return Config{
		MaxClients: engine.DefaultMaxClients,
		BufferSize: engine.DefaultBufferSize,
		Log:        ConfigLog{Level: LogLevel(slog.LevelInfo)},
	}
}

// Usage returns the usage text for program.
func Usage(program string) string {
	return fmt.Sprintf("Generic Usage:\n"+
		"\t%[1]s [-config path] [-version] {IPv4_TO_BIND} {PORT_TO_BIND} [--enable-http]\n"+
		"\t%[1]s [-config path]\n"+
		"Example Usages:\n"+
		"\t%[1]s 127.0.0.1 9095\n"+
		"\t%[1]s 0.0.0.0 8080 --enable-http\n"+
		"\t%[1]s -config stdin2tcp.yml\n", program)
}

// Parse parses the command line arguments args excluding the program name.
// Positional arguments override values from the config file.
// Without positional arguments a config file is required, it's either
// specified by -config or detected automatically in the working directory.
func Parse(program string, args []string) (*Config, error) {
	var fVersion, fEnableHTTP bool
	var fConfigPath string
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&fVersion, "version", false, "show version")
	fs.StringVar(&fConfigPath, "config", "", "config file path")
	fs.BoolVar(&fEnableHTTP, "enable-http", false, "enable HTTP preamble")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if fVersion {
		return nil, ErrVersion
	}

	positional := fs.Args()
	switch len(positional) {
	case 0, 2:
	case 3:
		if positional[2] != ArgEnableHTTP {
			return nil, fmt.Errorf("%w: unexpected argument %q", ErrUsage, positional[2])
		}
		fEnableHTTP = true
	default:
		return nil, ErrUsage
	}

	if fConfigPath == "" && len(positional) == 0 {
		// Try to detect config automatically.
		if _, err := os.Stat("stdin2tcp.yml"); err == nil {
			fConfigPath = "stdin2tcp.yml"
		} else if _, err := os.Stat("stdin2tcp.yaml"); err == nil {
			fConfigPath = "stdin2tcp.yaml"
		} else {
			return nil, ErrUsage
		}
	}

	config := Default()
	if fConfigPath != "" {
		if err := yamagiconf.LoadFile(fConfigPath, &config); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if len(positional) > 0 {
		if err := engine.ValidateHost(positional[0]); err != nil {
			return nil, err
		}
		port, err := engine.ParsePort(positional[1])
		if err != nil {
			return nil, err
		}
		config.Host, config.Port = positional[0], uint16(port)
	}
	if fEnableHTTP {
		config.HTTP = true
	}
	return &config, nil
}

// MustParse is Parse for os.Args. It prints the version and exits with 0
// if -version is set and exits with 1 on any error.
func MustParse() *Config {
	program := "stdin2tcp"
	if len(os.Args) > 0 {
		program = os.Args[0]
	}
	c, err := Parse(program, os.Args[1:])
	switch {
	case errors.Is(err, ErrVersion):
		PrintVersionInfoAndExit()
	case errors.Is(err, ErrUsage):
		fmt.Fprint(os.Stderr, Usage(program))
		log.Fatalf("%v", err)
	case err != nil:
		log.Fatalf("%v", err)
	}
	return c
}

func PrintVersionInfoAndExit() {
	defer os.Exit(0)

	fmt.Printf("stdin2tcp v%s\n\n", engine.Version)

	p, err := os.Executable()
	if err != nil {
		fmt.Printf("resolving executable file path: %v\n", err)
		os.Exit(1)
	}

	info, err := buildinfo.ReadFile(p)
	if err != nil {
		fmt.Printf("reading build information: %v\n", err)
		return
	}
	fmt.Printf("%v\n", info)
}
