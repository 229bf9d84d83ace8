// Package config reads process settings for the dsm binaries from the
// environment, optionally seeded from a .env file.
//
// Variables already set in the environment win over the .env file. The
// per-node cluster layout is not configured here; it lives in the JSON file
// named by DSM_CONFIG (see cluster.LoadConfig).
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/cluster"
)

// ErrMissing is returned when a required variable is unset.
var ErrMissing = errors.New("required environment variable not set")

// DefaultEnvFile is loaded by Load when it exists.
const DefaultEnvFile = ".env"

// ParamServer configures cmd/paramserver.
type ParamServer struct {
	// Listen is the local address the HTTP server binds.
	Listen string
	// Endpoint is the address nodes use, reported by /nodes.
	Endpoint cluster.Endpoint
	// HealthInterval between node health checks; 0 disables them.
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
	LogOps          bool
}

// Node configures cmd/node.
type Node struct {
	ConfigPath   string
	Listen       string // empty means ":<port from the cluster config>"
	Mode         string
	Variable     string
	Iterations   int
	Delta        float64
	Rows, Cols   int
	PollInterval time.Duration
}

// Load reads the env file at path into the environment. With an empty path
// it reads DefaultEnvFile if that exists; a file named explicitly must exist.
func Load(path string) error {
	if path == "" {
		path = DefaultEnvFile
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

// LoadParamServer reads the param server settings.
//
//	PARAM_SERVER_LISTEN           listen address (default ":9090")
//	PARAM_SERVER_ADDR             advertised ip:port (default 192.0.0.2:9090)
//	PARAM_SERVER_LOG_OPS          log every operation (default false)
//	PARAM_SERVER_HEALTH_INTERVAL  node health check period (default 2s)
//	PARAM_SERVER_SHUTDOWN_TIMEOUT graceful shutdown limit (default 5s)
func LoadParamServer() (ParamServer, error) {
	var c ParamServer
	var err error

	c.Listen = getenv("PARAM_SERVER_LISTEN", ":"+strconv.Itoa(cluster.DefaultPort))
	addr := getenv("PARAM_SERVER_ADDR", net.JoinHostPort(cluster.DefaultParamServerAddress, strconv.Itoa(cluster.DefaultPort)))
	if c.Endpoint, err = ParseEndpoint(addr); err != nil {
		return c, errors.Wrap(err, "PARAM_SERVER_ADDR")
	}
	if c.LogOps, err = getenvBool("PARAM_SERVER_LOG_OPS", false); err != nil {
		return c, err
	}
	if c.HealthInterval, err = getenvDuration("PARAM_SERVER_HEALTH_INTERVAL", 2*time.Second); err != nil {
		return c, err
	}
	if c.ShutdownTimeout, err = getenvDuration("PARAM_SERVER_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return c, err
	}
	return c, nil
}

// LoadNode reads the node settings. DSM_CONFIG is required.
//
//	DSM_CONFIG         path of the node's cluster config JSON
//	NODE_LISTEN        listen address for /health and /status
//	DSM_MODE           int32, float, mutex or mat (default int32)
//	DSM_VARIABLE       shared variable name (default: the mode name)
//	DSM_ITERATIONS     operations per node (default 100)
//	DSM_DELTA          increment per operation (default 1)
//	DSM_ROWS, DSM_COLS matrix shape (default 10x20)
//	DSM_POLL_INTERVAL  matrix barrier polling period (default 10ms)
func LoadNode() (Node, error) {
	var c Node
	var err error

	if c.ConfigPath, err = mustGetenv("DSM_CONFIG"); err != nil {
		return c, err
	}
	c.Listen = getenv("NODE_LISTEN", "")
	c.Mode = getenv("DSM_MODE", "int32")
	c.Variable = getenv("DSM_VARIABLE", "")
	if c.Iterations, err = getenvInt("DSM_ITERATIONS", 100); err != nil {
		return c, err
	}
	if c.Delta, err = getenvFloat("DSM_DELTA", 1); err != nil {
		return c, err
	}
	if c.Rows, err = getenvInt("DSM_ROWS", 10); err != nil {
		return c, err
	}
	if c.Cols, err = getenvInt("DSM_COLS", 20); err != nil {
		return c, err
	}
	if c.PollInterval, err = getenvDuration("DSM_POLL_INTERVAL", 10*time.Millisecond); err != nil {
		return c, err
	}
	return c, nil
}

// ParseEndpoint parses "ip:port" into a validated endpoint.
func ParseEndpoint(s string) (cluster.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return cluster.Endpoint{}, errors.Wrapf(cluster.ErrInvalidTopology, "%q: %v", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return cluster.Endpoint{}, errors.Wrapf(cluster.ErrInvalidTopology, "%q: bad port", s)
	}
	e := cluster.Endpoint{Address: host, Port: port}
	if err := e.Validate(); err != nil {
		return cluster.Endpoint{}, err
	}
	return e, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) (string, error) {
	v := os.Getenv(k)
	if v == "" {
		return "", errors.Wrap(ErrMissing, k)
	}
	return v, nil
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", k)
	}
	return n, nil
}

func getenvFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", k)
	}
	return f, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "%s", k)
	}
	return b, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", k)
	}
	return d, nil
}
