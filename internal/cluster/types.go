package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidTopology is returned when a cluster plan or node configuration
// cannot describe a valid cluster.
var ErrInvalidTopology = errors.New("invalid topology")

// ParamServerID is the identity reserved for the param server.
const ParamServerID = 0

// NodeDescriptor identifies one cluster member and where it listens.
type NodeDescriptor struct {
	Address string `json:"address"`
	ID      int    `json:"id"`
	Port    int    `json:"port"`
}

// HostPort returns the "address:port" form of the descriptor.
func (d NodeDescriptor) HostPort() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// URL returns the HTTP base URL of the node.
func (d NodeDescriptor) URL() string {
	return "http://" + d.HostPort()
}

// Validate checks the descriptor for a positive id, an IPv4 address and a
// usable port.
func (d NodeDescriptor) Validate() error {
	if d.ID <= 0 {
		return errors.Wrapf(ErrInvalidTopology, "node id %d must be positive", d.ID)
	}
	if err := validateEndpoint(d.Address, d.Port); err != nil {
		return errors.Wrapf(err, "node %d", d.ID)
	}
	return nil
}

// Endpoint is the network location of the param server.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// HostPort returns the "address:port" form of the endpoint.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// URL returns the HTTP base URL of the endpoint.
func (e Endpoint) URL() string {
	return "http://" + e.HostPort()
}

// Validate checks for an IPv4 address and a usable port.
func (e Endpoint) Validate() error {
	return validateEndpoint(e.Address, e.Port)
}

// ClusterConfig is one node's view of the cluster: itself, the param server
// and every other member.
type ClusterConfig struct {
	Address     string           `json:"address"`
	ParamServer Endpoint         `json:"param_server"`
	Peers       []NodeDescriptor `json:"peers"`
	ID          int              `json:"id"`
	Port        int              `json:"port"`
}

// Self returns the descriptor of the node owning this config.
func (c ClusterConfig) Self() NodeDescriptor {
	return NodeDescriptor{ID: c.ID, Address: c.Address, Port: c.Port}
}

// Members returns self and all peers ordered by id.
func (c ClusterConfig) Members() []NodeDescriptor {
	out := make([]NodeDescriptor, 0, len(c.Peers)+1)
	out = append(out, c.Self())
	out = append(out, c.Peers...)
	sortByID(out)
	return out
}

// Validate rejects configs whose membership is inconsistent: bad ids or
// addresses, duplicates, or self listed among the peers.
func (c ClusterConfig) Validate() error {
	if err := validateEndpoint(c.ParamServer.Address, c.ParamServer.Port); err != nil {
		return errors.Wrap(err, "param server")
	}
	ids := make(map[int]bool, len(c.Peers)+1)
	addrs := make(map[string]bool, len(c.Peers)+1)
	for _, d := range append([]NodeDescriptor{c.Self()}, c.Peers...) {
		if err := d.Validate(); err != nil {
			return err
		}
		if ids[d.ID] {
			return errors.Wrapf(ErrInvalidTopology, "duplicate node id %d", d.ID)
		}
		if addrs[d.HostPort()] {
			return errors.Wrapf(ErrInvalidTopology, "duplicate node address %s", d.HostPort())
		}
		ids[d.ID] = true
		addrs[d.HostPort()] = true
	}
	return nil
}

// Manifest is the cluster membership listing consumed by the dashboard.
type Manifest struct {
	Nodes       []NodeDescriptor `json:"nodes"`
	ParamServer Endpoint         `json:"param_server"`
}

func validateEndpoint(address string, port int) error {
	ip, err := netip.ParseAddr(address)
	if err != nil || !ip.Is4() {
		return errors.Wrapf(ErrInvalidTopology, "address %q is not IPv4", address)
	}
	if port <= 0 || port > 65535 {
		return errors.Wrapf(ErrInvalidTopology, "port %d out of range", port)
	}
	return nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the reply into out when out
// is non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return PostJSONWith(ctx, httpClient, url, body, out)
}

// PostJSONWith is PostJSON with a caller supplied HTTP client.
func PostJSONWith(ctx context.Context, client *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", url)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s", url)
}
