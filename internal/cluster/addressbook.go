package cluster

import (
	"cmp"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Defaults matching the docker harness the cluster was first deployed with.
const (
	DefaultParamServerAddress = "192.0.0.2"
	DefaultPort               = 9090
	DefaultSubnet             = "192.0.0.0/24"
)

// Plan describes the cluster to build: where the param server lives and how
// many peer nodes follow it.
type Plan struct {
	ParamServer Endpoint `yaml:"param_server" json:"param_server"`
	// Subnet, when set, bounds every assigned address.
	Subnet string `yaml:"subnet" json:"subnet,omitempty"`
	Nodes  int    `yaml:"nodes" json:"nodes"`
	// NodePort is shared by all peer nodes; 0 means the param server port.
	NodePort int `yaml:"node_port" json:"node_port,omitempty"`
}

// DefaultPlan returns a plan for n nodes using the harness defaults.
func DefaultPlan(n int) Plan {
	return Plan{
		ParamServer: Endpoint{Address: DefaultParamServerAddress, Port: DefaultPort},
		Subnet:      DefaultSubnet,
		Nodes:       n,
	}
}

// AddressBook is the immutable membership of a cluster. Accessors hand out
// copies so no caller can mutate the book after construction.
type AddressBook struct {
	paramServer Endpoint
	nodes       []NodeDescriptor
}

// BuildAddressBook assigns ids 1..N in increasing address order, starting
// one address above the param server. It performs no I/O.
func BuildAddressBook(plan Plan) (*AddressBook, error) {
	if plan.Nodes <= 0 {
		return nil, errors.Wrapf(ErrInvalidTopology, "node count %d must be positive", plan.Nodes)
	}
	if err := validateEndpoint(plan.ParamServer.Address, plan.ParamServer.Port); err != nil {
		return nil, errors.Wrap(err, "param server")
	}
	port := plan.NodePort
	if port == 0 {
		port = plan.ParamServer.Port
	}
	if port < 0 || port > 65535 {
		return nil, errors.Wrapf(ErrInvalidTopology, "node port %d out of range", port)
	}

	base := netip.MustParseAddr(plan.ParamServer.Address)
	var prefix netip.Prefix
	if plan.Subnet != "" {
		p, err := netip.ParsePrefix(plan.Subnet)
		if err != nil || !p.Addr().Is4() {
			return nil, errors.Wrapf(ErrInvalidTopology, "subnet %q is not an IPv4 prefix", plan.Subnet)
		}
		prefix = p.Masked()
		if !prefix.Contains(base) {
			return nil, errors.Wrapf(ErrInvalidTopology, "param server %s outside subnet %s", base, prefix)
		}
	}

	nodes := make([]NodeDescriptor, 0, plan.Nodes)
	addr := base
	for i := 1; i <= plan.Nodes; i++ {
		addr = addr.Next()
		// Next wraps to the invalid zero Addr past 255.255.255.255; any
		// further assignment would cycle back onto the param server.
		if !addr.IsValid() || addr == base {
			return nil, errors.Wrapf(ErrInvalidTopology, "%d nodes overflow the address space above %s", plan.Nodes, base)
		}
		if prefix.IsValid() && (!prefix.Contains(addr) || isBroadcast(prefix, addr)) {
			return nil, errors.Wrapf(ErrInvalidTopology, "node %d address %s outside subnet %s", i, addr, prefix)
		}
		nodes = append(nodes, NodeDescriptor{ID: i, Address: addr.String(), Port: port})
	}

	return &AddressBook{paramServer: plan.ParamServer, nodes: nodes}, nil
}

// ParamServer returns the param server endpoint.
func (b *AddressBook) ParamServer() Endpoint {
	return b.paramServer
}

// Members returns every node descriptor ordered by id.
func (b *AddressBook) Members() []NodeDescriptor {
	return slices.Clone(b.nodes)
}

// Len returns the number of nodes in the book.
func (b *AddressBook) Len() int {
	return len(b.nodes)
}

// Config returns the view of the cluster held by node id.
func (b *AddressBook) Config(id int) (ClusterConfig, bool) {
	idx := slices.IndexFunc(b.nodes, func(d NodeDescriptor) bool { return d.ID == id })
	if idx < 0 {
		return ClusterConfig{}, false
	}
	self := b.nodes[idx]
	peers := make([]NodeDescriptor, 0, len(b.nodes)-1)
	for _, d := range b.nodes {
		if d.ID != id {
			peers = append(peers, d)
		}
	}
	return ClusterConfig{
		ID:          self.ID,
		Address:     self.Address,
		Port:        self.Port,
		ParamServer: b.paramServer,
		Peers:       peers,
	}, true
}

// Configs returns one ClusterConfig per node, ordered by id.
func (b *AddressBook) Configs() []ClusterConfig {
	out := make([]ClusterConfig, 0, len(b.nodes))
	for _, d := range b.nodes {
		cfg, _ := b.Config(d.ID)
		out = append(out, cfg)
	}
	return out
}

// Manifest returns the membership listing for the dashboard.
func (b *AddressBook) Manifest() Manifest {
	return Manifest{Nodes: b.Members(), ParamServer: b.paramServer}
}

func isBroadcast(p netip.Prefix, addr netip.Addr) bool {
	if p.Bits() >= 31 {
		return false
	}
	a := addr.As4()
	hostBits := 32 - p.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	mask := uint32(1)<<hostBits - 1
	return v&mask == mask
}

func sortByID(nodes []NodeDescriptor) {
	slices.SortFunc(nodes, func(a, b NodeDescriptor) int { return cmp.Compare(a.ID, b.ID) })
}
