// Package cluster describes who is in a DSM cluster and where each member
// listens. It builds the address book at cluster-formation time and produces
// the per-node configuration files that every participant reads on startup.
//
// # Overview
//
// A cluster is one param server plus N peer nodes. The param server sits at
// a well-known address; peer nodes receive consecutive addresses directly
// above it and ids 1..N in the same order:
//
//	param server  192.0.0.2:9090  (id 0)
//	node 1        192.0.0.3:9090
//	node 2        192.0.0.4:9090
//	node 3        192.0.0.5:9090
//
// # Address Book
//
// BuildAddressBook is a pure function over a Plan. It fails with
// ErrInvalidTopology when the node count is not positive, when the address
// range would run past the IPv4 space (and so wrap onto the param server),
// or when a configured subnet cannot hold every node.
//
// The resulting AddressBook is immutable. Config(id) returns the view held by
// one node: its own descriptor, the param server endpoint, and every other
// node as a peer. The union of self and peers is identical across all views.
//
// # Files
//
// Each node reads its ClusterConfig from JSON:
//
//	{
//	  "id": 1,
//	  "address": "192.0.0.3",
//	  "port": 9090,
//	  "param_server": {"address": "192.0.0.2", "port": 9090},
//	  "peers": [{"id": 2, "address": "192.0.0.4", "port": 9090}]
//	}
//
// The dashboard reads a Manifest (nodes.json) listing every member. Plans can
// be written as YAML and loaded with LoadPlan.
//
// # Transport helpers
//
// PostJSON and GetJSON are the small HTTP/JSON helpers shared by the param
// server and the peer nodes.
package cluster
