package harness

import (
	"context"
	"sort"
)

// ClusterTopology resolves which node is primary. It holds no cached view;
// every Resolve queries the cluster again because roles can change.
type ClusterTopology struct {
	source StatusSource
}

// NewClusterTopology returns a topology resolver backed by source.
func NewClusterTopology(source StatusSource) *ClusterTopology {
	return &ClusterTopology{source: source}
}

// Resolve queries cluster status and returns the single reachable primary
// and every other member as a replica. Unreachable members are returned as
// replicas with Reachable=false so that they are sampled and reported.
func (t *ClusterTopology) Resolve(ctx context.Context) (Topology, error) {
	return t.resolve(ctx, PhaseResolve)
}

func (t *ClusterTopology) resolve(ctx context.Context, phase Phase) (Topology, error) {
	members, err := t.source.Status(ctx)
	if err != nil {
		return Topology{}, &TopologyError{Phase: phase, Reason: "cluster status unavailable", Err: err}
	}

	var primaries []Node
	var replicas []Node
	for _, m := range members {
		if m.Reachable && m.Role == RolePrimary {
			primaries = append(primaries, Node{Address: m.Address, Role: RolePrimary, Reachable: true})
			continue
		}
		replicas = append(replicas, Node{Address: m.Address, Role: RoleReplica, Reachable: m.Reachable})
	}

	switch len(primaries) {
	case 0:
		return Topology{}, &TopologyError{Phase: phase, Reason: "no reachable primary"}
	case 1:
	default:
		addrs := make([]string, 0, len(primaries))
		for _, p := range primaries {
			addrs = append(addrs, p.Address)
		}
		sort.Strings(addrs)
		return Topology{}, &TopologyError{Phase: phase, Reason: "multiple nodes report primary role", Primaries: addrs}
	}

	sort.Slice(replicas, func(i, j int) bool { return replicas[i].Address < replicas[j].Address })
	return Topology{Primary: primaries[0], Replicas: replicas}, nil
}
