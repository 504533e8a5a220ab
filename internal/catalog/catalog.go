// Package catalog loads the named server groups the blocker operates
// on. Groups come either from a network datagram config file (the
// externally published JSON feed) or from a MariaDB instance.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"

	"server-region-blocker/internal/model"
)

// datagramConfig mirrors the relevant subset of the published network
// datagram config feed.
type datagramConfig struct {
	Revision int                 `json:"revision"`
	Pops     map[string]popEntry `json:"pops"`
}

type popEntry struct {
	Desc   string      `json:"desc"`
	Geo    []float64   `json:"geo"`
	Relays []relayInfo `json:"relays"`
}

type relayInfo struct {
	IPv4      string `json:"ipv4"`
	PortRange []int  `json:"port_range"`
}

// Parse reads the datagram config JSON and returns the groups sorted
// by name. Pops without relay addresses are skipped; a malformed
// relay address is an error, since silently dropping addresses would
// desynchronize block state from the feed.
func Parse(r io.Reader) ([]model.Group, error) {
	var cfg datagramConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode datagram config: %w", err)
	}
	if len(cfg.Pops) == 0 {
		return nil, fmt.Errorf("datagram config has no pops")
	}

	groups := make([]model.Group, 0, len(cfg.Pops))
	for name, pop := range cfg.Pops {
		if len(pop.Relays) == 0 {
			continue
		}
		g := model.Group{
			Name:        name,
			Description: pop.Desc,
		}
		for _, relay := range pop.Relays {
			a, err := netip.ParseAddr(relay.IPv4)
			if err != nil {
				return nil, fmt.Errorf("pop %s: bad relay address %q: %w", name, relay.IPv4, err)
			}
			g.Addrs = append(g.Addrs, a)
		}
		if len(pop.Geo) == 2 {
			g.Geo = &model.GeoPoint{Lon: pop.Geo[0], Lat: pop.Geo[1]}
		}
		groups = append(groups, g)
	}

	model.SortGroups(groups)
	return groups, nil
}

// LoadFile parses the datagram config at path.
func LoadFile(path string) ([]model.Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open datagram config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
