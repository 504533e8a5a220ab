package catalog

import (
	"database/sql"
	"fmt"
	"net/netip"

	_ "github.com/go-sql-driver/mysql"

	"server-region-blocker/internal/model"
)

// LoadDB loads groups from a MariaDB instance. Schema:
//
//	region_group(name, description, geo_lon, geo_lat)
//	region_address(group_name, ip)
//
// Groups with no addresses are skipped, matching the file provider's
// handling of pops without relays.
func LoadDB(dsn string) ([]model.Group, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to region database: %w", err)
	}

	byName := make(map[string]*model.Group)

	rows, err := db.Query("SELECT name, description, geo_lon, geo_lat FROM region_group")
	if err != nil {
		return nil, fmt.Errorf("load region groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var desc sql.NullString
		var lon, lat sql.NullFloat64
		if err := rows.Scan(&name, &desc, &lon, &lat); err != nil {
			return nil, err
		}
		g := &model.Group{Name: name, Description: desc.String}
		if lon.Valid && lat.Valid {
			g.Geo = &model.GeoPoint{Lon: lon.Float64, Lat: lat.Float64}
		}
		byName[name] = g
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	addrRows, err := db.Query("SELECT group_name, ip FROM region_address ORDER BY group_name, ip")
	if err != nil {
		return nil, fmt.Errorf("load region addresses: %w", err)
	}
	defer addrRows.Close()
	for addrRows.Next() {
		var groupName, ip string
		if err := addrRows.Scan(&groupName, &ip); err != nil {
			return nil, err
		}
		g, ok := byName[groupName]
		if !ok {
			continue
		}
		a, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("group %s: bad address %q: %w", groupName, ip, err)
		}
		g.Addrs = append(g.Addrs, a)
	}
	if err := addrRows.Err(); err != nil {
		return nil, err
	}

	groups := make([]model.Group, 0, len(byName))
	for _, g := range byName {
		if len(g.Addrs) == 0 {
			continue
		}
		groups = append(groups, *g)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("region database has no groups with addresses")
	}

	model.SortGroups(groups)
	return groups, nil
}
