package verification

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/angelmondragon/ringorder-backend/pkg/maps"
)

type zipRange struct {
	from, to int
}

// Zone is the delivery area: a postal-code allow-list, optionally narrowed to
// a radius around the restaurant.
type Zone struct {
	ranges      []zipRange
	origin      maps.LatLng
	radiusMiles float64
}

// ParseZone parses a comma separated list of zips and zip ranges such as
// "10001-10014,10016".
func ParseZone(zips string, origin maps.LatLng, radiusMiles float64) (Zone, error) {
	zone := Zone{origin: origin, radiusMiles: radiusMiles}
	for _, part := range strings.Split(zips, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseZip(lo)
		if err != nil {
			return Zone{}, err
		}
		to := from
		if isRange {
			if to, err = parseZip(hi); err != nil {
				return Zone{}, err
			}
		}
		if to < from {
			return Zone{}, fmt.Errorf("invalid zip range %q", part)
		}
		zone.ranges = append(zone.ranges, zipRange{from: from, to: to})
	}
	if len(zone.ranges) == 0 {
		return Zone{}, fmt.Errorf("delivery zone has no postal codes")
	}
	return zone, nil
}

func parseZip(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 5 {
		return 0, fmt.Errorf("invalid zip %q", raw)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid zip %q", raw)
	}
	return n, nil
}

// AllowsZip reports whether the first five digits of zip are in the list.
func (z Zone) AllowsZip(zip string) bool {
	zip = strings.TrimSpace(zip)
	if len(zip) < 5 {
		return false
	}
	n, err := strconv.Atoi(zip[:5])
	if err != nil {
		return false
	}
	for _, r := range z.ranges {
		if n >= r.from && n <= r.to {
			return true
		}
	}
	return false
}

// WithinRadius reports whether point lies inside the delivery radius. A zero
// radius disables the check.
func (z Zone) WithinRadius(point maps.LatLng) bool {
	if z.radiusMiles <= 0 {
		return true
	}
	return maps.DistanceMiles(z.origin, point) <= z.radiusMiles
}
