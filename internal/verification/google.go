package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/ringorder-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/maps"
)

type placeLookup interface {
	Lookup(ctx context.Context, address string) (*maps.PlaceDetails, error)
}

// GoogleAddress resolves the address through Google Places and checks the
// resolved postal code and location against the delivery zone.
type GoogleAddress struct {
	places placeLookup
	zone   Zone
}

func NewGoogleAddress(places placeLookup, zone Zone) (*GoogleAddress, error) {
	if places == nil {
		return nil, errors.New("places client is required")
	}
	return &GoogleAddress{places: places, zone: zone}, nil
}

func (g *GoogleAddress) Validate(ctx context.Context, addr models.Address) (AddressResult, error) {
	details, err := g.places.Lookup(ctx, formatAddress(addr))
	if err != nil {
		if pkgerrors.CodeOf(err) == pkgerrors.CodeValidation {
			return AddressResult{InZone: false, Normalized: addr}, nil
		}
		return AddressResult{}, fmt.Errorf("%w: %v", ErrTimeout, timeoutOr(ctx, err))
	}
	if details == nil {
		return AddressResult{InZone: false, Normalized: addr}, nil
	}

	normalized := normalizedFromPlace(addr, details)
	inZone := g.zone.AllowsZip(normalized.PostalCode) && g.zone.WithinRadius(details.Location)
	return AddressResult{InZone: inZone, Normalized: normalized}, nil
}

func normalizedFromPlace(input models.Address, p *maps.PlaceDetails) models.Address {
	out := models.Address{
		Line1:      input.Line1,
		Line2:      input.Line2,
		City:       input.City,
		State:      input.State,
		PostalCode: p.PostalCode(),
		Formatted:  strings.TrimSpace(p.FormattedAddress),
	}
	number, hasNumber := p.Component("street_number")
	route, hasRoute := p.Component("route")
	if hasNumber && hasRoute {
		out.Line1 = strings.TrimSpace(number.LongName + " " + route.ShortName)
	}
	if city, ok := p.Component("locality"); ok {
		out.City = city.LongName
	} else if borough, ok := p.Component("sublocality"); ok {
		out.City = borough.LongName
	}
	if state, ok := p.Component("administrative_area_level_1"); ok {
		out.State = state.ShortName
	}
	return out
}
