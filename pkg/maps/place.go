package maps

import (
	"context"
	"math"
	"net/url"
	"slices"
	"strings"

	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

const (
	autocompleteMask = "suggestions.placePrediction.placeId,suggestions.placePrediction.text"
	detailsMask      = "id,formattedAddress,location,addressComponents"
)

type AutocompleteRequest struct {
	Input               string   `json:"input"`
	IncludedRegionCodes []string `json:"includedRegionCodes,omitempty"`
	LanguageCode        string   `json:"languageCode,omitempty"`
}

type AutocompleteSuggestion struct {
	PlaceID     string
	Description string
}

type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type AddressComponent struct {
	LongName  string   `json:"longText"`
	ShortName string   `json:"shortText"`
	Types     []string `json:"types"`
}

// PlaceDetails is the subset of a Place selected by detailsMask.
type PlaceDetails struct {
	PlaceID           string             `json:"id"`
	FormattedAddress  string             `json:"formattedAddress"`
	Location          LatLng             `json:"location"`
	AddressComponents []AddressComponent `json:"addressComponents"`
}

func (c *Client) Autocomplete(ctx context.Context, req AutocompleteRequest) ([]AutocompleteSuggestion, error) {
	if c == nil {
		return nil, errNotConfigured
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "autocomplete input is required")
	}
	var reply struct {
		Suggestions []struct {
			PlacePrediction *struct {
				PlaceID string `json:"placeId"`
				Text    struct {
					Text string `json:"text"`
				} `json:"text"`
			} `json:"placePrediction"`
		} `json:"suggestions"`
	}
	if err := c.call(ctx, "POST", "places:autocomplete", autocompleteMask, req, &reply); err != nil {
		return nil, err
	}
	out := make([]AutocompleteSuggestion, 0, len(reply.Suggestions))
	for _, s := range reply.Suggestions {
		// query predictions carry no place
		if s.PlacePrediction == nil {
			continue
		}
		out = append(out, AutocompleteSuggestion{PlaceID: s.PlacePrediction.PlaceID, Description: s.PlacePrediction.Text.Text})
	}
	return out, nil
}

func (c *Client) ResolvePlace(ctx context.Context, placeID string) (*PlaceDetails, error) {
	if c == nil {
		return nil, errNotConfigured
	}
	placeID = strings.TrimSpace(placeID)
	if placeID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "place ID is required")
	}
	var details PlaceDetails
	if err := c.call(ctx, "GET", "places/"+url.PathEscape(placeID), detailsMask, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// Lookup resolves the first place suggested for a free-form address. It
// returns nil details when Google suggests nothing.
func (c *Client) Lookup(ctx context.Context, address string) (*PlaceDetails, error) {
	if c == nil {
		return nil, errNotConfigured
	}
	req := AutocompleteRequest{Input: address, LanguageCode: c.language}
	if c.region != "" {
		req.IncludedRegionCodes = []string{c.region}
	}
	suggestions, err := c.Autocomplete(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, s := range suggestions {
		if strings.TrimSpace(s.PlaceID) != "" {
			return c.ResolvePlace(ctx, s.PlaceID)
		}
	}
	return nil, nil
}

// Component returns the first address component tagged with kind.
func (p *PlaceDetails) Component(kind string) (AddressComponent, bool) {
	if p == nil {
		return AddressComponent{}, false
	}
	for _, comp := range p.AddressComponents {
		if slices.Contains(comp.Types, kind) {
			return comp, true
		}
	}
	return AddressComponent{}, false
}

// PostalCode returns the five-digit ZIP of the place, or "".
func (p *PlaceDetails) PostalCode() string {
	comp, ok := p.Component("postal_code")
	if !ok {
		return ""
	}
	code := strings.TrimSpace(comp.ShortName)
	if code == "" {
		code = strings.TrimSpace(comp.LongName)
	}
	if len(code) > 5 {
		code = code[:5]
	}
	return code
}

const earthRadiusMiles = 3958.8

// DistanceMiles is the haversine distance between a and b.
func DistanceMiles(a, b LatLng) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(b.Latitude - a.Latitude)
	dLng := rad(b.Longitude - a.Longitude)
	h := math.Pow(math.Sin(dLat/2), 2) + math.Cos(rad(a.Latitude))*math.Cos(rad(b.Latitude))*math.Pow(math.Sin(dLng/2), 2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}
