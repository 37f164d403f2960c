// Package region maps ISO 3166-1 alpha-2 country codes to UN M49
// sub-regions and regions.
package region

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownCountry is returned for codes outside the country table.
	ErrUnknownCountry = errors.New("region: unknown country")
	// ErrUnknownRegion is returned for unrecognized region names.
	ErrUnknownRegion = errors.New("region: unknown region")
	// ErrUnknownSubRegion is returned for unrecognized sub-region names.
	ErrUnknownSubRegion = errors.New("region: unknown sub-region")
)

// Country is an ISO 3166-1 alpha-2 code such as "FR".
type Country string

// Region is a UN M49 macro-geographical region.
type Region string

// SubRegion is a UN M49 geographical sub-region.
type SubRegion string

const (
	Africa     Region = "Africa"
	Americas   Region = "Americas"
	Antarctica Region = "Antarctica"
	Asia       Region = "Asia"
	Europe     Region = "Europe"
	Oceania    Region = "Oceania"
)

const (
	NorthernAfrica              SubRegion = "NorthernAfrica"
	SubSaharanAfrica            SubRegion = "SubSaharanAfrica"
	LatinAmericaAndTheCaribbean SubRegion = "LatinAmericaAndTheCaribbean"
	NorthernAmerica             SubRegion = "NorthernAmerica"
	AntarcticaSubRegion         SubRegion = "Antarctica"
	CentralAsia                 SubRegion = "CentralAsia"
	EasternAsia                 SubRegion = "EasternAsia"
	SouthEasternAsia            SubRegion = "SouthEasternAsia"
	SouthernAsia                SubRegion = "SouthernAsia"
	WesternAsia                 SubRegion = "WesternAsia"
	EasternEurope               SubRegion = "EasternEurope"
	NorthernEurope              SubRegion = "NorthernEurope"
	SouthernEurope              SubRegion = "SouthernEurope"
	WesternEurope               SubRegion = "WesternEurope"
	AustraliaAndNewZealand      SubRegion = "AustraliaAndNewZealand"
	Melanesia                   SubRegion = "Melanesia"
	Micronesia                  SubRegion = "Micronesia"
	Polynesia                   SubRegion = "Polynesia"
)

var subRegionRegion = map[SubRegion]Region{
	NorthernAfrica:              Africa,
	SubSaharanAfrica:            Africa,
	LatinAmericaAndTheCaribbean: Americas,
	NorthernAmerica:             Americas,
	AntarcticaSubRegion:         Antarctica,
	CentralAsia:                 Asia,
	EasternAsia:                 Asia,
	SouthEasternAsia:            Asia,
	SouthernAsia:                Asia,
	WesternAsia:                 Asia,
	EasternEurope:               Europe,
	NorthernEurope:              Europe,
	SouthernEurope:              Europe,
	WesternEurope:               Europe,
	AustraliaAndNewZealand:      Oceania,
	Melanesia:                   Oceania,
	Micronesia:                  Oceania,
	Polynesia:                   Oceania,
}

var members = map[SubRegion][]Country{
	NorthernAfrica:   {"DZ", "EG", "LY", "MA", "SD", "TN", "EH"},
	SubSaharanAfrica: {"AO", "BJ", "BW", "IO", "BF", "BI", "CV", "CM", "CF", "TD", "KM", "CG", "CD", "CI", "DJ", "GQ", "ER", "SZ", "ET", "TF", "GA", "GM", "GH", "GN", "GW", "KE", "LS", "LR", "MG", "MW", "ML", "MR", "MU", "YT", "MZ", "NA", "NE", "NG", "RW", "RE", "SH", "ST", "SN", "SC", "SL", "SO", "ZA", "SS", "TZ", "TG", "UG", "ZM", "ZW"},
	LatinAmericaAndTheCaribbean: {"AI", "AG", "AR", "AW", "BS", "BB", "BZ", "BO", "BQ", "BV", "BR", "KY", "CL", "CO", "CR", "CU", "CW", "DM", "DO", "EC", "SV", "FK", "GF", "GD", "GP", "GT", "GY", "HT", "HN", "JM", "MQ", "MX", "MS", "NI", "PA", "PY", "PE", "PR", "BL", "KN", "LC", "MF", "VC", "SX", "GS", "SR", "TT", "TC", "UY", "VE", "VG", "VI"},
	NorthernAmerica:        {"BM", "CA", "GL", "PM", "US"},
	AntarcticaSubRegion:    {"AQ"},
	CentralAsia:            {"KZ", "KG", "TJ", "TM", "UZ"},
	EasternAsia:            {"CN", "HK", "JP", "KP", "KR", "MO", "MN", "TW"},
	SouthEasternAsia:       {"BN", "KH", "ID", "LA", "MY", "MM", "PH", "SG", "TH", "TL", "VN"},
	SouthernAsia:           {"AF", "BD", "BT", "IN", "IR", "MV", "NP", "PK", "LK"},
	WesternAsia:            {"AM", "AZ", "BH", "CY", "GE", "IQ", "IL", "JO", "KW", "LB", "OM", "PS", "QA", "SA", "SY", "TR", "AE", "YE"},
	EasternEurope:          {"BY", "BG", "CZ", "HU", "MD", "PL", "RO", "RU", "SK", "UA"},
	NorthernEurope:         {"DK", "EE", "FO", "FI", "GG", "IS", "IE", "IM", "JE", "LV", "LT", "NO", "SJ", "SE", "GB", "AX"},
	SouthernEurope:         {"AL", "AD", "BA", "HR", "GI", "GR", "VA", "IT", "MT", "ME", "MK", "PT", "SM", "RS", "SI", "ES"},
	WesternEurope:          {"AT", "BE", "FR", "DE", "LI", "LU", "MC", "NL", "CH"},
	AustraliaAndNewZealand: {"AU", "CX", "CC", "HM", "NZ", "NF"},
	Melanesia:              {"FJ", "NC", "PG", "SB", "VU"},
	Micronesia:             {"GU", "KI", "MH", "FM", "NR", "MP", "PW", "UM"},
	Polynesia:              {"AS", "CK", "PF", "NU", "PN", "WS", "TK", "TO", "TV", "WF"},
}

var countrySubRegion = func() map[Country]SubRegion {
	m := make(map[Country]SubRegion, 249)
	for sub, countries := range members {
		for _, c := range countries {
			m[c] = sub
		}
	}
	return m
}()

// Normalize upper-cases and trims a country code.
func Normalize(code string) Country {
	return Country(strings.ToUpper(strings.TrimSpace(code)))
}

// SubRegionOf returns the sub-region of a country.
func SubRegionOf(c Country) (SubRegion, bool) {
	sub, ok := countrySubRegion[c]
	return sub, ok
}

// RegionOf returns the region containing a sub-region.
func RegionOf(sub SubRegion) Region {
	return subRegionRegion[sub]
}

// Lookup derives region and sub-region from a country code.
func Lookup(c Country) (Region, SubRegion, error) {
	sub, ok := countrySubRegion[c]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownCountry, string(c))
	}
	return subRegionRegion[sub], sub, nil
}

// Countries returns the number of countries in the table.
func Countries() int {
	return len(countrySubRegion)
}

// ParseRegion validates a region name.
func ParseRegion(s string) (Region, error) {
	r := Region(s)
	for _, known := range subRegionRegion {
		if known == r {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRegion, s)
}

// ParseSubRegion validates a sub-region name.
func ParseSubRegion(s string) (SubRegion, error) {
	sub := SubRegion(s)
	if _, ok := subRegionRegion[sub]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSubRegion, s)
	}
	return sub, nil
}
