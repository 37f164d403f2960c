package region

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		country Country
		region  Region
		sub     SubRegion
	}{
		{"FR", Europe, WesternEurope},
		{"US", Americas, NorthernAmerica},
		{"BR", Americas, LatinAmericaAndTheCaribbean},
		{"JP", Asia, EasternAsia},
		{"KE", Africa, SubSaharanAfrica},
		{"EG", Africa, NorthernAfrica},
		{"AQ", Antarctica, AntarcticaSubRegion},
		{"NZ", Oceania, AustraliaAndNewZealand},
		{"GB", Europe, NorthernEurope},
		{"TR", Asia, WesternAsia},
	}
	for _, tc := range tests {
		t.Run(string(tc.country), func(t *testing.T) {
			r, sub, err := Lookup(tc.country)
			if err != nil {
				t.Fatalf("Lookup(%s): %v", tc.country, err)
			}
			if r != tc.region || sub != tc.sub {
				t.Errorf("Lookup(%s) = (%s, %s), want (%s, %s)", tc.country, r, sub, tc.region, tc.sub)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, _, err := Lookup("ZZ"); !errors.Is(err, ErrUnknownCountry) {
		t.Errorf("expected ErrUnknownCountry, got %v", err)
	}
	if _, _, err := Lookup("fr"); !errors.Is(err, ErrUnknownCountry) {
		t.Errorf("lookup is case sensitive, expected ErrUnknownCountry, got %v", err)
	}
	if _, _, err := Lookup(Normalize(" fr ")); err != nil {
		t.Errorf("normalized code should resolve: %v", err)
	}
}

func TestTableIsTotal(t *testing.T) {
	if Countries() != 249 {
		t.Errorf("expected 249 countries, got %d", Countries())
	}
	seen := make(map[Country]SubRegion)
	for sub, countries := range members {
		if RegionOf(sub) == "" {
			t.Errorf("sub-region %s has no region", sub)
		}
		for _, c := range countries {
			if prev, dup := seen[c]; dup {
				t.Errorf("country %s listed in both %s and %s", c, prev, sub)
			}
			seen[c] = sub
			if len(c) != 2 {
				t.Errorf("country code %q is not alpha-2", c)
			}
		}
	}
	if len(subRegionRegion) != 18 {
		t.Errorf("expected 18 sub-regions, got %d", len(subRegionRegion))
	}
}

func TestParseRegionAndSubRegion(t *testing.T) {
	if r, err := ParseRegion("Europe"); err != nil || r != Europe {
		t.Errorf("ParseRegion(Europe) = %v, %v", r, err)
	}
	if _, err := ParseRegion("Atlantis"); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("expected ErrUnknownRegion, got %v", err)
	}
	if s, err := ParseSubRegion("Polynesia"); err != nil || s != Polynesia {
		t.Errorf("ParseSubRegion(Polynesia) = %v, %v", s, err)
	}
	if _, err := ParseSubRegion("Europe"); !errors.Is(err, ErrUnknownSubRegion) {
		t.Errorf("expected ErrUnknownSubRegion, got %v", err)
	}
}
