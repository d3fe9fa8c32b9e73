package exclude

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/torwatch/vanguard/internal/model"
)

func TestParseClassifiesFingerprint(t *testing.T) {
	fp := strings.Repeat("AB", 20)
	s := Parse("$"+fp+"~somenick", "")
	assert.True(t, s.Fingerprints[fp])
	assert.Empty(t, s.Nicknames)
}

func TestParseClassifiesCountryCode(t *testing.T) {
	s := Parse("{us},{DE}", "")
	assert.True(t, s.Countries["us"])
	assert.True(t, s.Countries["de"])
}

func TestParseClassifiesCIDR(t *testing.T) {
	s := Parse("10.0.0.0/8", "")
	assert.Len(t, s.Networks, 1)
	assert.True(t, s.Networks[0].Contains(net.ParseIP("10.1.2.3")))
}

func TestParseClassifiesSingleHostAsSlash32(t *testing.T) {
	s := Parse("192.0.2.1", "")
	assert.Len(t, s.Networks, 1)
	ones, bits := s.Networks[0].Mask.Size()
	assert.Equal(t, 32, ones)
	assert.Equal(t, 32, bits)
}

func TestParseClassifiesNickname(t *testing.T) {
	s := Parse("myrelay", "")
	assert.True(t, s.Nicknames["myrelay"])
}

func TestExcludeUnknownAlwaysInjects(t *testing.T) {
	s := Parse("", "1")
	assert.True(t, s.Countries["??"])
	assert.True(t, s.Countries["a1"])
}

func TestExcludeUnknownAutoOnlyWhenCountriesNonEmpty(t *testing.T) {
	withCountry := Parse("{fr}", "auto")
	assert.True(t, withCountry.Countries["??"])

	withoutCountry := Parse("myrelay", "auto")
	assert.False(t, withoutCountry.Countries["??"])
}

func TestExcludesMatchesFingerprintCaseInsensitively(t *testing.T) {
	fp := strings.Repeat("cd", 20)
	s := Parse(strings.ToUpper(fp), "")
	relay := &model.RelayDescriptor{Fingerprint: strings.ToLower(fp)}
	assert.True(t, s.Excludes(relay, nil))
}

func TestExcludesMatchesNetworkContainment(t *testing.T) {
	s := Parse("203.0.113.0/24", "")
	relay := &model.RelayDescriptor{Address: "203.0.113.42"}
	assert.True(t, s.Excludes(relay, nil))
}

func TestExcludesSkipsCountryWithoutOracle(t *testing.T) {
	s := Parse("{us}", "")
	relay := &model.RelayDescriptor{Address: "1.2.3.4"}
	assert.False(t, s.Excludes(relay, nil))
}

type fakeOracle struct{ cc string }

func (f fakeOracle) CountryCode(address string) (string, bool) { return f.cc, true }

func TestExcludesMatchesCountryWithOracle(t *testing.T) {
	s := Parse("{us}", "")
	relay := &model.RelayDescriptor{Address: "1.2.3.4"}
	assert.True(t, s.Excludes(relay, fakeOracle{cc: "US"}))
}
