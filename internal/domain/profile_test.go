package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalProfiles_Ports(t *testing.T) {
	ports := map[string]int{}
	for _, p := range CanonicalProfiles("", 1) {
		ports[string(p.Venue)+"/"+string(p.Money)] = p.Port
		assert.Equal(t, DefaultHost, p.Host)
		assert.Equal(t, 1, p.ClientID)
	}
	assert.Equal(t, map[string]int{
		"TWS/PAPER":     7497,
		"TWS/LIVE":      7496,
		"GATEWAY/PAPER": 4002,
		"GATEWAY/LIVE":  4001,
	}, ports)
}

func TestProfile_SafetyLabelOnlyForLive(t *testing.T) {
	paper, err := NewProfile(VenueGateway, MoneyPaper, "", 0, 1)
	require.NoError(t, err)
	assert.Empty(t, paper.SafetyLabel())
	assert.Contains(t, paper.Label(), "IB Gateway Paper")

	live, err := NewProfile("tws", "live", "", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 7496, live.Port)
	assert.NotEmpty(t, live.SafetyLabel())
}

func TestProfile_WithClientIDKeepsGateway(t *testing.T) {
	p, err := NewProfile(VenueTWS, MoneyPaper, "LocalHost", 0, 1)
	require.NoError(t, err)

	reader := p.WithClientID(2)
	assert.Equal(t, 1, p.ClientID, "原 profile 不应被修改")
	assert.Equal(t, 2, reader.ClientID)
	assert.Equal(t, p.GatewayKey(), reader.GatewayKey())
	assert.Equal(t, "localhost:7497", p.GatewayKey())
}

func TestNewProfile_Invalid(t *testing.T) {
	_, err := NewProfile("FIX", MoneyPaper, "", 0, 1)
	assert.Error(t, err)
	_, err = NewProfile(VenueTWS, MoneyPaper, "", 70000, 1)
	assert.Error(t, err)
	_, err = NewProfile(VenueTWS, MoneyPaper, "", 0, -1)
	assert.Error(t, err)
}
