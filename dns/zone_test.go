package dns

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneResolverAnswersKnownDomain(t *testing.T) {
	z := NewZoneResolver()
	z.SetTXT("example.com", "v=spf1 -all")
	z.SetA("example.com", "192.0.2.1", "192.0.2.2")

	rr, err := z.Lookup(context.Background(), "example.com", KindTXT, true)
	require.NoError(t, err)
	assert.True(t, rr.Ok())
	assert.Equal(t, []string{"v=spf1 -all"}, rr.TXT)

	rr, err = z.Lookup(context.Background(), "example.com", KindA, true)
	require.NoError(t, err)
	require.Len(t, rr.A, 2)
	assert.Equal(t, "192.0.2.1", rr.A[0].String())
}

func TestZoneResolverKnownDomainUnknownKindIsNoData(t *testing.T) {
	z := NewZoneResolver()
	z.SetTXT("example.com", "v=spf1 -all")

	rr, err := z.Lookup(context.Background(), "example.com", KindMX, true)
	require.NoError(t, err)
	assert.Equal(t, StatusNoData, rr.Status)
	assert.False(t, rr.Ok())
}

func TestZoneResolverUnknownDomainDelegates(t *testing.T) {
	below := &countingResolver{rr: RR{Status: StatusHostNotFound}}
	z := NewZoneResolver()
	setLayerBelow(z, below)

	_, err := z.Lookup(context.Background(), "unknown.example.com", KindTXT, true)
	require.NoError(t, err)
	assert.Equal(t, 1, below.calls)
}

func TestZoneResolverTimeout(t *testing.T) {
	z := NewZoneResolver()
	z.SetTimeout("slow.example.com", KindTXT)

	rr, err := z.Lookup(context.Background(), "slow.example.com", KindTXT, true)
	require.NoError(t, err)
	assert.Equal(t, StatusTryAgain, rr.Status)
}

func TestLoadZoneFromYAML(t *testing.T) {
	yaml := `
example.com:
  TXT: "v=spf1 ip4:192.0.2.0/24 -all"
  MX: [10, mx.example.com]
mx.example.com:
  A: 192.0.2.9
`
	z := NewZoneResolver()
	err := LoadZone(z, strings.NewReader(yaml))
	require.NoError(t, err)

	rr, err := z.Lookup(context.Background(), "example.com", KindTXT, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 ip4:192.0.2.0/24 -all"}, rr.TXT)

	rr, err = z.Lookup(context.Background(), "example.com", KindMX, true)
	require.NoError(t, err)
	require.Len(t, rr.MX, 1)
	assert.Equal(t, uint16(10), rr.MX[0].Preference)

	rr, err = z.Lookup(context.Background(), "mx.example.com", KindA, true)
	require.NoError(t, err)
	require.Len(t, rr.A, 1)
	assert.Equal(t, "192.0.2.9", rr.A[0].String())
}
