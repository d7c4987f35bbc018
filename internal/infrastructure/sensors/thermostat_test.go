package sensors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"InboxDigest/internal/domain"
)

func serve(t *testing.T, body string) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestReadingsParsesDevices(t *testing.T) {
	t.Parallel()

	url := serve(t, `
	<div class="thermostat">
	  <span class="name">Hallway</span><span class="current">68°F</span>
	  <span class="target">70°F</span><span class="mode">Heat</span>
	  <span class="updated">5 min ago</span>
	</div>
	<div class="thermostat">
	  <span class="name">Unit 4</span><span class="current">72°F</span>
	  <span class="target">72°F</span><span class="mode">Off</span>
	</div>
	<div class="thermostat"><span class="current">?</span></div>`)

	reader := NewThermostatReader(url, 0)
	defer reader.Release()

	readings, err := reader.Readings(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.Reading{
		{Name: "Hallway", Current: "68°F", Target: "70°F", Mode: "Heat", LastUpdated: "5 min ago"},
		{Name: "Unit 4", Current: "72°F", Target: "72°F", Mode: "Off"},
	}, readings)
}

func TestReadingsLayoutChanged(t *testing.T) {
	t.Parallel()

	_, err := NewThermostatReader(serve(t, `<div class="device-card">Hallway</div>`), 0).Readings(context.Background())
	require.ErrorIs(t, err, domain.ErrSchemaMismatch)
}

func TestReadingsWithoutNames(t *testing.T) {
	t.Parallel()

	_, err := NewThermostatReader(serve(t, `<div class="thermostat"></div>`), 0).Readings(context.Background())
	require.ErrorIs(t, err, domain.ErrDataIntegrity)
}
