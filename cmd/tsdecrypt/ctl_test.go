package main

import (
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/control"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

// testDescramblerConfig configures one descrambler on 1/5, ca_num 0x105
func testDescramblerConfig() *config.DescramblerConfig {
	return &config.DescramblerConfig{
		Engine:    "none",
		BatchSize: 4,
		Demuxes:   []config.DemuxAddress{{Adapter: 1, Demux: 5}},
	}
}

func startControlAPI(t *testing.T) (*control.Dispatcher, string) {
	t.Helper()
	d, err := control.NewDispatcherFromConfig(testDescramblerConfig(), nil)
	require.NoError(t, err)

	router := mux.NewRouter()
	control.NewAPI(d, nil).RegisterRoutes(router.PathPrefix("/api/v1").Subrouter())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return d, srv.URL + "/api/v1"
}

func TestCtlCommand(t *testing.T) {
	d, url := startControlAPI(t)

	out, err := execute(t, "ctl", "descr", "--url", url, "0x0105", "3", "odd", "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "descr 0x105 ok\n", out)

	_, err = execute(t, "ctl", "pid", "--url", url, "261", "3", "0x200")
	require.NoError(t, err)

	desc, err := d.Lookup(0x0105)
	require.NoError(t, err)
	slots := desc.Slots()
	require.Len(t, slots, 1)
	assert.True(t, slots[0].OddGood)
	assert.Equal(t, []int{0x200}, slots[0].PIDs)

	out, err = execute(t, "ctl", "slots", "--url", url, "0x105")
	require.NoError(t, err)
	assert.Contains(t, out, `"odd_good": true`)

	_, err = execute(t, "ctl", "reset", "--url", url, "0x105")
	require.NoError(t, err)
	slots = desc.Slots()
	require.Len(t, slots, 1)
	assert.False(t, slots[0].OddGood)
	assert.Zero(t, slots[0].UsedPIDs)
}

func TestCtlCommand_Errors(t *testing.T) {
	_, url := startControlAPI(t)

	_, err := execute(t, "ctl", "descr", "--url", url, "0x0105", "3", "both", "0123456789abcdef")
	assert.ErrorContains(t, err, "invalid parity")

	_, err = execute(t, "ctl", "descr", "--url", url, "0x0105", "3", "even", "0102")
	assert.ErrorIs(t, err, scrambler.ErrInvalidControlWord)

	_, err = execute(t, "ctl", "pid", "--url", url, "0x0105", "1", "9000")
	assert.ErrorContains(t, err, "invalid pid")

	_, err = execute(t, "ctl", "reset", "--url", url, "0x0999")
	assert.ErrorContains(t, err, "UNKNOWN_DESCRAMBLER")
}
