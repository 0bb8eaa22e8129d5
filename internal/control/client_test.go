package control

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdecrypt/internal/descrambler"
	apperrors "github.com/zsiec/tsdecrypt/internal/errors"
)

func setupClient(t *testing.T) (*Dispatcher, *Client) {
	t.Helper()
	d, router := setupAPI(t)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return d, NewClient(srv.URL+"/api/v1/", srv.Client())
}

func TestClient_SendAndSlots(t *testing.T) {
	_, client := setupClient(t)
	ctx := context.Background()

	infos, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	msg := DescrMessage(0x0100, 2, descrambler.ParityOdd, testCW)
	msg.Initial = true
	require.NoError(t, client.Send(ctx, msg))
	require.NoError(t, client.Send(ctx, PidMessage(0x0100, 2, 0x44)))

	slots, err := client.Slots(ctx, 0x0100)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, 2, slots[0].Index)
	assert.True(t, slots[0].OddGood)
	assert.Equal(t, []int{0x44}, slots[0].PIDs)

	require.NoError(t, client.Send(ctx, ResetMessage(0x0100)))
	slots, err = client.Slots(ctx, 0x0100)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.False(t, slots[0].OddGood)
}

func TestClient_Errors(t *testing.T) {
	_, client := setupClient(t)
	ctx := context.Background()

	err := client.Send(ctx, PidMessage(0x0999, 0, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), apperrors.CodeUnknownDescrambler)

	err = client.Send(ctx, Message{Type: "rekey", CaNum: 0x0100})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = client.Slots(ctx, 0x0999)
	assert.Error(t, err)
}
