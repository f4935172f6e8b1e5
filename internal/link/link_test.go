package link_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/blesock/internal/link"
	"github.com/vitaminmoo/blesock/internal/link/linktest"
)

func TestParseIdentity(t *testing.T) {
	id, err := link.ParseIdentity(
		"9640BE03-E13D-535B-2A38-E5287E9FC047",
		"cdde93f4-00de-c10f-1bfc-c96bdd963238",
		"4bebbe6a-6a3b-e914-acd4-1a19fe159243",
	)
	require.NoError(t, err)
	svc, up, down := id.Strings()
	assert.Equal(t, "9640be03-e13d-535b-2a38-e5287e9fc047", svc)
	assert.Equal(t, "cdde93f4-00de-c10f-1bfc-c96bdd963238", up)
	assert.Equal(t, "4bebbe6a-6a3b-e914-acd4-1a19fe159243", down)

	_, err = link.ParseIdentity("not-a-uuid", up, down)
	assert.ErrorIs(t, err, link.ErrInvalidIdentity)
	_, err = link.ParseIdentity(svc, up, "")
	assert.ErrorIs(t, err, link.ErrInvalidIdentity)
}

func TestDispatcherOrderAndReentry(t *testing.T) {
	var d link.Dispatcher
	var got []int

	d.Post(func() {
		got = append(got, 1)
		// posted from inside a callback: delivered after the current one
		d.Post(func() { got = append(got, 3) })
		d.Flush()
		got = append(got, 2)
	})
	d.Post(func() { got = append(got, 4) })
	d.Flush()

	assert.Equal(t, []int{1, 2, 4, 3}, got)
}

func TestDispatcherDiscard(t *testing.T) {
	var d link.Dispatcher
	called := false
	d.Post(func() { called = true })
	d.Discard()
	d.Flush()
	assert.False(t, called)
}

func TestRepeat(t *testing.T) {
	clock := linktest.NewClock()
	n := 0
	timer := link.Repeat(clock, time.Second, func() { n++ })

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, 0, n)
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, n)
	clock.Advance(3 * time.Second)
	assert.Equal(t, 4, n)

	assert.True(t, timer.Stop())
	clock.Advance(5 * time.Second)
	assert.Equal(t, 4, n)
	assert.False(t, timer.Stop())
}

func TestClockStop(t *testing.T) {
	clock := linktest.NewClock()
	fired := false
	timer := clock.AfterFunc(20*time.Second, func() { fired = true })

	clock.Advance(19900 * time.Millisecond)
	assert.True(t, timer.Stop())
	clock.Advance(time.Minute)
	assert.False(t, fired)
	assert.Zero(t, clock.Pending())
}
