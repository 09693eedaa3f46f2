package wsrelay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zapai.dev/pkg/encoders/filter"
	"zapai.dev/pkg/encoders/filters"
	"zapai.dev/pkg/interfaces/relay"
)

func newTestClient() *Client {
	return &Client{
		url:    "wss://test",
		okWait: make(map[string]chan okResult),
		subs:   make(map[string]chan relay.Frame),
	}
}

func TestHandleFrameDispatchesEventToSubscriber(t *testing.T) {
	c := newTestClient()
	ch := make(chan relay.Frame, 1)
	c.subs["sub1"] = ch

	c.handleFrame([]byte(`["EVENT","sub1",{"content":"hi"}]`))

	select {
	case f := <-ch:
		require.Equal(t, relay.FrameEvent, f.Kind)
		require.Equal(t, "hi", f.Event.Content)
	default:
		t.Fatal("expected a frame to be dispatched")
	}
}

func TestHandleFrameDispatchesEOSE(t *testing.T) {
	c := newTestClient()
	ch := make(chan relay.Frame, 1)
	c.subs["sub1"] = ch

	c.handleFrame([]byte(`["EOSE","sub1"]`))

	f := <-ch
	require.Equal(t, relay.FrameEOSE, f.Kind)
}

func TestHandleFrameDispatchesClosedWithReason(t *testing.T) {
	c := newTestClient()
	ch := make(chan relay.Frame, 1)
	c.subs["sub1"] = ch

	c.handleFrame([]byte(`["CLOSED","sub1","rate-limited: slow down"]`))

	f := <-ch
	require.Equal(t, relay.FrameClosed, f.Kind)
	require.Equal(t, "rate-limited: slow down", f.Reason)
}

func TestHandleFrameRoutesOKResultToWaiter(t *testing.T) {
	c := newTestClient()
	resCh := make(chan okResult, 1)
	c.okWait["deadbeef"] = resCh

	c.handleFrame([]byte(`["OK","deadbeef",true,""]`))

	res := <-resCh
	require.True(t, res.ok)
}

func TestHandleFrameIgnoresMalformedInput(t *testing.T) {
	c := newTestClient()
	require.NotPanics(t, func() {
		c.handleFrame([]byte(`not json`))
		c.handleFrame([]byte(`[]`))
		c.handleFrame([]byte(`["EVENT"]`))
	})
}

func TestHandleFrameDropsEventForUnknownSubscription(t *testing.T) {
	c := newTestClient()
	require.NotPanics(t, func() {
		c.handleFrame([]byte(`["EVENT","nobody-subscribed",{"content":"hi"}]`))
	})
}

func TestEncodeReqAndCloseProduceValidJSONArrays(t *testing.T) {
	f := filter.New()
	msg, err := encodeReq("sub1", filters.New(f))
	require.NoError(t, err)
	require.Contains(t, string(msg), `"REQ"`)
	require.Contains(t, string(msg), `"sub1"`)

	closeMsg := encodeClose("sub1")
	require.Contains(t, string(closeMsg), `"CLOSE"`)
	require.Contains(t, string(closeMsg), `"sub1"`)
}
