package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg.sandbox/wsengine/headers"
)

type recordingExt struct {
	BaseExtension
	position string
	log      *[]string
}

func newRecordingExt(id string, inHandshake bool, log *[]string) *recordingExt {
	return &recordingExt{
		BaseExtension: NewBaseExtension(id, inHandshake, FlagParam("flag"), IntParam("bits", 15, 15)),
		log:           log,
	}
}

func (e *recordingExt) CloneFor(t *Tunnel) Extension {
	return &recordingExt{BaseExtension: e.BaseExtension.Bind(t), position: e.position, log: e.log}
}

func (e *recordingExt) Position() string { return e.position }

func (e *recordingExt) NotNegotiated() error {
	*e.log = append(*e.log, "dropped "+e.ID())
	return nil
}

func (e *recordingExt) Validate() error {
	if bits := e.Params().Int("bits"); bits != 0 && (bits < 8 || bits > 15) {
		return NegotiationError("bits=%d", bits)
	}
	return nil
}

func (e *recordingExt) SendProcessor(frames []*Frame, _ *Pipeline) (Producer, error) {
	*e.log = append(*e.log, "send "+e.ID())
	return nil, nil
}

func (e *recordingExt) ReceiveProcessor(frames []*Frame, _ *Pipeline) (Producer, error) {
	*e.log = append(*e.log, "receive "+e.ID())
	return nil, nil
}

func offer(t *testing.T, values ...string) *headers.Bag {
	t.Helper()
	h := headers.New()
	for _, v := range values {
		require.NoError(t, h.Add(headerExtensions, v))
	}
	return h
}

func TestNegotiationAgreesOnParams(t *testing.T) {
	var log []string
	tpl := newRecordingExt("x-test", true, &log)
	tpl.Params().SetDefault("bits", 10)
	tpl.Params().SetDefault("flag", true)

	client := newTunnel(RoleClient, &memConn{}, nil, Options{Extensions: []Extension{tpl}})
	server := newTunnel(RoleServer, &memConn{}, nil, Options{Extensions: []Extension{tpl}})

	req := headers.New()
	require.NoError(t, client.Extensions.clientBuildHeaders(req))
	require.NoError(t, server.Extensions.serverCheckHeaders(req))
	resp := headers.New()
	require.NoError(t, server.Extensions.serverBuildHeaders(resp))
	require.NoError(t, client.Extensions.clientCheckHeaders(resp))

	offered, err := req.ParametrizedTokens(headerExtensions, true)
	require.NoError(t, err)
	accepted, err := resp.ParametrizedTokens(headerExtensions, true)
	require.NoError(t, err)
	assert.Equal(t, offered, accepted)

	assert.Equal(t, []string{"x-test"}, client.Extensions.Chain())
	assert.Equal(t, []string{"x-test"}, server.Extensions.Chain())
	cext := client.Extensions.Get("X-Test").(*recordingExt)
	assert.Equal(t, 10, cext.Params().Int("bits"))
	assert.True(t, cext.Params().Flag("flag"))
}

func TestServerTriesOffersInOrder(t *testing.T) {
	var log []string
	server := newTunnel(RoleServer, &memConn{}, nil, Options{Extensions: []Extension{newRecordingExt("x-test", true, &log)}})
	require.NoError(t, server.Extensions.serverCheckHeaders(offer(t, "x-test; bits=99", "x-test; bits=9")))
	ext := server.Extensions.Get("x-test").(*recordingExt)
	assert.Equal(t, 9, ext.Params().Int("bits"))
}

func TestServerFallsBackWhenNoOfferFits(t *testing.T) {
	var log []string
	tpl := newRecordingExt("x-test", true, &log)
	server := newTunnel(RoleServer, &memConn{}, nil, Options{Extensions: []Extension{tpl}})
	require.NoError(t, server.Extensions.serverCheckHeaders(offer(t, "x-test; unknown=1")))
	ext := server.Extensions.Get("x-test")
	require.NotNil(t, ext)
	_, set := ext.(*recordingExt).Params().Get("bits")
	assert.False(t, set)
}

func TestClientDropsUnacceptedInOfferOrder(t *testing.T) {
	ids := []string{"x-a", "X-B", "x-c", "x-d", "x-e", "x-f"}
	for i := 0; i < 20; i++ {
		var log []string
		var exts []Extension
		for _, id := range ids {
			exts = append(exts, newRecordingExt(id, true, &log))
		}
		client := newTunnel(RoleClient, &memConn{}, nil, Options{Extensions: exts})
		require.NoError(t, client.Extensions.clientBuildHeaders(headers.New()))
		require.NoError(t, client.Extensions.clientCheckHeaders(offer(t, "x-c")))

		assert.Equal(t, []string{"dropped x-a", "dropped X-B", "dropped x-d", "dropped x-e", "dropped x-f"}, log)
		assert.Equal(t, []string{"x-c"}, client.Extensions.Chain())
	}
}

func TestChainKeepsIDSpelling(t *testing.T) {
	var log []string
	server := newTunnel(RoleServer, &memConn{}, nil, Options{Extensions: []Extension{newRecordingExt("X-Test", true, &log)}})
	require.NoError(t, server.Extensions.serverCheckHeaders(offer(t, "x-test")))
	assert.Equal(t, []string{"X-Test"}, server.Extensions.Chain())
	assert.NotNil(t, server.Extensions.Get("x-TEST"))
}

func TestClientRejectsUnofferedExtension(t *testing.T) {
	var log []string
	client := newTunnel(RoleClient, &memConn{}, nil, Options{Extensions: []Extension{newRecordingExt("x-test", true, &log)}})
	err := client.Extensions.clientCheckHeaders(offer(t, "x-other"))
	ce := AsCloseError(err)
	assert.True(t, ce.PreHandshake())
	assert.Equal(t, 400, ce.HTTPStatus)
}

func TestClientRejectsDuplicateAcceptance(t *testing.T) {
	var log []string
	client := newTunnel(RoleClient, &memConn{}, nil, Options{Extensions: []Extension{newRecordingExt("x-test", true, &log)}})
	err := client.Extensions.clientCheckHeaders(offer(t, "x-test", "x-test"))
	assert.Equal(t, 400, AsCloseError(err).HTTPStatus)
}

func TestDuplicateIDs(t *testing.T) {
	var log []string
	client := newTunnel(RoleClient, &memConn{}, nil, Options{Extensions: []Extension{
		newRecordingExt("x-test", true, &log),
		newRecordingExt("X-TEST", true, &log),
	}})
	err := client.Extensions.clientBuildHeaders(headers.New())
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestPipelineOrder(t *testing.T) {
	var log []string
	start := newRecordingExt("_start", false, &log)
	start.position = PositionStart
	end := newRecordingExt("_end", false, &log)
	end.position = PositionEnd
	before := newRecordingExt("_before", false, &log)
	before.position = "x-test"

	server := newTunnel(RoleServer, &memConn{}, nil, Options{Extensions: []Extension{
		end, newRecordingExt("x-test", true, &log), start, before,
	}})
	require.NoError(t, server.Extensions.serverCheckHeaders(offer(t, "x-test")))
	assert.Equal(t, []string{"_start", "_before", "x-test", "_end"}, server.Extensions.Chain())

	var out []*Frame
	frame := NewTextFrame("hi")
	require.NoError(t, server.Extensions.Send([]*Frame{frame}, func(fs []*Frame) error {
		out = append(out, fs...)
		return nil
	}))
	require.NoError(t, server.Extensions.Receive([]*Frame{frame}, func(fs []*Frame) error {
		out = append(out, fs...)
		return nil
	}))
	assert.Equal(t, []*Frame{frame, frame}, out)
	assert.Equal(t, []string{
		"send _start", "send _before", "send x-test", "send _end",
		"receive _end", "receive x-test", "receive _before", "receive _start",
	}, log)
}

type splitExt struct {
	BaseExtension
}

func (e *splitExt) CloneFor(t *Tunnel) Extension { return &splitExt{BaseExtension: e.BaseExtension.Bind(t)} }

func (e *splitExt) SendProcessor(frames []*Frame, _ *Pipeline) (Producer, error) {
	var batches [][]*Frame
	for _, f := range frames {
		size := f.ApplicationData.Size()
		for off := int64(0); off < size; off += 2 {
			frag, err := f.MakeFragment(off, 2)
			if err != nil {
				return nil, err
			}
			batches = append(batches, []*Frame{frag})
		}
	}
	return Batches(batches...), nil
}

func TestPipelineProducerBatches(t *testing.T) {
	split := &splitExt{BaseExtension: NewBaseExtension("_split", false)}
	tun := newTunnel(RoleServer, &memConn{}, nil, Options{})
	ext := tun.Extensions.Add(split)
	tun.Extensions.activate(ext)

	var batches [][]*Frame
	require.NoError(t, tun.Extensions.Send([]*Frame{NewTextFrame("abcde")}, func(fs []*Frame) error {
		batches = append(batches, fs)
		return nil
	}))
	require.Len(t, batches, 3)
	last := batches[2][0]
	assert.True(t, last.Header.Fin)
	assert.Equal(t, OPCODE_CONTINUATION, last.Header.Opcode)
	data, err := last.AppData()
	require.NoError(t, err)
	assert.Equal(t, "e", string(data))
}

func TestParamSetRejectsRepeats(t *testing.T) {
	s := NewParamSet(FlagParam("flag"), IntParam("bits", 15, 15))
	err := s.Unserialize([]headers.Param{{Name: "bits", Value: "9"}, {Name: "BITS", Value: "10"}})
	assert.Equal(t, 400, AsCloseError(err).HTTPStatus)

	err = s.Unserialize([]headers.Param{{Name: "flag", Value: "1"}})
	assert.True(t, AsCloseError(err).PreHandshake())

	require.NoError(t, s.Unserialize([]headers.Param{{Name: "bits", Flag: true}}))
	assert.Equal(t, 15, s.Int("bits"))
	assert.Empty(t, s.Serialize())
}
