package media

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStream(t *testing.T, pt uint8) *Stream {
	t.Helper()
	s, err := Listen(Config{LocalAddr: "127.0.0.1:0", PayloadType: pt, Ptime: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamExchange(t *testing.T) {
	a := newStream(t, PayloadPCMA)
	b := newStream(t, PayloadPCMA)

	got := make(chan *rtp.Packet, 64)
	b.OnPacket(func(p *rtp.Packet, _ net.Addr) {
		select {
		case got <- p:
		default:
		}
	})

	require.NoError(t, a.SetRemote("127.0.0.1", b.LocalAddr().Port))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))

	var first, second *rtp.Packet
	for _, dst := range []**rtp.Packet{&first, &second} {
		select {
		case *dst = <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("rtp packet not received")
		}
	}

	assert.Equal(t, PayloadPCMA, first.PayloadType)
	assert.Equal(t, a.SSRC(), first.SSRC)
	assert.Len(t, first.Payload, 40)
	assert.Equal(t, byte(0xD5), first.Payload[0])
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+40, second.Timestamp)

	require.Eventually(t, func() bool { return b.Stats().PacketsReceived >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, a.SSRC(), b.Stats().LastSSRC)
	assert.NotZero(t, a.Stats().PacketsSent)
}

func TestStreamPaused(t *testing.T) {
	a := newStream(t, PayloadPCMU)
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, a.SetRemote("127.0.0.1", peer.LocalAddr().(*net.UDPAddr).Port))
	a.SetPaused(true)
	require.NoError(t, a.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, a.Stats().PacketsSent)

	a.SetPaused(false)
	require.Eventually(t, func() bool { return a.Stats().PacketsSent > 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamDropsInvalidPackets(t *testing.T) {
	s := newStream(t, PayloadPCMA)
	require.NoError(t, s.Start(context.Background()))

	conn, err := net.Dial("udp", s.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x80, 0x00})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Stats().PacketsDropped == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Stats().PacketsReceived)
}

func TestStreamWriteWithoutRemote(t *testing.T) {
	s := newStream(t, PayloadPCMA)
	assert.ErrorIs(t, s.WritePacket([]byte{1, 2, 3}), ErrNoRemote)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WritePacket([]byte{1}), ErrStreamClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStreamClosed)
}

func TestListenRejectsPayloadType(t *testing.T) {
	_, err := Listen(Config{PayloadType: 200})
	assert.Error(t, err)
}

func TestParsePacket(t *testing.T) {
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 0, SSRC: 7}, Payload: []byte{1}}
	data, err := pkt.Marshal()
	require.NoError(t, err)

	got, err := parsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.SSRC)

	data[0] = data[0]&0x3F | 1<<6
	_, err = parsePacket(data)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}
