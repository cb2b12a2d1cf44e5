package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"atom-rpc/codec"
	"atom-rpc/message"
	"atom-rpc/protocol"
	"atom-rpc/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func startServer(t *testing.T) string {
	t.Helper()
	svr, err := server.NewServer()
	if err != nil {
		t.Fatal(err)
	}
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func dial(t *testing.T, addr string, cdc codec.Codec, opts ...Option) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	ct := NewClientTransport(conn, cdc, opts...)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func add(t *testing.T, ct *ClientTransport, a, b int) (int, error) {
	req, err := message.NewRequest("Arith.Add", &Args{A: a, B: b})
	if err != nil {
		return 0, err
	}
	_, ch, err := ct.Send(req)
	if err != nil {
		return 0, err
	}
	resp := <-ch
	if resp.Fault != "" {
		t.Errorf("server error: %s", resp.Fault)
		return 0, nil
	}
	var reply Reply
	if err := message.Bind(resp.Return, &reply); err != nil {
		return 0, err
	}
	return reply.Result, nil
}

// Several requests in a row on one connection.
func TestClientTransportSerial(t *testing.T) {
	addr := startServer(t)

	for _, cdc := range []codec.Codec{codec.NewJSONCodec(), codec.NewMsgpackCodec()} {
		ct := dial(t, addr, cdc)
		cases := []struct {
			a, b, expect int
		}{
			{1, 2, 3},
			{10, 20, 30},
			{100, 200, 300},
		}
		for _, tc := range cases {
			got, err := add(t, ct, tc.a, tc.b)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.expect {
				t.Fatalf("%s: expect %d, got %d", cdc.Type(), tc.expect, got)
			}
		}
	}
}

// Concurrent requests multiplexed over one connection.
func TestClientTransportConcurrent(t *testing.T) {
	addr := startServer(t)
	ct := dial(t, addr, codec.NewMsgpackCodec())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := add(t, ct, n, n)
			if err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			if got != n*2 {
				t.Errorf("expect %d, got %d", n*2, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportCallContext(t *testing.T) {
	// A peer that reads requests and never answers.
	client, peer := net.Pipe()
	go func() {
		for {
			if _, _, err := protocol.Decode(peer); err != nil {
				return
			}
		}
	}()
	ct := NewClientTransport(client, codec.NewMsgpackCodec(), WithHeartbeat(0))
	defer ct.Close()

	req, err := message.NewRequest("Arith.Add", &Args{A: 1, B: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ct.Call(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, ct.pending.Size())
}

func TestClientTransportPeerClosed(t *testing.T) {
	client, peer := net.Pipe()
	ct := NewClientTransport(client, codec.NewJSONCodec(), WithHeartbeat(0))
	defer ct.Close()

	got := make(chan struct{})
	go func() {
		if _, _, err := protocol.Decode(peer); err == nil {
			close(got)
		}
	}()

	req, err := message.NewRequest("Arith.Add", &Args{})
	require.NoError(t, err)
	_, ch, err := ct.Send(req)
	require.NoError(t, err)

	<-got
	peer.Close()

	select {
	case resp := <-ch:
		assert.Contains(t, resp.Fault, "connection lost")
	case <-time.After(time.Second):
		t.Fatal("pending call not failed after peer closed")
	}
	require.Eventually(t, ct.Closed, time.Second, 10*time.Millisecond)

	_, _, err = ct.Send(req)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientTransportHeartbeat(t *testing.T) {
	client, peer := net.Pipe()
	ct := NewClientTransport(client, codec.NewMsgpackCodec(), WithHeartbeat(10*time.Millisecond))
	defer ct.Close()
	defer peer.Close()

	header, body, err := protocol.Decode(peer)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgTypeHeartbeat, header.MsgType)
	assert.Empty(t, body)
}

func TestClientTransportForeignCodecResponse(t *testing.T) {
	client, peer := net.Pipe()
	reg := codec.Default()
	ct := NewClientTransport(client, codec.NewMsgpackCodec(), WithHeartbeat(0), WithRegistry(reg))
	defer ct.Close()

	req, err := message.NewRequest("Arith.Add", &Args{})
	require.NoError(t, err)

	go func() {
		h, _, err := protocol.Decode(peer)
		if err != nil {
			return
		}
		payload, _ := codec.NewJSONCodec().Serialize(&message.Body{Fault: "unknown codec"})
		resp := protocol.Header{CodecType: byte(codec.TypeJSON), MsgType: protocol.MsgTypeResponse, Seq: h.Seq}
		protocol.Encode(peer, &resp, payload)
	}()

	resp, err := ct.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "unknown codec", resp.Fault)
}
