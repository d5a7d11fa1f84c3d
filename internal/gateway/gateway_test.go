package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/marker-server/internal/codec/binarycodec"
	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	"github.com/taoyao-code/marker-server/internal/eventloop"
	"github.com/taoyao-code/marker-server/internal/pipeline"
	"github.com/taoyao-code/marker-server/internal/processor"
	"github.com/taoyao-code/marker-server/internal/protocol"
	"github.com/taoyao-code/marker-server/internal/store"
	"github.com/taoyao-code/marker-server/internal/tcpserver"
	"github.com/taoyao-code/marker-server/internal/worker"
)

const (
	testMaxContent = 1024
	testMaxFrame   = 512
)

func startGateway(t *testing.T) *tcpserver.Server {
	t.Helper()
	logger := zap.NewNop()

	st := store.NewMemoryStore()
	proc := processor.New(st, time.Second, logger)

	pool := worker.NewPool[pipeline.Job](4, 256, pipeline.RunJob)
	require.NoError(t, pool.Start(context.Background()))
	loops := eventloop.NewGroup(2, 256, logger)

	asm := NewAssembler(pool, processor.NewHTTPHandler(proc, nil), processor.NewBinaryHandler(proc, nil), Limits{
		MaxContentLength: testMaxContent,
		MaxFrameLength:   testMaxFrame,
	})

	srv := tcpserver.New(cfgpkg.TCPConfig{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		SniffTimeout: 2 * time.Second,
	}, loops, logger)
	srv.SetConnHandler(NewConnHandler(asm, nil, logger))
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = loops.Stop(ctx)
		_ = pool.Stop(time.Second)
		_ = st.Close()
	})
	return srv
}

func dial(t *testing.T, srv *tcpserver.Server, marker string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if marker != "" {
		_, err = c.Write([]byte(marker))
		require.NoError(t, err)
	}
	return c, bufio.NewReader(c)
}

func readHTTP(t *testing.T, r *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, string(body)
}

func sendBinary(t *testing.T, c net.Conn, req *binarycodec.Request) {
	t.Helper()
	_, err := c.Write(binarycodec.AppendFrame(nil, binarycodec.MarshalRequest(req)))
	require.NoError(t, err)
}

func readBinary(t *testing.T, r *bufio.Reader) *binarycodec.Response {
	t.Helper()
	frame, err := binarycodec.ReadFrame(r, 0)
	require.NoError(t, err)
	resp, err := binarycodec.UnmarshalResponse(frame)
	require.NoError(t, err)
	return resp
}

func TestAssembler_BuildsFreshChains(t *testing.T) {
	asm := NewAssembler(nil, nil, nil, Limits{})

	a, err := asm.Build(protocol.HTTP)
	require.NoError(t, err)
	b, err := asm.Build(protocol.HTTP)
	require.NoError(t, err)
	require.NoError(t, a.Validate())
	assert.Len(t, a.Inbound, 2)
	assert.NotSame(t, a.Inbound[0], b.Inbound[0])
	assert.NotSame(t, a.Dispatch, b.Dispatch)

	bin, err := asm.Build(protocol.Binary)
	require.NoError(t, err)
	assert.Equal(t, protocol.Binary, bin.Variant)
	require.NoError(t, bin.Validate())

	_, err = asm.Build(protocol.Unknown)
	assert.Error(t, err)
}

func TestGateway_HTTPPing(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "HTTP")
	_, err := c.Write([]byte("GET /ping HTTP/1.1\r\nHost: gw\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readHTTP(t, r)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
}

func TestGateway_MarkerWithRequestInSameSegment(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "")
	_, err := c.Write([]byte("HTTPGET /ping HTTP/1.1\r\nHost: gw\r\n\r\n"))
	require.NoError(t, err)

	resp, body := readHTTP(t, r)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
}

func TestGateway_StoreOverHTTPLookupOverBinary(t *testing.T) {
	srv := startGateway(t)

	hc, hr := dial(t, srv, "HTTP")
	payload := `{"key":"parcel-1","value":"dock 7"}`
	_, err := fmt.Fprintf(hc, "POST /markers HTTP/1.1\r\nHost: gw\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(payload), payload)
	require.NoError(t, err)
	resp, body := readHTTP(t, hr)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, "parcel-1", created.Key)
	assert.NotEmpty(t, created.ID)

	bc, br := dial(t, srv, "PRBF")
	sendBinary(t, bc, &binarycodec.Request{Op: binarycodec.OpLookup, Key: "parcel-1", ID: 9})
	got := readBinary(t, br)
	assert.Equal(t, binarycodec.StatusOK, got.Status)
	assert.Equal(t, uint64(9), got.ID)
	assert.Equal(t, "dock 7", string(got.Value))
	assert.Equal(t, created.ID, got.MarkerID)

	sendBinary(t, bc, &binarycodec.Request{Op: binarycodec.OpLookup, Key: "missing", ID: 10})
	miss := readBinary(t, br)
	assert.Equal(t, binarycodec.StatusNotFound, miss.Status)
	assert.Equal(t, uint64(10), miss.ID)
}

func TestGateway_PipelinedHTTPKeepsOrder(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "HTTP")

	var sb strings.Builder
	for i := 0; i < 5; i++ {
		v := fmt.Sprintf(`{"key":"k%d","value":"v%d"}`, i, i)
		fmt.Fprintf(&sb, "POST /markers HTTP/1.1\r\nHost: gw\r\nContent-Length: %d\r\n\r\n%s", len(v), v)
	}
	_, err := c.Write([]byte(sb.String()))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		resp, body := readHTTP(t, r)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Contains(t, body, fmt.Sprintf(`"key":"k%d"`, i))
	}
}

func TestGateway_HTTPConnectionClose(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "HTTP")
	_, err := c.Write([]byte("GET /ping HTTP/1.1\r\nHost: gw\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, _ := readHTTP(t, r)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.Close)
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGateway_UnknownMarkerWritesNothing(t *testing.T) {
	srv := startGateway(t)
	c, _ := dial(t, srv, "XXXX")
	b, _ := io.ReadAll(c)
	assert.Empty(t, b)
}

func TestGateway_OversizedHTTPBody(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "HTTP")
	_, err := fmt.Fprintf(c, "POST /markers HTTP/1.1\r\nHost: gw\r\nContent-Length: %d\r\n\r\n", testMaxContent+1)
	require.NoError(t, err)

	resp, _ := readHTTP(t, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestGateway_OversizedBinaryFrame(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "PRBF")
	// 只写长度前缀即可触发
	_, err := c.Write(binarycodec.AppendFrame(nil, make([]byte, testMaxFrame+1))[:2])
	require.NoError(t, err)

	resp := readBinary(t, r)
	assert.Equal(t, binarycodec.StatusBadRequest, resp.Status)
	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestGateway_MalformedHeadAfterValidRequestAnswersInOrder(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "")

	payload := `{"key":"late","value":"ok"}`
	_, err := fmt.Fprintf(c, "HTTPPOST /markers HTTP/1.1\r\nHost: gw\r\nContent-Length: %d\r\n\r\n%sBROKEN LINE\r\n\r\n",
		len(payload), payload)
	require.NoError(t, err)

	first, body := readHTTP(t, r)
	assert.Equal(t, http.StatusCreated, first.StatusCode, body)
	second, _ := readHTTP(t, r)
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	_, err = r.ReadByte()
	assert.Error(t, err)

	lc, lr := dial(t, srv, "HTTP")
	_, err = lc.Write([]byte("GET /markers/late HTTP/1.1\r\nHost: gw\r\n\r\n"))
	require.NoError(t, err)
	got, _ := readHTTP(t, lr)
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

func TestGateway_OversizedFrameAfterValidFrameAnswersInOrder(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "PRBF")

	seg := binarycodec.AppendFrame(nil, binarycodec.MarshalRequest(&binarycodec.Request{
		Op: binarycodec.OpStore, Key: "k", Value: []byte("v"), ID: 5,
	}))
	seg = append(seg, binarycodec.AppendFrame(nil, make([]byte, testMaxFrame+1))[:2]...)
	_, err := c.Write(seg)
	require.NoError(t, err)

	stored := readBinary(t, r)
	assert.Equal(t, binarycodec.StatusOK, stored.Status)
	assert.Equal(t, uint64(5), stored.ID)
	rejected := readBinary(t, r)
	assert.Equal(t, binarycodec.StatusBadRequest, rejected.Status)
	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestGateway_UndecodablePayloadKeepsConnection(t *testing.T) {
	srv := startGateway(t)
	c, r := dial(t, srv, "PRBF")

	_, err := c.Write(binarycodec.AppendFrame(nil, []byte{0xff}))
	require.NoError(t, err)
	bad := readBinary(t, r)
	assert.Equal(t, binarycodec.StatusBadRequest, bad.Status)

	sendBinary(t, c, &binarycodec.Request{Op: binarycodec.OpPing, ID: 2})
	ok := readBinary(t, r)
	assert.Equal(t, binarycodec.StatusOK, ok.Status)
	assert.Equal(t, uint64(2), ok.ID)
}

func TestGateway_ConcurrentMixedClients(t *testing.T) {
	srv := startGateway(t)

	const clients = 16
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- runClient(srv.Addr().String(), i)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

// runClient 奇数客户端走二进制协议，偶数走 HTTP；各自写入并读回自己的标记
func runClient(addr string, i int) error {
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(c)
	key := fmt.Sprintf("client-%d", i)
	value := fmt.Sprintf("value-%d", i)

	if i%2 == 1 {
		out := []byte(protocol.MarkerBinary)
		out = binarycodec.AppendFrame(out, binarycodec.MarshalRequest(&binarycodec.Request{Op: binarycodec.OpStore, Key: key, Value: []byte(value), ID: 1}))
		out = binarycodec.AppendFrame(out, binarycodec.MarshalRequest(&binarycodec.Request{Op: binarycodec.OpLookup, Key: key, ID: 2}))
		if _, err := c.Write(out); err != nil {
			return err
		}
		for id := uint64(1); id <= 2; id++ {
			frame, err := binarycodec.ReadFrame(r, 0)
			if err != nil {
				return err
			}
			resp, err := binarycodec.UnmarshalResponse(frame)
			if err != nil {
				return err
			}
			if resp.ID != id || resp.Status != binarycodec.StatusOK || string(resp.Value) != value {
				return fmt.Errorf("client %d: unexpected response %+v", i, resp)
			}
		}
		return nil
	}

	body := fmt.Sprintf(`{"key":%q,"value":%q}`, key, value)
	req := fmt.Sprintf("%sPOST /markers HTTP/1.1\r\nHost: gw\r\nContent-Length: %d\r\n\r\n%sGET /markers/%s HTTP/1.1\r\nHost: gw\r\n\r\n",
		protocol.MarkerHTTP, len(body), body, key)
	if _, err := c.Write([]byte(req)); err != nil {
		return err
	}
	for _, want := range []int{http.StatusCreated, http.StatusOK} {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			return err
		}
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != want || !strings.Contains(string(b), value) {
			return fmt.Errorf("client %d: status %d body %s", i, resp.StatusCode, b)
		}
	}
	return nil
}
