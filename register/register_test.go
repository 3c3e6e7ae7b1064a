package register

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAliveMessage(t *testing.T) {
	received := make(chan Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/register", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		select {
		case received <- req:
		default:
		}
		_ = json.NewEncoder(w).Encode(Response{ID: req.ID, Success: true})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go SendAliveMessage(ctx, &wg, Config{Host: host, Port: port},
		"10.0.0.7", 8000, "cuda", func() bool { return true })

	select {
	case req := <-received:
		assert.NotEmpty(t, req.ID)
		assert.Equal(t, "10.0.0.7", req.IP)
		assert.Equal(t, 8000, req.Port)
		assert.Equal(t, "cuda", req.DeviceClass)
		assert.True(t, req.ModelLoaded)
		assert.NotZero(t, req.Timestamp)
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat arrived")
	}

	cancel()
	wg.Wait()
}

func TestConfigAddress(t *testing.T) {
	assert.Equal(t, "registry.local:9000", Config{Host: "registry.local", Port: 9000}.address())
}
