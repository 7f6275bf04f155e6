package hookutil

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/morezero/sockr/pkg/rpc"
)

type testConn struct {
	id       string
	identity any

	mu   sync.Mutex
	sent [][]byte
}

func (c *testConn) ID() string { return c.id }
func (c *testConn) Identity() any { return c.identity }
func (c *testConn) IsOpen() bool { return true }
func (c *testConn) Close(int, string) error { return nil }

func (c *testConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *testConn) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatalf("hookutil:helpers_test - nothing sent to %s", c.id)
	}
	var m map[string]any
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func (c *testConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newCtx(t *testing.T, client rpc.Conn, frame string) *rpc.Context {
	t.Helper()
	c := rpc.Decode([]byte(frame))
	if c.Error != nil {
		t.Fatalf("hookutil:helpers_test - decode: %v", c.Error)
	}
	c.Client = client
	return c
}

func params(t *testing.T, c *rpc.Context) map[string]any {
	t.Helper()
	m, err := c.ParamsMap()
	if err != nil {
		t.Fatal(err)
	}
	return m
}
