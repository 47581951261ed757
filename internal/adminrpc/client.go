package adminrpc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client calls a running Pipeline's admin RPC server over its Unix
// socket.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	decoder *json.Decoder
	encoder *json.Encoder
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("adminrpc: dial: %w", err)
	}
	return &Client{
		conn:    conn,
		decoder: json.NewDecoder(conn),
		encoder: json.NewEncoder(conn),
	}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(method string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: method}

	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("adminrpc: send: %w", err)
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return fmt.Errorf("adminrpc: read: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("adminrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

// Stats calls the Stats method.
func (c *Client) Stats() (Stats, error) {
	var s Stats
	err := c.call("Stats", &s)
	return s, err
}

// Shutdown calls the Shutdown method.
func (c *Client) Shutdown() error {
	var ok map[string]bool
	return c.call("Shutdown", &ok)
}
