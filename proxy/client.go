package proxy

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kcolemangt/tierproxy/model"
)

// UpstreamClient is the process-wide outbound HTTP client. One instance
// serves every attempt for the life of the process over a shared
// connection pool; Close runs once at shutdown.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	settings   model.UpstreamSettings
	closeOnce  sync.Once
}

// NewUpstreamClient builds the shared client. The read and write timeouts
// are armed per wire operation by deadlineConn, so a response that keeps
// producing bytes stays alive indefinitely while a silent upstream is cut
// off after ReadTimeout, streaming or not.
func NewUpstreamClient(s model.UpstreamSettings) *UpstreamClient {
	dialer := &net.Dialer{
		Timeout:   s.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: s.ReadTimeout, write: s.WriteTimeout}, nil
		},
		TLSHandshakeTimeout:   s.ConnectTimeout,
		ResponseHeaderTimeout: s.ReadTimeout,
		ExpectContinueTimeout: time.Second,
		MaxConnsPerHost:       s.MaxConnections,
		MaxIdleConns:          s.MaxIdleConnections,
		MaxIdleConnsPerHost:   s.MaxIdleConnections,
		IdleConnTimeout:       s.IdleTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		settings:   s,
	}
}

// Do sends one outbound attempt on the shared pool.
func (c *UpstreamClient) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// PreResponseBudget bounds the window between handing an attempt to the
// pool and receiving response headers. Pool wait, dial, request write and
// header read each contribute their own axis; past the sum the attempt is
// abandoned as timed out.
func (c *UpstreamClient) PreResponseBudget() time.Duration {
	s := c.settings
	return s.PoolTimeout + s.ConnectTimeout + s.WriteTimeout + s.ReadTimeout
}

// Close drains the pool. No new attempts may start afterwards.
func (c *UpstreamClient) Close() {
	c.closeOnce.Do(func() {
		c.transport.CloseIdleConnections()
	})
}

// deadlineConn arms a fresh deadline before every read and write so the
// configured timeouts bound individual wire operations rather than whole
// requests. A zero timeout disables the deadline on that side.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
