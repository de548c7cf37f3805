package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kcolemangt/tierproxy/model"
)

// readLine pulls one line off the stream with a deadline so a buffering
// regression fails the test instead of hanging it.
func readLine(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := br.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("Failed reading stream line: %v", res.err)
		}
		return res.line
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for a stream line")
		return ""
	}
}

func streamingConfig(upstreamURL string) model.Config {
	cfg := model.DefaultConfig()
	cfg.Tiers[0].Model = "glm-4.5-air"
	cfg.Tiers[0].BaseURL = upstreamURL
	cfg.Tiers[0].APIKey = "haiku-key"
	return cfg
}

func TestStreamRelayDeliversChunksAsTheyArrive(t *testing.T) {
	proceed := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Expected text/event-stream accept header, got %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: one\n\n"))
		flusher.Flush()
		<-proceed
		w.Write([]byte("data: two\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	fwd := newTestForwarder(t, streamingConfig(upstream.URL), quickSettings(), quickPolicy())
	proxySrv := httptest.NewServer(fwd)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/messages", "application/json",
		bytes.NewReader([]byte(`{"model":"glm-4.5-air","stream":true}`)))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %q", ct)
	}

	// The first event must arrive while the upstream is still holding the
	// second back; a relay that buffers the whole body would block here.
	br := bufio.NewReader(resp.Body)
	if line := readLine(t, br); line != "data: one\n" {
		t.Errorf("Unexpected first line %q", line)
	}
	readLine(t, br) // the blank separator line

	close(proceed)

	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("Reading the remaining stream failed: %v", err)
	}
	if string(rest) != "data: two\n\n" {
		t.Errorf("Unexpected stream tail %q", rest)
	}
}

func TestStreamRelayEndsCleanlyWhenUpstreamDies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		w.Write([]byte("data: partial\n\n"))
		flusher.Flush()

		// Kill the connection mid-body so the relay sees a torn stream.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("Test server does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack failed: %v", err)
			return
		}
		conn.Close()
	}))
	defer upstream.Close()

	fwd := newTestForwarder(t, streamingConfig(upstream.URL), quickSettings(), quickPolicy())
	proxySrv := httptest.NewServer(fwd)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/messages", "application/json",
		bytes.NewReader([]byte(`{"model":"glm-4.5-air","stream":true}`)))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 before the stream died, got %d", resp.StatusCode)
	}

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("The relay must terminate its own response cleanly, got %v", err)
	}
	if string(got) != "data: partial\n\n" {
		t.Errorf("Expected exactly the relayed bytes, got %q", got)
	}
}

func TestStreamHoldsGateSlotUntilDone(t *testing.T) {
	var hits atomic.Int32
	hold := make(chan struct{})
	arrivedSecond := make(chan struct{}, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			w.Write([]byte("data: start\n\n"))
			flusher.Flush()
			<-hold
			return
		}
		arrivedSecond <- struct{}{}
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := streamingConfig(upstream.URL)
	cfg.MaxConcurrent = 1
	fwd := newTestForwarder(t, cfg, quickSettings(), quickPolicy())
	proxySrv := httptest.NewServer(fwd)
	defer proxySrv.Close()

	resp, err := http.Post(proxySrv.URL+"/v1/messages", "application/json",
		bytes.NewReader([]byte(`{"model":"glm-4.5-air","stream":true}`)))
	if err != nil {
		t.Fatalf("Streaming request failed: %v", err)
	}
	defer resp.Body.Close()

	// Make sure the stream is committed before starting the second call.
	br := bufio.NewReader(resp.Body)
	readLine(t, br)

	secondDone := make(chan int, 1)
	go func() {
		resp2, err := http.Post(proxySrv.URL+"/v1/messages", "application/json",
			bytes.NewReader([]byte(`{"model":"glm-4.5-air"}`)))
		if err != nil {
			secondDone <- -1
			return
		}
		io.Copy(io.Discard, resp2.Body)
		resp2.Body.Close()
		secondDone <- resp2.StatusCode
	}()

	// The slot is held for the whole stream, not just the headers.
	select {
	case <-arrivedSecond:
		t.Fatal("A second request was admitted while the stream held the only slot")
	case <-time.After(200 * time.Millisecond):
	}

	close(hold)

	select {
	case <-arrivedSecond:
	case <-time.After(2 * time.Second):
		t.Fatal("The queued request never ran after the stream finished")
	}
	if code := <-secondDone; code != http.StatusOK {
		t.Errorf("Expected 200 for the queued request, got %d", code)
	}
}

func TestStreamStopsWhenCallerDisconnects(t *testing.T) {
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for {
			if _, err := w.Write([]byte("data: tick\n\n")); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}))
	defer upstream.Close()

	fwd := newTestForwarder(t, streamingConfig(upstream.URL), quickSettings(), quickPolicy())
	proxySrv := httptest.NewServer(fwd)
	defer proxySrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, proxySrv.URL+"/v1/messages",
		bytes.NewReader([]byte(`{"model":"glm-4.5-air","stream":true}`)))
	if err != nil {
		t.Fatalf("Building request failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	br := bufio.NewReader(resp.Body)
	readLine(t, br)

	// Walk away mid-stream; the proxy must tear the upstream call down.
	cancel()
	resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Upstream call was not torn down after the caller left")
	}
}
