// internal/connection/connection_test.go
package connection

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dkoosis/wiremux/internal/auth"
	"github.com/dkoosis/wiremux/internal/metrics"
	"github.com/dkoosis/wiremux/internal/registry"
	"github.com/dkoosis/wiremux/internal/substrate"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

// newTestPair builds a client/server connection pair sharing a net.Pipe,
// each with its own Registry, and starts their pumps and dispatch loops.
func newTestPair(t *testing.T, serverReg, clientReg *registry.Registry) (server, client *Connection) {
	t.Helper()
	a, b := pipePair(t)

	sub := substrate.New()
	server = New(sub, a, Config{Timeout: time.Second}, serverReg)
	client = New(sub, b, Config{Timeout: time.Second}, clientReg)

	server.Run()
	client.Run()
	go server.Dispatch()
	go client.Dispatch()

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestCallMethodRoundTrip(t *testing.T) {
	serverReg := registry.New()
	serverReg.Method("echo", 1, 1, func(ctx *registry.Context, args []json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(args[0], &s)
		return s, nil
	})

	_, client := newTestPair(t, serverReg, nil)

	result, err := client.CallMethod("echo", []any{"hello"}, time.Second)
	if err != nil {
		t.Fatalf("CallMethod returned error: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestCallMethodTimeout(t *testing.T) {
	serverReg := registry.New()
	serverReg.Method("blackhole", 0, 0, func(ctx *registry.Context, args []json.RawMessage) (any, error) {
		ctx.DelayReply() // never actually replies
		return nil, nil
	})

	_, client := newTestPair(t, serverReg, nil)

	_, err := client.CallMethod("blackhole", nil, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
}

func TestCallMethodNotFound(t *testing.T) {
	serverReg := registry.New()
	_, client := newTestPair(t, serverReg, nil)

	_, err := client.CallMethod("missing", nil, time.Second)
	if err == nil {
		t.Fatal("expected a NotFound error, got nil")
	}
}

func TestSendSignalInvokesHandler(t *testing.T) {
	received := make(chan string, 1)
	serverReg := registry.New()
	serverReg.Signal("notify", 1, 1, func(ctx *registry.Context, args []json.RawMessage) error {
		var s string
		_ = json.Unmarshal(args[0], &s)
		received <- s
		return nil
	})

	_, client := newTestPair(t, serverReg, nil)

	if err := client.SendSignal("notify", "hi"); err != nil {
		t.Fatalf("SendSignal returned error: %v", err)
	}

	select {
	case s := <-received:
		if s != "hi" {
			t.Errorf("signal arg = %q, want %q", s, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("signal handler was never invoked")
	}
}

func TestCloseIsIdempotentAndFiresEventOnce(t *testing.T) {
	sub := substrate.New()
	a, b := pipePair(t)
	defer b.Close()

	conn := New(sub, a, Config{Timeout: time.Second}, nil)
	conn.Run()
	go conn.Dispatch()

	events := make(chan Event, 4)
	conn.OnEvent(func(c *Connection, e Event) { events <- e })

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	select {
	case e := <-events:
		if e != EventClosed {
			t.Errorf("event = %v, want EventClosed", e)
		}
	case <-time.After(time.Second):
		t.Fatal("EventClosed never fired")
	}

	select {
	case e := <-events:
		t.Fatalf("EventClosed fired a second time: %v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseUnblocksOutstandingCall(t *testing.T) {
	sub := substrate.New()
	a, b := pipePair(t)

	conn := New(sub, a, Config{Timeout: time.Minute}, nil)
	conn.Run()
	go conn.Dispatch()

	errs := make(chan error, 1)
	go func() {
		_, err := conn.CallMethod("whatever", nil, time.Minute)
		errs <- err
	}()

	// Give the call a moment to register before closing.
	time.Sleep(20 * time.Millisecond)
	conn.Close()
	b.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected a disconnect error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("CallMethod never returned after Close")
	}
}

func TestMetricsRecordMessagesAndDispatch(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry(), 10)

	serverReg := registry.New()
	serverReg.Method("echo", 1, 1, func(ctx *registry.Context, args []json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(args[0], &s)
		return s, nil
	})

	sub := substrate.New()
	a, b := pipePair(t)
	server := New(sub, a, Config{Timeout: time.Second, Metrics: collector}, serverReg)
	client := New(sub, b, Config{Timeout: time.Second, Metrics: collector}, nil)
	server.Run()
	client.Run()
	go server.Dispatch()
	go client.Dispatch()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	if _, err := client.CallMethod("echo", []any{"hi"}, time.Second); err != nil {
		t.Fatalf("CallMethod returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.MessagesInTotal()); got == 0 {
		t.Errorf("messages in total = %v, want > 0", got)
	}
	if got := testutil.ToFloat64(collector.MessagesOutTotal()); got == 0 {
		t.Errorf("messages out total = %v, want > 0", got)
	}
	if got := testutil.CollectAndCount(collector.DispatchLatency()); got == 0 {
		t.Errorf("dispatch latency observations = %v, want > 0", got)
	}
}

func TestAuthenticationHandshakePromotesToReady(t *testing.T) {
	secret := []byte("shared-secret")
	serverAuth := auth.NewHMACAuthenticator(secret, "client-1")
	clientAuth := auth.NewHMACAuthenticator(secret, "")

	sub := substrate.New()
	a, b := pipePair(t)

	server := New(sub, a, Config{Timeout: time.Second, Authenticator: serverAuth}, registry.New())
	clientReg := registry.New()
	client := New(sub, b, Config{Timeout: time.Second}, clientReg)

	respondErrs := make(chan error, 1)
	clientReg.Signal("auth_challenge", 1, 1, func(ctx *registry.Context, args []json.RawMessage) error {
		var encoded string
		if err := json.Unmarshal(args[0], &encoded); err != nil {
			return err
		}
		challenge, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return err
		}
		response := clientAuth.Respond(challenge)
		go func() {
			_, err := client.CallMethod("auth_response", []any{base64.StdEncoding.EncodeToString(response)}, time.Second)
			respondErrs <- err
		}()
		return nil
	})

	server.Run()
	client.Run()
	go server.Dispatch()
	go client.Dispatch()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	select {
	case err := <-respondErrs:
		if err != nil {
			t.Fatalf("auth_response call returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("client never sent auth_response")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && server.State() != StateReady {
		time.Sleep(5 * time.Millisecond)
	}
	if server.State() != StateReady {
		t.Fatalf("server state = %v, want Ready", server.State())
	}
	if server.PeerName() != "client-1" {
		t.Errorf("server.PeerName() = %q, want %q", server.PeerName(), "client-1")
	}
}

func TestAuthenticationHandshakeRejectsWrongSecret(t *testing.T) {
	serverAuth := auth.NewHMACAuthenticator([]byte("shared-secret"), "client-1")
	impostorAuth := auth.NewHMACAuthenticator([]byte("wrong-secret"), "")

	sub := substrate.New()
	a, b := pipePair(t)

	server := New(sub, a, Config{Timeout: time.Second, Authenticator: serverAuth}, registry.New())
	clientReg := registry.New()
	client := New(sub, b, Config{Timeout: time.Second}, clientReg)

	clientReg.Signal("auth_challenge", 1, 1, func(ctx *registry.Context, args []json.RawMessage) error {
		var encoded string
		_ = json.Unmarshal(args[0], &encoded)
		challenge, _ := base64.StdEncoding.DecodeString(encoded)
		response := impostorAuth.Respond(challenge)
		go client.CallMethod("auth_response", []any{base64.StdEncoding.EncodeToString(response)}, time.Second)
		return nil
	})

	server.Run()
	client.Run()
	go server.Dispatch()
	go client.Dispatch()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && server.State() != StateClosed {
		time.Sleep(5 * time.Millisecond)
	}
	if server.State() != StateClosed {
		t.Fatalf("server state = %v, want Closed after failed authentication", server.State())
	}
}

// TestReadPumpThrottlesWhenQueueFull exercises spec.md §8 scenario 7: a
// peer sending faster than the handler side drains disables the server's
// read watch until the inbound queue has room again, rather than dropping
// or rejecting the excess signals.
func TestReadPumpThrottlesWhenQueueFull(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry(), 10)

	received := make(chan string, 20)
	serverReg := registry.New()
	serverReg.Signal("note", 1, 1, func(ctx *registry.Context, args []json.RawMessage) error {
		var s string
		_ = json.Unmarshal(args[0], &s)
		received <- s
		return nil
	})

	sub := substrate.New()
	a, b := pipePair(t)
	server := New(sub, a, Config{Timeout: time.Second, MaxIncomingMessages: 2, Metrics: collector}, serverReg)
	client := New(sub, b, Config{Timeout: time.Second}, nil)

	server.Run()
	client.Run()
	go client.Dispatch()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	const sent = 5
	for i := 0; i < sent; i++ {
		if err := client.SendSignal("note", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("SendSignal %d returned error: %v", i, err)
		}
	}

	// Give the read pump time to fill the 2-slot queue and disable the
	// watch before anything drains it.
	time.Sleep(50 * time.Millisecond)
	go server.Dispatch()

	for i := 0; i < sent; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("signal %d never arrived after the queue drained", i)
		}
	}

	if got := testutil.ToFloat64(collector.ThrottleEventsTotal()); got == 0 {
		t.Errorf("throttle events total = %v, want > 0", got)
	}
}
