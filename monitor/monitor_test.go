package monitor_test

import (
	"testing"
	"time"

	"btaudiobridge/daemon"
	"btaudiobridge/internal/testdaemon"
	"btaudiobridge/monitor"
)

func mustAddr(t *testing.T, s string) daemon.Address {
	t.Helper()
	a, err := daemon.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	return a
}

func TestSetDeviceAttachesExistingTransport(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	addr := mustAddr(t, "AA:BB:CC:DD:EE:FF")
	th, err := srv.AddTransport(daemon.Transport{
		Addr: addr, Type: daemon.ProfileA2DP, Channels: 2, Rate: 44100, Stream: daemon.StreamCapture,
	})
	if err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	h, err := monitor.Open(srv.SocketPath(), "hci0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if err := h.SetDevice(&addr, daemon.ProfileA2DP); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	remote := th.Conn()
	payload := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	if _, err := remote.Write(payload); err != nil {
		t.Fatalf("remote write: %v", err)
	}

	buf := make([]byte, 64)
	n, err := h.Readi(buf, len(payload)/4)
	if err != nil {
		t.Fatalf("Readi: %v", err)
	}
	if n != len(payload)/4 {
		t.Errorf("expected %d frames, got %d", len(payload)/4, n)
	}
}

func TestReadiSurvivesDisconnect(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	addr := mustAddr(t, "11:22:33:44:55:66")
	th, err := srv.AddTransport(daemon.Transport{
		Addr: addr, Type: daemon.ProfileA2DP, Channels: 2, Rate: 44100, Stream: daemon.StreamCapture,
	})
	if err != nil {
		t.Fatalf("AddTransport: %v", err)
	}

	h, err := monitor.Open(srv.SocketPath(), "hci0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if err := h.SetDevice(&addr, daemon.ProfileA2DP); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	th.Conn()
	srv.RemoveTransport(th.ID())

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		h.Readi(buf, 4)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Readi returned before device reattached")
	case <-time.After(100 * time.Millisecond):
	}

	th2, err := srv.AddTransport(daemon.Transport{
		Addr: addr, Type: daemon.ProfileA2DP, Channels: 2, Rate: 44100, Stream: daemon.StreamCapture,
	})
	if err != nil {
		t.Fatalf("re-AddTransport: %v", err)
	}
	remote2 := th2.Conn()
	if _, err := remote2.Write([]byte{9, 0, 9, 0, 9, 0, 9, 0}); err != nil {
		t.Fatalf("remote write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Readi never returned after reattach")
	}
}

func TestWriteiUnsupported(t *testing.T) {
	srv, err := testdaemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	h, err := monitor.Open(srv.SocketPath(), "hci0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if _, err := h.Writei(make([]byte, 16), 4); err != monitor.ErrUnsupported {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
