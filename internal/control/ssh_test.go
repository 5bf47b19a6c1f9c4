package control

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestWaitForPortOpenListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	err = WaitForPort(context.Background(), listener.Addr().String(),
		500*time.Millisecond, 50*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Errorf("WaitForPort() returned error for open port: %v", err)
	}
}

func TestWaitForPortTimesOut(t *testing.T) {
	// A listener that is immediately closed leaves a port nothing accepts on
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	start := time.Now()
	err = WaitForPort(context.Background(), addr,
		100*time.Millisecond, 50*time.Millisecond, 300*time.Millisecond)
	if err == nil {
		t.Fatal("Expected error for closed port, got none")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("WaitForPort() took too long to give up: %v", elapsed)
	}
}

func TestWaitForPortRespectsContext(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WaitForPort(ctx, addr, 100*time.Millisecond, 100*time.Millisecond, time.Hour)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForPort() did not return after context cancellation")
	}
}

func TestRemoteJoin(t *testing.T) {
	tests := []struct {
		name string
		elem []string
		want string
	}{
		{name: "dir and file", elem: []string{"/tmp", "payload"}, want: "/tmp/payload"},
		{name: "nested", elem: []string{"/tmp", "dir", "file.txt"}, want: "/tmp/dir/file.txt"},
		{name: "single", elem: []string{"/tmp"}, want: "/tmp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := remoteJoin(tt.elem...); got != tt.want {
				t.Errorf("remoteJoin(%v) = %q, want %q", tt.elem, got, tt.want)
			}
		})
	}
}

func TestEscapeNewlines(t *testing.T) {
	got := escapeNewlines("line one\nline two\n")
	want := "line one\\nline two\\n"
	if got != want {
		t.Errorf("escapeNewlines() = %q, want %q", got, want)
	}
}
