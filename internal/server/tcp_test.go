package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestTCPProtocol(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:9496"
	cfg.TCPAddr = "127.0.0.1:9497"
	cfg.Maintenance.Interval = 0

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = srv.Start() }()
	time.Sleep(300 * time.Millisecond)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	conn, err := net.Dial("tcp", cfg.TCPAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	send := func(line string) string {
		t.Helper()
		if _, err := fmt.Fprintln(conn, line); err != nil {
			t.Fatalf("send %q: %v", line, err)
		}
		reply, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply for %q: %v", line, err)
		}
		return reply[:len(reply)-1]
	}

	if got := send("PING"); got != "PONG" {
		t.Errorf("PING = %q", got)
	}
	if got := send("VCREATE sensors M 8"); got != "OK" {
		t.Errorf("VCREATE = %q", got)
	}
	if got := send("VADD sensors s1 1,2,3"); got != "OK" {
		t.Errorf("VADD = %q", got)
	}
	if got := send("VSEARCH sensors 1,2,3 1"); got == "" || got[0] != '[' {
		t.Errorf("VSEARCH = %q, want a JSON array", got)
	}
	if got := send("QUIT"); got != "BYE" {
		t.Errorf("QUIT = %q", got)
	}
}
