package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/quillvec/quillvec/internal/protocol"
)

// serveTCP accepts connections on the line protocol port until the listener
// is closed. Each connection gets its own goroutine.
func (s *Server) serveTCP(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("tcp accept failed", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn reads newline-terminated commands and writes one reply line per
// command. Errors are prefixed with "ERR " so clients can distinguish them
// without a framing layer.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	// Vectors can make command lines long; allow up to 4 MiB per line.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "QUIT") {
			fmt.Fprintln(conn, "BYE")
			return
		}

		reply := s.executeLine(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) executeLine(line string) string {
	cmd, err := protocol.Parse(line)
	if err != nil {
		return "ERR " + err.Error()
	}
	reply, err := s.execute(cmd, true)
	if err != nil {
		return "ERR " + err.Error()
	}
	return reply
}
