// Mock backend service for end-to-end testing of proxied ports.
// Listens on TCP and UDP, sends a banner on every TCP connection and echoes
// whatever it receives. Point a template port at it with
// "proxy 127.0.0.1:7777".
//
// Usage:
//
//	go run test/mockservice/main.go [--addr 127.0.0.1:7777] [--banner "SSH-2.0-OpenSSH_8.9"]
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

type mockService struct {
	addr   string
	banner string
	ln     net.Listener
	pc     net.PacketConn

	mu    sync.Mutex
	stats struct {
		conns     int
		active    int
		bytesIn   int
		bytesOut  int
		datagrams int
		errors    int
	}
}

func newMockService(addr, banner string) *mockService {
	return &mockService{addr: addr, banner: banner}
}

func (s *mockService) run() error {
	var err error
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	if s.pc, err = net.ListenPacket("udp", s.addr); err != nil {
		s.ln.Close()
		return fmt.Errorf("listen udp: %w", err)
	}
	log.WithField("addr", s.addr).Info("Mock service listening")

	go s.serveUDP()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Warn("Accept failed")
			continue
		}
		s.count(func() { s.stats.conns++; s.stats.active++ })
		go s.handle(conn)
	}
}

func (s *mockService) handle(conn net.Conn) {
	defer conn.Close()
	defer s.count(func() { s.stats.active-- })

	remote := conn.RemoteAddr().String()
	log.WithField("remote", remote).Info("← connection")

	if s.banner != "" {
		n, err := fmt.Fprintf(conn, "%s\r\n", s.banner)
		if err != nil {
			s.count(func() { s.stats.errors++ })
			return
		}
		s.count(func() { s.stats.bytesOut += n })
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Bytes()
		s.count(func() { s.stats.bytesIn += len(line) + 1 })
		n, err := conn.Write(append(line, '\n'))
		if err != nil {
			s.count(func() { s.stats.errors++ })
			return
		}
		s.count(func() { s.stats.bytesOut += n })
	}
	log.WithField("remote", remote).Info("→ closed")
}

func (s *mockService) serveUDP() {
	buf := make([]byte, 65535)
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.count(func() { s.stats.errors++ })
			continue
		}
		s.count(func() { s.stats.datagrams++; s.stats.bytesIn += n })
		if _, err := s.pc.WriteTo(buf[:n], from); err != nil {
			s.count(func() { s.stats.errors++ })
		}
	}
}

func (s *mockService) count(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *mockService) close() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.pc != nil {
		s.pc.Close()
	}
}

func (s *mockService) printStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.WithFields(log.Fields{
		"connections": s.stats.conns,
		"active":      s.stats.active,
		"bytes_in":    s.stats.bytesIn,
		"bytes_out":   s.stats.bytesOut,
		"datagrams":   s.stats.datagrams,
		"errors":      s.stats.errors,
	}).Info("Stats")
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7777", "TCP and UDP address to listen on")
	banner := flag.String("banner", "", "Line sent when a TCP connection opens")
	flag.Parse()

	svc := newMockService(*addr, *banner)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("Shutting down...")
		svc.printStats()
		svc.close()
	}()

	if err := svc.run(); err != nil {
		log.WithError(err).Fatal("Mock service error")
	}
}
