package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// SMTPServer is a minimal relay for tests. It accepts every RCPT except the
// addresses in Reject and records each delivered message. Like a real relay
// it refuses a MAIL while a transaction is still open.
type SMTPServer struct {
	Host string
	Port int

	mu        sync.Mutex
	reject    map[string]bool
	delivered []Delivered
	sessions  int

	ln net.Listener
	wg sync.WaitGroup
}

type Delivered struct {
	From string
	To   []string
	Data string
}

// StartSMTPServer listens on a loopback port until the test ends.
func StartSMTPServer(t testing.TB, reject ...string) *SMTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := &SMTPServer{Host: host, Port: port, ln: ln, reject: make(map[string]bool)}
	for _, r := range reject {
		s.reject[strings.ToLower(r)] = true
	}

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *SMTPServer) Delivered() []Delivered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivered(nil), s.delivered...)
}

// Sessions is the number of connections accepted so far.
func (s *SMTPServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *SMTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *SMTPServer) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	reply := func(line string) {
		fmt.Fprintf(conn, "%s\r\n", line)
	}

	var (
		cur  Delivered
		inTx bool
	)
	reply("220 localhost ESMTP test")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		upper := strings.ToUpper(cmd)

		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			cur, inTx = Delivered{}, false
			reply("250-localhost")
			reply("250 HELP")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			if inTx {
				reply("503 5.5.1 Error: nested MAIL command")
				continue
			}
			cur, inTx = Delivered{From: addrOf(cmd)}, true
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			if !inTx {
				reply("503 5.5.1 Error: need MAIL command")
				continue
			}
			addr := addrOf(cmd)
			s.mu.Lock()
			rejected := s.reject[strings.ToLower(addr)]
			s.mu.Unlock()
			if rejected {
				reply("550 mailbox unavailable")
				continue
			}
			cur.To = append(cur.To, addr)
			reply("250 OK")
		case upper == "DATA":
			if len(cur.To) == 0 {
				reply("554 5.5.1 Error: no valid recipients")
				continue
			}
			reply("354 end data with <CR><LF>.<CR><LF>")
			var data strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				data.WriteString(l)
			}
			cur.Data = data.String()
			s.mu.Lock()
			s.delivered = append(s.delivered, cur)
			s.mu.Unlock()
			cur, inTx = Delivered{}, false
			reply("250 queued")
		case upper == "RSET":
			cur, inTx = Delivered{}, false
			reply("250 OK")
		case upper == "NOOP":
			reply("250 OK")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 command not implemented")
		}
	}
}

func addrOf(cmd string) string {
	start := strings.Index(cmd, "<")
	end := strings.LastIndex(cmd, ">")
	if start < 0 || end <= start {
		return ""
	}
	return cmd[start+1 : end]
}
