// Package redisstub provides a minimal in-process Redis server speaking
// enough RESP2 for the room state store and the broadcast bus: string
// get/set with expiry and single-channel pub/sub. Tests dial it with a real
// go-redis client instead of mocking the client interface.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte

	mu          sync.Mutex
	kv          map[string]*kvEntry
	subscribers map[*clientConn]map[string]struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:        opts,
		kv:          make(map[string]*kvEntry),
		subscribers: make(map[*clientConn]map[string]struct{}),
		closed:      make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// TTL reports the remaining lifetime of a key: -1 when unset, -2 when the
// key is missing or expired.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return -2 * time.Second
	}
	if entry.expiry.IsZero() {
		return -time.Second
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2 * time.Second
	}
	return remaining
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// clientConn serialises writes so pub/sub pushes never interleave with
// command replies on the same connection.
type clientConn struct {
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
}

func (c *clientConn) write(fn func(w *bufio.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := fn(c.writer); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (s *Server) handleConnection(conn net.Conn) {
	client := &clientConn{conn: conn, writer: bufio.NewWriter(conn)}
	defer func() {
		s.dropSubscriber(client)
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			_ = client.write(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments") })
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "HELLO":
			// Old-server behaviour; the client falls back to RESP2.
			if err := client.write(func(w *bufio.Writer) error {
				return writeError(w, "ERR unknown command 'HELLO'")
			}); err != nil {
				return
			}
		case "PING":
			if err := client.write(func(w *bufio.Writer) error { return writeSimpleString(w, "PONG") }); err != nil {
				return
			}
		case "AUTH":
			presented := ""
			switch len(args) {
			case 2:
				presented = args[1]
			case 3:
				presented = args[2]
			default:
				if err := client.write(func(w *bufio.Writer) error {
					return writeError(w, "ERR wrong number of arguments for 'auth'")
				}); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || presented == s.opts.Password {
				authenticated = true
				if err := client.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") }); err != nil {
					return
				}
			} else {
				if err := client.write(func(w *bufio.Writer) error {
					return writeError(w, "WRONGPASS invalid username-password pair")
				}); err != nil {
					return
				}
			}
		case "SELECT", "CLIENT":
			if err := client.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") }); err != nil {
				return
			}
		case "QUIT":
			_ = client.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
			return
		default:
			if !authenticated {
				if err := client.write(func(w *bufio.Writer) error {
					return writeError(w, "NOAUTH Authentication required.")
				}); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(client, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(client *clientConn, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "SET":
		if len(args) < 3 {
			_ = client.write(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'set'")
			})
			return false
		}
		expiry, ok := parseExpiry(args[3:])
		if !ok {
			_ = client.write(func(w *bufio.Writer) error { return writeError(w, "ERR syntax error") })
			return false
		}
		s.set(args[1], args[2], expiry)
		return client.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") }) == nil
	case "GET":
		if len(args) != 2 {
			_ = client.write(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'get'")
			})
			return false
		}
		value, ok := s.get(args[1])
		return client.write(func(w *bufio.Writer) error {
			if !ok {
				return writeBulkNil(w)
			}
			return writeBulkString(w, value)
		}) == nil
	case "GETEX":
		if len(args) < 2 {
			_ = client.write(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'getex'")
			})
			return false
		}
		expiry, ok := parseExpiry(args[2:])
		if !ok {
			_ = client.write(func(w *bufio.Writer) error { return writeError(w, "ERR syntax error") })
			return false
		}
		value, found := s.getEx(args[1], expiry, len(args) > 2)
		return client.write(func(w *bufio.Writer) error {
			if !found {
				return writeBulkNil(w)
			}
			return writeBulkString(w, value)
		}) == nil
	case "DEL":
		removed := s.del(args[1:])
		return client.write(func(w *bufio.Writer) error { return writeInteger(w, int64(removed)) }) == nil
	case "PUBLISH":
		if len(args) != 3 {
			_ = client.write(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'publish'")
			})
			return false
		}
		delivered := s.publish(args[1], args[2])
		return client.write(func(w *bufio.Writer) error { return writeInteger(w, int64(delivered)) }) == nil
	case "SUBSCRIBE":
		if len(args) < 2 {
			_ = client.write(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'subscribe'")
			})
			return false
		}
		for _, channel := range args[1:] {
			count := s.subscribe(client, channel)
			if err := client.write(func(w *bufio.Writer) error {
				return writePush(w, "subscribe", channel, int64(count))
			}); err != nil {
				return false
			}
		}
		return true
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			channels = s.channelsOf(client)
		}
		for _, channel := range channels {
			count := s.unsubscribe(client, channel)
			if err := client.write(func(w *bufio.Writer) error {
				return writePush(w, "unsubscribe", channel, int64(count))
			}); err != nil {
				return false
			}
		}
		return true
	default:
		_ = client.write(func(w *bufio.Writer) error { return writeError(w, "ERR unsupported command") })
		return false
	}
}

// parseExpiry reads trailing EX/PX options. A zero duration means no expiry
// change was requested.
func parseExpiry(args []string) (time.Duration, bool) {
	if len(args) == 0 {
		return 0, true
	}
	switch strings.ToUpper(args[0]) {
	case "EX":
		if len(args) < 2 {
			return 0, false
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	case "PX":
		if len(args) < 2 {
			return 0, false
		}
		millis, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(millis) * time.Millisecond, true
	case "PERSIST":
		return 0, true
	}
	return 0, false
}

func (s *Server) set(key, value string, expiry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &kvEntry{value: value}
	if expiry > 0 {
		entry.expiry = time.Now().Add(expiry)
	}
	s.kv[key] = entry
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveValueLocked(key)
}

func (s *Server) getEx(key string, expiry time.Duration, refresh bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.liveValueLocked(key)
	if !ok {
		return "", false
	}
	if refresh {
		entry := s.kv[key]
		if expiry > 0 {
			entry.expiry = time.Now().Add(expiry)
		} else {
			entry.expiry = time.Time{}
		}
	}
	return value, true
}

func (s *Server) liveValueLocked(key string) (string, bool) {
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) del(keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) subscribe(client *clientConn, channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := s.subscribers[client]
	if channels == nil {
		channels = make(map[string]struct{})
		s.subscribers[client] = channels
	}
	channels[channel] = struct{}{}
	return len(channels)
}

func (s *Server) unsubscribe(client *clientConn, channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := s.subscribers[client]
	if channels == nil {
		return 0
	}
	delete(channels, channel)
	return len(channels)
}

func (s *Server) channelsOf(client *clientConn) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]string, 0, len(s.subscribers[client]))
	for channel := range s.subscribers[client] {
		channels = append(channels, channel)
	}
	return channels
}

func (s *Server) dropSubscriber(client *clientConn) {
	s.mu.Lock()
	delete(s.subscribers, client)
	s.mu.Unlock()
}

func (s *Server) publish(channel, payload string) int {
	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.subscribers))
	for client, channels := range s.subscribers {
		if _, ok := channels[channel]; ok {
			targets = append(targets, client)
		}
	}
	s.mu.Unlock()
	for _, client := range targets {
		_ = client.write(func(w *bufio.Writer) error {
			return writeMessage(w, channel, payload)
		})
	}
	return len(targets)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "+%s\r\n", value)
	return err
}

func writeBulkString(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeBulkNil(w *bufio.Writer) error {
	_, err := w.WriteString("$-1\r\n")
	return err
}

func writeInteger(w *bufio.Writer, value int64) error {
	_, err := fmt.Fprintf(w, ":%d\r\n", value)
	return err
}

func writePush(w *bufio.Writer, kind, channel string, count int64) error {
	if _, err := fmt.Fprintf(w, "*3\r\n"); err != nil {
		return err
	}
	if err := writeBulkString(w, kind); err != nil {
		return err
	}
	if err := writeBulkString(w, channel); err != nil {
		return err
	}
	return writeInteger(w, count)
}

func writeMessage(w *bufio.Writer, channel, payload string) error {
	if _, err := fmt.Fprintf(w, "*3\r\n"); err != nil {
		return err
	}
	if err := writeBulkString(w, "message"); err != nil {
		return err
	}
	if err := writeBulkString(w, channel); err != nil {
		return err
	}
	return writeBulkString(w, payload)
}

func writeError(w *bufio.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "-%s\r\n", msg)
	return err
}
