package mailer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// SMTP conversation stages, used in SMTPError.
const (
	StageConnect  = "connect"
	StageGreeting = "greeting"
	StageHello    = "hello"
	StageStartTLS = "starttls"
	StageAuth     = "auth"
	StageMailFrom = "mail_from"
	StageRcptTo   = "rcpt_to"
	StageData     = "data"
)

// SMTPError carries the stage that failed and the raw server reply.
type SMTPError struct {
	Stage   string
	Code    int
	Message string
}

func (e *SMTPError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("smtp %s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("smtp %s: %d %s", e.Stage, e.Code, e.Message)
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
	HeloName string
	Timeout  time.Duration
	// TLSConfig overrides the STARTTLS client config; nil verifies against Host.
	TLSConfig *tls.Config
}

// SMTPClient speaks the client side of SMTP over a raw connection. It holds no
// connection between sends.
type SMTPClient struct {
	cfg  SMTPConfig
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewSMTPClient(cfg SMTPConfig) *SMTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SMTPClient{cfg: cfg, dial: d.DialContext}
}

// Send delivers data to every recipient in one transaction. A rejected
// recipient aborts the whole send. The connection is closed on every path.
func (c *SMTPClient) Send(ctx context.Context, from string, to []string, data []byte) error {
	if len(to) == 0 {
		return &SMTPError{Stage: StageRcptTo, Message: "no recipients"}
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return &SMTPError{Stage: StageConnect, Message: err.Error()}
	}
	s := newSession(conn, c.cfg.Timeout)
	defer s.close()

	if _, _, err := s.expect(StageGreeting, "", isPositive); err != nil {
		return err
	}
	ext, err := s.hello(c.cfg.HeloName)
	if err != nil {
		return err
	}

	if c.cfg.StartTLS {
		if _, ok := ext["STARTTLS"]; !ok {
			return &SMTPError{Stage: StageStartTLS, Message: "server does not advertise STARTTLS"}
		}
		if _, _, err := s.expect(StageStartTLS, "STARTTLS", isPositive); err != nil {
			return err
		}
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}
		}
		tlsConn := tls.Client(s.conn, tlsCfg)
		s.touch()
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return &SMTPError{Stage: StageStartTLS, Message: err.Error()}
		}
		s.reset(tlsConn)
		if ext, err = s.hello(c.cfg.HeloName); err != nil {
			return err
		}
	}

	if c.cfg.Username != "" {
		if err := s.authLogin(c.cfg.Username, c.cfg.Password); err != nil {
			return err
		}
	}

	if _, _, err := s.expect(StageMailFrom, "MAIL FROM:<"+from+">", isPositive); err != nil {
		return err
	}
	for _, rcpt := range to {
		if _, _, err := s.expect(StageRcptTo, "RCPT TO:<"+rcpt+">", isPositive); err != nil {
			return err
		}
	}
	if _, _, err := s.expect(StageData, "DATA", isPositive); err != nil {
		return err
	}
	if err := s.writeData(data); err != nil {
		return err
	}
	if _, _, err := s.expect(StageData, "", isPositive); err != nil {
		return err
	}

	// The message is accepted; a failed QUIT does not change that.
	_, _, _ = s.command("QUIT")
	return nil
}

func isPositive(code int) bool { return code >= 200 && code < 400 }
func isSuccess(code int) bool  { return code >= 200 && code < 300 }

type session struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func newSession(conn net.Conn, timeout time.Duration) *session {
	return &session{conn: conn, r: bufio.NewReader(conn), timeout: timeout}
}

func (s *session) reset(conn net.Conn) {
	s.conn = conn
	s.r = bufio.NewReader(conn)
}

func (s *session) close() {
	s.conn.Close()
}

func (s *session) touch() {
	s.conn.SetDeadline(time.Now().Add(s.timeout))
}

// command writes one line (if any) and reads the full reply.
func (s *session) command(line string) (int, string, error) {
	s.touch()
	if line != "" {
		if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
			return 0, "", err
		}
	}
	return s.readReply()
}

// expect runs a command and fails unless the reply code satisfies ok.
func (s *session) expect(stage, line string, ok func(int) bool) (int, string, error) {
	code, text, err := s.command(line)
	if err != nil {
		return 0, "", &SMTPError{Stage: stage, Message: err.Error()}
	}
	if !ok(code) {
		return code, text, &SMTPError{Stage: stage, Code: code, Message: text}
	}
	return code, text, nil
}

// readReply reads a possibly multi-line reply: "250-..." continues, "250 ..." ends.
func (s *session) readReply() (int, string, error) {
	var lines []string
	code := 0
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return 0, "", fmt.Errorf("malformed reply %q", line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, "", fmt.Errorf("malformed reply %q", line)
		}
		if code != 0 && n != code {
			return 0, "", fmt.Errorf("inconsistent reply codes %d and %d", code, n)
		}
		code = n
		if len(line) > 4 {
			lines = append(lines, line[4:])
		}
		if len(line) == 3 || line[3] == ' ' {
			break
		}
		if line[3] != '-' {
			return 0, "", fmt.Errorf("malformed reply %q", line)
		}
	}
	return code, strings.Join(lines, "\n"), nil
}

// hello sends EHLO, falling back to HELO, and returns the advertised extensions.
func (s *session) hello(name string) (map[string]string, error) {
	code, text, err := s.command("EHLO " + name)
	if err != nil {
		return nil, &SMTPError{Stage: StageHello, Message: err.Error()}
	}
	if isSuccess(code) {
		return parseExtensions(text), nil
	}
	if _, _, err := s.expect(StageHello, "HELO "+name, isSuccess); err != nil {
		return nil, err
	}
	return map[string]string{}, nil
}

func parseExtensions(text string) map[string]string {
	ext := map[string]string{}
	lines := strings.Split(text, "\n")
	// the first line is the server greeting
	for _, l := range lines[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(l), " ")
		if k != "" {
			ext[strings.ToUpper(k)] = v
		}
	}
	return ext
}

func (s *session) authLogin(username, password string) error {
	if _, _, err := s.expect(StageAuth, "AUTH LOGIN", isPositive); err != nil {
		return err
	}
	if _, _, err := s.expect(StageAuth, base64.StdEncoding.EncodeToString([]byte(username)), isPositive); err != nil {
		return err
	}
	_, _, err := s.expect(StageAuth, base64.StdEncoding.EncodeToString([]byte(password)), isSuccess)
	return err
}

// writeData sends the message body with CRLF line endings and dot-stuffing,
// terminated by a lone ".".
func (s *session) writeData(data []byte) error {
	s.touch()
	w := bufio.NewWriter(s.conn)
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\n"))
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 && line[0] == '.' {
			w.WriteByte('.')
		}
		w.Write(line)
		w.WriteString("\r\n")
	}
	w.WriteString(".\r\n")
	if err := w.Flush(); err != nil {
		return &SMTPError{Stage: StageData, Message: err.Error()}
	}
	return nil
}
