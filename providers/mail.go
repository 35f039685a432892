package providers

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/models"
)

// emailBatchTimeout bounds one fan-out batch; sends still pending at the
// deadline are cancelled and reported as timeouts. At most one timeout
// applies per batch.
const emailBatchTimeout = 60 * time.Second

// EmailBase specializes the provider contract for SMTP/STARTTLS backends.
// Concrete email providers embed it and supply host, port and credentials.
type EmailBase struct {
	Base

	Host     string
	Port     int
	Username string
	Password string
	// From is the envelope sender; defaults to Username.
	From string

	mu     sync.Mutex
	conn   net.Conn
	client *smtp.Client
}

// NewEmailBase builds the embedded EmailBase for an email provider.
func NewEmailBase(name string, s Settings) EmailBase {
	return EmailBase{
		Base: NewBase(name, TypeEmail, BlockingAsync, s),
	}
}

// Connect opens the SMTP session: dial, EHLO, STARTTLS when advertised
// (TLS 1.2 minimum, compression disabled by Go's TLS stack), then LOGIN
// auth. Calling Connect on an open session is a no-op.
func (e *EmailBase) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	addr := net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return NewProviderError(e.Name(), ErrTransport, err)
	}
	// The handshake inherits the caller's deadline so a silent server
	// cannot hang Connect.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	c, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		conn.Close()
		return RuntimeError(e.Name(), err)
	}
	if err := c.Hello(localName()); err != nil {
		c.Close()
		return RuntimeError(e.Name(), err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{
			ServerName: e.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			c.Close()
			return NewProviderError(e.Name(), ErrTransport, err)
		}
	}
	if e.Username != "" {
		if err := c.Auth(loginAuth(e.Username, e.Password)); err != nil {
			c.Close()
			return AuthError(e.Name(), err)
		}
	}
	e.conn = conn
	e.client = c
	logger.Debug("smtp session established", "provider", e.Name(), "host", e.Host)
	return nil
}

// Close quits the session idempotently. A server that already dropped the
// connection is not an error during shutdown.
func (e *EmailBase) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Quit()
	e.client = nil
	e.conn = nil
	if err != nil && !isDisconnect(err) {
		logger.Error("smtp quit failed", "provider", e.Name(), "error", err)
	}
	return nil
}

// Send fans out with the email batch timeout applied across the whole
// recipient batch.
func (e *EmailBase) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	batchCtx, cancel := context.WithTimeout(ctx, emailBatchTimeout)
	defer cancel()
	return e.Fanout(batchCtx, e, recipients, message, subject, kwargs)
}

// SendOne renders and delivers one message through the shared session. The
// session is serialized: SMTP allows only one transaction at a time.
func (e *EmailBase) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	actor, ok := to.(*models.Actor)
	if !ok {
		return nil, MessageError(e.Name(), fmt.Errorf("email requires an actor recipient, got %T", to))
	}
	address := actor.AccountFor(e.Name()).Address.First()
	if address == "" {
		return nil, MessageError(e.Name(), fmt.Errorf("recipient %s has no address", actor.Name))
	}

	body, err := e.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}
	mimeMsg, err := e.BuildMIME(address, subject, message, body, kwargs)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewProviderError(e.Name(), ErrTimeout, err)
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, RuntimeError(e.Name(), errors.New("not connected"))
	}
	// Arm the connection deadline from the batch context so a stalled
	// server cannot block the transaction past the timeout.
	if deadline, ok := ctx.Deadline(); ok {
		conn := e.conn
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if err := e.transact(address, mimeMsg); err != nil {
		if isTimeout(err) {
			// The transaction is desynchronized after an expiry; the session
			// cannot be reused.
			e.dropSession()
			return nil, NewProviderError(e.Name(), ErrTimeout, err)
		}
		if isDisconnect(err) {
			// No automatic reconnect mid-send; the wrapper fails and the
			// ingress path decides on redelivery.
			e.dropSession()
			return nil, RuntimeError(e.Name(), err)
		}
		return nil, RuntimeError(e.Name(), err)
	}
	return fmt.Sprintf("sent to %s", address), nil
}

// dropSession discards a broken session. Caller holds e.mu.
func (e *EmailBase) dropSession() {
	if e.client != nil {
		_ = e.client.Close()
	}
	e.client = nil
	e.conn = nil
}

func (e *EmailBase) transact(to string, msg []byte) error {
	from := e.From
	if from == "" {
		from = e.Username
	}
	if err := e.client.Mail(from); err != nil {
		return err
	}
	if err := e.client.Rcpt(to); err != nil {
		return err
	}
	w, err := e.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// BuildMIME constructs the multipart/alternative message with plaintext and
// HTML alternatives and base64-encoded attachments.
func (e *EmailBase) BuildMIME(to, subject, plain, html string, kwargs map[string]any) ([]byte, error) {
	from := e.From
	if from == "" {
		from = e.Username
	}
	var sb strings.Builder
	altBoundary := "alt-" + randomBoundary()
	mixedBoundary := "mixed-" + randomBoundary()

	attachments := attachmentList(kwargs)
	hasAttachments := len(attachments) > 0

	writeHeader := func(k, v string) {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString("\r\n")
	}
	writeHeader("From", from)
	writeHeader("To", to)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	if hasAttachments {
		writeHeader("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixedBoundary))
		sb.WriteString("\r\n")
		sb.WriteString("--" + mixedBoundary + "\r\n")
		sb.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n\r\n", altBoundary))
	} else {
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altBoundary))
		sb.WriteString("\r\n")
	}

	sb.WriteString("--" + altBoundary + "\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(plain)
	sb.WriteString("\r\n")
	sb.WriteString("--" + altBoundary + "\r\n")
	sb.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	sb.WriteString(html)
	sb.WriteString("\r\n")
	sb.WriteString("--" + altBoundary + "--\r\n")

	if hasAttachments {
		for _, path := range attachments {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, MessageError(e.Name(), fmt.Errorf("attachment %s: %w", path, err))
			}
			filename := filepath.Base(path)
			ctype := mime.TypeByExtension(filepath.Ext(filename))
			if ctype == "" {
				ctype = "application/octet-stream"
			}
			sb.WriteString("--" + mixedBoundary + "\r\n")
			sb.WriteString(fmt.Sprintf("Content-Type: %s\r\n", ctype))
			sb.WriteString("Content-Transfer-Encoding: base64\r\n")
			sb.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n\r\n", filename))
			sb.WriteString(wrapBase64(base64.StdEncoding.EncodeToString(content)))
			sb.WriteString("\r\n")
		}
		sb.WriteString("--" + mixedBoundary + "--\r\n")
	}
	return []byte(sb.String()), nil
}

func attachmentList(kwargs map[string]any) []string {
	raw, ok := kwargs["attachments"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// wrapBase64 folds encoded content at 76 columns per RFC 2045.
func wrapBase64(enc string) string {
	const width = 76
	var sb strings.Builder
	for len(enc) > width {
		sb.WriteString(enc[:width])
		sb.WriteString("\r\n")
		enc = enc[width:]
	}
	sb.WriteString(enc)
	return sb.String()
}

var boundaryCounter uint64
var boundaryMu sync.Mutex

func randomBoundary() string {
	boundaryMu.Lock()
	boundaryCounter++
	n := boundaryCounter
	boundaryMu.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

func localName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "localhost"
}

// isTimeout reports whether err is a connection-deadline expiry. Checked
// before isDisconnect: an expired deadline also satisfies net.Error.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	var proto *textproto.Error
	if errors.As(err, &proto) && proto.Code == 421 {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF")
}

// loginAuth implements the LOGIN mechanism, which net/smtp does not ship
// but several corporate relays still require.
type loginAuthImpl struct {
	username, password string
}

func loginAuth(username, password string) smtp.Auth {
	return &loginAuthImpl{username: username, password: password}
}

func (a *loginAuthImpl) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("login auth requires TLS")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuthImpl) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	prompt := strings.ToLower(strings.TrimSpace(string(fromServer)))
	switch {
	case strings.HasPrefix(prompt, "username"):
		return []byte(a.username), nil
	case strings.HasPrefix(prompt, "password"):
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge %q", fromServer)
	}
}
