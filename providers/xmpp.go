package providers

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/notifykit/notify/models"
)

func init() {
	Register("xmpp", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		jid := s.Param("jid", cfg.JabberJID)
		domain := ""
		if at := strings.IndexByte(jid, '@'); at >= 0 {
			domain = jid[at+1:]
		}
		return &XMPP{
			Base:     NewBase("xmpp", TypeIM, BlockingThread, s),
			jid:      jid,
			domain:   domain,
			password: s.Param("password", cfg.JabberPassword),
			wsURL:    s.Param("ws_url", cfg.JabberWSURL),
		}, nil
	})
}

// XMPP delivers chat messages over a WebSocket XMPP subprotocol session
// (RFC 7395): open framing, SASL PLAIN, resource bind, then message
// stanzas. The session library blocks on socket reads, hence the thread
// strategy: each recipient send owns a goroutine with a private context.
type XMPP struct {
	Base

	jid      string
	domain   string
	password string
	wsURL    string

	mu   sync.Mutex
	conn *websocket.Conn
}

// Connect dials the endpoint and walks the session handshake through to a
// bound resource. Idempotent; a live session is reused.
func (p *XMPP) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{Subprotocols: []string{"xmpp"}}
	conn, _, err := dialer.DialContext(ctx, p.wsURL, nil)
	if err != nil {
		return NewProviderError(p.Name(), ErrTransport, err)
	}
	if err := p.handshake(conn); err != nil {
		conn.Close()
		return err
	}
	p.conn = conn
	return nil
}

func (p *XMPP) handshake(conn *websocket.Conn) error {
	open := fmt.Sprintf(`<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" to=%q version="1.0"/>`, p.domain)
	if err := p.exchange(conn, open, "<stream:features", "features"); err != nil {
		return err
	}

	local := p.jid
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	creds := base64.StdEncoding.EncodeToString([]byte("\x00" + local + "\x00" + p.password))
	auth := fmt.Sprintf(`<auth xmlns="urn:ietf:params:xml:ns:xmpp-sasl" mechanism="PLAIN">%s</auth>`, creds)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(auth)); err != nil {
		return NewProviderError(p.Name(), ErrTransport, err)
	}
	reply, err := p.read(conn)
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "<success") {
		return AuthError(p.Name(), fmt.Errorf("sasl rejected: %s", reply))
	}

	// The stream restarts after SASL; re-open and bind a resource.
	if err := p.exchange(conn, open, "<stream:features", "features after auth"); err != nil {
		return err
	}
	bind := fmt.Sprintf(`<iq id=%q type="set"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><resource>notify</resource></bind></iq>`, uuid.NewString())
	if err := p.exchange(conn, bind, "<jid", "resource bind"); err != nil {
		return err
	}
	return nil
}

// exchange writes one frame and reads until the expected marker appears,
// skipping unsolicited stanzas.
func (p *XMPP) exchange(conn *websocket.Conn, frame, want, phase string) error {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return NewProviderError(p.Name(), ErrTransport, err)
	}
	for i := 0; i < 8; i++ {
		reply, err := p.read(conn)
		if err != nil {
			return err
		}
		if strings.Contains(reply, want) {
			return nil
		}
		if strings.Contains(reply, "<failure") || strings.Contains(reply, "stream:error") {
			return RuntimeError(p.Name(), fmt.Errorf("%s failed: %s", phase, reply))
		}
	}
	return RuntimeError(p.Name(), fmt.Errorf("no %s response", phase))
}

func (p *XMPP) read(conn *websocket.Conn) (string, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", NewProviderError(p.Name(), ErrTransport, err)
	}
	return string(data), nil
}

// Close ends the framed stream before closing the socket.
func (p *XMPP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	_ = p.conn.WriteMessage(websocket.TextMessage, []byte(`<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`))
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *XMPP) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *XMPP) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	target := p.jidFor(to)
	if target == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("no jid for %s", to.String()))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	var escaped strings.Builder
	if err := xml.EscapeText(&escaped, []byte(body)); err != nil {
		return nil, MessageError(p.Name(), err)
	}
	id := uuid.NewString()
	stanza := fmt.Sprintf(`<message id=%q to=%q type="chat"><body>%s</body></message>`, id, target, escaped.String())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, RuntimeError(p.Name(), fmt.Errorf("not connected"))
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(stanza)); err != nil {
		return nil, NewProviderError(p.Name(), ErrTransport, err)
	}
	return id, nil
}

func (p *XMPP) jidFor(to models.Recipient) string {
	switch r := to.(type) {
	case *models.Actor:
		acct := r.AccountFor(p.Name())
		if addr := acct.Address.First(); addr != "" {
			return addr
		}
		return acct.UserID
	case *models.Chat:
		return r.ChatID
	default:
		return ""
	}
}
