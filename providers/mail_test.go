package providers

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifykit/notify/models"
)

func TestBuildMIMEAlternative(t *testing.T) {
	e := NewEmailBase("smtp", Settings{})
	e.From = "sender@example.com"

	msg, err := e.BuildMIME("dest@example.com", "Greetings", "plain body", "<b>html body</b>", nil)
	require.NoError(t, err)
	text := string(msg)

	assert.Contains(t, text, "From: sender@example.com\r\n")
	assert.Contains(t, text, "To: dest@example.com\r\n")
	assert.Contains(t, text, "Subject: Greetings\r\n")
	assert.Contains(t, text, "multipart/alternative")
	assert.NotContains(t, text, "multipart/mixed")
	assert.Contains(t, text, "plain body")
	assert.Contains(t, text, "<b>html body</b>")
}

func TestBuildMIMEWithAttachment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("attachment payload"), 0o644))

	e := NewEmailBase("smtp", Settings{})
	e.Username = "sender@example.com"

	msg, err := e.BuildMIME("dest@example.com", "Report", "see attached", "<p>see attached</p>", map[string]any{
		"attachments": []any{path},
	})
	require.NoError(t, err)
	text := string(msg)

	assert.Contains(t, text, "multipart/mixed")
	assert.Contains(t, text, `filename="report.txt"`)
	assert.Contains(t, text, "Content-Transfer-Encoding: base64")
	assert.Contains(t, text, base64.StdEncoding.EncodeToString([]byte("attachment payload")))
}

func TestBuildMIMEMissingAttachment(t *testing.T) {
	e := NewEmailBase("smtp", Settings{})
	_, err := e.BuildMIME("dest@example.com", "s", "m", "m", map[string]any{
		"attachments": []string{"/does/not/exist.bin"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessage)
}

func TestWrapBase64Folds(t *testing.T) {
	enc := strings.Repeat("A", 200)
	wrapped := wrapBase64(enc)
	for _, line := range strings.Split(wrapped, "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
}

// stalledSMTPServer accepts one connection, completes the greeting and EHLO,
// then goes silent on MAIL FROM until stop is closed.
func stalledSMTPServer(t *testing.T, stop chan struct{}) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "220 test ESMTP\r\n")
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				fmt.Fprintf(conn, "250 test\r\n")
			case strings.HasPrefix(line, "MAIL"):
				<-stop
				return
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestSendOneHonorsContextDeadline(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	host, port := stalledSMTPServer(t, stop)

	e := NewEmailBase("smtp", Settings{})
	e.Host, e.Port, e.From = host, port, "sender@example.com"
	require.NoError(t, e.Connect(context.Background()))
	defer e.Close()

	actor, err := models.NewActor("A", models.Account{Address: models.StringList{"a@x"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := e.SendOne(ctx, actor, "hi", "subj", nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("send still blocked past its deadline")
	}
}

func TestEmailBaseCloseIdempotent(t *testing.T) {
	e := NewEmailBase("smtp", Settings{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
