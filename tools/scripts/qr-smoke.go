// Package main provides a CI-friendly smoke test for the stand pairing flow.
//
// It validates:
//   - handshake + subprotocol selection for both roles
//   - CREATE -> CREATED pairing id issuance
//   - optional SUBSCRIBE -> SUBSCRIBED scan binding
//   - AUTH -> AUTH_OK token relay to the browser
//   - AUTH_ACK back to the mobile
//   - single-use: an AUTH replay is rejected and no second relay happens
//
// With -validator set, the token is obtained from a live Signature Validator
// instead of the -token flag, exercising the full production path.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "stand/shared/contracts/pairing/v1"
	"stand/shared/validator"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "stand.pairing.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Message
	errCh chan error
}

func main() {
	var (
		wsURL        = flag.String("url", "ws://127.0.0.1:3077/universidad/qr", "WebSocket URL")
		origin       = flag.String("origin", "http://localhost", "Origin header for the browser-side handshake")
		token        = flag.String("token", "", "Token the mobile sends in AUTH (defaults to a generated value)")
		validatorURL = flag.String("validator", "", "Signature Validator base URL; when set, -signature is exchanged for a real token")
		signature    = flag.String("signature", "", "Biometric signature to exchange via -validator")
		subscribe    = flag.Bool("subscribe", false, "Send SUBSCRIBE before AUTH (explicit scan binding)")
		timeout      = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	authToken := strings.TrimSpace(*token)
	if strings.TrimSpace(*validatorURL) != "" {
		authToken = mustExchangeSignature(root, *validatorURL, *signature, *timeout)
	}
	if authToken == "" {
		authToken = fmt.Sprintf("smoke-token-%d", time.Now().UnixNano())
	}

	browser := mustConnect(root, "browser", *wsURL, *origin, *timeout)
	defer closeWS(browser.conn)

	mobile := mustConnect(root, "mobile", *wsURL, "", *timeout)
	defer closeWS(mobile.conn)

	mustWriteWithTimeout(root, browser.conn, v1.Message{Event: v1.EventCreate}, *timeout)
	created := browser.mustReadUntilEvent(root, v1.EventCreated, *timeout)
	if strings.TrimSpace(created.ID) == "" {
		fatalf("CREATED missing pairing id")
	}
	pairingID := created.ID

	if *verbose {
		fmt.Printf("pairing id issued: %s\n", pairingID)
	}

	if *subscribe {
		mustWriteWithTimeout(root, mobile.conn, v1.Message{
			Event: v1.EventSubscribe,
			Data:  &v1.AuthData{UUID: pairingID},
		}, *timeout)
		sub := mobile.mustReadUntilEvent(root, v1.EventSubscribed, *timeout)
		if sub.ID != pairingID {
			fatalf("SUBSCRIBED id mismatch: got=%q want=%q", sub.ID, pairingID)
		}
	}

	mustWriteWithTimeout(root, mobile.conn, v1.Message{
		Event: v1.EventAuth,
		Data:  &v1.AuthData{UUID: pairingID, Token: authToken},
	}, *timeout)

	authOK := browser.mustReadUntilEvent(root, v1.EventAuthOK, *timeout)
	if authOK.Token != authToken {
		fatalf("AUTH_OK token mismatch: got=%q want=%q", authOK.Token, authToken)
	}

	ack := mobile.mustReadUntilEvent(root, v1.EventAuthAck, *timeout)
	if ack.ID != pairingID {
		fatalf("AUTH_ACK id mismatch: got=%q want=%q", ack.ID, pairingID)
	}

	// Replay must lose: the session is single-use.
	mustWriteWithTimeout(root, mobile.conn, v1.Message{
		Event: v1.EventAuth,
		Data:  &v1.AuthData{UUID: pairingID, Token: "smoke-replay"},
	}, *timeout)
	failed := mobile.mustReadUntilEvent(root, v1.EventFailed, *timeout)
	if failed.Reason == "" {
		fatalf("replay FAILED missing reason")
	}

	mustAssertNoEvent(root, browser, v1.EventAuthOK, 1200*time.Millisecond)

	fmt.Printf("OK: pairing_id=%s subscribe=%v replay_reason=%s\n", pairingID, *subscribe, failed.Reason)
}

func mustExchangeSignature(parent context.Context, baseURL, signature string, stepTimeout time.Duration) string {
	if strings.TrimSpace(signature) == "" {
		fatalf("-validator requires -signature")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := validator.NewHTTPClient(log, validator.Config{BaseURL: baseURL, Timeout: stepTimeout})
	if err != nil {
		fatalf("validator client: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	tok, err := client.Exchange(ctx, signature)
	if err != nil {
		fatalf("validator exchange: %v", err)
	}
	return tok
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Message, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var msg v1.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := msg.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad message: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- msg:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAssertNoEvent(parent context.Context, c *smokeClient, forbidden string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if msg.Event == forbidden {
				fatalf("unexpected %s received (%s)", forbidden, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilEvent(parent context.Context, wantEvent string, stepTimeout time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantEvent, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantEvent, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantEvent, c.name, err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantEvent, c.name)
			}
			if msg.Event == wantEvent {
				return msg
			}
			if msg.Event == v1.EventFailed && wantEvent != v1.EventFailed {
				fatalf("server rejection (%s): reason=%q id=%q", c.name, msg.Reason, msg.ID)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, msg v1.Message, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(msg)
	if err != nil {
		fatalf("marshal message: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
