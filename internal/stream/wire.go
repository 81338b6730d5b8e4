package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/wm_agent/internal/types"
)

// PayRequest describes one connection attempt against the receiver
// gateway.
type PayRequest struct {
	RequestID      string
	PaymentPointer string
	InitiatingURL  string
	TokenFraction  float64
	Token          string // bearer token from the auth provider
}

// Dialer produces protocol connections. The loop and router only see this
// contract; the wire format below is one implementation of it.
type Dialer interface {
	Dial(ctx context.Context, req PayRequest) (Connection, error)
}

// WireDialer opens websocket payment connections. Each frame on the wire
// is a small JSON envelope; "money" frames report payment progress,
// "close" ends the connection cleanly and "reject" carries a terminal
// rejection (including the expected exhausted-capacity signal).
type WireDialer struct {
	Endpoint string // e.g. "wss://gateway.example.com/pay"
	// OnMoney receives progress packets from all connections this dialer
	// opens. May be nil.
	OnMoney func(ev types.MoneyEvent)
}

type wireFrame struct {
	Type           string  `json:"type"`
	RequestID      string  `json:"requestId,omitempty"`
	PaymentPointer string  `json:"paymentPointer,omitempty"`
	TokenFraction  float64 `json:"tokenFraction,omitempty"`
	Token          string  `json:"token,omitempty"`
	PacketNumber   int     `json:"packetNumber,omitempty"`
	Amount         string  `json:"amount,omitempty"`
	AssetCode      string  `json:"assetCode,omitempty"`
	AssetScale     int     `json:"assetScale,omitempty"`
	SentAmount     float64 `json:"sentAmount,omitempty"`
	Message        string  `json:"message,omitempty"`
}

func (d *WireDialer) Dial(ctx context.Context, req PayRequest) (Connection, error) {
	conn, _, _, err := ws.Dial(ctx, d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", d.Endpoint, err)
	}

	open := wireFrame{
		Type:           "open",
		RequestID:      req.RequestID,
		PaymentPointer: req.PaymentPointer,
		TokenFraction:  req.TokenFraction,
		Token:          req.Token,
	}
	data, err := json.Marshal(open)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wire: marshal open: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wire: send open: %w", err)
	}

	c := &wireConn{
		conn:    conn,
		req:     req,
		onMoney: d.OnMoney,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wireConn struct {
	conn    net.Conn
	req     PayRequest
	onMoney func(ev types.MoneyEvent)

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *wireConn) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			// A read error after finish (End/Destroy already ran) is just
			// the socket going away.
			c.finish(err)
			return
		}
		var frame wireFrame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		switch frame.Type {
		case "money":
			if c.onMoney != nil {
				c.onMoney(types.MoneyEvent{
					RequestID:      c.req.RequestID,
					PaymentPointer: c.req.PaymentPointer,
					InitiatingURL:  c.req.InitiatingURL,
					PacketNumber:   frame.PacketNumber,
					Amount:         frame.Amount,
					AssetCode:      frame.AssetCode,
					AssetScale:     frame.AssetScale,
					SentAmount:     frame.SentAmount,
				})
			}
		case "close":
			c.finish(nil)
			c.conn.Close()
			return
		case "reject":
			c.finish(&RejectError{Message: frame.Message})
			c.conn.Close()
			return
		}
	}
}

// finish records the terminal error and closes Done exactly once.
func (c *wireConn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wireConn) Done() <-chan struct{} { return c.done }

func (c *wireConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wireConn) End() {
	data, _ := json.Marshal(wireFrame{Type: "end"})
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		c.Destroy(fmt.Errorf("wire: send end: %w", err))
	}
}

func (c *wireConn) Destroy(err error) {
	if err == nil {
		err = errors.New("wire: connection destroyed")
	}
	c.finish(err)
	c.conn.Close()
}
