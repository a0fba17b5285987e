// Package ws adapts a gorilla websocket connection to the session
// peer contract: a buffered outbound queue drained by a write pump,
// with pings keeping the connection honest.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirepulse/wirepulse/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageBytes = 1 << 20
	sendBuffer      = 64
)

// Peer wraps one websocket connection. Send never blocks: a client
// that cannot drain its queue is cut off rather than allowed to stall
// a broadcast.
type Peer struct {
	conn *websocket.Conn

	sendCh    chan protocol.ServerMessage
	closeOnce sync.Once
	done      chan struct{}
}

func NewPeer(conn *websocket.Conn) *Peer {
	return &Peer{
		conn:   conn,
		sendCh: make(chan protocol.ServerMessage, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the write pump. A full queue means the
// client has fallen hopelessly behind; the connection is closed and
// the message dropped.
func (p *Peer) Send(msg protocol.ServerMessage) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.sendCh <- msg:
		return true
	case <-p.done:
		return false
	default:
		p.Close()
		return false
	}
}

// Close shuts the connection down; safe to call repeatedly.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// Done is closed once the peer is torn down.
func (p *Peer) Done() <-chan struct{} { return p.done }

// writePump owns all writes to the connection.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()
	for {
		select {
		case msg := <-p.sendCh:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			// Flush what is already queued, then say goodbye.
			for {
				select {
				case msg := <-p.sendCh:
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if p.conn.WriteJSON(msg) != nil {
						return
					}
				default:
					p.conn.SetWriteDeadline(time.Now().Add(writeWait))
					p.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
