package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultPingInterval is how often a ping frame goes out; a peer that misses
// two in a row is dropped by the read deadline.
const defaultPingInterval = 30 * time.Second

// startKeepalive arms the read deadline, extends it on every pong and pings
// the peer every interval. writeMu must guard every other write on conn.
// The returned func stops the pinger.
func startKeepalive(conn *websocket.Conn, writeMu *sync.Mutex, interval time.Duration) (stop func()) {
	pongWait := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
