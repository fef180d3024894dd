package natsbridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/AGENTORCH/internal/events"
)

// SubjectPrefix roots every bridged subject
const SubjectPrefix = "agentorch.events."

// Bridge runs the embedded server and mirrors every bus topic onto
// NATS subjects as canonical JSON.
type Bridge struct {
	srv  *EmbeddedServer
	bus  *events.Bus
	conn *nc.Conn

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates the bridge for the given bus
func New(port int, bus *events.Bus) *Bridge {
	return &Bridge{
		srv:  NewEmbeddedServer(ServerConfig{Port: port}),
		bus:  bus,
		quit: make(chan struct{}),
	}
}

// Start boots the embedded server, connects, and begins mirroring
func (b *Bridge) Start() error {
	if err := b.srv.Start(); err != nil {
		return err
	}

	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(conn *nc.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] Disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Printf("[NATS] Reconnected to %s", conn.ConnectedUrl())
		}),
	}
	conn, err := nc.Connect(b.srv.URL(), opts...)
	if err != nil {
		b.srv.Stop()
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}
	b.conn = conn

	ch := b.bus.SubscribeAll()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				b.mirror(&e)
			case <-b.quit:
				return
			}
		}
	}()

	log.Printf("[NATS] Bridge up on %s", b.srv.URL())
	return nil
}

// Stop halts mirroring and shuts the server down
func (b *Bridge) Stop() {
	close(b.quit)
	b.wg.Wait()
	if b.conn != nil {
		b.conn.Flush()
		b.conn.Close()
	}
	b.srv.Stop()
	log.Printf("[NATS] Bridge stopped")
}

// URL returns the external connection URL
func (b *Bridge) URL() string {
	return b.srv.URL()
}

// mirror republishes one event onto its topic subject
func (b *Bridge) mirror(e *events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[NATS] Failed to encode event %s: %v", e.ID, err)
		return
	}
	subject := SubjectPrefix + string(e.Topic)
	if err := b.conn.Publish(subject, data); err != nil {
		log.Printf("[NATS] Failed to publish to %s: %v", subject, err)
	}
}
