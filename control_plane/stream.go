package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantarc/tradeengine/store"
)

const maxStreamConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamClient tracks one websocket consumer's read cursors so each
// broadcast only carries rows the client has not seen.
type streamClient struct {
	executionID int64
	eventSeq    int64
	tradeSeq    int64
	equitySeq   int64
	lastStatus  string
	lastProg    int
}

// streamFrame is one websocket push.
type streamFrame struct {
	Execution *store.Execution      `json:"execution"`
	Events    []*store.StrategyEvent `json:"events,omitempty"`
	Trades    []*store.TradeLogEntry `json:"trades,omitempty"`
	Equity    []*store.EquityPoint   `json:"equity,omitempty"`
}

// StreamHub pushes incremental execution data to websocket clients.
// Single broadcaster pattern: one ticker serves every connection.
type StreamHub struct {
	store      store.Store
	clients    map[*websocket.Conn]*streamClient
	register   chan streamRegistration
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

type streamRegistration struct {
	conn   *websocket.Conn
	client *streamClient
}

func NewStreamHub(s store.Store) *StreamHub {
	return &StreamHub{
		store:      s,
		clients:    make(map[*websocket.Conn]*streamClient),
		register:   make(chan streamRegistration),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives registration and the broadcast ticker until the context ends.
func (h *StreamHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("StreamHub: connection rejected, cap of %d reached", maxStreamConnections)
				continue
			}
			h.clients[reg.conn] = reg.client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("StreamHub: client attached to execution %d (total %d)", reg.client.executionID, total)

		case conn := <-h.unregister:
			h.drop(conn)

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *StreamHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	conns := make(map[*websocket.Conn]*streamClient, len(h.clients))
	for conn, c := range h.clients {
		conns[conn] = c
	}
	h.mu.RUnlock()

	for conn, c := range conns {
		frame, terminal, err := h.buildFrame(ctx, c)
		if err != nil {
			log.Printf("StreamHub: frame build for execution %d failed: %v", c.executionID, err)
			continue
		}
		if frame == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("StreamHub: write failed, dropping client: %v", err)
			go func(conn *websocket.Conn) { h.unregister <- conn }(conn)
			continue
		}
		if terminal {
			// Final frame delivered; the stream is complete.
			go func(conn *websocket.Conn) { h.unregister <- conn }(conn)
		}
	}
}

// buildFrame collects everything new since the client's cursors. Returns
// a nil frame when there is nothing to send.
func (h *StreamHub) buildFrame(ctx context.Context, c *streamClient) (*streamFrame, bool, error) {
	exec, err := h.store.GetExecution(ctx, c.executionID)
	if err != nil {
		return nil, false, err
	}
	if exec == nil {
		return nil, true, nil
	}

	events, err := h.store.EventsSince(ctx, c.executionID, c.eventSeq, 0)
	if err != nil {
		return nil, false, err
	}
	trades, err := h.store.TradesSince(ctx, c.executionID, c.tradeSeq, 0)
	if err != nil {
		return nil, false, err
	}
	equity, err := h.store.EquitySince(ctx, c.executionID, c.equitySeq, 0)
	if err != nil {
		return nil, false, err
	}

	statusChanged := exec.Status != c.lastStatus || exec.Progress != c.lastProg
	if len(events) == 0 && len(trades) == 0 && len(equity) == 0 && !statusChanged {
		return nil, false, nil
	}

	if n := len(events); n > 0 {
		c.eventSeq = events[n-1].Sequence
	}
	if n := len(trades); n > 0 {
		c.tradeSeq = trades[n-1].Sequence
	}
	if n := len(equity); n > 0 {
		c.equitySeq = equity[n-1].Sequence
	}
	c.lastStatus = exec.Status
	c.lastProg = exec.Progress

	return &streamFrame{Execution: exec, Events: events, Trades: trades, Equity: equity}, exec.Terminal(), nil
}

func (h *StreamHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("StreamHub: client detached (total %d)", total)
}

func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("StreamHub: shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*streamClient)
}

// handleStream upgrades the request and attaches the client to an
// execution's live feed.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	execID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"bad execution id"}`, http.StatusBadRequest)
		return
	}
	exec, err := a.store.GetExecution(r.Context(), execID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if exec == nil {
		http.Error(w, `{"error":"execution not found"}`, http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("StreamHub: upgrade failed: %v", err)
		return
	}
	a.hub.register <- streamRegistration{conn: conn, client: &streamClient{executionID: execID}}

	// Read pump: discard client messages, detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.unregister <- conn
				return
			}
		}
	}()
}
