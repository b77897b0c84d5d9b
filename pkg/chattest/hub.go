package chattest

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/snowflake"
)

// frame is a message queued for delivery. exclude, when set, is skipped.
type frame struct {
	data    []byte
	exclude *Client
}

// Hub tracks live clients and fans frames out to them. It mirrors the
// gateway: one registration loop, a broadcast queue, per-client send
// buffers.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	snowflake  *snowflake.Generator

	store *store
}

func newHub(node *snowflake.Generator, st *store) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		snowflake:  node,
		store:      st,
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			close(client.ready)
			log.Debug().Str("component", "chattest").Str("conn_id", client.ID).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if ok {
				log.Debug().Str("component", "chattest").Str("conn_id", client.ID).Msg("client disconnected")
				if client.Username() != "" {
					go h.broadcastRoster()
				}
			}

		case f := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client == f.exclude {
					continue
				}
				select {
				case client.send <- f.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) stop() {
	close(h.done)
}

func (h *Hub) publish(event model.EventName, payload any, exclude *Client) {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("component", "chattest").Msg("failed to encode frame")
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("component", "chattest").Msg("failed to encode frame")
		return
	}
	select {
	case h.broadcast <- frame{data: b, exclude: exclude}:
	case <-h.done:
	}
}

// roster returns the registered clients in connection order.
func (h *Hub) roster() []model.PresenceEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	type rosterEntry struct {
		seq   uint64
		entry model.PresenceEntry
	}
	entries := make([]rosterEntry, 0, len(h.clients))
	for client := range h.clients {
		if name := client.Username(); name != "" {
			entries = append(entries, rosterEntry{seq: client.seq, entry: model.PresenceEntry{ConnectionID: client.ID, Username: name}})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.PresenceEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.entry)
	}
	return out
}

func (h *Hub) broadcastRoster() {
	h.publish(model.EventConnectedUsers, h.roster(), nil)
}

// handle applies one inbound frame from a client.
func (h *Hub) handle(c *Client, env model.Envelope) {
	switch env.Event {
	case model.EventRegisterUser:
		var reg model.RegisterUser
		if err := json.Unmarshal(env.Data, &reg); err != nil || reg.Username == "" {
			log.Warn().Str("component", "chattest").Str("conn_id", c.ID).Msg("bad register-user frame")
			return
		}
		c.setUsername(reg.Username)
		h.store.recordRegistration(reg.Username)
		h.broadcastRoster()

	case model.EventMessage:
		var msg model.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			log.Warn().Err(err).Str("component", "chattest").Msg("bad message frame")
			return
		}
		msg.ID = h.snowflake.Next().String()
		if msg.Time.IsZero() {
			msg.Time = time.Now().UTC()
		}
		if msg.ChannelID == model.GroupChannelID {
			h.store.appendGroup(msg)
		}
		h.publish(model.EventMessage, msg, nil)

	case model.EventTyping:
		h.publish(model.EventTyping, model.Typing{Username: c.Username()}, c)

	case model.EventStopTyping:
		h.publish(model.EventStopTyping, model.StopTyping{Username: h.store.stopTypingSender(c.Username())}, c)

	default:
		log.Debug().Str("component", "chattest").Str("event", string(env.Event)).Msg("ignoring unknown event")
	}
}

// closeAll drops every live connection without stopping the hub, the way a
// gateway restart looks to clients.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		conns = append(conns, client)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
