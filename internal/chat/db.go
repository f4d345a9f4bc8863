// Package chat is a small chat backend served by a simulated web farm.
// Every node caches rooms, messages and presence through statecache and
// all nodes share one set of dependency generations.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/statecache"
)

type Room struct {
	ID    int    `json:"id" cbor:"id"`
	Title string `json:"title" cbor:"title"`
}

// Message is one row of the message log. Deleted rows stay in the log with
// a newer Changed so that delta loads see the removal.
type Message struct {
	ID      int       `json:"id" cbor:"id"`
	RoomID  int       `json:"roomId" cbor:"roomId"`
	Author  string    `json:"author" cbor:"author"`
	Text    string    `json:"text" cbor:"text"`
	Changed time.Time `json:"changed" cbor:"changed"`
	Deleted bool      `json:"deleted,omitempty" cbor:"deleted,omitempty"`
}

func (m Message) ChangeTime() time.Time { return m.Changed }
func (m Message) PrimaryKey() int       { return m.ID }
func (m Message) ChangeKind() statecache.ChangeKind {
	if m.Deleted {
		return statecache.Remove
	}
	return statecache.Modify
}

// DB is the source of truth behind the caches. Its clock ticks once per
// write so ChangeTime values are unique and increasing.
type DB struct {
	mu      sync.Mutex
	now     time.Time
	rooms   map[int]Room
	log     []Message // change log, one row per write
	live    map[int]Message
	online  map[string]struct{}
	nextMsg int

	reads map[string]int
}

func NewDB(start time.Time) *DB {
	return &DB{
		now:    start,
		rooms:  map[int]Room{},
		live:   map[int]Message{},
		online: map[string]struct{}{},
		reads:  map[string]int{},
	}
}

func (db *DB) tick() time.Time {
	db.now = db.now.Add(time.Millisecond)
	return db.now
}

func (db *DB) PutRoom(r Room) {
	db.mu.Lock()
	db.rooms[r.ID] = r
	db.mu.Unlock()
}

func (db *DB) Post(roomID int, author, text string) Message {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextMsg++
	m := Message{ID: db.nextMsg, RoomID: roomID, Author: author, Text: text, Changed: db.tick()}
	db.log = append(db.log, m)
	db.live[m.ID] = m
	return m
}

func (db *DB) Delete(id int) (Message, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.live[id]
	if !ok {
		return Message{}, false
	}
	delete(db.live, id)
	m.Deleted = true
	m.Changed = db.tick()
	db.log = append(db.log, m)
	return m, true
}

func (db *DB) SetOnline(user string, on bool) {
	db.mu.Lock()
	if on {
		db.online[user] = struct{}{}
	} else {
		delete(db.online, user)
	}
	db.mu.Unlock()
}

// Reads reports how often each query ran, i.e. how many cache misses
// reached the database.
func (db *DB) Reads() map[string]int {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[string]int, len(db.reads))
	for k, v := range db.reads {
		out[k] = v
	}
	return out
}

func (db *DB) Room(_ context.Context, id int) (Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reads["room"]++
	r, ok := db.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("room %d not found", id)
	}
	return r, nil
}

func (db *DB) AllMessages(context.Context) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reads["messages_all"]++
	out := make([]Message, 0, len(db.live))
	for _, m := range db.live {
		out = append(out, m)
	}
	return out, nil
}

func (db *DB) MessagesChangedSince(_ context.Context, since time.Time) ([]Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reads["messages_changed"]++
	i := sort.Search(len(db.log), func(i int) bool { return db.log[i].Changed.After(since) })
	return append([]Message(nil), db.log[i:]...), nil
}

func (db *DB) Online(context.Context) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.reads["online"]++
	out := make([]string, 0, len(db.online))
	for u := range db.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// OnlineNow and RoomNow read without counting as cache misses.
func (db *DB) OnlineNow() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, 0, len(db.online))
	for u := range db.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (db *DB) RoomNow(id int) Room {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rooms[id]
}

// LiveCount is the number of messages not deleted.
func (db *DB) LiveCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.live)
}
