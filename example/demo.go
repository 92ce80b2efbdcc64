// Demo runs an in-process relay plus two collaborating sessions, then prints
// what each side converged to. It exercises the full path: local edit, delta
// rebroadcast, awareness, offline queueing, and snapshot bootstrap.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/collabcanvas/go-canvas-sync/awareness"
	"github.com/collabcanvas/go-canvas-sync/config"
	"github.com/collabcanvas/go-canvas-sync/logging"
	"github.com/collabcanvas/go-canvas-sync/relay"
	"github.com/collabcanvas/go-canvas-sync/session"
	"github.com/collabcanvas/go-canvas-sync/store"
)

func main() {
	logging.Init(logging.Config{Level: "warn", Format: "text", Environment: "dev"})

	server := relay.NewServer(relay.Options{Addr: "127.0.0.1:8787"})
	go func() {
		if err := server.ListenAndServe(); err != nil {
			panic(err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	cfg := config.DefaultConfig()
	cfg.Sync.Endpoint = "ws://127.0.0.1:8787/ws"

	alice := mustSession(session.Options{
		Identity: session.Identity{UserID: "alice", Name: "Alice", Color: "#e74c3c"},
		RoomID:   "demo-board",
		Config:   cfg,
	})
	defer alice.Close()

	bob := mustSession(session.Options{
		Identity: session.Identity{UserID: "bob", Name: "Bob", Color: "#3498db"},
		RoomID:   "demo-board",
		Config:   cfg,
	})
	defer bob.Close()

	// Alice edits before connecting; the edit is queued and replayed.
	must(alice.Store().SetElement(&store.Element{
		ID:   "note-1",
		Type: store.TypeStickyNote,
		X:    120, Y: 80,
		Data:      map[string]json.RawMessage{"text": json.RawMessage(`"drafted offline"`)},
		CreatedBy: "alice",
	}))

	must(alice.Connect(context.Background()))
	must(bob.Connect(context.Background()))

	alice.Awareness().UpdateCursor(awareness.CursorUpdate{X: 120, Y: 80})

	// Wait for Bob to adopt the room snapshot before he moves the note.
	for i := 0; i < 100; i++ {
		if _, ok := bob.Store().GetElement("note-1"); ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	must(bob.Store().MoveElement("note-1", 200, 200))

	time.Sleep(500 * time.Millisecond)

	for name, s := range map[string]*session.Session{"alice": alice, "bob": bob} {
		for _, el := range s.Store().AllElements() {
			fmt.Printf("%s sees %s at (%.0f, %.0f): %s\n",
				name, el.ID, el.X, el.Y, el.Data["text"])
		}
	}
	for id, cur := range bob.Awareness().OtherCursors() {
		fmt.Printf("bob sees cursor of %s at (%.0f, %.0f)\n", id, cur.X, cur.Y)
	}
}

func mustSession(opts session.Options) *session.Session {
	s, err := session.New(opts)
	must(err)
	return s
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
