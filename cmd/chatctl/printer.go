package main

import (
	"fmt"
	"sync"
	"time"

	"dm-service/internal/client"
	"dm-service/internal/timeline"
)

// printer writes timeline rows that are new or whose state changed since the
// last render.
type printer struct {
	mu     sync.Mutex
	selfID int64
	seen   map[string]string
	typer  string
}

func newPrinter(selfID int64) *printer {
	return &printer{selfID: selfID, seen: make(map[string]string)}
}

func (p *printer) render(view *client.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range view.Entries() {
		line := p.format(entry)
		if p.seen[entry.Key] == line {
			continue
		}
		p.seen[entry.Key] = line
		fmt.Println(line)
	}

	typer, _ := view.Typer()
	if typer != p.typer {
		p.typer = typer
		if typer != "" {
			fmt.Printf("  %s is typing...\n", typer)
		}
	}
}

func (p *printer) format(entry timeline.Entry) string {
	msg := entry.Message
	who := fmt.Sprintf("user %d", msg.SenderID)
	if msg.SenderID == p.selfID {
		who = "me"
	}
	state := string(entry.Status)
	if entry.Status == timeline.StatusSent && msg.SenderID == p.selfID && msg.ReadAt != nil {
		state = "read"
	}
	line := fmt.Sprintf("[%s] %s: %s (%s)", msg.CreatedAt.Local().Format(time.Kitchen), who, msg.Content, state)
	for _, img := range msg.Images {
		line += "\n    " + img
	}
	return line
}
