package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dm-service/internal/models"
	"dm-service/internal/timeline"
)

func TestFormatMarksOwnReadMessages(t *testing.T) {
	p := newPrinter(1)
	readAt := time.Now()
	own := timeline.Entry{Key: "m:1", Status: timeline.StatusSent, Message: models.Message{ID: 1, SenderID: 1, Content: "hi", ReadAt: &readAt}}
	peer := timeline.Entry{Key: "m:2", Status: timeline.StatusSent, Message: models.Message{ID: 2, SenderID: 2, Content: "hey", ReadAt: &readAt}}

	assert.Contains(t, p.format(own), "me: hi (read)")
	assert.Contains(t, p.format(peer), "user 2: hey (sent)")
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8083/ws", websocketURL("http://localhost:8083"))
	assert.Equal(t, "wss://dm.example.com/ws", websocketURL("https://dm.example.com"))
	assert.Equal(t, "ws://raw/ws", websocketURL("ws://raw/ws"))
}
