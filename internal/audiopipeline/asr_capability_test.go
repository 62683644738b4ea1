package audiopipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxrelay/voxrelay/internal/asr"
)

func TestASRCapabilityInvokesOnTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello there"}`))
	}))
	defer server.Close()

	client := asr.New(asr.Config{URL: server.URL, Model: "whisper-1"}, zerolog.Nop())

	var mu sync.Mutex
	var got string
	done := make(chan struct{})
	onTranscript := func(text string) {
		mu.Lock()
		got = text
		mu.Unlock()
		close(done)
	}

	capability := NewASRCapability(client, 1, zerolog.Nop(), onTranscript)
	defer capability.Close()

	require.NoError(t, capability.Process(context.Background(), Frame{OpusPacket: []byte{0x01, 0x02, 0x03}}))
	capability.EndUtterance(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onTranscript was not called in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello there", got)
}

func TestASRCapabilitySkipsEmptyTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":""}`))
	}))
	defer server.Close()

	client := asr.New(asr.Config{URL: server.URL}, zerolog.Nop())

	called := false
	onTranscript := func(text string) { called = true }

	capability := NewASRCapability(client, 1, zerolog.Nop(), onTranscript)

	require.NoError(t, capability.Process(context.Background(), Frame{OpusPacket: []byte{0x01}}))
	capability.EndUtterance(context.Background())
	capability.Close()

	assert.False(t, called)
}

func TestASRCapabilityNilOnTranscriptIsSafe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hi"}`))
	}))
	defer server.Close()

	client := asr.New(asr.Config{URL: server.URL}, zerolog.Nop())

	capability := NewASRCapability(client, 1, zerolog.Nop(), nil)
	require.NoError(t, capability.Process(context.Background(), Frame{OpusPacket: []byte{0x01}}))
	capability.EndUtterance(context.Background())
	capability.Close()
}

func TestFramesToOGGProducesNonEmptyContainer(t *testing.T) {
	frames := [][]byte{{0x01, 0x02}, {0x03, 0x04}}
	data, err := framesToOGG(frames)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// OGG pages start with the capture pattern "OggS".
	assert.Equal(t, []byte("OggS"), data[:4])
}

func TestFramesToOGGEmptyInput(t *testing.T) {
	data, err := framesToOGG(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, data) // still a valid, if empty, ogg container
}
