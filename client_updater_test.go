package nucinstdig

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher records every multipart message.
type fakePublisher struct {
	mu     sync.Mutex
	sent   [][]any
	fail   bool
	closed bool
}

func (p *fakePublisher) SendMessage(parts ...any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return 0, errors.New("no peers")
	}
	p.sent = append(p.sent, parts)
	return len(parts), nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) messages() [][]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]any(nil), p.sent...)
}

func TestPublishUpdates(t *testing.T) {
	pub := new(fakePublisher)
	messages := make(chan ClientUpdate)
	abort := make(chan struct{})
	done := make(chan struct{})
	go func() {
		publishUpdates(pub, messages, abort)
		close(done)
	}()

	messages <- ClientUpdate{tag: "STATUS", state: map[string]bool{"Acquiring": true}}
	messages <- ClientUpdate{tag: "IMAGE:tof", state: ImageHeader{Group: "tof"}, payload: []byte{1, 2, 3}}
	messages <- ClientUpdate{tag: "BAD", state: make(chan int)}
	messages <- ClientUpdate{tag: tagSendAll}
	close(abort)
	<-done

	sent := pub.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, []any{"STATUS", []byte(`{"Acquiring":true}`)}, sent[0])
	require.Len(t, sent[1], 3)
	assert.Equal(t, "IMAGE:tof", sent[1][0])
	assert.Equal(t, []byte{1, 2, 3}, sent[1][2])
	// SENDALL repeats only the messages without a binary payload.
	assert.Equal(t, sent[0], sent[2])
	assert.True(t, pub.closed)
}

func TestPublishFailuresAreLogged(t *testing.T) {
	pub := &fakePublisher{fail: true}
	messages := make(chan ClientUpdate)
	abort := make(chan struct{})
	done := make(chan struct{})
	go func() {
		publishUpdates(pub, messages, abort)
		close(done)
	}()
	messages <- ClientUpdate{tag: "STATUS", state: 1}
	close(abort)
	<-done
	assert.Empty(t, pub.messages())
}

func TestOfferUpdate(t *testing.T) {
	assert.False(t, offerUpdate(nil, ClientUpdate{tag: "X"}))
	ch := make(chan ClientUpdate, 1)
	assert.True(t, offerUpdate(ch, ClientUpdate{tag: "X"}))
	assert.False(t, offerUpdate(ch, ClientUpdate{tag: "Y"}), "a full channel never blocks the producer")
	u := <-ch
	assert.Equal(t, "X", u.Tag())
	assert.Nil(t, u.State())
}

func TestQuietTags(t *testing.T) {
	assert.True(t, isQuiet("IMAGE:tof"))
	assert.True(t, isQuiet("SLOTS:traces"))
	assert.True(t, isQuiet("ALIVE"))
	assert.False(t, isQuiet("STATUS"))
}

func TestRunClientUpdater(t *testing.T) {
	abort := make(chan struct{})
	messages := make(chan ClientUpdate, 1)
	errs := make(chan error, 1)
	go func() { errs <- RunClientUpdater(messages, 33871, abort) }()
	messages <- ClientUpdate{tag: "ALIVE", state: 1}
	time.Sleep(20 * time.Millisecond)
	close(abort)
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("client updater did not stop")
	}
}
