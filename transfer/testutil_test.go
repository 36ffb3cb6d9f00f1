package transfer

import (
	"sync"

	"landrop/protocol"
)

// fakeChannel records every message sent through it and can be torn down to
// simulate a lost connection.
type fakeChannel struct {
	handle string

	mu       sync.Mutex
	messages []sentMessage

	done      chan struct{}
	closeOnce sync.Once
}

type sentMessage struct {
	msgType string
	payload any
}

func newFakeChannel(handle string) *fakeChannel {
	return &fakeChannel{handle: handle, done: make(chan struct{})}
}

func (c *fakeChannel) DeviceHandle() string { return c.handle }

func (c *fakeChannel) Send(msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, sentMessage{msgType: msgType, payload: payload})
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *fakeChannel) sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *fakeChannel) chunkFrames() []protocol.ChunkFrame {
	frames := make([]protocol.ChunkFrame, 0)
	for _, message := range c.sent() {
		if frame, ok := message.payload.(protocol.ChunkFrame); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// fakeDirectory maps handles to fake channels.
type fakeDirectory struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{channels: make(map[string]*fakeChannel)}
}

func (d *fakeDirectory) add(handle string) *fakeChannel {
	channel := newFakeChannel(handle)
	d.mu.Lock()
	d.channels[handle] = channel
	d.mu.Unlock()
	return channel
}

func (d *fakeDirectory) remove(handle string) {
	d.mu.Lock()
	delete(d.channels, handle)
	d.mu.Unlock()
}

func (d *fakeDirectory) ChannelFor(handle string) (Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channel, ok := d.channels[handle]
	if !ok {
		return nil, false
	}
	return channel, true
}
