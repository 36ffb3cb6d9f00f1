package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"landrop/protocol"
)

const (
	// ChunkSize is the raw byte count per chunk frame before encoding.
	ChunkSize = 1 << 20
	// ChunkThreshold is the largest payload sent as a single inline message.
	// Anything above it must be chunked.
	ChunkThreshold = 70 << 20
	// DefaultAssemblyTimeout bounds how long the receive side keeps a
	// partial assembly without new chunks before discarding it.
	DefaultAssemblyTimeout = 2 * time.Minute

	defaultJanitorInterval = 15 * time.Second
)

var (
	// ErrChannelLost indicates the delivery channel closed mid-transfer.
	ErrChannelLost = errors.New("transfer: channel lost")
	// ErrAssemblyTimeout indicates a partial assembly expired before all
	// chunks arrived.
	ErrAssemblyTimeout = errors.New("transfer: chunk assembly timed out")
)

// Progress is the ephemeral per-transfer progress record. BytesDelivered is
// monotonically increasing; the record is discarded at completion or abort.
type Progress struct {
	TransferID     string
	TotalBytes     int64
	BytesDelivered int64
	Direction      string
}

// Percent returns delivery progress clamped to [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 100
	}
	pct := float64(p.BytesDelivered) / float64(p.TotalBytes) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Failure reports a transfer aborted by the engine.
type Failure struct {
	TransferID string
	Direction  string
	Err        error
}

// EngineOptions configures the transfer engine.
type EngineOptions struct {
	ChunkSize       int
	ChunkThreshold  int64
	AssemblyTimeout time.Duration
	JanitorInterval time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = ChunkSize
	}
	if out.ChunkThreshold <= 0 {
		out.ChunkThreshold = ChunkThreshold
	}
	if out.AssemblyTimeout <= 0 {
		out.AssemblyTimeout = DefaultAssemblyTimeout
	}
	if out.JanitorInterval <= 0 {
		out.JanitorInterval = defaultJanitorInterval
	}
	return out
}

type assembly struct {
	fromHandle  string
	totalChunks int
	chunks      map[int][]byte
	bytesSeen   int64
	updatedAt   time.Time
}

// Engine moves payloads over established channels: it splits large payloads
// into chunk frames on the send side, reassembles them by index on the
// receive side, and owns all in-flight Progress records.
type Engine struct {
	opts EngineOptions

	mu         sync.Mutex
	progress   map[string]*Progress
	assemblies map[string]*assembly

	progressCh chan Progress
	failures   chan Failure

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine and starts its assembly janitor.
func NewEngine(options EngineOptions) *Engine {
	engine := &Engine{
		opts:       options.withDefaults(),
		progress:   make(map[string]*Progress),
		assemblies: make(map[string]*assembly),
		progressCh: make(chan Progress, 256),
		failures:   make(chan Failure, 64),
		stop:       make(chan struct{}),
	}

	engine.wg.Add(1)
	go engine.janitorLoop()
	return engine
}

// Stop halts the janitor. In-flight Send calls are bounded by their own
// contexts and channels.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
	})
}

// ProgressEvents returns per-chunk progress updates for the UI layer.
func (e *Engine) ProgressEvents() <-chan Progress {
	return e.progressCh
}

// Failures returns aborted-transfer notifications.
func (e *Engine) Failures() <-chan Failure {
	return e.failures
}

// EncodeInline renders payload content for a single inline message:
// clipboard text travels raw, binary content travels base64.
func EncodeInline(t Transfer, data []byte) string {
	if t.IsClipboard {
		return string(data)
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeInline reverses EncodeInline.
func DecodeInline(isClipboard bool, content string) ([]byte, error) {
	if isClipboard {
		return []byte(content), nil
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decode inline content: %w", err)
	}
	return data, nil
}

// TotalChunks returns ceil(size / chunkSize) for the engine's chunk size.
func (e *Engine) TotalChunks(size int64) int {
	chunkSize := int64(e.opts.ChunkSize)
	chunks := int(size / chunkSize)
	if size%chunkSize != 0 {
		chunks++
	}
	return chunks
}

// RequiresChunking reports whether a payload size mandates the chunked path.
func (e *Engine) RequiresChunking(size int64) bool {
	return size > e.opts.ChunkThreshold
}

// Send moves one payload to one channel. Payloads at or below the chunk
// threshold go as a single file-transfer message with inline content; larger
// payloads send a file-transfer header followed by a fire-and-stream chunk
// sequence, emitting a progress update after every chunk. The loop stops on
// context cancellation or channel loss and never sends further chunks after
// a failure.
func (e *Engine) Send(ctx context.Context, channel Channel, t Transfer, payload Payload) error {
	if e.RequiresChunking(payload.Size()) {
		return e.sendChunked(ctx, channel, t, payload)
	}
	return e.sendInline(channel, t, payload)
}

func (e *Engine) sendInline(channel Channel, t Transfer, payload Payload) error {
	reader, err := payload.Open()
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	message := protocol.FileTransfer{
		TransferID:         t.ID,
		Filename:           t.WireFilename(),
		OriginalName:       t.OriginalName,
		MimeType:           t.MimeType,
		Size:               t.SizeBytes,
		Content:            EncodeInline(t, data),
		IsClipboard:        t.IsClipboard,
		TargetDeviceHandle: t.Target.Handle,
	}
	if err := channel.Send(protocol.TypeFileTransfer, message); err != nil {
		return fmt.Errorf("send inline transfer %q: %w", t.ID, err)
	}
	return nil
}

func (e *Engine) sendChunked(ctx context.Context, channel Channel, t Transfer, payload Payload) error {
	totalChunks := e.TotalChunks(payload.Size())

	header := protocol.FileTransfer{
		TransferID:         t.ID,
		Filename:           t.WireFilename(),
		OriginalName:       t.OriginalName,
		MimeType:           t.MimeType,
		Size:               t.SizeBytes,
		IsClipboard:        t.IsClipboard,
		TargetDeviceHandle: t.Target.Handle,
		TotalChunks:        totalChunks,
	}
	if err := channel.Send(protocol.TypeFileTransfer, header); err != nil {
		return fmt.Errorf("send transfer header %q: %w", t.ID, err)
	}

	reader, err := payload.Open()
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	e.trackProgress(t.ID, payload.Size(), DirectionSent)

	buffer := make([]byte, e.opts.ChunkSize)
	for index := 0; index < totalChunks; index++ {
		select {
		case <-ctx.Done():
			e.abort(t.ID, DirectionSent, ctx.Err())
			return ctx.Err()
		case <-channel.Done():
			e.abort(t.ID, DirectionSent, ErrChannelLost)
			return ErrChannelLost
		default:
		}

		n, err := io.ReadFull(reader, buffer)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			e.abort(t.ID, DirectionSent, err)
			return fmt.Errorf("read chunk %d of %q: %w", index, t.ID, err)
		}
		if n == 0 {
			break
		}

		frame := protocol.ChunkFrame{
			TransferID:  t.ID,
			Index:       index,
			TotalChunks: totalChunks,
			Data:        base64.StdEncoding.EncodeToString(buffer[:n]),
		}
		if err := channel.Send(protocol.TypeFileChunk, frame); err != nil {
			e.abort(t.ID, DirectionSent, err)
			return fmt.Errorf("send chunk %d of %q: %w", index, t.ID, err)
		}

		e.advanceProgress(t.ID, int64(n))
	}

	return nil
}

// Receive feeds one inbound chunk frame into its assembly. Duplicate indices
// overwrite (last write wins) and arrival order does not matter; the payload
// is returned once every index has been seen. No partial payload is ever
// returned.
func (e *Engine) Receive(fromHandle string, frame protocol.ChunkFrame) ([]byte, bool, error) {
	if frame.TransferID == "" || frame.TotalChunks <= 0 ||
		frame.Index < 0 || frame.Index >= frame.TotalChunks {
		return nil, false, fmt.Errorf("%w: invalid chunk frame for %q", protocol.ErrMalformedMessage, frame.TransferID)
	}

	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return nil, false, fmt.Errorf("decode chunk %d of %q: %w", frame.Index, frame.TransferID, err)
	}

	e.mu.Lock()
	current, ok := e.assemblies[frame.TransferID]
	if !ok {
		current = &assembly{
			fromHandle:  fromHandle,
			totalChunks: frame.TotalChunks,
			chunks:      make(map[int][]byte, frame.TotalChunks),
		}
		e.assemblies[frame.TransferID] = current
	}
	if _, seen := current.chunks[frame.Index]; !seen {
		current.bytesSeen += int64(len(data))
	}
	current.chunks[frame.Index] = data
	current.updatedAt = time.Now()

	complete := len(current.chunks) == current.totalChunks
	var payload []byte
	if complete {
		payload = concatChunks(current)
		delete(e.assemblies, frame.TransferID)
	}
	bytesSeen := current.bytesSeen
	e.mu.Unlock()

	e.trackProgress(frame.TransferID, -1, DirectionReceived)
	e.setProgress(frame.TransferID, bytesSeen, int64(len(payload)), complete)

	return payload, complete, nil
}

// ExpectAssembly pre-registers an inbound chunked transfer from its header
// so progress totals are exact from the first chunk.
func (e *Engine) ExpectAssembly(fromHandle string, header protocol.FileTransfer) {
	if header.TransferID == "" || header.TotalChunks <= 0 {
		return
	}

	e.mu.Lock()
	if _, exists := e.assemblies[header.TransferID]; !exists {
		e.assemblies[header.TransferID] = &assembly{
			fromHandle:  fromHandle,
			totalChunks: header.TotalChunks,
			chunks:      make(map[int][]byte, header.TotalChunks),
			updatedAt:   time.Now(),
		}
	}
	e.mu.Unlock()

	e.mu.Lock()
	if _, exists := e.progress[header.TransferID]; !exists {
		e.progress[header.TransferID] = &Progress{
			TransferID: header.TransferID,
			TotalBytes: header.Size,
			Direction:  DirectionReceived,
		}
	}
	e.mu.Unlock()
}

// Discard drops the partial assembly and progress entry for one transfer.
func (e *Engine) Discard(transferID string, reason error) {
	e.mu.Lock()
	_, hadAssembly := e.assemblies[transferID]
	delete(e.assemblies, transferID)
	entry := e.progress[transferID]
	delete(e.progress, transferID)
	e.mu.Unlock()

	if hadAssembly || entry != nil {
		direction := DirectionReceived
		if entry != nil {
			direction = entry.Direction
		}
		e.emitFailure(Failure{TransferID: transferID, Direction: direction, Err: reason})
	}
}

// DiscardFrom drops every partial assembly received from a lost handle.
func (e *Engine) DiscardFrom(fromHandle string) []string {
	e.mu.Lock()
	discarded := make([]string, 0)
	for transferID, current := range e.assemblies {
		if current.fromHandle == fromHandle {
			delete(e.assemblies, transferID)
			delete(e.progress, transferID)
			discarded = append(discarded, transferID)
		}
	}
	e.mu.Unlock()

	for _, transferID := range discarded {
		e.emitFailure(Failure{TransferID: transferID, Direction: DirectionReceived, Err: ErrChannelLost})
	}
	return discarded
}

// InFlight returns the number of live Progress records.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.progress)
}

func (e *Engine) trackProgress(transferID string, totalBytes int64, direction string) {
	e.mu.Lock()
	if _, exists := e.progress[transferID]; !exists && totalBytes >= 0 {
		e.progress[transferID] = &Progress{
			TransferID: transferID,
			TotalBytes: totalBytes,
			Direction:  direction,
		}
	}
	e.mu.Unlock()
}

func (e *Engine) advanceProgress(transferID string, delta int64) {
	e.mu.Lock()
	entry, ok := e.progress[transferID]
	if !ok {
		e.mu.Unlock()
		return
	}
	entry.BytesDelivered += delta
	if entry.BytesDelivered > entry.TotalBytes {
		entry.BytesDelivered = entry.TotalBytes
	}
	snapshot := *entry
	if snapshot.Percent() >= 100 {
		delete(e.progress, transferID)
	}
	e.mu.Unlock()

	e.emitProgress(snapshot)
}

func (e *Engine) setProgress(transferID string, bytesSeen, finalSize int64, complete bool) {
	e.mu.Lock()
	entry, ok := e.progress[transferID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if entry.TotalBytes <= 0 && finalSize > 0 {
		entry.TotalBytes = finalSize
	}
	if bytesSeen > entry.BytesDelivered {
		entry.BytesDelivered = bytesSeen
	}
	if complete {
		entry.BytesDelivered = entry.TotalBytes
	}
	snapshot := *entry
	if complete || snapshot.Percent() >= 100 {
		delete(e.progress, transferID)
	}
	e.mu.Unlock()

	e.emitProgress(snapshot)
}

func (e *Engine) abort(transferID, direction string, reason error) {
	e.mu.Lock()
	delete(e.progress, transferID)
	e.mu.Unlock()

	e.emitFailure(Failure{TransferID: transferID, Direction: direction, Err: reason})
}

func (e *Engine) janitorLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepStale(time.Now())
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) sweepStale(now time.Time) {
	e.mu.Lock()
	expired := make([]string, 0)
	for transferID, current := range e.assemblies {
		if now.Sub(current.updatedAt) > e.opts.AssemblyTimeout {
			delete(e.assemblies, transferID)
			delete(e.progress, transferID)
			expired = append(expired, transferID)
		}
	}
	e.mu.Unlock()

	for _, transferID := range expired {
		e.emitFailure(Failure{TransferID: transferID, Direction: DirectionReceived, Err: ErrAssemblyTimeout})
	}
}

func (e *Engine) emitProgress(progress Progress) {
	select {
	case e.progressCh <- progress:
	default:
	}
}

func (e *Engine) emitFailure(failure Failure) {
	select {
	case e.failures <- failure:
	default:
	}
}

func concatChunks(current *assembly) []byte {
	total := 0
	for _, chunk := range current.chunks {
		total += len(chunk)
	}
	payload := make([]byte, 0, total)
	for index := 0; index < current.totalChunks; index++ {
		payload = append(payload, current.chunks[index]...)
	}
	return payload
}
