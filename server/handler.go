package server

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxpert/timecapsule/errors"
	"github.com/maxpert/timecapsule/interfaces"
	"github.com/maxpert/timecapsule/queue"
)

const (
	replyOK   = "OK\n"
	keepAlive = 0x00

	// restoreTimeout bounds the store writes done after a client is gone
	restoreTimeout = 5 * time.Second
)

// handler runs the protocol for one client connection. A connection
// carries exactly one command: STATS, STORE followed by its payload, or
// FETCH followed by ACK.
type handler struct {
	server  *Server
	conn    *Connection
	log     *zap.Logger
	network interfaces.NetworkConfig

	ctx    context.Context
	cancel context.CancelFunc

	frames chan []byte
	done   chan struct{}

	consumer   *queue.Consumer
	client     redis.UniversalClient
	getDone    chan struct{}
	subscribed bool
}

func newHandler(s *Server, conn *Connection) *handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &handler{
		server:  s,
		conn:    conn,
		log:     s.Log.With(zap.String("connection_id", conn.ID)),
		network: s.network(),
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan []byte),
		done:    make(chan struct{}),
	}
}

// serve greets the client and processes its command. Panics are answered
// with a FAIL reply and end only this connection.
func (h *handler) serve() {
	defer h.cleanup()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Recovered from panic in connection handler",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			h.fail(fmt.Errorf("%v", r))
		}
	}()

	go h.readFrames()

	if err := h.reply(); err != nil {
		return
	}

	frame, ok := <-h.frames
	if !ok {
		return
	}
	h.dispatch(frame)
}

// readFrames forwards the bytes of each socket read as one frame and
// closes frames when the peer goes away.
func (h *handler) readFrames() {
	defer close(h.frames)

	buf := make([]byte, h.network.ReadBufferSize)
	for {
		n, err := h.conn.Conn.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			h.server.bytesReceived.Add(int64(n))
			h.conn.touch()

			select {
			case h.frames <- frame:
			case <-h.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *handler) dispatch(frame []byte) {
	line, rest := splitCommand(frame)

	switch queue.Verb(line) {
	case queue.CommandStats:
		h.stats(line)
	case queue.CommandStore:
		h.store(line, rest)
	case queue.CommandFetch:
		h.fetch(strings.TrimSpace(string(frame)))
	case queue.CommandAck:
		h.fail(errors.NewNoBackup(""))
	default:
		h.fail(errors.NewUnknownCommand(strings.TrimSpace(string(frame))))
	}
}

// splitCommand separates the command line from any bytes that followed it
// in the same frame
func splitCommand(frame []byte) (string, []byte) {
	idx := bytes.IndexByte(frame, '\n')
	if idx < 0 {
		return strings.TrimSpace(string(frame)), nil
	}
	return strings.TrimSpace(string(frame[:idx])), frame[idx+1:]
}

func (h *handler) stats(line string) {
	h.conn.setState(ConnectionStats, "")

	lines, err := h.server.Stats.Collect(h.ctx, queue.ParseStats(line))
	if err != nil {
		h.log.Error("Failed to collect stats", zap.Error(err))
		h.fail(err)
		return
	}
	h.write([]byte(strings.Join(lines, "\n") + "\n"))
}

func (h *handler) store(line string, rest []byte) {
	cfg := h.server.Config.Store
	producer := queue.NewProducer(h.server.Store, h.server.Keys, cfg.WriteRetries, h.log)
	if err := producer.Prepare(line); err != nil {
		h.log.Debug("Rejected STORE command", zap.String("command", line), zap.Error(err))
		h.fail(err)
		return
	}

	h.conn.setState(ConnectionStoring, producer.Queue())
	if err := h.reply(); err != nil {
		return
	}

	payload, ok := h.collectPayload(rest)
	if !ok {
		h.log.Debug("Client left before sending a payload", zap.String("queue", producer.Queue()))
		return
	}

	item, err := producer.Receive(h.ctx, payload)
	if err != nil {
		h.server.MetricsCollector.RecordStoreError("store")
		h.log.Error("Failed to store message",
			zap.String("queue", producer.Queue()),
			zap.Error(err))
		h.fail(err)
		return
	}

	h.server.messagesStored.Add(1)
	h.server.MetricsCollector.RecordMessageStored(len(payload))
	h.log.Debug("Message stored",
		zap.String("queue", item.Queue),
		zap.Int64("item_id", item.ID),
		zap.Time("embargo", item.EmbargoTime()),
		zap.String("size", humanize.Bytes(uint64(len(payload)))))

	h.reply()
}

// collectPayload gathers the STORE payload: start plus the next frame if
// start is empty, then anything else that arrives before the socket stays
// quiet for the settle period or the client half-closes.
func (h *handler) collectPayload(start []byte) ([]byte, bool) {
	var payload bytes.Buffer
	payload.Write(start)

	if payload.Len() == 0 {
		frame, ok := <-h.frames
		if !ok {
			return nil, false
		}
		payload.Write(frame)
	}

	settle := time.NewTimer(h.network.PayloadSettle)
	defer settle.Stop()

	for {
		select {
		case frame, ok := <-h.frames:
			if !ok {
				return payload.Bytes(), true
			}
			payload.Write(frame)
			settle.Reset(h.network.PayloadSettle)
		case <-settle.C:
			return payload.Bytes(), true
		}
	}
}

type delivery struct {
	payload []byte
	err     error
}

func (h *handler) fetch(line string) {
	client, err := h.server.Pool.Acquire(h.ctx)
	if err != nil {
		h.server.MetricsCollector.RecordStoreError("acquire")
		h.log.Error("Failed to acquire store client", zap.Error(err))
		h.fail(err)
		return
	}
	h.client = client
	h.server.updatePoolMetrics()

	cfg := h.server.Config.Store
	consumer := queue.NewConsumer(client, h.server.Keys, cfg.FetchPollTimeout, h.log, h.server.MetricsCollector)
	if err := consumer.Prepare(line); err != nil {
		h.log.Debug("Rejected FETCH command", zap.String("command", line), zap.Error(err))
		h.fail(err)
		return
	}
	h.consumer = consumer

	h.server.addSubscriber(h.conn)
	h.subscribed = true
	h.conn.setState(ConnectionWaiting, consumer.Queue())

	if err := h.reply(); err != nil {
		return
	}

	deliveries := make(chan delivery, 1)
	h.getDone = make(chan struct{})
	go func() {
		defer close(h.getDone)
		payload, err := consumer.Get(h.ctx)
		deliveries <- delivery{payload: payload, err: err}
	}()

	var tick <-chan time.Time
	if h.network.KeepAliveInterval > 0 {
		ticker := time.NewTicker(h.network.KeepAliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case d := <-deliveries:
			if d.err != nil {
				h.server.MetricsCollector.RecordStoreError("fetch")
				h.log.Error("Failed to fetch message",
					zap.String("queue", consumer.Queue()),
					zap.Error(d.err))
				h.fail(d.err)
				return
			}
			h.deliver(d.payload)
			return
		case <-tick:
			if err := h.write([]byte{keepAlive}); err != nil {
				return
			}
		case frame, ok := <-h.frames:
			if !ok {
				return
			}
			h.unexpected(frame)
			return
		}
	}
}

// deliver writes the payload and waits for the client's ACK
func (h *handler) deliver(payload []byte) {
	item := h.consumer.Item()

	if err := h.write(payload); err != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), restoreTimeout)
		defer cancel()
		if rejectErr := h.consumer.Reject(ctx); rejectErr != nil {
			h.log.Error("Failed to reject undelivered message",
				zap.String("queue", h.consumer.Queue()),
				zap.Error(rejectErr))
		} else {
			h.server.MetricsCollector.RecordMessageRejected()
		}
		return
	}

	h.server.messagesFetched.Add(1)
	h.server.MetricsCollector.RecordMessageDelivered(len(payload))
	h.server.removeSubscriber(h.conn)
	h.subscribed = false
	h.conn.setState(ConnectionDelivered, "")

	if item != nil {
		h.log.Debug("Message delivered",
			zap.String("queue", item.Queue),
			zap.Int64("item_id", item.ID),
			zap.String("size", humanize.Bytes(uint64(len(payload)))))
	}

	frame, ok := <-h.frames
	if !ok {
		return
	}
	if queue.Verb(string(frame)) != queue.CommandAck {
		h.fail(errors.NewUnknownCommand(strings.TrimSpace(string(frame))))
		return
	}

	if err := h.consumer.Accept(h.ctx); err != nil {
		h.log.Error("Failed to commit message",
			zap.String("queue", h.consumer.Queue()),
			zap.Error(err))
		h.fail(err)
		return
	}
	h.consumer.Ack()
	h.server.MetricsCollector.RecordMessageAcknowledged()
}

// unexpected answers a frame received while a FETCH is still waiting
func (h *handler) unexpected(frame []byte) {
	text := strings.TrimSpace(string(frame))
	if queue.Verb(text) == queue.CommandAck {
		h.fail(errors.NewNoBackup(h.consumer.Queue()))
		return
	}
	h.fail(errors.NewUnknownCommand(text))
}

func (h *handler) reply() error {
	return h.write([]byte(replyOK))
}

func (h *handler) fail(err error) {
	h.write([]byte(errors.Reply(err) + "\n"))
}

func (h *handler) write(data []byte) error {
	n, err := h.conn.Conn.Write(data)
	h.server.bytesSent.Add(int64(n))
	if err != nil {
		h.log.Debug("Write to client failed", zap.Error(err))
		return err
	}
	h.conn.touch()
	return nil
}

// cleanup closes the socket, waits for an in-progress fetch to settle,
// restores an unacknowledged item and returns the pooled client.
func (h *handler) cleanup() {
	h.conn.setState(ConnectionClosing, "")
	h.cancel()
	close(h.done)
	h.conn.Conn.Close()

	if h.getDone != nil {
		<-h.getDone
	}

	if h.consumer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		err := h.consumer.Close(ctx)
		cancel()

		switch {
		case err == nil:
		case errors.IsMessageReturnedToQueue(err):
			h.log.Warn("Message returned to queue", zap.Error(err))
			h.server.MetricsCollector.RecordMessageReturned()
		default:
			h.log.Error("Failed to return message to queue",
				zap.String("queue", h.consumer.Queue()),
				zap.Error(err))
		}
	}

	if h.client != nil {
		h.server.Pool.Release(h.client)
		h.server.updatePoolMetrics()
	}
	if h.subscribed {
		h.server.removeSubscriber(h.conn)
	}
}
