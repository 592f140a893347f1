package websocket

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/service"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"github.com/arieshq/aries/pkg/safego"
)

const reconnectDelay = 5 * time.Second

// WorkerClient connects out to a coordinator, announces itself, and
// executes the tasks it is handed using its own upstream access. This is
// the runtime behind "aries worker".
type WorkerClient struct {
	url               string
	secret            string
	workerID          string
	client            service.ChatClient
	model             string
	maxTokens         int
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

// NewWorkerClient creates a worker client. workerID may be empty; the
// coordinator assigns one on connect.
func NewWorkerClient(url, secret, workerID string, client service.ChatClient, model string, maxTokens int, heartbeatInterval time.Duration, logger *zap.Logger) *WorkerClient {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &WorkerClient{
		url:               url,
		secret:            secret,
		workerID:          workerID,
		client:            client,
		model:             model,
		maxTokens:         maxTokens,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With(zap.String("component", "worker-client")),
	}
}

// Run keeps a session to the coordinator alive until ctx is done. A
// rejected secret stops the loop; transport failures reconnect.
func (w *WorkerClient) Run(ctx context.Context) error {
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domainErrors.IsCode(err, domainErrors.CodeAuth) {
			return err
		}
		w.logger.Warn("Connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", reconnectDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (w *WorkerClient) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return domainErrors.NewTransportErrorWithCause("dial failed", err)
	}
	defer conn.Close()

	if err := w.handshake(conn); err != nil {
		return err
	}
	w.logger.Info("Connected to coordinator",
		zap.String("url", w.url),
		zap.String("worker_id", w.workerID))

	send := make(chan []byte, sendBuffer)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	safego.Go(w.logger, "worker-client-writer", func() {
		w.writeLoop(sessionCtx, conn, send)
	})
	safego.Go(w.logger, "worker-client-heartbeat", func() {
		w.heartbeatLoop(sessionCtx, send)
	})

	return w.readLoop(sessionCtx, conn, send)
}

// handshake sends the auth frame and waits for auth_ok.
func (w *WorkerClient) handshake(conn *websocket.Conn) error {
	auth := &Message{
		Type:     msgAuth,
		Secret:   w.secret,
		WorkerID: w.workerID,
		Info:     w.info(),
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, mustMarshal(auth)); err != nil {
		return domainErrors.NewTransportErrorWithCause("auth write failed", err)
	}

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return domainErrors.NewTransportErrorWithCause("auth read failed", err)
	}

	var reply Message
	if err := json.Unmarshal(raw, &reply); err != nil {
		return domainErrors.NewTransportError("malformed auth reply")
	}
	switch reply.Type {
	case msgAuthOK:
		w.workerID = reply.WorkerID
		return nil
	case msgError:
		return domainErrors.NewAuthError(reply.Message)
	default:
		return domainErrors.NewTransportError("unexpected auth reply: " + reply.Type)
	}
}

func (w *WorkerClient) info() *WorkerInfo {
	hostname, _ := os.Hostname()
	return &WorkerInfo{
		Hostname: hostname,
		Platform: runtime.GOOS,
		Model:    w.model,
	}
}

func (w *WorkerClient) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (w *WorkerClient) heartbeatLoop(ctx context.Context, send chan<- []byte) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := mustMarshal(&Message{Type: msgHeartbeat, Info: w.info()})
			select {
			case send <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *WorkerClient) readLoop(ctx context.Context, conn *websocket.Conn, send chan<- []byte) error {
	conn.SetReadLimit(readLimit)
	for {
		conn.SetReadDeadline(time.Now().Add(3 * w.heartbeatInterval))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return domainErrors.NewTransportErrorWithCause("read failed", err)
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logger.Warn("Malformed coordinator frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case msgHeartbeatAck:
			// nothing to do
		case msgTask:
			taskID, task, prompt := msg.TaskID, msg.Task, msg.SystemPrompt
			safego.Go(w.logger, "worker-task", func() {
				w.execute(ctx, taskID, task, prompt, send)
			})
		case msgError:
			return domainErrors.NewInternalError("coordinator error: " + msg.Message)
		default:
			w.logger.Debug("Ignoring coordinator frame", zap.String("type", msg.Type))
		}
	}
}

// execute runs one dispatched task against the local upstream and sends
// the result frame back.
func (w *WorkerClient) execute(ctx context.Context, taskID, task, systemPrompt string, send chan<- []byte) {
	w.logger.Info("Executing remote task", zap.String("task_id", taskID))
	start := time.Now()

	req := &entity.ChatRequest{
		Model:     w.model,
		MaxTokens: w.maxTokens,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: systemPrompt},
			{Role: entity.RoleUser, Content: task},
		},
	}

	reply := &Message{Type: msgTaskResult, TaskID: taskID}
	resp, err := w.client.Generate(ctx, req)
	if err != nil {
		reply.Error = err.Error()
		w.logger.Warn("Remote task failed",
			zap.String("task_id", taskID),
			zap.Error(err))
	} else {
		reply.Result = resp.Content
		w.logger.Info("Remote task completed",
			zap.String("task_id", taskID),
			zap.Duration("elapsed", time.Since(start)))
	}

	select {
	case send <- mustMarshal(reply):
	case <-ctx.Done():
	}
}
