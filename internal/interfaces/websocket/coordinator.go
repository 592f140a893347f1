package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/infrastructure/monitoring"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"github.com/arieshq/aries/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // workers authenticate with the shared secret, not origin
	},
}

// Message types on the coordinator wire.
const (
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgError        = "error"
	msgHeartbeat    = "heartbeat"
	msgHeartbeatAck = "heartbeat_ack"
	msgTask         = "task"
	msgTaskResult   = "task_result"
)

// Message is the envelope for every frame between coordinator and worker.
type Message struct {
	Type         string      `json:"type"`
	Secret       string      `json:"secret,omitempty"`
	WorkerID     string      `json:"workerId,omitempty"`
	Info         *WorkerInfo `json:"info,omitempty"`
	TaskID       string      `json:"taskId,omitempty"`
	Task         string      `json:"task,omitempty"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	Result       string      `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
	Message      string      `json:"message,omitempty"`
	Timestamp    int64       `json:"timestamp,omitempty"`
}

// WorkerInfo is self-reported worker metadata.
type WorkerInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	Model    string `json:"model,omitempty"`
	Version  string `json:"version,omitempty"`
}

// WorkerStatus is the observable state of one connected worker.
type WorkerStatus struct {
	ID       string      `json:"id"`
	State    string      `json:"state"`
	LastSeen time.Time   `json:"lastSeen"`
	Info     *WorkerInfo `json:"info,omitempty"`
}

type workerState int

const (
	stateIdle workerState = iota
	stateBusy
)

func (s workerState) String() string {
	if s == stateBusy {
		return "busy"
	}
	return "idle"
}

const (
	authDeadline  = 10 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 16
	readLimit     = 512 * 1024
)

type remoteWorker struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{} // closed on unregister; send is never closed
	state       workerState
	currentTask string
	lastSeen    time.Time
	info        *WorkerInfo
}

type taskOutcome struct {
	result string
	err    error
}

// Coordinator accepts worker connections and dispatches subtasks to idle
// ones. At most one task is in flight per worker.
type Coordinator struct {
	secret            string
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	monitor           *monitoring.Monitor
	logger            *zap.Logger

	mu      sync.Mutex
	workers map[string]*remoteWorker
	pending map[string]chan taskOutcome
}

// NewCoordinator creates a coordinator. The monitor may be nil.
func NewCoordinator(secret string, heartbeatInterval, heartbeatTimeout time.Duration, monitor *monitoring.Monitor, logger *zap.Logger) *Coordinator {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Coordinator{
		secret:            secret,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		monitor:           monitor,
		logger:            logger.With(zap.String("component", "coordinator")),
		workers:           make(map[string]*remoteWorker),
		pending:           make(map[string]chan taskOutcome),
	}
}

// Start runs the heartbeat reaper until ctx is done.
func (co *Coordinator) Start(ctx context.Context) {
	safego.Go(co.logger, "coordinator-reaper", func() {
		ticker := time.NewTicker(co.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				co.reapStale()
			}
		}
	})
}

// ServeWS upgrades an incoming worker connection and runs its session.
func (co *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		co.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}
	co.serveConn(conn)
}

func (co *Coordinator) serveConn(conn *websocket.Conn) {
	worker, err := co.authenticate(conn)
	if err != nil {
		co.logger.Warn("Worker authentication failed", zap.Error(err))
		writeDirect(conn, &Message{Type: msgError, Message: "authentication failed"})
		conn.Close()
		return
	}

	co.register(worker)
	worker.enqueue(mustMarshal(&Message{Type: msgAuthOK, WorkerID: worker.id}))

	safego.Go(co.logger, "worker-writer", func() { co.writePump(worker) })
	co.readLoop(worker)
}

// enqueue offers a frame to the writer without ever blocking. Frames are
// dropped when the worker is gone or its buffer is full.
func (w *remoteWorker) enqueue(frame []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.send <- frame:
		return true
	case <-w.done:
		return false
	default:
		return false
	}
}

// authenticate reads exactly one frame and validates the shared secret.
func (co *Coordinator) authenticate(conn *websocket.Conn) (*remoteWorker, error) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, domainErrors.NewTransportErrorWithCause("auth read failed", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, domainErrors.NewInvalidInputError("malformed auth frame")
	}
	if msg.Type != msgAuth || msg.Secret != co.secret {
		return nil, domainErrors.NewAuthError("invalid worker secret")
	}

	id := msg.WorkerID
	if id == "" {
		id = uuid.NewString()
	}
	return &remoteWorker{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		state:    stateIdle,
		lastSeen: time.Now(),
		info:     msg.Info,
	}, nil
}

func (co *Coordinator) register(w *remoteWorker) {
	co.mu.Lock()
	if old, ok := co.workers[w.id]; ok {
		// A reconnect supersedes the stale session.
		old.conn.Close()
		close(old.done)
		co.failInflightLocked(old, "worker superseded")
	}
	co.workers[w.id] = w
	count := len(co.workers)
	co.mu.Unlock()

	co.setGauge(count)
	co.logger.Info("Worker connected",
		zap.String("worker_id", w.id),
		zap.Int("workers", count))
}

func (co *Coordinator) unregister(w *remoteWorker, reason string) {
	co.mu.Lock()
	cur, ok := co.workers[w.id]
	if !ok || cur != w {
		co.mu.Unlock()
		return
	}
	delete(co.workers, w.id)
	close(w.done)
	co.failInflightLocked(w, "worker disconnected")
	count := len(co.workers)
	co.mu.Unlock()

	co.setGauge(count)
	co.logger.Info("Worker disconnected",
		zap.String("worker_id", w.id),
		zap.String("reason", reason),
		zap.Int("workers", count))
}

// failInflightLocked resolves the worker's in-flight task as failed.
func (co *Coordinator) failInflightLocked(w *remoteWorker, reason string) {
	if w.currentTask == "" {
		return
	}
	if ch, ok := co.pending[w.currentTask]; ok {
		delete(co.pending, w.currentTask)
		ch <- taskOutcome{err: domainErrors.NewTransportError(reason)}
	}
	w.currentTask = ""
	w.state = stateIdle
}

func (co *Coordinator) readLoop(w *remoteWorker) {
	defer func() {
		co.unregister(w, "connection closed")
		w.conn.Close()
	}()

	w.conn.SetReadLimit(readLimit)
	w.conn.SetReadDeadline(time.Now().Add(2 * co.heartbeatTimeout))

	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				co.logger.Warn("Worker read error", zap.String("worker_id", w.id), zap.Error(err))
			}
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(2 * co.heartbeatTimeout))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			co.logger.Warn("Malformed worker frame", zap.String("worker_id", w.id), zap.Error(err))
			continue
		}

		switch msg.Type {
		case msgHeartbeat:
			co.touch(w, msg.Info)
			w.enqueue(mustMarshal(&Message{Type: msgHeartbeatAck}))
		case msgTaskResult:
			co.resolve(w, msg.TaskID, msg.Result, msg.Error)
		default:
			co.logger.Debug("Ignoring worker frame",
				zap.String("worker_id", w.id),
				zap.String("type", msg.Type))
		}
	}
}

func (co *Coordinator) writePump(w *remoteWorker) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-w.done:
			w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			w.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (co *Coordinator) touch(w *remoteWorker, info *WorkerInfo) {
	co.mu.Lock()
	w.lastSeen = time.Now()
	if info != nil {
		w.info = info
	}
	co.mu.Unlock()
}

// resolve completes the pending dispatch waiting on taskID. Late results
// for abandoned tasks are dropped.
func (co *Coordinator) resolve(w *remoteWorker, taskID, result, errMsg string) {
	co.mu.Lock()
	ch, ok := co.pending[taskID]
	if ok {
		delete(co.pending, taskID)
	}
	if w.currentTask == taskID {
		w.currentTask = ""
		w.state = stateIdle
	}
	co.mu.Unlock()

	if !ok {
		co.logger.Debug("Dropping result for abandoned task",
			zap.String("worker_id", w.id),
			zap.String("task_id", taskID))
		return
	}

	if errMsg != "" {
		ch <- taskOutcome{err: domainErrors.NewInternalError("worker error: " + errMsg)}
		return
	}
	ch <- taskOutcome{result: result}
}

// reapStale drops workers whose last heartbeat is older than the timeout.
func (co *Coordinator) reapStale() {
	cutoff := time.Now().Add(-co.heartbeatTimeout)

	co.mu.Lock()
	var stale []*remoteWorker
	for _, w := range co.workers {
		if w.lastSeen.Before(cutoff) {
			stale = append(stale, w)
		}
	}
	co.mu.Unlock()

	for _, w := range stale {
		co.logger.Warn("Worker heartbeat expired", zap.String("worker_id", w.id))
		w.conn.Close()
		co.unregister(w, "heartbeat timeout")
	}
}

// Dispatch sends one task to an idle worker and blocks until it returns a
// result, errors, or the timeout elapses. Implements the executor's remote
// pool contract.
func (co *Coordinator) Dispatch(ctx context.Context, task, systemPrompt string, timeout time.Duration) (string, string, error) {
	co.mu.Lock()
	var w *remoteWorker
	for _, cand := range co.workers {
		if cand.state == stateIdle {
			w = cand
			break
		}
	}
	if w == nil {
		co.mu.Unlock()
		return "", "", domainErrors.NewNoIdleWorkerError()
	}

	taskID := uuid.NewString()
	w.state = stateBusy
	w.currentTask = taskID
	ch := make(chan taskOutcome, 1)
	co.pending[taskID] = ch
	co.mu.Unlock()

	frame := mustMarshal(&Message{
		Type:         msgTask,
		TaskID:       taskID,
		Task:         task,
		SystemPrompt: systemPrompt,
	})
	if !w.enqueue(frame) {
		co.abandon(w, taskID)
		return "", w.id, domainErrors.NewTransportError("worker unreachable")
	}

	co.logger.Info("Task dispatched to remote worker",
		zap.String("worker_id", w.id),
		zap.String("task_id", taskID))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.result, w.id, out.err
	case <-timer.C:
		co.abandon(w, taskID)
		return "", w.id, domainErrors.NewTransportError("remote task timed out")
	case <-ctx.Done():
		co.abandon(w, taskID)
		return "", w.id, ctx.Err()
	}
}

// abandon forgets a pending task and returns its worker to the idle pool.
func (co *Coordinator) abandon(w *remoteWorker, taskID string) {
	co.mu.Lock()
	delete(co.pending, taskID)
	if w.currentTask == taskID {
		w.currentTask = ""
		w.state = stateIdle
	}
	co.mu.Unlock()
}

// IdleCount returns how many workers could take a task right now.
func (co *Coordinator) IdleCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()

	n := 0
	for _, w := range co.workers {
		if w.state == stateIdle {
			n++
		}
	}
	return n
}

// WorkerCount returns the number of connected workers.
func (co *Coordinator) WorkerCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.workers)
}

// Workers returns a snapshot of every connected worker.
func (co *Coordinator) Workers() []WorkerStatus {
	co.mu.Lock()
	defer co.mu.Unlock()

	out := make([]WorkerStatus, 0, len(co.workers))
	for _, w := range co.workers {
		out = append(out, WorkerStatus{
			ID:       w.id,
			State:    w.state.String(),
			LastSeen: w.lastSeen,
			Info:     w.info,
		})
	}
	return out
}

func (co *Coordinator) setGauge(count int) {
	if co.monitor != nil {
		co.monitor.SetRemoteWorkers(int64(count))
	}
}

func writeDirect(conn *websocket.Conn, msg *Message) {
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	conn.WriteMessage(websocket.TextMessage, mustMarshal(msg))
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
