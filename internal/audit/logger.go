package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the audit logging system for the HiveMind engine.
type Logger struct {
	config Config
	writer io.Writer

	mu sync.RWMutex

	eventChan chan any
	buffer    []*Event

	stats LoggerStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds audit logger configuration.
type Config struct {
	// ServerID identifies this HiveMind instance.
	ServerID string

	// Writer is where audit logs are written (defaults to stdout).
	Writer io.Writer

	// BufferSize is the event buffer size for async processing.
	BufferSize int

	// FlushInterval is how often to flush buffered events.
	FlushInterval time.Duration

	// DefaultRetentionDays is the default retention period.
	DefaultRetentionDays int

	// RetentionByCategory allows different retention per event category.
	RetentionByCategory map[string]int

	// MinSeverity is the minimum severity to log.
	MinSeverity Severity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Writer:               os.Stdout,
		BufferSize:           10000,
		FlushInterval:        5 * time.Second,
		DefaultRetentionDays: 90,
		RetentionByCategory: map[string]int{
			"subscription": 365,
			"notifier":     365,
			"notification": 30,
			"storage_node": 90,
			"security":     730,
			"system":       30,
			"admin":        730,
		},
		MinSeverity: SeverityDebug,
	}
}

// LoggerStats holds audit logger statistics.
type LoggerStats struct {
	EventsLogged  int64
	EventsDropped int64
	BufferSize    int
	WriteErrors   int64
}

// NewLogger creates a new audit logger.
func NewLogger(config Config) *Logger {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Logger{
		config:    config,
		writer:    config.Writer,
		eventChan: make(chan any, config.BufferSize),
		buffer:    make([]*Event, 0, 1000),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// flushSignal is processEvents's only non-Event channel item: it lets
// Flush observe that every event sent before it has been moved into the
// buffer, without a second goroutine racing processEvents for the same
// channel.
type flushSignal struct{ done chan struct{} }

// Start begins the audit logger.
func (l *Logger) Start() error {
	l.LogEvent(&Event{
		Type:     EventSystemStart,
		ServerID: l.config.ServerID,
		Success:  true,
	})

	l.wg.Add(1)
	go l.processEvents()

	l.wg.Add(1)
	go l.flushLoop()

	return nil
}

// Stop shuts down the audit logger.
func (l *Logger) Stop() error {
	l.LogEvent(&Event{
		Type:     EventSystemStop,
		ServerID: l.config.ServerID,
		Success:  true,
	})

	l.cancel()
	close(l.eventChan)
	l.wg.Wait()

	l.flush()

	return nil
}

// LogEvent logs a single audit event.
func (l *Logger) LogEvent(event *Event) {
	l.prepareEvent(event)

	if !l.shouldLog(event) {
		return
	}

	select {
	case l.eventChan <- event:
	default:
		l.mu.Lock()
		l.stats.EventsDropped++
		l.mu.Unlock()
	}
}

// Flush blocks until every event enqueued before this call has been
// written to the configured Writer. flushLoop already does this every
// FlushInterval; Flush is for callers that cannot wait that long, such
// as a graceful shutdown sequencing or a test asserting on output.
func (l *Logger) Flush() {
	sig := flushSignal{done: make(chan struct{})}
	l.eventChan <- sig
	<-sig.done
	l.flush()
}

// prepareEvent fills in default fields.
func (l *Logger) prepareEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ServerID == "" {
		event.ServerID = l.config.ServerID
	}

	category := event.Type.Category()
	if days, ok := l.config.RetentionByCategory[category]; ok {
		event.RetentionDays = days
	} else {
		event.RetentionDays = l.config.DefaultRetentionDays
	}
	event.ExpiresAt = event.Timestamp.AddDate(0, 0, event.RetentionDays)
}

// shouldLog checks if an event should be logged based on config.
func (l *Logger) shouldLog(event *Event) bool {
	return event.Type.GetSeverity() >= l.config.MinSeverity
}

// writeEvent writes a single event to the output as JSON, the only
// format anything in this system ever reads back (log aggregation and
// the notify.message audit trail both expect structured records).
func (l *Logger) writeEvent(event *Event) {
	output, err := json.Marshal(event)
	if err != nil {
		l.mu.Lock()
		l.stats.WriteErrors++
		l.mu.Unlock()
		return
	}
	output = append(output, '\n')

	l.mu.Lock()
	_, err = l.writer.Write(output)
	if err != nil {
		l.stats.WriteErrors++
	} else {
		l.stats.EventsLogged++
	}
	l.mu.Unlock()
}

// processEvents is the sole consumer of eventChan: it buffers *Event
// items and acks flushSignal items once every event sent before them
// has landed in the buffer.
func (l *Logger) processEvents() {
	defer l.wg.Done()

	for item := range l.eventChan {
		switch v := item.(type) {
		case *Event:
			l.mu.Lock()
			l.buffer = append(l.buffer, v)
			bufLen := len(l.buffer)
			l.mu.Unlock()

			if bufLen >= cap(l.buffer)*80/100 {
				l.flush()
			}
		case flushSignal:
			close(v.done)
		}
	}
}

// flushLoop periodically flushes the buffer.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush writes buffered events.
func (l *Logger) flush() {
	l.mu.Lock()
	if len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}

	events := l.buffer
	l.buffer = make([]*Event, 0, 1000)
	l.mu.Unlock()

	for _, event := range events {
		l.writeEvent(event)
	}
}

// Stats returns logger statistics.
func (l *Logger) Stats() LoggerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := l.stats
	stats.BufferSize = len(l.buffer)
	return stats
}

// LogSubscribe logs a push.subscribe outcome (spec.md §4.F.a).
func (l *Logger) LogSubscribe(accountID, service, svcid, remoteAddr string, added, success bool, errCode, errMsg string) {
	eventType := EventSubscribeFailure
	if success {
		eventType = EventSubscribeSuccess
	}
	l.LogEvent(&Event{
		Type:         eventType,
		ActorID:      accountID,
		ActorType:    "account",
		RemoteAddr:   remoteAddr,
		Service:      service,
		SvcID:        svcid,
		Success:      success,
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
		Metadata:     map[string]string{"added": fmt.Sprintf("%t", added)},
	})
}

// LogUnsubscribe logs a push.unsubscribe outcome (spec.md §4.F.c).
func (l *Logger) LogUnsubscribe(accountID, service, svcid, remoteAddr string, success bool, errCode, errMsg string) {
	eventType := EventUnsubscribeFailure
	if success {
		eventType = EventUnsubscribeSuccess
	}
	l.LogEvent(&Event{
		Type:         eventType,
		ActorID:      accountID,
		ActorType:    "account",
		RemoteAddr:   remoteAddr,
		Service:      service,
		SvcID:        svcid,
		Success:      success,
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
	})
}

// LogNotifierRegistered logs admin.register_service binding a notifier
// service name to the connection it arrived on.
func (l *Logger) LogNotifierRegistered(service, remoteAddr string) {
	l.LogEvent(&Event{
		Type:       EventNotifierRegistered,
		ActorID:    service,
		ActorType:  "notifier",
		RemoteAddr: remoteAddr,
		Service:    service,
		Success:    true,
	})
}

// LogNotificationPushed logs one notify.message fan-out to a registered
// notifier (spec.md §4.F.d).
func (l *Logger) LogNotificationPushed(accountID, service, svcid string, deduped, success bool, errMsg string) {
	eventType := EventNotificationPushed
	switch {
	case deduped:
		eventType = EventNotificationDeduped
	case !success:
		eventType = EventNotificationFailed
	}
	l.LogEvent(&Event{
		Type:         eventType,
		ActorID:      accountID,
		ActorType:    "account",
		Service:      service,
		SvcID:        svcid,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

// LogSNLifecycle logs a storage-node state transition (spec.md §4.E).
func (l *Logger) LogSNLifecycle(eventType EventType, pubkeyHex string, swarmID uint64, addr string) {
	l.LogEvent(&Event{
		Type:       eventType,
		ActorID:    pubkeyHex,
		ActorType:  "storage_node",
		RemoteAddr: addr,
		SwarmID:    swarmID,
		Success:    eventType != EventSNDisposed,
	})
}

// LogSignatureVerifyFailed logs a failed signature check on an inbound
// request, the one security-relevant rejection worth auditing on its own.
func (l *Logger) LogSignatureVerifyFailed(accountID, remoteAddr, reason string) {
	l.LogEvent(&Event{
		Type:         EventSignatureVerifyFailed,
		ActorID:      accountID,
		ActorType:    "account",
		RemoteAddr:   remoteAddr,
		Success:      false,
		ErrorMessage: reason,
	})
}

// LogConfigChange logs a configuration change event.
func (l *Logger) LogConfigChange(configKey, oldValue, newValue, actorID string) {
	l.LogEvent(&Event{
		Type:     EventConfigChange,
		ActorID:  actorID,
		Success:  true,
		OldValue: oldValue,
		NewValue: newValue,
		Metadata: map[string]string{"config_key": configKey},
	})
}
