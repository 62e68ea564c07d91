package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/sheet"
)

// Message types exchanged over the socket.
const (
	MsgDataUpdate         = "data-update"
	MsgDeltaUpdate        = "delta-update"
	MsgUserActivity       = "user-activity"
	MsgSystemNotification = "system-notification"
	MsgPing               = "ping"
	MsgPong               = "pong"
	MsgError              = "error"
	MsgRequestSync        = "request-sync"
)

// inbound is the union of every server frame. Fields not used by a given
// type are left zero.
type inbound struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Version   string         `json:"version"`
	Data      []sheet.Row    `json:"data"`
	Delta     *sheet.Delta   `json:"delta"`
	ClientID  string         `json:"clientId"`
	Payload   map[string]any `json:"payload"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
}

// encodeFrame flattens payload into a frame tagged with type and a
// millisecond timestamp.
func encodeFrame(msgType string, payload map[string]any, now time.Time) ([]byte, error) {
	frame := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}

	frame["type"] = msgType
	frame["timestamp"] = now.UnixMilli()

	return json.Marshal(frame)
}

func (m *Manager) dispatch(ctx context.Context, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("discarding undecodable frame",
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)

		return
	}

	m.messagesIn.Add(1)

	switch msg.Type {
	case MsgDataUpdate:
		m.apply(ctx, &sheet.Envelope{Type: sheet.EnvelopeFull, Version: msg.Version, Data: msg.Data})
	case MsgDeltaUpdate:
		m.apply(ctx, &sheet.Envelope{Type: sheet.EnvelopeIncremental, Version: msg.Version, Delta: msg.Delta})
	case MsgUserActivity:
		if msg.ClientID == m.clientID {
			return
		}

		m.publish(events.PeerActivity{ClientID: msg.ClientID, Payload: msg.Payload})
	case MsgSystemNotification:
		level := msg.Level
		if level == "" {
			level = "info"
		}

		m.publish(events.Notification{Level: level, Message: msg.Message})
	case MsgPong:
		if msg.Timestamp > 0 {
			m.recordLatency(m.nowFunc().Sub(time.UnixMilli(msg.Timestamp)))
		}
	case MsgError:
		m.logger.Warn("server reported error", slog.String("message", msg.Message))
		m.publish(events.Notification{Level: "error", Message: msg.Message})
	default:
		m.logger.Debug("ignoring unknown message type", slog.String("type", msg.Type))
	}
}

func (m *Manager) apply(ctx context.Context, env *sheet.Envelope) {
	if err := m.applier.ApplyUpdate(ctx, env); err != nil {
		m.logger.Warn("applying pushed update failed",
			slog.String("type", string(env.Type)),
			slog.String("version", env.Version),
			slog.String("error", err.Error()),
		)
	}
}

// recordLatency folds a round-trip sample into the moving average. The
// first sample seeds it.
func (m *Manager) recordLatency(sample time.Duration) {
	if sample < 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.haveLatency {
		m.latency = sample
		m.haveLatency = true

		return
	}

	m.latency = time.Duration(0.1*float64(sample) + 0.9*float64(m.latency))
}
