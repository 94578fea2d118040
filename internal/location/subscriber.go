package location

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nosh-agent/nosh/internal/config"
	"github.com/nosh-agent/nosh/internal/events"
)

// ownTracksMessage is the subset of the OwnTracks location payload we
// care about. Other message types on the same topic (_type "transition",
// "lwt", etc.) are skipped.
type ownTracksMessage struct {
	Type      string  `json:"_type"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timestamp int64   `json:"tst"`
	// inregions carries resolved place names when the phone knows any.
	InRegions []string `json:"inregions"`
}

// Subscriber maintains the MQTT connection and feeds location fixes
// into a Tracker.
type Subscriber struct {
	cfg     config.MQTTConfig
	tracker *Tracker
	bus     *events.Bus
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
}

// NewSubscriber creates a Subscriber but does not connect. Call
// [Subscriber.Start] to begin the connection.
func NewSubscriber(cfg config.MQTTConfig, tracker *Tracker, bus *events.Bus, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:     cfg,
		tracker: tracker,
		bus:     bus,
		logger:  logger.With("component", "location"),
	}
}

// Start connects to the MQTT broker and subscribes to the location
// topic. It blocks until ctx is cancelled. Connection loss is retried
// in the background; the tracker simply goes stale in the meantime.
func (s *Subscriber) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: s.cfg.Topic, QoS: 1},
				},
			}); err != nil {
				s.logger.Warn("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "nosh-location",
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					s.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects from the broker. The provided context controls how
// long to wait for the disconnect to complete.
func (s *Subscriber) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	return s.cm.Disconnect(ctx)
}

// handleMessage parses one topic payload and updates the tracker. Bad
// payloads are logged and dropped; the location feed must never break
// anything downstream.
func (s *Subscriber) handleMessage(topic string, payload []byte) {
	var msg ownTracksMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Debug("mqtt payload not parseable", "topic", topic, "error", err)
		return
	}
	if msg.Type != "location" {
		return
	}

	fix := Fix{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		At:        time.Now(),
	}
	if msg.Timestamp > 0 {
		fix.At = time.Unix(msg.Timestamp, 0)
	}
	if len(msg.InRegions) > 0 {
		fix.Place = msg.InRegions[0]
	}

	s.tracker.Update(fix)
	s.bus.Publish(events.Event{
		Source: events.SourceLocation,
		Kind:   events.KindLocationUpdate,
		Data: map[string]any{
			"place": fix.Place,
			"lat":   fix.Latitude,
			"lon":   fix.Longitude,
		},
	})
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
