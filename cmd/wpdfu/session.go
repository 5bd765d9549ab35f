package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kabili207/wavephoenix-go/api"
	"github.com/kabili207/wavephoenix-go/config"
	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/connection"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/device/events"
	"github.com/kabili207/wavephoenix-go/device/events/mqtt"
	"github.com/kabili207/wavephoenix-go/transport"
	"github.com/kabili207/wavephoenix-go/transport/bluez"
	"github.com/kabili207/wavephoenix-go/transport/serial"
	"golang.org/x/sync/errgroup"
)

// session is one connected receiver plus the event sinks around it.
type session struct {
	cfg      *config.Config
	log      *slog.Logger
	device   string
	tracker  *events.Tracker
	counters *dfu.Counters
	sinks    events.Multi

	manager *connection.Manager
	conn    *connection.Connection
	closers []func()
}

func newSession(c *config.Config, sinks ...events.Publisher) *session {
	s := &session{
		cfg:      c,
		log:      slog.Default(),
		device:   deviceLabel(c),
		tracker:  events.NewTracker(),
		counters: &dfu.Counters{},
	}
	s.sinks = append(events.Multi{events.NewLogPublisher(s.log), s.tracker}, sinks...)
	return s
}

// deviceLabel names the receiver in events and MQTT topics.
func deviceLabel(c *config.Config) string {
	switch {
	case c.Transport.Address != "":
		return c.Transport.Address
	case c.Transport.Kind == config.TransportSerial && c.Transport.Serial.Port != "":
		return c.Transport.Serial.Port
	default:
		return mqtt.DefaultDevice
	}
}

// serve starts the status API and the MQTT publisher when configured. It
// must be called before connect so connection events reach them.
func (s *session) serve(ctx context.Context, g *errgroup.Group, listen string, useMQTT bool) error {
	if useMQTT {
		if s.cfg.MQTT.Broker == "" {
			return errors.New("--mqtt needs mqtt.broker in the configuration")
		}
		pub := mqtt.New(mqtt.Config{
			Broker:      s.cfg.MQTT.Broker,
			Username:    s.cfg.MQTT.Username,
			Password:    s.cfg.MQTT.Password,
			UseTLS:      s.cfg.MQTT.UseTLS,
			ClientID:    s.cfg.MQTT.ClientID,
			TopicPrefix: s.cfg.MQTT.TopicPrefix,
			Device:      s.device,
			Logger:      s.log,
		})
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT publisher: %w", err)
		}
		s.sinks = append(s.sinks, pub)
		s.closers = append(s.closers, func() { pub.Stop() })
	}

	if listen != "" {
		srv := api.New(api.Config{
			Listen:   listen,
			Status:   s.tracker,
			Counters: s.counters,
			Logger:   s.log,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}
	return nil
}

func (s *session) openTransport(ctx context.Context) (transport.Transport, error) {
	tc := s.cfg.Transport
	switch tc.Kind {
	case config.TransportSerial:
		port := tc.Serial.Port
		if port == "" {
			ports, err := serial.Ports()
			if err != nil {
				return nil, fmt.Errorf("listing serial ports: %w", err)
			}
			if len(ports) == 0 {
				return nil, errors.New("no serial ports found, set --port")
			}
			port = ports[0]
			s.log.Info("using serial port", "port", port)
		}
		t := serial.New(serial.Config{
			Port:            port,
			BaudRate:        tc.Serial.BaudRate,
			Address:         tc.Address,
			ResponseTimeout: tc.Serial.ResponseTimeout,
			Logger:          s.log,
		})
		s.closers = append(s.closers, func() { t.Close() })
		return t, nil

	default:
		if err := bluez.CheckService(ctx); err != nil {
			if errors.Is(err, bluez.ErrServiceInactive) {
				return nil, err
			}
			s.log.Debug("could not query bluetooth.service", "error", err)
		}
		return bluez.New(bluez.Config{
			Adapter:     tc.Adapter,
			Address:     tc.Address,
			NamePrefix:  tc.NamePrefix,
			ScanTimeout: tc.ScanTimeout,
			Logger:      s.log,
		})
	}
}

// connect opens the transport and connects the matching client.
func (s *session) connect(ctx context.Context) error {
	t, err := s.openTransport(ctx)
	if err != nil {
		return err
	}

	cc := s.cfg.Connect
	s.manager = connection.NewManager(connection.Config{
		DiscoveryTimeout:  cc.DiscoveryTimeout,
		ConnectTimeout:    cc.Timeout,
		ReconnectAttempts: cc.ReconnectAttempts,
		ReconnectDelay:    cc.ReconnectDelay,
		ReconnectWait:     cc.ReconnectWait,
		Device:            s.device,
		Client:            client.Config{Counters: s.counters, Logger: s.log},
		Events:            s.sinks,
		Logger:            s.log,
	})

	conn, err := s.manager.Connect(ctx, t)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// reconnect waits for the receiver to drop the link after a reboot and
// connects to it again, in whatever mode it came back up in.
func (s *session) reconnect(ctx context.Context) error {
	conn, err := s.manager.Reconnect(ctx)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// describe prints the connected receiver's mode and firmware version.
func (s *session) describe(ctx context.Context, w io.Writer) {
	var version *semver.Version
	if v, ok := s.conn.Client.(client.Versioner); ok {
		var err error
		if version, err = v.Version(ctx); err != nil {
			s.log.Warn("could not read firmware version", "error", err)
		}
	}
	fmt.Fprintf(w, "Device:   %s\n", s.device)
	fmt.Fprintf(w, "Mode:     %s\n", s.conn.Mode)
	fmt.Fprintf(w, "Firmware: %s\n", semver.Format(version))
}

// management returns the connected management client.
func (s *session) management() (*client.Management, error) {
	m, ok := s.conn.Client.(*client.Management)
	if !ok {
		return nil, fmt.Errorf("receiver is in %s mode, this needs the management firmware", s.conn.Mode)
	}
	return m, nil
}

func (s *session) dfuOptions() dfu.Options {
	return dfu.Options{
		Reliable:  s.cfg.DFU.Reliable,
		ChunkSize: s.cfg.DFU.ChunkSize,
		Wait:      s.cfg.DFU.Wait,
	}
}

// Close releases the connection and stops the event sinks.
func (s *session) Close() {
	if s.manager != nil {
		if err := s.manager.Release(); err != nil {
			s.log.Debug("release failed", "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// withSession connects, runs fn and closes the session.
func withSession(ctx context.Context, fn func(s *session) error) error {
	s := newSession(cfg)
	defer s.Close()
	if err := s.connect(ctx); err != nil {
		return err
	}
	return fn(s)
}
