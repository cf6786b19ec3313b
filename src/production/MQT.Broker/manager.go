package mqtbroker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	config "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Config"
	mqtingestor "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Ingestor"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
)

// subscribeFailure is the SUBACK return code for a rejected subscription.
const subscribeFailure = 0x80

const publishTimeout = 5 * time.Second

// StatusSink receives every status-topic payload in arrival order.
type StatusSink interface {
	SetStatus(raw []byte) mqtmodels.DeviceStatus
}

// DataSink processes one data-topic payload.
type DataSink interface {
	Handle(ctx context.Context, payload []byte) (mqtingestor.Outcome, error)
}

// ClientFactory builds the paho client. Tests swap it for a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Manager owns the broker connection and the per-topic work queues.
type Manager struct {
	cfg       config.MQTTConfig
	workers   int
	status    StatusSink
	data      DataSink
	log       *logger.Logger
	newClient ClientFactory

	client   mqtt.Client
	statusCh chan []byte
	dataCh   chan []byte

	// mu guards stopped and the closing of the queues.
	mu      sync.RWMutex
	stopped bool
	started bool
	wg      sync.WaitGroup

	procCtx    context.Context
	procCancel context.CancelFunc

	connected       atomic.Bool
	connects        atomic.Int64
	connectionLost  atomic.Int64
	subscribeErrors atomic.Int64
	queueDropped    atomic.Int64
}

type Option func(*Manager)

func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

func NewManager(cfg config.MQTTConfig, ingest config.IngestConfig, status StatusSink, data DataSink, log *logger.Logger, opts ...Option) *Manager {
	workers := ingest.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := ingest.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	procCtx, procCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		workers:    workers,
		status:     status,
		data:       data,
		log:        log.WithComponent("mqtt"),
		newClient:  mqtt.NewClient,
		statusCh:   make(chan []byte, queueSize),
		dataCh:     make(chan []byte, queueSize),
		procCtx:    procCtx,
		procCancel: procCancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.GetMQTTBrokerURL()).
		SetClientID(m.cfg.ClientID).
		SetOrderMatters(true).
		SetKeepAlive(m.cfg.KeepAlive).
		SetPingTimeout(m.cfg.PingTimeout).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(m.cfg.MaxReconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(m.cfg.ConnectRetryInterval).
		SetCleanSession(true).
		SetResumeSubs(false)

	if m.cfg.BrokerUser != "" {
		opts.SetUsername(m.cfg.BrokerUser)
		opts.SetPassword(m.cfg.BrokerPass)
	}

	if m.cfg.UsesTLS() {
		tlsCfg, err := tlsConfig(m.cfg.CACertPath)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.connectionLost.Add(1)
		m.log.Logger.Error().Err(err).Msg("MQTT connection lost")
	}
	opts.OnReconnecting = func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		m.log.Logger.Warn().Str("broker", m.cfg.GetMQTTBrokerURL()).Msg("MQTT reconnecting")
	}
	opts.OnConnect = func(c mqtt.Client) {
		m.connected.Store(true)
		m.connects.Add(1)
		m.log.Logger.Info().Str("broker", m.cfg.GetMQTTBrokerURL()).Str("client_id", m.cfg.ClientID).Msg("MQTT connected, subscribing to topics")
		m.subscribe(c)
	}
	return opts, nil
}

// subscribe is run on every (re)connect since the session is clean.
func (m *Manager) subscribe(c mqtt.Client) {
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{m.cfg.StatusTopic, m.onStatus},
		{m.cfg.DataTopic, m.onData},
	}
	for _, sub := range subs {
		token := c.Subscribe(sub.topic, byte(m.cfg.QoS), sub.handler)
		if !token.WaitTimeout(m.cfg.ConnectTimeout) {
			m.subscribeErrors.Add(1)
			m.log.Logger.Error().Str("topic", sub.topic).Msg("Timed out subscribing to MQTT topic")
			continue
		}
		if err := token.Error(); err != nil {
			m.subscribeErrors.Add(1)
			m.log.Logger.Error().Err(err).Str("topic", sub.topic).Msg("Failed to subscribe to MQTT topic")
			continue
		}
		if st, ok := token.(*mqtt.SubscribeToken); ok {
			if code, found := st.Result()[sub.topic]; found && code == subscribeFailure {
				m.subscribeErrors.Add(1)
				m.log.Logger.Error().Str("topic", sub.topic).Msg("Broker rejected MQTT subscription")
				continue
			}
		}
		m.log.Logger.Info().Str("topic", sub.topic).Int("qos", m.cfg.QoS).Msg("Subscribed to MQTT topic")
	}
}

func (m *Manager) onStatus(_ mqtt.Client, msg mqtt.Message) {
	m.enqueue(m.statusCh, msg)
}

func (m *Manager) onData(_ mqtt.Client, msg mqtt.Message) {
	m.enqueue(m.dataCh, msg)
}

// enqueue never blocks the network loop; a full queue drops the message.
func (m *Manager) enqueue(ch chan []byte, msg mqtt.Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return
	}
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case ch <- payload:
	default:
		m.queueDropped.Add(1)
		m.log.Logger.Warn().Str("topic", msg.Topic()).Int("queue_size", cap(ch)).Msg("Queue full, dropping MQTT message")
	}
}

// Start launches the workers and connects. A broker that is unreachable is
// not fatal: the client keeps retrying in the background.
func (m *Manager) Start(ctx context.Context) error {
	opts, err := m.clientOptions()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return errors.New("mqtt manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.client = m.newClient(opts)

	m.wg.Add(1)
	go m.statusWorker()
	for n := 0; n < m.workers; n++ {
		m.wg.Add(1)
		go m.dataWorker()
	}

	token := m.client.Connect()

	wait := m.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
	}
	switch {
	case !token.WaitTimeout(wait):
		m.log.Logger.Warn().Str("broker", m.cfg.GetMQTTBrokerURL()).Dur("timeout", m.cfg.ConnectTimeout).Msg("MQTT broker not reachable yet, retrying in background")
	case token.Error() != nil:
		m.log.Logger.Error().Err(token.Error()).Str("broker", m.cfg.GetMQTTBrokerURL()).Msg("MQTT connect failed, retrying in background")
	}
	return nil
}

func (m *Manager) statusWorker() {
	defer m.wg.Done()
	for payload := range m.statusCh {
		if m.procCtx.Err() != nil {
			continue
		}
		st := m.status.SetStatus(payload)
		m.log.Logger.Info().Str("state", st.State()).Time("since", st.Since).Msg("Device status received")
	}
}

func (m *Manager) dataWorker() {
	defer m.wg.Done()
	for payload := range m.dataCh {
		if m.procCtx.Err() != nil {
			continue
		}
		outcome, err := m.data.Handle(m.procCtx, payload)
		if err != nil && (outcome == mqtingestor.OutcomeParseError || outcome == mqtingestor.OutcomeValidationError) {
			m.publishError(outcome, err)
		}
	}
}

// publishError reports a rejected reading on the error topic, if configured.
func (m *Manager) publishError(outcome mqtingestor.Outcome, cause error) {
	if m.cfg.ErrorTopic == "" || m.client == nil || !m.client.IsConnected() {
		return
	}

	errorPayload := map[string]interface{}{
		"error_type": outcome.String(),
		"message":    cause.Error(),
		"client_id":  m.cfg.ClientID,
		"timestamp":  time.Now().UTC(),
	}
	payloadJSON, err := json.Marshal(errorPayload)
	if err != nil {
		m.log.Logger.Error().Err(err).Msg("Failed to marshal error payload")
		return
	}

	token := m.client.Publish(m.cfg.ErrorTopic, 0, false, payloadJSON)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		m.log.Logger.Error().Err(token.Error()).Str("topic", m.cfg.ErrorTopic).Msg("Failed to publish error")
	}
}

// Stop unsubscribes, disconnects and drains the queues. Messages still
// queued when ctx expires are discarded and in-flight handlers see a
// cancelled context.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	if m.client != nil {
		if m.client.IsConnected() {
			token := m.client.Unsubscribe(m.cfg.DataTopic, m.cfg.StatusTopic)
			if !token.WaitTimeout(time.Second) || token.Error() != nil {
				m.log.Logger.Warn().Err(token.Error()).Msg("MQTT unsubscribe did not complete")
			}
		}
		m.client.Disconnect(250)
		m.connected.Store(false)
	}

	m.mu.Lock()
	close(m.statusCh)
	close(m.dataCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.procCancel()
		m.log.Info("MQTT manager stopped")
		return nil
	case <-ctx.Done():
		m.procCancel()
		<-done
		m.log.Logger.Warn().Msg("MQTT manager drain cut short, in-flight messages cancelled")
		return ctx.Err()
	}
}

func (m *Manager) IsConnected() bool {
	return m.connected.Load() && m.client != nil && m.client.IsConnected()
}

func (m *Manager) Stats() mqtmodels.BrokerStats {
	return mqtmodels.BrokerStats{
		Connected:       m.IsConnected(),
		Connects:        m.connects.Load(),
		ConnectionLost:  m.connectionLost.Load(),
		SubscribeErrors: m.subscribeErrors.Load(),
		QueueDropped:    m.queueDropped.Load(),
	}
}
