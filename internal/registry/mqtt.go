package registry

// MQTT registry adapter
//
// Publishes device lifecycle and sensor data to a broker. Topics:
//   <prefix>/<station>/status      online | offline | <state> (retained)
//   <prefix>/<station>/slots      discovered slot list as JSON (retained)
//   <prefix>/<station>/sensor/<n> raw slot bytes as JSON

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/openpnet/pnetctl/internal/cyclic"
	"github.com/openpnet/pnetctl/internal/dcp"
	"github.com/openpnet/pnetctl/internal/logging"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishQoS     = 0
	mqttStatusQoS      = 1
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// MQTTRegistry mirrors registry events to an MQTT broker.
type MQTTRegistry struct {
	client paho.Client
	prefix string
	log    *logging.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewMQTTRegistry connects to the broker and returns the adapter.
func NewMQTTRegistry(opts MQTTOptions, log *logging.Logger) (*MQTTRegistry, error) {
	prefix := opts.TopicPrefix
	if prefix == "" {
		prefix = "pnet"
	}

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetWill(prefix+"/controller/status", "offline", mqttStatusQoS, true)
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		if log != nil {
			log.Info("connected to MQTT broker %s", opts.Broker)
		}
		client.Publish(prefix+"/controller/status", mqttStatusQoS, true, "online")
	})
	clientOpts.SetConnectionLostHandler(func(client paho.Client, err error) {
		if log != nil {
			log.Error("MQTT broker connection lost: %v", err)
		}
	})

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTRegistry{
		client: client,
		prefix: prefix,
		log:    log,
		known:  make(map[string]bool),
	}, nil
}

func (r *MQTTRegistry) publish(topic string, qos byte, retained bool, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		if r.log != nil {
			r.log.Error("marshal MQTT payload for %s: %v", topic, err)
		}
		return
	}
	// Fire and forget; the cyclic path must never block on the broker
	r.client.Publish(r.prefix+"/"+topic, qos, retained, data)
}

func (r *MQTTRegistry) OnDeviceAdded(identity dcp.DeviceIdentity) {
	r.mu.Lock()
	r.known[identity.StationName] = true
	r.mu.Unlock()

	r.publish(identity.StationName+"/status", mqttStatusQoS, true, map[string]string{
		"status":  "online",
		"mac":     identity.MAC.String(),
		"address": identity.Address.String(),
		"vendor":  identity.VendorName,
	})
}

func (r *MQTTRegistry) OnDeviceRemoved(station string) {
	r.mu.Lock()
	delete(r.known, station)
	r.mu.Unlock()

	r.publish(station+"/status", mqttStatusQoS, true, map[string]string{"status": "offline"})
}

func (r *MQTTRegistry) OnDeviceStateChanged(station string, state string) {
	r.publish(station+"/status", mqttStatusQoS, true, map[string]string{"status": state})
}

func (r *MQTTRegistry) OnDataReceived(station string, sensorIndex int, raw []byte) {
	r.publish(fmt.Sprintf("%s/sensor/%d", station, sensorIndex), mqttPublishQoS, false, map[string]interface{}{
		"raw": raw,
	})
}

func (r *MQTTRegistry) OnSlotsDiscovered(station string, slots []cyclic.SlotEntry) {
	type slotDoc struct {
		Slot      uint16 `json:"slot"`
		Subslot   uint16 `json:"subslot"`
		Module    uint32 `json:"module_ident"`
		Direction string `json:"direction"`
		Length    uint16 `json:"data_length"`
	}
	docs := make([]slotDoc, 0, len(slots))
	for _, s := range slots {
		docs = append(docs, slotDoc{
			Slot:      s.Slot,
			Subslot:   s.Subslot,
			Module:    s.ModuleIdent,
			Direction: s.Direction.String(),
			Length:    s.DataLength,
		})
	}
	r.publish(station+"/slots", mqttStatusQoS, true, docs)
}

func (r *MQTTRegistry) Known(station string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[station]
}

// Close marks the controller offline and disconnects.
func (r *MQTTRegistry) Close() {
	r.client.Publish(r.prefix+"/controller/status", mqttStatusQoS, true, "offline")
	r.client.Disconnect(250)
}
