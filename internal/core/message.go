package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voice-client/internal/domain"
)

type Action string

const (
	ActionInit                       Action = "Init"
	ActionConnectProducerTransport   Action = "ConnectProducerTransport"
	ActionConnectedProducerTransport Action = "ConnectedProducerTransport"
	ActionConnectConsumerTransport   Action = "ConnectConsumerTransport"
	ActionConnectedConsumerTransport Action = "ConnectedConsumerTransport"
	ActionProduce                    Action = "Produce"
	ActionProduced                   Action = "Produced"
	ActionConsume                    Action = "Consume"
	ActionConsumed                   Action = "Consumed"
	ActionConsumerResume             Action = "ConsumerResume"
	ActionProducerAdded              Action = "ProducerAdded"
	ActionProducerRemoved            Action = "ProducerRemoved"
	ActionError                      Action = "Error"
)

// Message is the signaling envelope in both directions.
type Message struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewMessage(action Action, payload any) (Message, error) {
	if payload == nil {
		return Message{Action: action}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", action, err)
	}
	return Message{Action: action, Data: b}, nil
}

func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Action)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Action, err)
	}
	return nil
}

func DecodeMessage(f Frame) (Message, error) {
	var m Message
	if err := json.Unmarshal(f, &m); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if m.Action == "" {
		return Message{}, fmt.Errorf("decode envelope: missing action")
	}
	return m, nil
}

func (m Message) Encode() (Frame, error) {
	return json.Marshal(m)
}

// ResponseKey builds the single-shot table key: "action" or "action:id".
func ResponseKey(action Action, correlationID string) string {
	if correlationID == "" {
		return string(action)
	}
	return string(action) + ":" + correlationID
}

// Inbound payloads.

type InitPayload struct {
	RouterRtpCapabilities domain.RtpCapabilities  `json:"routerRtpCapabilities"`
	ProducerTransport     domain.TransportOptions `json:"producerTransportOptions"`
	ConsumerTransport     domain.TransportOptions `json:"consumerTransportOptions"`
}

type ProducedPayload struct {
	ID domain.ProducerID `json:"id"`
}

type ConsumedPayload struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	ParticipantID domain.ParticipantID `json:"participantId,omitempty"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       domain.AppData       `json:"appData"`
}

type ProducerAddedPayload = domain.RemoteProducer

type ProducerRemovedPayload struct {
	ProducerID    domain.ProducerID    `json:"producerId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

// ErrorPayload may name the request it answers.
type ErrorPayload struct {
	Message string `json:"message"`
	Action  Action `json:"action,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Outbound payloads.

type LocalInitPayload struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type ConnectTransportPayload struct {
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type ProducePayload struct {
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       domain.AppData       `json:"appData"`
}

type ConsumePayload struct {
	ProducerID      domain.ProducerID      `json:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumerResumePayload struct {
	ID domain.ConsumerID `json:"id"`
}
