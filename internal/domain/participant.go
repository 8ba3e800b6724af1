package domain

type (
	ParticipantID string
	ProducerID    string
	ConsumerID    string
)

// RemoteProducer is what the relay announces about another participant's track.
// No transport or lifecycle logic here.
type RemoteProducer struct {
	ID          ProducerID    `json:"producerId"`
	Participant ParticipantID `json:"participantId"`
	AppData     AppData       `json:"appData"`
}
