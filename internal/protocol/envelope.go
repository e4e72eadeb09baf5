package protocol

// Purposes of the reliable-ordered-multicast envelope.
const (
	PurposeRealMsg = "RealMsg"
	PurposePropSeq = "PropSeq"
	PurposeFinSeq  = "FinSeq"
	PurposeNack    = "Nack"
	PurposeStop    = "Stop"
	PurposeResume  = "Resume"
)

// Envelope wraps a payload Message for the reliable ordered multicast layer.
// Sender and S are stamped on every transmission; Original survives relays
// and names the node that first submitted the payload. PropSeq/FinSeq/Nack
// envelopes carry no payload.
type Envelope struct {
	Purpose  string `json:"purpose"`
	ID       string `json:"id,omitempty"`
	Sender   string `json:"sender,omitempty"`
	S        int    `json:"S,omitempty"`
	Original string `json:"original,omitempty"`

	// Ordering agreement.
	MesgID string `json:"mesg_id,omitempty"`
	PQ     int    `json:"pq,omitempty"`
	A      int    `json:"a,omitempty"`

	// Gap recovery.
	Nacks []int `json:"nacks,omitempty"`

	// Resume carries the reconciled counter value.
	Value int `json:"value,omitempty"`

	Msg *Message `json:"msg,omitempty"`
}
