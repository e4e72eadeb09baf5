package protocol

import (
	"net"
	"strconv"
)

// Intentions carried in the "intention" field of every wire message.
const (
	IdentServer         = "IDServer"
	IdentClient         = "IDClient"
	ShutdownServer      = "ShutdownServer"
	ShutdownSystem      = "ShutdownSystem"
	ShutdownClient      = "ShutdownClient"
	MonitorMessage      = "MonitorMessage"
	RunByzantine        = "RunByzantine"
	AcceptServer        = "AcceptServer"
	TryAgain            = "TryAgain"
	UpdateGroupView     = "UpdateGV"
	ElectionMessage     = "ElectionMessage"
	Heartbeat           = "Heartbeat"
	ChooseServer        = "ChooseServer"
	RequestAction       = "RequestAction"
	AcceptClient        = "AcceptClient"
	AcceptEntry         = "AcceptEntry"
	DenyEntry           = "DenyEntry"
	UpdateEntries       = "UpdateEntries"
	OM                  = "OM"
	OMRestart           = "OMRestart"
	OMResult            = "OMResult"
	NotLeader           = "NotLeader"
	Ping                = "Ping"
	ManualValueOverride = "ManualValueOverride"
	Lock                = "Lock"
	Unlock              = "Unlock"
)

// Addr is an advertised TCP endpoint of a server or client.
type Addr struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// HostPort renders the endpoint in net.Dial form.
func (a Addr) HostPort() string {
	return net.JoinHostPort(a.Address, strconv.Itoa(a.Port))
}

// GroupView maps a server uuid to its advertised TCP endpoint.
type GroupView map[string]Addr

// Message is the JSON control envelope exchanged over broadcast, TCP and the
// ordered multicast layer. Fields beyond Intention are intention-specific.
type Message struct {
	Intention string `json:"intention"`
	MsgUUID   string `json:"msg_uuid,omitempty"` // broadcast dedup id

	UUID    string `json:"uuid,omitempty"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`

	// Client admission.
	Number   int  `json:"number,omitempty"`
	Increase bool `json:"increase,omitempty"`
	Entries  int  `json:"entries,omitempty"`

	// Membership.
	Leader       string              `json:"leader,omitempty"`
	GroupView    GroupView           `json:"group_view,omitempty"`
	RNumbers     map[string]int      `json:"rnumbers,omitempty"`
	DeliverQueue map[string]Envelope `json:"deliver_queue,omitempty"`

	// Election.
	Mid      string `json:"mid,omitempty"`
	IsLeader bool   `json:"is_leader,omitempty"`

	// Byzantine agreement. V is present only on information-gathering
	// messages; its absence marks a member's final result report.
	ID     string   `json:"id,omitempty"`
	V      *int     `json:"v,omitempty"`
	Dests  []string `json:"dests,omitempty"`
	List   []string `json:"list,omitempty"`
	Faulty int      `json:"faulty,omitempty"`
	From   string   `json:"from,omitempty"`
	Result *int     `json:"result,omitempty"`

	// Manual override.
	Value int `json:"value,omitempty"`

	// Monitor snapshot.
	Hostname       string   `json:"hostname,omitempty"`
	IP             string   `json:"ip,omitempty"`
	Clients        []string `json:"clients,omitempty"`
	ElectionActive bool     `json:"election,omitempty"`
	Byzantine      bool     `json:"byzantine,omitempty"`
	State          string   `json:"state,omitempty"`
	Leaving        bool     `json:"leaving,omitempty"`
}

// IntPtr is a convenience for the optional Byzantine value fields.
func IntPtr(v int) *int { return &v }
