package bridge

// Event is pushed to every client. Binary payloads are base64 in JSON.
type Event struct {
	Type   string `json:"type"`
	Client string `json:"client,omitempty"` // hello only
	Role   string `json:"role,omitempty"`   // hello only
	Name   string `json:"name,omitempty"`
	Device int    `json:"device,omitempty"`
	Conn   int    `json:"conn,omitempty"`
	From   int    `json:"from,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// Event types
const (
	EventHello            = "hello"
	EventBluetoothRequire = "bluetoothRequire"
	EventReady            = "ready"
	EventFail             = "fail"
	EventDiscover         = "discover"
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventReceive          = "receive"
	EventReceiveDirect    = "receiveDirect"
)

// Command is sent by a client. Fields beyond ID and Op depend on the op.
type Command struct {
	ID       string `json:"id"`
	Op       string `json:"op"`
	Service  string `json:"service,omitempty"`
	Upload   string `json:"upload,omitempty"`
	Download string `json:"download,omitempty"`
	Name     string `json:"name,omitempty"`
	Device   int    `json:"device,omitempty"`
	Conn     int    `json:"conn,omitempty"`
	Player   int    `json:"player,omitempty"`
	To       int    `json:"to,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Reply answers one Command
type Reply struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State string `json:"state,omitempty"`
}
