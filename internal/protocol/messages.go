package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Recipient       string     `json:"recipient"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	Recipient       string     `json:"recipient"`
	Worlds          []WorldRef `json:"worlds"`
}

type WorldRef struct {
	WorldID     string   `json:"world_id"`
	CachedTypes []string `json:"cached_types"`
}

// ISSUE (client -> server). An empty Type picks any cached map; Fresh
// renders a new map at Scale (0..4).
type IssueMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	World           string `json:"world"`
	StructureType   string `json:"structure_type,omitempty"`
	Fresh           bool   `json:"fresh,omitempty"`
	Scale           *int   `json:"scale,omitempty"`
}

// ISSUED (server -> client)
type IssuedMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ReqID           string     `json:"req_id"`
	ArtifactID      string     `json:"artifact_id"`
	MapID           int32      `json:"map_id"`
	DisplayName     string     `json:"display_name"`
	Lore            []string   `json:"lore"`
	Target          Target     `json:"target"`
	Center          [2]int32   `json:"center"`
	Scale           int        `json:"scale"`
	Cached          bool       `json:"cached"`
	Delivery        DeliveryTo `json:"delivery"`
}

type Target struct {
	World         string   `json:"world"`
	StructureType string   `json:"structure_type"`
	Schematic     string   `json:"schematic"`
	Pos           [3]int32 `json:"pos"`
}

type DeliveryTo struct {
	Slot    int        `json:"slot"`
	Dropped bool       `json:"dropped"`
	Pos     [3]float64 `json:"pos,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(reqID, code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, ReqID: reqID, Code: code, Message: message}
}
