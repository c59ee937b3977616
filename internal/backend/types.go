package backend

// Provision is the backend-supplied station identity. It is replaced
// wholesale whenever the backend pushes a new value.
type Provision struct {
	Callsign    string   `json:"callsign"`
	SSID        int      `json:"ssid"`
	SymbolTable string   `json:"symbol_table"`
	SymbolCode  string   `json:"symbol_code"`
	PHG         string   `json:"phg,omitempty"`
	Comment     string   `json:"comment,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Altitude    *float64 `json:"altitude,omitempty"`
}

// MappingEntry associates a mesh node with an APRS identity override. The
// gateway treats entries as read-only; the table is refreshed as a whole on
// hash mismatch.
type MappingEntry struct {
	MeshID      string `json:"mesh_id"`
	Callsign    string `json:"callsign"`
	SSID        int    `json:"ssid"`
	SymbolTable string `json:"symbol_table,omitempty"`
	SymbolCode  string `json:"symbol_code,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

// HeartbeatRequest reports the locally cached mapping hash.
type HeartbeatRequest struct {
	LocalHash string `json:"local_hash"`
	Agent     string `json:"agent"`
}

// HeartbeatResponse tells the gateway whether its mapping table is stale and
// optionally carries a provisioning update.
type HeartbeatResponse struct {
	NeedsUpdate bool       `json:"needs_update"`
	Hash        string     `json:"hash"`
	ServerTime  string     `json:"server_time,omitempty"`
	Provision   *Provision `json:"provision,omitempty"`
}

// MappingsRequest carries the hash the gateway last synced.
type MappingsRequest struct {
	KnownHash string `json:"known_hash"`
}

// MappingsResponse is the full mapping table with its content hash.
type MappingsResponse struct {
	Hash  string         `json:"hash"`
	Items []MappingEntry `json:"items"`
}
