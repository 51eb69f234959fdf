package models

// ResourceKind identifies one of the three draft resource collections.
type ResourceKind string

const (
	KindRoom   ResourceKind = "room"
	KindUPS    ResourceKind = "ups"
	KindServer ResourceKind = "server"
)

// Room is a draft room (a physical location that hosts UPS devices and servers).
type Room struct {
	TempID      string `json:"tempId"`
	Name        string `json:"name"`
	Floor       string `json:"floor,omitempty"`
	Description string `json:"description,omitempty"`
}

// UPS is a draft UPS device. RoomID references either another draft's
// tempId or a previously committed real id.
type UPS struct {
	TempID      string `json:"tempId"`
	Name        string `json:"name"`
	RoomID      string `json:"roomId,omitempty"`
	Model       string `json:"model,omitempty"`
	IP          string `json:"ip,omitempty"`
	OutletCount int    `json:"outletCount,omitempty"`
}

// Server is a draft physical server. RoomID and UPSID reference tempIds or
// committed real ids; servers never reference each other.
type Server struct {
	TempID      string `json:"tempId"`
	Name        string `json:"name"`
	RoomID      string `json:"roomId,omitempty"`
	UPSID       string `json:"upsId,omitempty"`
	IP          string `json:"ip,omitempty"`
	IPMIAddress string `json:"ipmiAddress,omitempty"`
	OutletID    int    `json:"outletId,omitempty"`
	VMHost      bool   `json:"vmHost,omitempty"`
}

// Templates holds reusable presets that the wizard can stamp into the
// draft collections.
type Templates struct {
	Rooms   []Room   `json:"rooms,omitempty"`
	UPSList []UPS    `json:"upsList,omitempty"`
	Servers []Server `json:"servers,omitempty"`
}

// SetupState is the full persisted shape of the setup wizard draft.
type SetupState struct {
	Rooms     []Room    `json:"rooms"`
	UPSList   []UPS     `json:"upsList"`
	Servers   []Server  `json:"servers"`
	Templates Templates `json:"templates"`
}

// BulkCreateRequest is the single commit payload. TempIDs are kept as
// correlation tokens so the backend can map created real ids back.
type BulkCreateRequest struct {
	Rooms   []Room   `json:"rooms"`
	UPSList []UPS    `json:"upsList"`
	Servers []Server `json:"servers"`
}

// BulkCreateResponse reports the committed entities and the tempId → real
// id mapping.
type BulkCreateResponse struct {
	Success bool `json:"success"`
	Created struct {
		Rooms   []Room   `json:"rooms"`
		UPSList []UPS    `json:"upsList"`
		Servers []Server `json:"servers"`
	} `json:"created"`
	IDMapping map[string]string `json:"idMapping"`
}

// ValidationConflict describes one pre-commit conflict found by the backend.
type ValidationConflict struct {
	Kind    string `json:"kind"`
	TempID  string `json:"tempId,omitempty"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ConnectivityResult is the outcome of an optional reachability probe for
// one draft server or UPS.
type ConnectivityResult struct {
	TempID    string `json:"tempId"`
	IP        string `json:"ip"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// ValidationResponse is the backend's answer to a pre-commit validation.
type ValidationResponse struct {
	Valid               bool                 `json:"valid"`
	Conflicts           []ValidationConflict `json:"conflicts"`
	ConnectivityResults []ConnectivityResult `json:"connectivityResults,omitempty"`
}

// UniquenessResult is the backend's answer to a single name/IP check.
type UniquenessResult struct {
	Exists        bool   `json:"exists"`
	ConflictsWith string `json:"conflictsWith,omitempty"`
}
