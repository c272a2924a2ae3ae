package types

type CameraStatus string

const (
	CameraOnline  CameraStatus = "online"
	CameraOffline CameraStatus = "offline"
)

// Camera is the cameras/<id> record. Devices only ever write "online";
// offline is derived by readers from LastHeartbeat.
type Camera struct {
	Status        CameraStatus `json:"status"`
	IPAddress     string       `json:"ip_address"`
	StreamURL     string       `json:"stream_url,omitempty"`
	LastHeartbeat int64        `json:"last_heartbeat"` // unix seconds
	UptimeSeconds int64        `json:"uptime_s,omitempty"`
	Role          string       `json:"role,omitempty"`
}

// CameraView is what the dashboard shows for a camera.
type CameraView struct {
	ID     string       `json:"id"`
	Known  bool         `json:"known"`
	Status CameraStatus `json:"status"`
	Camera Camera       `json:"camera"`
}
