package doser

// Status is the device state reported to clients
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
	StatusOTA     Status = "OTA"
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status Status `json:"status"`
}

// MotorStatus describes one pump in FullStatus
type MotorStatus struct {
	Idx           int     `json:"idx"`
	ID            uint32  `json:"id"`
	Position      int32   `json:"position"`
	IsPrimed      bool    `json:"is_primed"`
	PrimeSteps    uint32  `json:"prime_steps"`
	MlPerStep     float64 `json:"ml_per_step"`
	PositionKnown bool    `json:"position_known"`
}

// FullStatus is the body of GET /full-status
type FullStatus struct {
	NumMotors int           `json:"num_motors"`
	Motors    []MotorStatus `json:"motors"`
	Version   string        `json:"version"`
	Status    Status        `json:"status"`
}
