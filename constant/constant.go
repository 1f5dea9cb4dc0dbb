package constant

type ChunkStatus string

const (
	ChunkStatusRecording ChunkStatus = "RECORDING"
	ChunkStatusCompleted ChunkStatus = "COMPLETED"
	ChunkStatusFailed    ChunkStatus = "FAILED"
)

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusAnalyzed   BatchStatus = "ANALYZED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

type CaptureState string

const (
	CaptureStateIdle      CaptureState = "idle"
	CaptureStateStarting  CaptureState = "starting"
	CaptureStateRecording CaptureState = "recording"
	CaptureStateFinishing CaptureState = "finishing"
	CaptureStatePaused    CaptureState = "paused"
)

func (s CaptureState) String() string {
	return string(s)
}

// CanStart reports whether a start request is legal from this state.
func (s CaptureState) CanStart() bool {
	return s == CaptureStateIdle || s == CaptureStatePaused
}

// CanStop reports whether a stop request is legal from this state.
func (s CaptureState) CanStop() bool {
	return s != CaptureStateIdle
}

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
