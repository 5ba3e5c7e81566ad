package target

// Wire types shared between the HTTP target client and the keeld agent.

const (
	ExecutePath = "/api/v1/execute"
	FilesPath   = "/api/v1/files"
	HealthPath  = "/healthz"

	HeaderMode  = "X-Keel-Mode"
	HeaderOwner = "X-Keel-Owner"
	HeaderGroup = "X-Keel-Group"
)

type ExecuteRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type ExecuteResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
