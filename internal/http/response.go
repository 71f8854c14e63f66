package http

// Status tags every JSON reply. Health checks answer StatusOK, handlers
// StatusSuccess or StatusError.
type Status string

const (
	StatusOK      Status = "OK"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the envelope of every JSON reply. RequestID echoes the
// X-Request-Id of the request.
type Response struct {
	Status    Status `json:"status,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func NewOKResponse() Response      { return Response{Status: StatusOK} }
func NewSuccessResponse() Response { return Response{Status: StatusSuccess} }

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(msg string) Response {
	return Response{Status: StatusError, Error: msg}
}

type versionInfo struct {
	Version uint64 `json:"version"`
	Tables  int    `json:"tables"`
}

// change is the JSON form of one feed entry; Payload is base64 encoded.
type change struct {
	Table   string `json:"table"`
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	Version uint64 `json:"version"`
	Payload []byte `json:"payload"`
}

type feedPage struct {
	Since   uint64   `json:"since"`
	Last    uint64   `json:"last"`
	Changes []change `json:"changes"`
}
