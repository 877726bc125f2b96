package httpresp

const (
	ErrUnauthorized        = "unauthorized"
	ErrMissingBearerToken  = "bearer token is required"
	ErrInvalidToken        = "invalid token"
	ErrForbidden           = "forbidden"
	ErrInsufficientRole    = "insufficient permissions"
	ErrOtherCompany        = "cannot target another company"
	ErrEventRequired       = "event is required"
	ErrUnknownRole         = "unknown role"
	ErrConnectionNotFound  = "connection not found"
	ErrRealtimeUnavailable = "realtime server is shutting down"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type DispatchResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
	Relayed   bool `json:"relayed"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewDispatchResponse(delivered, relayed bool) DispatchResponse {
	return DispatchResponse{OK: true, Delivered: delivered, Relayed: relayed}
}
