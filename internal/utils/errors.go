package utils

import (
	"encoding/json"
	"net/http"
)

// Wire-stable matchmake error codes.
const (
	ErrMatchmakeNoHandler        = 4212
	ErrMatchmakeInvalidCriteria  = 4213
	ErrMatchmakeInvalidRoomID    = 4214
	ErrMatchmakeUnhandled        = 4215
	ErrMatchmakeExpired          = 4216
	JoinError                    = 4217
	WSCloseWithError             = 4005
)

// RespondJSON writes an arbitrary JSON body with the given HTTP status.
func RespondJSON(w http.ResponseWriter, httpStatus int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(data)
}
