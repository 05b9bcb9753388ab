package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/voucher-orchestrator/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// maxBodyBytes caps control-plane request bodies. The largest legitimate
// payload is a start request for a few hundred bindings, well under this.
const maxBodyBytes = 1 << 20

// decodeBody reads a JSON body into dst and validates it with struct tags.
// The returned error wraps domain.ErrInvalidArgument; details carries the
// per-field tag map when validation failed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) (details map[string]string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if derr := json.NewDecoder(r.Body).Decode(dst); derr != nil {
		return nil, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if verr := getValidator().Struct(dst); verr != nil {
		return validationDetails(verr), fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return nil, nil
}

// validationDetails flattens validator errors into a field to tag map for the
// error envelope.
func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// negotiateJSON rejects requests whose Accept header excludes JSON. Returns
// false after writing the 406 response.
func negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotAcceptable)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiError{
		Code:    "INVALID_ARGUMENT",
		Message: "not acceptable",
		Details: map[string]string{"accept": a},
	}})
	return false
}
