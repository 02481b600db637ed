package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/moolen/sentinel/internal/api/errors"
	"github.com/moolen/sentinel/internal/api/response"
	"github.com/moolen/sentinel/internal/models"
)

const (
	defaultHours           = 24
	defaultMinCount        = 2
	defaultSpikeLookback   = time.Hour
	defaultSpikeMultiplier = 2.0
	maxBodyBytes           = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	return response.WriteStatus(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	response.WriteError(w, apierrors.FromError(err))
}

func scopeParam(r *http.Request) models.Scope {
	q := r.URL.Query()
	return models.Scope{Namespace: q.Get("namespace"), Resource: q.Get("resource")}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierrors.NewInvalidRequestError("invalid %s: %q is not an integer", name, raw)
	}
	return v, nil
}

func floatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apierrors.NewInvalidRequestError("invalid %s: %q is not a number", name, raw)
	}
	return v, nil
}

// durationParam accepts Go durations ("90m", "6h"). Zero means the default.
func durationParam(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		return 0, apierrors.NewInvalidRequestError("invalid %s: %q is not a positive duration", name, raw)
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apierrors.NewInvalidRequestError("invalid request body: %v", err)
	}
	return nil
}
