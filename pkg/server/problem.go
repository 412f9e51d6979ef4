package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// writeProblem writes an RFC 7807 response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://syncbridge.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// statusFor maps the error taxonomy onto the webhook response surface.
// Duplicate detection and quarantined failures answer 202 so providers do
// not enter retry storms; only admission errors and internal faults differ.
func statusFor(kind fault.Kind) (status int, title string) {
	switch kind {
	case fault.KindInvalidSignature:
		return http.StatusForbidden, "Invalid Signature"
	case fault.KindInvalidPayload:
		return http.StatusBadRequest, "Invalid Payload"
	case fault.KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge, "Request Too Large"
	case fault.KindRateLimited:
		return http.StatusTooManyRequests, "Rate Limited"
	case fault.KindDuplicateInFlight, fault.KindAlreadyProcessed:
		return http.StatusAccepted, ""
	case fault.KindUpstreamTransient, fault.KindUpstreamPermanent,
		fault.KindTimeout, fault.KindMappingMissing, fault.KindMappingOrphaned:
		return http.StatusAccepted, ""
	}
	return http.StatusInternalServerError, "Internal Server Error"
}
