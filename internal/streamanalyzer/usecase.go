package streamanalyzer

import (
	"strings"

	"github.com/kx-platform/trace-anomaly/internal/domain"
)

// priority is the operator-facing urgency a use case is classified into.
type priority string

const (
	priorityP0 priority = "P0"
	priorityP1 priority = "P1"
	priorityP2 priority = "P2"
)

// useCase names the rule-matched classification of an anomaly (spec §4.7
// glossary: "used to pick a prompt and priority").
type useCase struct {
	name     string
	priority priority
}

var (
	useCasePaymentGatewayDown = useCase{name: "payment_gateway_down", priority: priorityP0}
	useCaseCertificateTLS     = useCase{name: "certificate_tls", priority: priorityP0}
	useCaseRateLimitDoS       = useCase{name: "rate_limit_dos", priority: priorityP0}
	useCaseAuthDown           = useCase{name: "auth_down", priority: priorityP0}
	useCaseCloudDegradation   = useCase{name: "cloud_degradation", priority: priorityP1}
	useCaseQueueBacklog       = useCase{name: "queue_backlog", priority: priorityP1}
	useCaseThirdPartyTimeout  = useCase{name: "third_party_timeout", priority: priorityP1}
	useCaseDatabase           = useCase{name: "database", priority: priorityP2}
	useCaseGeneric            = useCase{name: "generic", priority: priorityP2}
)

func attrString(a domain.Anomaly, key string) (string, bool) {
	v, ok := a.Attributes[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func attrBool(a domain.Anomaly, key string) bool {
	v, ok := a.Attributes[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func attrStatusCode(a domain.Anomaly) (int, bool) {
	v, ok := a.Attributes["http.status_code"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func attrDurationMS(a domain.Anomaly) float64 {
	if v, ok := a.Attributes["duration_ms"]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return a.Value
}

// classify applies the nine first-match-wins rules from spec §4.7.
func classify(a domain.Anomaly) useCase {
	service := strings.ToLower(a.Service)
	operation := strings.ToLower(a.Operation)
	statusCode, hasStatus := attrStatusCode(a)
	errMsg, _ := attrString(a, "error.message")
	errMsg = strings.ToLower(errMsg)

	if strings.Contains(service, "payment") && ((hasStatus && statusCode >= 500) || attrBool(a, "error")) {
		return useCasePaymentGatewayDown
	}
	if strings.Contains(errMsg, "cert") || strings.Contains(errMsg, "ssl") {
		return useCaseCertificateTLS
	}
	if strings.Contains(service, "gateway") && hasStatus && statusCode == 429 {
		return useCaseRateLimitDoS
	}
	if strings.Contains(service, "auth") && hasStatus && statusCode >= 500 {
		return useCaseAuthDown
	}
	if a.Deviation > 5 && attrDurationMS(a) > 3*a.ExpectedMean {
		return useCaseCloudDegradation
	}
	if strings.Contains(service, "matcher") || strings.Contains(service, "order") {
		return useCaseQueueBacklog
	}
	if attrDurationMS(a) > 10000 && (strings.Contains(operation, "external") || strings.Contains(operation, "api")) {
		return useCaseThirdPartyTimeout
	}
	if strings.Contains(operation, "query") || strings.Contains(operation, "db") {
		return useCaseDatabase
	}
	return useCaseGeneric
}
