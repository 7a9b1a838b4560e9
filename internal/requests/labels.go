package requests

import "nyhetsjeger/api/internal/store"

var typeLabels = map[store.RequestType]string{
	store.TypePostjournal:   "Postjournal",
	store.TypeJobApplicants: "Søkerliste – stilling",
	store.TypeJobHired:      "Hvem fikk jobben",
}

var outcomeLabels = map[store.Outcome]string{
	store.OutcomeUnknown: "– ikke satt –",
	store.OutcomeFull:    "Innsyn",
	store.OutcomeDenied:  "Avslag",
	store.OutcomeStory:   "Resulterte i sak",
}

func TypeLabel(requestType store.RequestType) string {
	if label, ok := typeLabels[requestType]; ok {
		return label
	}
	return string(requestType)
}

func OutcomeLabel(outcome *store.Outcome) string {
	if outcome == nil {
		return outcomeLabels[store.OutcomeUnknown]
	}
	if label, ok := outcomeLabels[*outcome]; ok {
		return label
	}
	return string(*outcome)
}

// IsResolved reports whether status is terminal.
func IsResolved(status store.RequestStatus) bool {
	switch status {
	case store.StatusAnswered, store.StatusRejected, store.StatusClosed:
		return true
	default:
		return false
	}
}

// DisplayStatus collapses the lifecycle into answered / not answered.
func DisplayStatus(status store.RequestStatus) string {
	if IsResolved(status) {
		return "Besvart"
	}
	return "Ikke besvart"
}

func ValidType(requestType store.RequestType) bool {
	_, ok := typeLabels[requestType]
	return ok
}

func ValidOutcome(outcome store.Outcome) bool {
	_, ok := outcomeLabels[outcome]
	return ok
}
