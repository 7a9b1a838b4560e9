package requests

import (
	"strings"
	"time"

	"nyhetsjeger/api/internal/store"
)

const missing = "—"

var subjectLabels = map[store.RequestType]string{
	store.TypePostjournal:   "Innsyn i dokument",
	store.TypeJobApplicants: "Innsyn i søkerliste",
	store.TypeJobHired:      "Innsyn i hvem som fikk stillingen",
}

var requestLines = map[store.RequestType]string{
	store.TypePostjournal:   "Jeg ber med dette om innsyn i dokument i henhold til offentleglova § 3.",
	store.TypeJobApplicants: "Jeg ber med dette om innsyn i offentlig søkerliste til stillingen i henhold til offentleglova § 3 og § 25.",
	store.TypeJobHired:      "Jeg ber med dette om innsyn i hvem som ble tilsatt i stillingen i henhold til offentleglova § 3.",
}

// Subject renders the request subject line.
func Subject(entry store.Entry, requestType store.RequestType) string {
	var b strings.Builder
	b.WriteString(subjectLabels[normalizeType(requestType)])
	if number := strings.TrimSpace(entry.CaseNumber); number != "" {
		b.WriteString(" – sak ")
		b.WriteString(number)
	}
	authority := strings.TrimSpace(entry.Authority)
	if authority == "" {
		authority = "virksomheten"
	}
	b.WriteString(" (")
	b.WriteString(authority)
	b.WriteString(")")
	return b.String()
}

// Body renders the request letter.
func Body(entry store.Entry, requestType store.RequestType) string {
	lines := []string{
		"Hei,",
		"",
		requestLines[normalizeType(requestType)],
		"",
		"Opplysninger:",
		"• Virksomhet: " + orMissing(entry.Authority),
		"• Saksnummer: " + orMissing(entry.CaseNumber),
		"• Tittel: " + orMissing(entry.Title),
		"• Journaldato: " + formatDate(entry.JournalDate),
		"• Dokumentdato: " + formatDate(entry.DocumentDate),
		"• Kilde: " + orMissing(entry.SourceURL),
		"",
		"Jeg ber om at dokumentet oversendes elektronisk (PDF).",
		"Ved helt eller delvis avslag ber jeg om hjemmelhenvisning, konkret begrunnelse og opplysning om klagerett og klagefrist, jf. offentleglova §§ 31–32.",
		"",
		"Vennlig hilsen",
		"[Navn]",
		"[Tlf]",
	}
	return strings.Join(lines, "\n")
}

func orMissing(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return missing
}

func formatDate(value *time.Time) string {
	if value == nil || value.IsZero() {
		return missing
	}
	return value.Format("02.01.2006")
}

func normalizeType(requestType store.RequestType) store.RequestType {
	if _, ok := subjectLabels[requestType]; ok {
		return requestType
	}
	return store.TypePostjournal
}
