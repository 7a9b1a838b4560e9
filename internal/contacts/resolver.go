// Package contacts maps authority names to the mailbox that receives disclosure requests.
package contacts

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Contact is one row of the authority directory.
type Contact struct {
	Authority string `yaml:"authority"`
	Email     string `yaml:"email"`
}

// Default is the built-in directory. Order matters for substring matching.
var Default = []Contact{
	{Authority: "Levanger kommune", Email: "postmottak@levanger.kommune.no"},
	{Authority: "Verdal kommune", Email: "postmottak@verdal.kommune.no"},
	{Authority: "Trøndelag fylkeskommune", Email: "postmottak@trondelagfylke.no"},
	{Authority: "Statsforvalteren i Trøndelag", Email: "sftl.post@statsforvalteren.no"},
	{Authority: "Helse Nord-Trøndelag HF", Email: "postmottak@hnt.no"},
	{Authority: "Helse Midt-Norge RHF", Email: "hmn.postmottak@helse-midt.no"},
}

// Resolver looks up recipient addresses. It is read-only after construction.
type Resolver struct {
	contacts []Contact
	exact    map[string]string
}

func NewResolver(contacts []Contact) *Resolver {
	r := &Resolver{
		contacts: make([]Contact, 0, len(contacts)),
		exact:    make(map[string]string, len(contacts)),
	}
	for _, c := range contacts {
		authority := strings.TrimSpace(c.Authority)
		email := strings.TrimSpace(c.Email)
		if authority == "" || email == "" {
			continue
		}
		if _, dup := r.exact[authority]; !dup {
			r.exact[authority] = email
		}
		r.contacts = append(r.contacts, Contact{Authority: authority, Email: email})
	}
	return r
}

// LoadFile reads an ordered YAML list of {authority, email} pairs.
func LoadFile(path string) (*Resolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contacts file: %w", err)
	}
	var contacts []Contact
	if err := yaml.Unmarshal(raw, &contacts); err != nil {
		return nil, fmt.Errorf("parse contacts file: %w", err)
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("contacts file %s has no entries", path)
	}
	return NewResolver(contacts), nil
}

// Resolve returns the recipient address for authority, or "" when it must be filled in manually.
// An exact name match wins; otherwise the first directory entry whose name is contained in
// authority (case-insensitive) is used.
func (r *Resolver) Resolve(authority string) string {
	name := strings.TrimSpace(authority)
	if name == "" {
		return ""
	}
	if email, ok := r.exact[name]; ok {
		return email
	}
	lowered := strings.ToLower(name)
	for _, c := range r.contacts {
		if strings.Contains(lowered, strings.ToLower(c.Authority)) {
			return c.Email
		}
	}
	return ""
}

func (r *Resolver) ResolvePtr(authority *string) string {
	if authority == nil {
		return ""
	}
	return r.Resolve(*authority)
}

// Len reports the number of directory entries.
func (r *Resolver) Len() int {
	return len(r.contacts)
}

// Mailto builds a mailto: link. An empty recipient yields a link the mail client fills in.
func Mailto(recipient, subject, body string) string {
	query := url.Values{}
	if subject != "" {
		query.Set("subject", subject)
	}
	if body != "" {
		query.Set("body", body)
	}
	encoded := strings.ReplaceAll(query.Encode(), "+", "%20")
	link := "mailto:" + url.PathEscape(recipient)
	if encoded != "" {
		link += "?" + encoded
	}
	return link
}
