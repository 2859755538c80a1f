package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/bridgeaid/client/internal/apiclient"
)

// Catalog groups every backend operation by resource.
type Catalog struct {
	Users                 *Users
	Employers             Resource
	Candidates            Resource
	Vacancies             *Vacancies
	Applications          *Applications
	Documents             *Documents
	VisaCases             *VisaCases
	Housing               Resource
	RelocationSuggestions *ApplicationScoped
	ExpenseEstimates      *ApplicationScoped
	AIInteractions        *AIInteractions
	Dashboard             *Dashboard

	byName map[string]Resource
}

// New returns a Catalog sending through d.
func New(d Dispatcher) *Catalog {
	c := &Catalog{
		Users:                 &Users{d: d},
		Employers:             NewResource(d, "employers"),
		Candidates:            NewResource(d, "candidates"),
		Vacancies:             &Vacancies{Resource: NewResource(d, "vacancies")},
		Applications:          &Applications{Resource: NewResource(d, "applications")},
		Documents:             &Documents{Resource: NewResource(d, "documents")},
		VisaCases:             &VisaCases{Resource: NewResource(d, "visa-cases")},
		Housing:               NewResource(d, "housing"),
		RelocationSuggestions: &ApplicationScoped{Resource: NewResource(d, "relocation-suggestions")},
		ExpenseEstimates:      &ApplicationScoped{Resource: NewResource(d, "expense-estimates")},
		AIInteractions:        &AIInteractions{Resource: NewResource(d, "ai-interactions")},
		Dashboard:             &Dashboard{d: d},
	}

	c.byName = make(map[string]Resource)
	for _, r := range []Resource{
		c.Employers,
		c.Candidates,
		c.Vacancies.Resource,
		c.Applications.Resource,
		c.Documents.Resource,
		c.VisaCases.Resource,
		c.Housing,
		c.RelocationSuggestions.Resource,
		c.ExpenseEstimates.Resource,
		c.AIInteractions.Resource,
	} {
		c.byName[r.Name()] = r
	}
	return c
}

// Resource looks up a collection by its path segment, e.g. "visa-cases".
func (c *Catalog) Resource(name string) (Resource, bool) {
	r, ok := c.byName[name]
	return r, ok
}

// ResourceNames lists the collection names in sorted order.
func (c *Catalog) ResourceNames() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Users covers authentication and the signed-in user's profile.
type Users struct {
	d Dispatcher
}

// ObtainToken exchanges credentials for an access and refresh token.
func (u *Users) ObtainToken(ctx context.Context, email, password string) (json.RawMessage, error) {
	req, err := apiclient.JSONRequest(http.MethodPost, "/users/token/", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	return call(ctx, u.d, req.AsAnonymous())
}

// Register creates an account.
func (u *Users) Register(ctx context.Context, body any) (json.RawMessage, error) {
	req, err := apiclient.JSONRequest(http.MethodPost, "/users/register/", body)
	if err != nil {
		return nil, err
	}
	return call(ctx, u.d, req.AsAnonymous())
}

// Me returns the signed-in user's profile.
func (u *Users) Me(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, u.d, apiclient.NewRequest(http.MethodGet, "/users/me/"))
}

// UpdateMe replaces profile fields.
func (u *Users) UpdateMe(ctx context.Context, fields any) (json.RawMessage, error) {
	return callJSON(ctx, u.d, http.MethodPut, "/users/me/", fields)
}

// Vacancies are job openings posted by employers.
type Vacancies struct {
	Resource
}

// ForEmployer lists the signed-in employer's vacancies.
func (v *Vacancies) ForEmployer(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, v.d, apiclient.NewRequest(http.MethodGet, "/employers/vacancies/"))
}

// Applications link a candidate to a vacancy.
type Applications struct {
	Resource
}

// ForCandidate lists the signed-in candidate's applications.
func (a *Applications) ForCandidate(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, a.d, apiclient.NewRequest(http.MethodGet, "/candidates/applications/"))
}

// ForVacancy lists the applications to one vacancy.
func (a *Applications) ForVacancy(ctx context.Context, vacancyID string) (json.RawMessage, error) {
	return nested(ctx, a.d, "vacancies", vacancyID, "applications")
}

// VisaCases track a candidate's visa process.
type VisaCases struct {
	Resource
}

// ForOfficer lists the cases assigned to the signed-in visa officer.
func (v *VisaCases) ForOfficer(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, v.d, apiclient.NewRequest(http.MethodGet, "/officers/visa-cases/"))
}

// ApplicationScoped is a collection that can also be listed per application.
type ApplicationScoped struct {
	Resource
}

// ForApplication lists the items attached to one application.
func (s *ApplicationScoped) ForApplication(ctx context.Context, applicationID string) (json.RawMessage, error) {
	return nested(ctx, s.d, "applications", applicationID, s.name)
}

// AIInteractions are assistant conversation turns.
type AIInteractions struct {
	Resource
}

// ForUser lists the signed-in user's interactions.
func (a *AIInteractions) ForUser(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, a.d, apiclient.NewRequest(http.MethodGet, "/users/ai-interactions/"))
}

// ForApplication lists the interactions about one application.
func (a *AIInteractions) ForApplication(ctx context.Context, applicationID string) (json.RawMessage, error) {
	return nested(ctx, a.d, "applications", applicationID, a.name)
}

// Dashboard exposes aggregate counters.
type Dashboard struct {
	d Dispatcher
}

// Stats returns the dashboard counters for the signed-in user's role.
func (d *Dashboard) Stats(ctx context.Context) (json.RawMessage, error) {
	return call(ctx, d.d, apiclient.NewRequest(http.MethodGet, "/dashboard/stats/"))
}
