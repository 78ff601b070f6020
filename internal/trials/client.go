// Package trials syncs clinical trial records from ClinicalTrials.gov,
// watches openFDA for drug approvals, and drives market lifecycle off
// both feeds.
package trials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/CourageResearch/endpoint/internal/model"
)

const (
	defaultRetryCount   = 3
	defaultRetryWait    = 500 * time.Millisecond
	defaultRetryMaxWait = 8 * time.Second
)

// Study mirrors the subset of the ClinicalTrials.gov v2 study record the
// sync loop consumes.
type Study struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
}

// ProtocolSection is the protocol block of a registry study record.
type ProtocolSection struct {
	IdentificationModule struct {
		NCTID         string `json:"nctId"`
		BriefTitle    string `json:"briefTitle"`
		OfficialTitle string `json:"officialTitle"`
	} `json:"identificationModule"`
	StatusModule struct {
		OverallStatus        string        `json:"overallStatus"`
		StartDateStruct      *RegistryDate `json:"startDateStruct"`
		CompletionDateStruct *RegistryDate `json:"completionDateStruct"`
	} `json:"statusModule"`
	SponsorCollaboratorsModule *struct {
		LeadSponsor *struct {
			Name string `json:"name"`
		} `json:"leadSponsor"`
	} `json:"sponsorCollaboratorsModule"`
	ConditionsModule *struct {
		Conditions []string `json:"conditions"`
	} `json:"conditionsModule"`
	ArmsInterventionsModule *struct {
		Interventions []Intervention `json:"interventions"`
	} `json:"armsInterventionsModule"`
	DesignModule *struct {
		Phases []string `json:"phases"`
	} `json:"designModule"`
}

// RegistryDate holds a registry date string, full or year-month partial.
type RegistryDate struct {
	Date string `json:"date"`
}

// Intervention is one study arm intervention.
type Intervention struct {
	Name string `json:"name"`
}

// SearchResponse is one page of registry search results.
type SearchResponse struct {
	Studies       []Study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
}

// RegistryClient fetches study records from the ClinicalTrials.gov v2 API.
type RegistryClient struct {
	http *resty.Client
}

// NewRegistryClient creates a client against baseURL, e.g.
// "https://clinicaltrials.gov/api/v2".
func NewRegistryClient(baseURL string, timeout time.Duration) *RegistryClient {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(defaultRetryMaxWait).
		AddRetryCondition(isRetryableResp)

	return &RegistryClient{http: httpClient}
}

// SearchStudies fetches one page of active studies in the given phases,
// optionally restricted to a condition ("cancer", "alzheimer"). An empty
// pageToken starts from the beginning.
func (c *RegistryClient) SearchStudies(ctx context.Context, condition string, phases []string, pageSize int, pageToken string) (*SearchResponse, error) {
	terms := make([]string, 0, len(phases))
	for _, p := range phases {
		terms = append(terms, "AREA[Phase]"+phaseLabel(p))
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("query.term", strings.Join(terms, " OR ")).
		SetQueryParam("filter.overallStatus", "RECRUITING,ACTIVE_NOT_RECRUITING,ENROLLING_BY_INVITATION,NOT_YET_RECRUITING").
		SetQueryParam("pageSize", fmt.Sprintf("%d", pageSize)).
		SetQueryParam("fields", "NCTId,BriefTitle,OfficialTitle,OverallStatus,StartDate,CompletionDate,LeadSponsorName,Condition,InterventionName,Phase")
	if condition != "" {
		req.SetQueryParam("query.cond", condition)
	}
	if pageToken != "" {
		req.SetQueryParam("pageToken", pageToken)
	}

	var out SearchResponse
	resp, err := req.SetResult(&out).Get("/studies")
	if err != nil {
		return nil, fmt.Errorf("trials: registry search: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trials: registry search: status %d", resp.StatusCode())
	}
	return &out, nil
}

// GetStudy fetches a single study by NCT ID. Returns (nil, nil) when the
// registry has no such record.
func (c *RegistryClient) GetStudy(ctx context.Context, nctID string) (*Study, error) {
	var out Study
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/studies/" + nctID)
	if err != nil {
		return nil, fmt.Errorf("trials: get study %s: %w", nctID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trials: get study %s: status %d", nctID, resp.StatusCode())
	}
	return &out, nil
}

// Trial flattens a registry study into the storage model.
func (s *Study) Trial() *model.Trial {
	p := s.ProtocolSection

	trial := &model.Trial{
		NCTID:  p.IdentificationModule.NCTID,
		Title:  p.IdentificationModule.BriefTitle,
		Phase:  "Phase 3",
		Status: p.StatusModule.OverallStatus,
	}
	if d := p.DesignModule; d != nil && len(d.Phases) > 0 {
		trial.Phase = d.Phases[0]
	}
	if sc := p.SponsorCollaboratorsModule; sc != nil && sc.LeadSponsor != nil {
		trial.Sponsor = sc.LeadSponsor.Name
	}
	if cm := p.ConditionsModule; cm != nil {
		trial.Conditions = cm.Conditions
	}
	if am := p.ArmsInterventionsModule; am != nil {
		for _, iv := range am.Interventions {
			trial.Interventions = append(trial.Interventions, iv.Name)
		}
	}
	trial.StartDate = parseRegistryDate(p.StatusModule.StartDateStruct)
	trial.EstimatedCompletionDate = parseRegistryDate(p.StatusModule.CompletionDateStruct)
	return trial
}

func parseRegistryDate(s *RegistryDate) *time.Time {
	if s == nil || s.Date == "" {
		return nil
	}
	// The registry emits full dates and year-month partials.
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s.Date); err == nil {
			return &t
		}
	}
	return nil
}

// phaseLabel maps the registry enum (PHASE3) to the query label (Phase 3).
func phaseLabel(p string) string {
	upper := strings.ToUpper(strings.TrimSpace(p))
	if n, ok := strings.CutPrefix(upper, "PHASE"); ok && n != "" {
		return "Phase " + n
	}
	return p
}

func isRetryableResp(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return false
	}
	code := resp.StatusCode()
	return code == 429 || code >= 500
}
