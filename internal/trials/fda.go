package trials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DrugApproval is one application record from the openFDA drugsfda dataset.
type DrugApproval struct {
	ApplicationNumber string `json:"application_number"`
	SponsorName       string `json:"sponsor_name"`
	Products          []struct {
		BrandName         string `json:"brand_name"`
		ActiveIngredients []struct {
			Name string `json:"name"`
		} `json:"active_ingredients"`
	} `json:"products"`
	Submissions []struct {
		SubmissionType       string `json:"submission_type"`
		SubmissionStatus     string `json:"submission_status"`
		SubmissionStatusDate string `json:"submission_status_date"`
	} `json:"submissions"`
}

type openFDAResponse struct {
	Results []DrugApproval `json:"results"`
}

// ApprovalResult reports whether a drug has an original approved
// application and when the approval landed.
type ApprovalResult struct {
	Approved     bool
	ApprovalDate *time.Time
}

// FDAClient queries the openFDA drugsfda endpoint for approval records.
type FDAClient struct {
	http *resty.Client
}

// NewFDAClient creates a client against baseURL, e.g. "https://api.fda.gov".
func NewFDAClient(baseURL string, timeout time.Duration) *FDAClient {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(defaultRetryMaxWait).
		AddRetryCondition(isRetryableResp)

	return &FDAClient{http: httpClient}
}

// SearchApprovals returns application records whose brand name matches
// drugName, optionally narrowed by sponsor. A 404 from openFDA means no
// matches, not an error.
func (c *FDAClient) SearchApprovals(ctx context.Context, drugName, sponsor string) ([]DrugApproval, error) {
	terms := []string{fmt.Sprintf("products.brand_name:%q", drugName)}
	if sponsor != "" {
		terms = append(terms, fmt.Sprintf("sponsor_name:%q", sponsor))
	}

	var out openFDAResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("search", strings.Join(terms, " AND ")).
		SetQueryParam("limit", "10").
		SetResult(&out).
		Get("/drug/drugsfda.json")
	if err != nil {
		return nil, fmt.Errorf("trials: openfda search: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trials: openfda search: status %d", resp.StatusCode())
	}
	return out.Results, nil
}

// CheckApproval reports whether the drug has an original application
// (submission type ORIG) in approved status (AP).
func (c *FDAClient) CheckApproval(ctx context.Context, drugName, sponsor string) (ApprovalResult, error) {
	approvals, err := c.SearchApprovals(ctx, drugName, sponsor)
	if err != nil {
		return ApprovalResult{}, err
	}

	for _, approval := range approvals {
		for _, sub := range approval.Submissions {
			if sub.SubmissionType == "ORIG" && sub.SubmissionStatus == "AP" {
				return ApprovalResult{
					Approved:     true,
					ApprovalDate: parseFDADate(sub.SubmissionStatusDate),
				}, nil
			}
		}
	}
	return ApprovalResult{}, nil
}

// parseFDADate handles the compact YYYYMMDD openFDA timestamp.
func parseFDADate(s string) *time.Time {
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
