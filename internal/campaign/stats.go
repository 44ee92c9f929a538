package campaign

import "github.com/shopspring/decimal"

type Stats struct {
	Views        int64 `json:"views"`
	Clicks       int64 `json:"clicks"`
	Interactions int64 `json:"interactions"`
	Conversions  int64 `json:"conversions"`
}

// StatsPatch overwrites only the fields that are set.
type StatsPatch struct {
	Views        *int64 `json:"views,omitempty"`
	Clicks       *int64 `json:"clicks,omitempty"`
	Interactions *int64 `json:"interactions,omitempty"`
	Conversions  *int64 `json:"conversions,omitempty"`
}

func (s Stats) Merge(p StatsPatch) Stats {
	if p.Views != nil {
		s.Views = *p.Views
	}
	if p.Clicks != nil {
		s.Clicks = *p.Clicks
	}
	if p.Interactions != nil {
		s.Interactions = *p.Interactions
	}
	if p.Conversions != nil {
		s.Conversions = *p.Conversions
	}
	return s
}

var hundred = decimal.NewFromInt(100)
var thousand = decimal.NewFromInt(1000)

// CTR is clicks per view in percent.
func (s Stats) CTR() decimal.Decimal {
	if s.Views <= 0 || s.Clicks <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.Clicks).Mul(hundred).Div(decimal.NewFromInt(s.Views)).Round(2)
}

// CPC is budget per click.
func (s Stats) CPC(budget decimal.Decimal) decimal.Decimal {
	if s.Clicks <= 0 || !budget.IsPositive() {
		return decimal.Zero
	}
	return budget.Div(decimal.NewFromInt(s.Clicks)).Round(2)
}

// CPM is budget per thousand views.
func (s Stats) CPM(budget decimal.Decimal) decimal.Decimal {
	if s.Views <= 0 || !budget.IsPositive() {
		return decimal.Zero
	}
	return budget.Mul(thousand).Div(decimal.NewFromInt(s.Views)).Round(2)
}

// Report is the computed performance view of a campaign.
type Report struct {
	CampaignID string `json:"campaign_id"`
	Stats      Stats  `json:"stats"`
	Budget     string `json:"budget"`
	CTR        string `json:"ctr"`
	CPC        string `json:"cpc"`
	CPM        string `json:"cpm"`
}

func (c Campaign) Report() Report {
	return Report{
		CampaignID: c.ID,
		Stats:      c.Stats,
		Budget:     c.Budget.StringFixed(2),
		CTR:        c.Stats.CTR().StringFixed(2),
		CPC:        c.Stats.CPC(c.Budget).StringFixed(2),
		CPM:        c.Stats.CPM(c.Budget).StringFixed(2),
	}
}
