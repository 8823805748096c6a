package functions

import (
	"context"
	"sort"
	"time"
)

type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
)

type EconomicEvent struct {
	Name     string    `json:"event"`
	Country  string    `json:"country"`
	Impact   Impact    `json:"impact"`
	Time     time.Time `json:"time"`
	Currency string    `json:"currency"`
}

type CalendarWindow struct {
	From   time.Time       `json:"from"`
	To     time.Time       `json:"to"`
	Events []EconomicEvent `json:"events"`
}

// recurringEvent fires on the dates returned by occurs at hour:minute UTC.
type recurringEvent struct {
	name     string
	country  string
	currency string
	impact   Impact
	hour     int
	minute   int
	occurs   func(day time.Time) bool
}

func weekly(wd time.Weekday) func(time.Time) bool {
	return func(day time.Time) bool { return day.Weekday() == wd }
}

func firstWeekdayOfMonth(wd time.Weekday) func(time.Time) bool {
	return func(day time.Time) bool { return day.Weekday() == wd && day.Day() <= 7 }
}

var recurringEvents = []recurringEvent{
	{name: "Initial Jobless Claims", country: "US", currency: "USD", impact: ImpactMedium, hour: 13, minute: 30, occurs: weekly(time.Thursday)},
	{name: "EIA Crude Oil Inventories", country: "US", currency: "USD", impact: ImpactMedium, hour: 15, minute: 30, occurs: weekly(time.Wednesday)},
	{name: "Non-Farm Payrolls", country: "US", currency: "USD", impact: ImpactHigh, hour: 13, minute: 30, occurs: firstWeekdayOfMonth(time.Friday)},
}

const calendarHorizon = 7 * 24 * time.Hour

// Calendar projects the recurring macro releases into the coming week.
type Calendar struct {
	now func() time.Time
}

func NewCalendar(now func() time.Time) *Calendar {
	if now == nil {
		now = time.Now
	}
	return &Calendar{now: now}
}

func (c *Calendar) Upcoming() CalendarWindow {
	from := c.now().UTC()
	to := from.Add(calendarHorizon)

	events := []EconomicEvent{}
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for day := start; !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, re := range recurringEvents {
			if !re.occurs(day) {
				continue
			}
			at := day.Add(time.Duration(re.hour)*time.Hour + time.Duration(re.minute)*time.Minute)
			if at.Before(from) || at.After(to) {
				continue
			}
			events = append(events, EconomicEvent{
				Name:     re.name,
				Country:  re.country,
				Impact:   re.impact,
				Time:     at,
				Currency: re.currency,
			})
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
	return CalendarWindow{From: from, To: to, Events: events}
}

type calendarArgs struct{}

func calendarFunction(calendar *Calendar) function {
	return typed[calendarArgs]{
		def: Definition{
			Name:        GetEconomicCalendar,
			Description: "Get the important economic events for the coming week",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		run: func(_ context.Context, _ calendarArgs) (any, error) {
			return calendar.Upcoming(), nil
		},
	}
}
