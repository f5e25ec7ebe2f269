package models

import (
	"slices"
	"time"
)

// fixedHolidays lists fixed-date public holidays per region, keyed by
// "MM-DD". Holidays that move with the calendar (Easter, Thanksgiving,
// equinox days, substitute days) are not covered.
var fixedHolidays = map[string]map[string]string{
	"JP": {
		"01-01": "new_year",
		"02-11": "national_foundation_day",
		"02-23": "emperors_birthday",
		"04-29": "showa_day",
		"05-03": "constitution_day",
		"05-04": "greenery_day",
		"05-05": "childrens_day",
		"08-11": "mountain_day",
		"11-03": "culture_day",
		"11-23": "labor_thanksgiving_day",
	},
	"US": {
		"01-01": "new_year",
		"06-19": "juneteenth",
		"07-04": "independence_day",
		"11-11": "veterans_day",
		"12-25": "christmas",
	},
	"GB": {
		"01-01": "new_year",
		"12-25": "christmas",
		"12-26": "boxing_day",
	},
	"DE": {
		"01-01": "new_year",
		"05-01": "labour_day",
		"10-03": "german_unity_day",
		"12-25": "christmas",
		"12-26": "second_christmas_day",
	},
	"FR": {
		"01-01": "new_year",
		"05-01": "labour_day",
		"05-08": "victory_day",
		"07-14": "bastille_day",
		"08-15": "assumption",
		"11-01": "all_saints",
		"11-11": "armistice_day",
		"12-25": "christmas",
	},
}

// SupportedRegions returns the regions with a holiday calendar.
func SupportedRegions() []string {
	regions := make([]string, 0, len(fixedHolidays))
	for r := range fixedHolidays {
		regions = append(regions, r)
	}
	slices.Sort(regions)
	return regions
}

// holidayName returns the holiday on t's calendar date in region, if any.
func holidayName(region string, t time.Time) (string, bool) {
	calendar, ok := fixedHolidays[region]
	if !ok {
		return "", false
	}
	name, ok := calendar[t.Format("01-02")]
	return name, ok
}
