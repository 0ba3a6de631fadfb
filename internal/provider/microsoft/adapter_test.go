package microsoft

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

func graphCalendar(id, name string, isDefault, canEdit bool) models.Calendarable {
	cal := models.NewCalendar()
	cal.SetId(&id)
	cal.SetName(&name)
	cal.SetIsDefaultCalendar(&isDefault)
	cal.SetCanEdit(&canEdit)
	return cal
}

func calendarPage(nextLink string, cals ...models.Calendarable) models.CalendarCollectionResponseable {
	page := models.NewCalendarCollectionResponse()
	page.SetValue(cals)
	if nextLink != "" {
		page.SetOdataNextLink(&nextLink)
	}
	return page
}

func TestCollectCalendarsFollowsNextLinks(t *testing.T) {
	pages := map[string]models.CalendarCollectionResponseable{
		"https://graph.microsoft.com/v1.0/me/calendars?$skip=2": calendarPage(
			"https://graph.microsoft.com/v1.0/me/calendars?$skip=4",
			graphCalendar("cal-3", "Team", false, true),
		),
		"https://graph.microsoft.com/v1.0/me/calendars?$skip=4": calendarPage("",
			graphCalendar("cal-4", "Holidays", false, false),
		),
	}

	first := calendarPage("https://graph.microsoft.com/v1.0/me/calendars?$skip=2",
		graphCalendar("cal-1", "Calendar", true, true),
		graphCalendar("cal-2", "Projects", false, true),
	)

	var fetched []string
	calendars, err := collectCalendars(context.Background(), first, func(ctx context.Context, link string) (models.CalendarCollectionResponseable, error) {
		fetched = append(fetched, link)
		page, ok := pages[link]
		if !ok {
			return nil, errors.New("unexpected page link " + link)
		}
		return page, nil
	})
	if err != nil {
		t.Fatalf("collectCalendars: %v", err)
	}

	if len(calendars) != 4 {
		t.Fatalf("calendars = %d, want 4 across all pages", len(calendars))
	}
	if len(fetched) != 2 {
		t.Errorf("follow-up pages fetched = %d, want 2", len(fetched))
	}
	if calendars[0].ID != "cal-1" || !calendars[0].Primary {
		t.Errorf("first calendar = %+v, want cal-1 primary", calendars[0])
	}
	if calendars[3].ID != "cal-4" || !calendars[3].ReadOnly {
		t.Errorf("last calendar = %+v, want cal-4 read-only", calendars[3])
	}
}

func TestCollectCalendarsSinglePage(t *testing.T) {
	first := calendarPage("", graphCalendar("cal-1", "Calendar", true, true))

	calendars, err := collectCalendars(context.Background(), first, func(ctx context.Context, link string) (models.CalendarCollectionResponseable, error) {
		t.Fatalf("unexpected page fetch for %q", link)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(calendars) != 1 {
		t.Errorf("calendars = %d, want 1", len(calendars))
	}
}
